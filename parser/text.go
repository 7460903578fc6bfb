package parser

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TextParser handles plain text and markdown files.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string {
	return []string{"txt", "md", "markdown", "log"}
}

func (p *TextParser) Parse(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	text := string(data)
	return &Result{
		Text:  text,
		Title: firstMarkdownHeading(text),
	}, nil
}

// firstMarkdownHeading returns the text of the first ATX heading when the
// file leads with markdown-style structure.
func firstMarkdownHeading(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
		return ""
	}
	return ""
}
