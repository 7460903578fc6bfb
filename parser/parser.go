// Package parser extracts plain text from document files so they can be
// remembered like any other content. Extraction is lossy on purpose:
// layout, styling, and embedded media are discarded, only the text that
// the chunker and the extraction pipeline can use survives.
package parser

import "context"

// Result is the extracted text of a document file.
type Result struct {
	Text     string            // plain text; pages, sheets, and slides joined by blank lines
	Title    string            // best-effort document title, may be empty
	Metadata map[string]string // format-specific details (page counts, sheet names)
}

// Parser can extract text from a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*Result, error)
	SupportedFormats() []string
}
