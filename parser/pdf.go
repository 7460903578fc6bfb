package parser

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser extracts text from PDFs page by page. Pages with no
// extractable text (scans, images) are skipped rather than failing the
// whole document.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*Result, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	var pages []string

	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, text)
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("no extractable text in PDF (%d pages)", totalPages)
	}

	return &Result{
		Text: strings.Join(pages, "\n\n"),
		Metadata: map[string]string{
			"pages":      strconv.Itoa(totalPages),
			"text_pages": strconv.Itoa(len(pages)),
		},
	}, nil
}
