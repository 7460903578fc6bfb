package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXParser flattens spreadsheets to pipe-delimited rows, one block per
// sheet, headed by the sheet name.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx"} }

func (p *XLSXParser) Parse(ctx context.Context, path string) (*Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	sheets := 0

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sheet)
		b.WriteString("\n")
		for _, row := range rows {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		sheets++
	}

	if sheets == 0 {
		return nil, fmt.Errorf("no data found in XLSX")
	}

	return &Result{
		Text: strings.TrimSpace(b.String()),
		Metadata: map[string]string{
			"sheets": fmt.Sprintf("%d", sheets),
		},
	}, nil
}
