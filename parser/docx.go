package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXParser extracts text from Word documents. Headings become their
// own lines, body paragraphs follow, and tables are flattened to
// pipe-delimited rows.
type DOCXParser struct{}

func (p *DOCXParser) SupportedFormats() []string { return []string{"docx"} }

func (p *DOCXParser) Parse(ctx context.Context, path string) (*Result, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	defer r.Close()

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in DOCX")
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	return parseDocxXML(data)
}

// DOCX XML structures (simplified)
type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxBody struct {
	XMLName xml.Name    `xml:"body"`
	Paras   []docxPara  `xml:"p"`
	Tables  []docxTable `xml:"tbl"`
}

type docxPara struct {
	XMLName xml.Name    `xml:"p"`
	PPr     *docxParaPr `xml:"pPr"`
	Runs    []docxRun   `xml:"r"`
}

type docxParaPr struct {
	PStyle *docxPStyle `xml:"pStyle"`
}

type docxPStyle struct {
	Val string `xml:"val,attr"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

func parseDocxXML(data []byte) (*Result, error) {
	var doc docxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing DOCX XML: %w", err)
	}

	var b strings.Builder
	title := ""

	for _, para := range doc.Body.Paras {
		text := extractParaText(para)
		if text == "" {
			continue
		}

		style := ""
		if para.PPr != nil && para.PPr.PStyle != nil {
			style = strings.ToLower(para.PPr.PStyle.Val)
		}
		isHeading := strings.HasPrefix(style, "heading") || strings.HasPrefix(style, "title")

		if isHeading {
			if title == "" {
				title = text
			}
			// Blank line before a heading keeps paragraph boundaries
			// visible to the chunker's sentence logic.
			if b.Len() > 0 {
				b.WriteString("\n")
			}
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	for _, tbl := range doc.Body.Tables {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				var cellText strings.Builder
				for _, p := range cell.Paras {
					if t := extractParaText(p); t != "" {
						if cellText.Len() > 0 {
							cellText.WriteString(" ")
						}
						cellText.WriteString(t)
					}
				}
				cells = append(cells, cellText.String())
			}
			b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil, fmt.Errorf("no text found in DOCX")
	}
	return &Result{Text: text, Title: title}, nil
}

func extractParaText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t.Content)
		}
	}
	return strings.TrimSpace(b.String())
}
