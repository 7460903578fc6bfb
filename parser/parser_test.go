package parser

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

// ---------------------------------------------------------------------------
// Registry tests
// ---------------------------------------------------------------------------

func TestRegistryFormats(t *testing.T) {
	r := NewRegistry()

	for _, format := range []string{"txt", "md", "markdown", "log", "pdf", "docx", "xlsx", "pptx"} {
		if _, err := r.Get(format); err != nil {
			t.Errorf("Get(%q) failed: %v", format, err)
		}
	}
}

func TestRegistryUnknownFormat(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("wav")
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
	if !strings.Contains(err.Error(), "no parser for format: wav") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRegistryRegisterOverride(t *testing.T) {
	r := NewRegistry()
	custom := &TextParser{}
	r.Register("custom", custom)

	p, err := r.Get("custom")
	if err != nil {
		t.Fatalf("Get(custom): %v", err)
	}
	if p != custom {
		t.Error("registered parser not returned")
	}
}

// ---------------------------------------------------------------------------
// Text parser tests
// ---------------------------------------------------------------------------

func TestTextParser(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	content := "First line of the note.\nSecond line."
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Text != content {
		t.Errorf("Text = %q, want %q", res.Text, content)
	}
	if res.Title != "" {
		t.Errorf("plain text should have no title, got %q", res.Title)
	}
}

func TestTextParserMarkdownTitle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	content := "# Project Kickoff\n\nNotes from the kickoff meeting."
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Title != "Project Kickoff" {
		t.Errorf("Title = %q, want %q", res.Title, "Project Kickoff")
	}
}

func TestTextParserMissingFile(t *testing.T) {
	_, err := (&TextParser{}).Parse(context.Background(), "/does/not/exist.txt")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ---------------------------------------------------------------------------
// DOCX parser tests
// ---------------------------------------------------------------------------

const docxXMLFixture = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p>
      <w:pPr><w:pStyle w:val="Title"/></w:pPr>
      <w:r><w:t>Quarterly Review</w:t></w:r>
    </w:p>
    <w:p>
      <w:r><w:t>We decided to ship </w:t></w:r>
      <w:r><w:t>in March.</w:t></w:r>
    </w:p>
    <w:p>
      <w:pPr><w:pStyle w:val="Heading1"/></w:pPr>
      <w:r><w:t>Risks</w:t></w:r>
    </w:p>
    <w:p>
      <w:r><w:t>Vendor timeline is uncertain.</w:t></w:r>
    </w:p>
    <w:tbl>
      <w:tr>
        <w:tc><w:p><w:r><w:t>Owner</w:t></w:r></w:p></w:tc>
        <w:tc><w:p><w:r><w:t>Task</w:t></w:r></w:p></w:tc>
      </w:tr>
      <w:tr>
        <w:tc><w:p><w:r><w:t>Dana</w:t></w:r></w:p></w:tc>
        <w:tc><w:p><w:r><w:t>Follow up</w:t></w:r></w:p></w:tc>
      </w:tr>
    </w:tbl>
  </w:body>
</w:document>`

func writeDocx(t *testing.T, documentXML string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.docx")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDOCXParser(t *testing.T) {
	path := writeDocx(t, docxXMLFixture)

	res, err := (&DOCXParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if res.Title != "Quarterly Review" {
		t.Errorf("Title = %q, want %q", res.Title, "Quarterly Review")
	}
	// Runs within a paragraph are joined without separators.
	if !strings.Contains(res.Text, "We decided to ship in March.") {
		t.Errorf("paragraph runs not joined, text:\n%s", res.Text)
	}
	if !strings.Contains(res.Text, "Risks") {
		t.Error("heading text missing")
	}
	if !strings.Contains(res.Text, "| Dana | Follow up |") {
		t.Errorf("table row not flattened, text:\n%s", res.Text)
	}
}

func TestDOCXParserNoDocumentXML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.docx")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, _ := zw.Create("other.xml")
	w.Write([]byte("<x/>"))
	zw.Close()
	f.Close()

	_, err = (&DOCXParser{}).Parse(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "document.xml not found") {
		t.Errorf("expected missing document.xml error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// PPTX parser tests
// ---------------------------------------------------------------------------

const slideXMLTemplate = `<?xml version="1.0"?>
<p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"
       xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">
  <p:cSld>
    <p:spTree>
      <p:sp>
        <p:txBody>
          <a:p><a:r><a:t>SLIDETEXT</a:t></a:r></a:p>
        </p:txBody>
      </p:sp>
    </p:spTree>
  </p:cSld>
</p:sld>`

func TestPPTXParser(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deck.pptx")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	// Write slides out of order to verify sorting.
	for _, s := range []struct {
		name, text string
	}{
		{"ppt/slides/slide2.xml", "Second slide content"},
		{"ppt/slides/slide1.xml", "First slide content"},
	} {
		w, err := zw.Create(s.name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(strings.Replace(slideXMLTemplate, "SLIDETEXT", s.text, 1)))
	}
	zw.Close()
	f.Close()

	res, err := (&PPTXParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	first := strings.Index(res.Text, "First slide content")
	second := strings.Index(res.Text, "Second slide content")
	if first < 0 || second < 0 {
		t.Fatalf("slide text missing:\n%s", res.Text)
	}
	if first > second {
		t.Error("slides not in order")
	}
	if res.Metadata["slides"] != "2" {
		t.Errorf("slides metadata = %q, want 2", res.Metadata["slides"])
	}
}

// ---------------------------------------------------------------------------
// XLSX parser tests
// ---------------------------------------------------------------------------

func TestXLSXParser(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.xlsx")

	f := excelize.NewFile()
	f.SetCellValue("Sheet1", "A1", "Name")
	f.SetCellValue("Sheet1", "B1", "Role")
	f.SetCellValue("Sheet1", "A2", "Alice")
	f.SetCellValue("Sheet1", "B2", "Engineer")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	f.Close()

	res, err := (&XLSXParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(res.Text, "Sheet1") {
		t.Error("sheet name missing from text")
	}
	if !strings.Contains(res.Text, "| Alice | Engineer |") {
		t.Errorf("row not flattened, text:\n%s", res.Text)
	}
	if res.Metadata["sheets"] != "1" {
		t.Errorf("sheets metadata = %q, want 1", res.Metadata["sheets"])
	}
}
