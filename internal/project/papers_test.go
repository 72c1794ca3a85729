package project

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestBuildPaperIndex(t *testing.T) {
	pdfDir := filepath.Join(t.TempDir(), "pdfs")
	cfg := configFromPDFDir(pdfDir)

	// a.pdf: waiting in the input dir, no staging artifact yet.
	writeFile(t, filepath.Join(cfg.PDFInputDir, "a.pdf"), "%PDF-a")

	// b.pdf: processed, analyzed and classified, markdown filed by category.
	writeFile(t, filepath.Join(cfg.PDFProcessedDir, "b.pdf"), "%PDF-b")
	writeFile(t, filepath.Join(cfg.StagingDir, "b.json"),
		`{"source_pdf":"b.pdf","analysis":{"title":"TB"},"md_filename":"b.md","final_category_name":"分类甲"}`)
	writeFile(t, filepath.Join(cfg.MDOutputRoot, "分类甲", "b.md"), "# TB")

	// c.pdf: staging artifact only, markdown still unclassified.
	writeFile(t, filepath.Join(cfg.StagingDir, "c.json"),
		`{"source_pdf":"c.pdf","analysis":{"title":"TC"},"md_filename":"c.md"}`)
	writeFile(t, filepath.Join(cfg.MDOutputRoot, cfg.UnclassifiedDirName, "c.md"), "# TC")

	// The proposal artifact never shows up as a paper.
	writeFile(t, filepath.Join(cfg.StagingDir, "category_suggestions.json"), `{}`)

	papers := BuildPaperIndex(cfg)
	if len(papers) != 3 {
		t.Fatalf("len(papers) = %d, want 3: %+v", len(papers), papers)
	}

	a, b, c := papers[0], papers[1], papers[2]

	if a.SourcePDF != "a.pdf" || a.Status != "pending" {
		t.Fatalf("a = %+v, want pending a.pdf", a)
	}
	if a.PDFPath == nil || *a.PDFPath != filepath.Join(cfg.PDFInputDir, "a.pdf") {
		t.Fatalf("a.PDFPath = %v", a.PDFPath)
	}
	if a.Title != nil || a.MDPath != nil {
		t.Fatalf("a should have no analysis fields: %+v", a)
	}

	if b.SourcePDF != "b.pdf" || b.Status != "classified" {
		t.Fatalf("b = %+v, want classified b.pdf", b)
	}
	if b.Title == nil || *b.Title != "TB" {
		t.Fatalf("b.Title = %v", b.Title)
	}
	if b.PDFPath == nil || *b.PDFPath != filepath.Join(cfg.PDFProcessedDir, "b.pdf") {
		t.Fatalf("b.PDFPath = %v", b.PDFPath)
	}
	if b.MDPath == nil || *b.MDPath != filepath.Join(cfg.MDOutputRoot, "分类甲", "b.md") {
		t.Fatalf("b.MDPath = %v", b.MDPath)
	}
	if b.CategoryName == nil || *b.CategoryName != "分类甲" {
		t.Fatalf("b.CategoryName = %v", b.CategoryName)
	}

	if c.SourcePDF != "c.pdf" || c.Status != "analyzed" {
		t.Fatalf("c = %+v, want analyzed c.pdf", c)
	}
	if c.PDFPath != nil {
		t.Fatalf("c.PDFPath = %v, want nil (no pdf on disk)", *c.PDFPath)
	}
	if c.MDPath == nil || *c.MDPath != filepath.Join(cfg.MDOutputRoot, cfg.UnclassifiedDirName, "c.md") {
		t.Fatalf("c.MDPath = %v", c.MDPath)
	}
}

func TestBuildPaperIndexMissingDirs(t *testing.T) {
	cfg := configFromPDFDir(filepath.Join(t.TempDir(), "nowhere"))
	if papers := BuildPaperIndex(cfg); len(papers) != 0 {
		t.Fatalf("papers = %+v, want empty for missing directories", papers)
	}
}
