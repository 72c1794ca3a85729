package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const suggestionsFilename = "category_suggestions.json"

// Paper is one row of a project's browsing index: the union of PDFs found on
// disk and staging artifacts, joined by source filename. Path fields are nil
// when the file does not exist.
type Paper struct {
	SourcePDF        string  `json:"source_pdf"`
	Title            *string `json:"title"`
	Status           string  `json:"status"`
	PDFPath          *string `json:"pdf_path"`
	ProcessedPDFPath *string `json:"processed_pdf_path"`
	MDFilename       *string `json:"md_filename"`
	MDPath           *string `json:"md_path"`
	CategoryName     *string `json:"category_name"`
}

// BuildPaperIndex walks the project's pdf, processed and staging locations
// and merges them into one per-paper view. Everything is best-effort: missing
// directories and unreadable artifacts contribute nothing rather than fail
// the whole index.
func BuildPaperIndex(cfg Config) []Paper {
	staging := readStagingIndex(cfg.StagingDir)

	names := make(map[string]struct{})
	for _, n := range listPDFs(cfg.PDFInputDir) {
		names[n] = struct{}{}
	}
	for _, n := range listPDFs(cfg.PDFProcessedDir) {
		names[n] = struct{}{}
	}
	for n := range staging {
		names[n] = struct{}{}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	papers := make([]Paper, 0, len(sorted))
	for _, sourcePDF := range sorted {
		pendingPDF := filepath.Join(cfg.PDFInputDir, sourcePDF)
		processedPDF := filepath.Join(cfg.PDFProcessedDir, sourcePDF)
		item := staging[sourcePDF]

		var processedFromStaging string
		if item != nil {
			if p, _ := item["processed_pdf_path"].(string); p != "" && fileExists(p) {
				processedFromStaging = p
			}
		}

		var displayPDF string
		switch {
		case fileExists(pendingPDF):
			displayPDF = pendingPDF
		case fileExists(processedPDF):
			displayPDF = processedPDF
		case processedFromStaging != "":
			displayPDF = processedFromStaging
		}

		var title, mdFilename, mdPath, categoryName string
		if item != nil {
			if analysis, ok := item["analysis"].(map[string]any); ok {
				title, _ = analysis["title"].(string)
			}
			mdFilename, _ = item["md_filename"].(string)
			categoryName, _ = item["final_category_name"].(string)
			if mdFilename != "" {
				var candidates []string
				if categoryName != "" {
					candidates = append(candidates, filepath.Join(cfg.MDOutputRoot, categoryName, mdFilename))
				}
				candidates = append(candidates, filepath.Join(cfg.MDOutputRoot, cfg.UnclassifiedDirName, mdFilename))
				for _, candidate := range candidates {
					if fileExists(candidate) {
						mdPath = candidate
						break
					}
				}
			}
		}

		status := "unknown"
		switch {
		case item == nil && fileExists(pendingPDF):
			status = "pending"
		case item != nil && categoryName != "":
			status = "classified"
		case item != nil:
			status = "analyzed"
		}

		processedPath := processedFromStaging
		if processedPath == "" && fileExists(processedPDF) {
			processedPath = processedPDF
		}

		papers = append(papers, Paper{
			SourcePDF:        sourcePDF,
			Title:            optional(title),
			Status:           status,
			PDFPath:          optional(displayPDF),
			ProcessedPDFPath: optional(processedPath),
			MDFilename:       optional(mdFilename),
			MDPath:           optional(mdPath),
			CategoryName:     optional(categoryName),
		})
	}
	return papers
}

func readStagingIndex(stagingDir string) map[string]map[string]any {
	out := make(map[string]map[string]any)
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || e.Name() == suggestionsFilename {
			continue
		}
		data, err := os.ReadFile(filepath.Join(stagingDir, e.Name()))
		if err != nil {
			continue
		}
		item := make(map[string]any)
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		sourcePDF, _ := item["source_pdf"].(string)
		if sourcePDF = strings.TrimSpace(sourcePDF); sourcePDF != "" {
			out[sourcePDF] = item
		}
	}
	return out
}

func listPDFs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".pdf") {
			names = append(names, e.Name())
		}
	}
	return names
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
