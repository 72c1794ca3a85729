package httpapi

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wenlab/litriage/internal/project"
)

var errPathOutsideRoots = errors.New("path is outside the allowed roots")

func (s *Server) handleProjectPapers(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "project")
	cfg, err := s.projects.Load(name)
	if err != nil {
		s.respondProjectErr(w, name, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"project": name,
		"papers":  project.BuildPaperIndex(cfg),
	})
}

func (s *Server) handleAnalyzePapers(w http.ResponseWriter, r *http.Request) {
	dir := strings.TrimSpace(r.URL.Query().Get("pdf_dir"))
	if dir == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "pdf_dir is required")
		return
	}
	cfg, err := s.projects.Load(project.PathPrefix + dir)
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"pdf_dir": cfg.PDFInputDir,
		"papers":  project.BuildPaperIndex(cfg),
	})
}

func (s *Server) handleGetMarkdown(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.contentConfig(w, r)
	if !ok {
		return
	}
	resolved, err := resolveSafePath(r.URL.Query().Get("path"), []string{cfg.MDOutputRoot})
	if err != nil {
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respondError(w, http.StatusNotFound, "not_found", "markdown not found: "+resolved)
			return
		}
		respondError(w, http.StatusInternalServerError, "read_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleGetPDF(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.contentConfig(w, r)
	if !ok {
		return
	}
	resolved, err := resolveSafePath(r.URL.Query().Get("path"), []string{cfg.PDFInputDir, cfg.PDFProcessedDir})
	if err != nil {
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		respondError(w, http.StatusNotFound, "not_found", "pdf not found: "+resolved)
		return
	}
	// Inline so the frontend can embed the document instead of downloading.
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+filepath.Base(resolved)+`"`)
	http.ServeFile(w, r, resolved)
}

// contentConfig resolves the project / pdf_dir query pair shared by the
// content endpoints. On failure it writes the response and returns ok=false.
func (s *Server) contentConfig(w http.ResponseWriter, r *http.Request) (project.Config, bool) {
	if name := strings.TrimSpace(r.URL.Query().Get("project")); name != "" {
		cfg, err := s.projects.Load(name)
		if err != nil {
			s.respondProjectErr(w, name, err)
			return project.Config{}, false
		}
		return cfg, true
	}
	if dir := strings.TrimSpace(r.URL.Query().Get("pdf_dir")); dir != "" {
		cfg, err := s.projects.Load(project.PathPrefix + dir)
		if err != nil {
			respondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return project.Config{}, false
		}
		return cfg, true
	}
	respondError(w, http.StatusBadRequest, "bad_request", "project or pdf_dir is required")
	return project.Config{}, false
}

// resolveSafePath confines a user-supplied path to the given roots; anything
// resolving outside every root is rejected before touching the filesystem.
func resolveSafePath(raw string, roots []string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("path is required")
	}
	path, err := filepath.Abs(raw)
	if err != nil {
		return "", err
	}
	path = filepath.Clean(path)
	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if path == rootAbs || strings.HasPrefix(path, rootAbs+string(filepath.Separator)) {
			return path, nil
		}
	}
	return "", errPathOutsideRoots
}
