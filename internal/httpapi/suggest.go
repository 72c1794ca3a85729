package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wenlab/litriage/internal/project"
	"github.com/wenlab/litriage/internal/suggest"
)

type suggestApplyRequest struct {
	Project string `json:"project"`
	// Categories nil means "apply the session's current draft".
	Categories  map[string]string `json:"categories"`
	RunClassify bool              `json:"run_classify"`
}

func (s *Server) handleSuggestSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "project")

	session, err := s.suggest.LoadSession(name)
	if err != nil {
		s.respondSuggestErr(w, name, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleSuggestApply(w http.ResponseWriter, r *http.Request) {
	var req suggestApplyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.Project)
	if name == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "project is required")
		return
	}

	result, err := s.suggest.ApplyCategories(name, req.Categories)
	if err != nil {
		s.respondSuggestErr(w, name, err)
		return
	}

	resp := map[string]any{"applied": result}
	if req.RunClassify {
		snap, err := s.startClassifyTask(name)
		if err != nil {
			resp["classify_error"] = err.Error()
		} else {
			resp["classify_task"] = snap
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondSuggestErr(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, project.ErrNotFound):
		respondError(w, http.StatusNotFound, "project_not_found", "unknown project: "+name)
	case errors.Is(err, suggest.ErrNoAnalysis):
		respondError(w, http.StatusConflict, "no_analysis", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "suggest_error", err.Error())
	}
}
