package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wenlab/litriage/internal/project"
	"github.com/wenlab/litriage/internal/tasks"
)

const (
	defaultAnalyzeWorkers = 3
	maxAnalyzeWorkers     = 16

	// restLogTail bounds the log slice attached to REST task responses;
	// clients that need more history use the websocket stream.
	restLogTail = 500
)

type startAnalyzeRequest struct {
	Project string `json:"project"`
	PDFDir  string `json:"pdf_dir"`
	Limit   int    `json:"limit"`
	Single  string `json:"single"`
	Workers int    `json:"workers"`
}

type startClassifyRequest struct {
	Project string `json:"project"`
}

func (s *Server) handleStartAnalyze(w http.ResponseWriter, r *http.Request) {
	var req startAnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	token := strings.TrimSpace(req.Project)
	if dir := strings.TrimSpace(req.PDFDir); dir != "" {
		token = project.PathPrefix + dir
	}
	if token == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "project or pdf_dir is required")
		return
	}
	if !strings.HasPrefix(token, project.PathPrefix) {
		if err := s.ensureProject(token); err != nil {
			s.respondProjectErr(w, token, err)
			return
		}
	}

	workers := req.Workers
	if workers <= 0 {
		workers = defaultAnalyzeWorkers
	}
	if workers > maxAnalyzeWorkers {
		workers = maxAnalyzeWorkers
	}

	command := []string{
		s.cfg.PythonBin, "src/main.py",
		"--config", token,
		"--mode", "analyze",
		"--workers", fmt.Sprintf("%d", workers),
	}
	if req.Limit > 0 {
		command = append(command, "--limit", fmt.Sprintf("%d", req.Limit))
	}
	if single := strings.TrimSpace(req.Single); single != "" {
		command = append(command, "--single", single)
	}

	snap, err := s.tasks.StartTask(tasks.StageAnalyze, command, s.cfg.ScriptsRoot)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}
	s.metrics.TasksStarted.WithLabelValues(tasks.StageAnalyze).Inc()
	s.metrics.RunningTasks.Inc()
	respondJSON(w, http.StatusAccepted, map[string]any{"task": snap})
}

func (s *Server) handleStartClassify(w http.ResponseWriter, r *http.Request) {
	var req startClassifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.Project)
	if name == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "project is required")
		return
	}

	snap, err := s.startClassifyTask(name)
	if err != nil {
		s.respondProjectErr(w, name, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"task": snap})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.tasks.Get(id)
	if err == nil {
		logs, _ := s.tasks.LogTail(id, restLogTail)
		respondJSON(w, http.StatusOK, map[string]any{"task": snap, "logs": logs})
		return
	}
	if !errors.Is(err, tasks.ErrTaskNotFound) {
		respondError(w, http.StatusInternalServerError, "task_error", err.Error())
		return
	}

	// Fall through to the archive for tasks from earlier process lifetimes.
	if s.history != nil {
		archived, herr := s.history.GetTask(r.Context(), id)
		if herr == nil {
			respondJSON(w, http.StatusOK, map[string]any{"task": archived, "logs": []string{}})
			return
		}
		if !errors.Is(herr, tasks.ErrStoreNotFound) {
			respondError(w, http.StatusInternalServerError, "history_error", herr.Error())
			return
		}
	}
	respondError(w, http.StatusNotFound, "task_not_found", "unknown task: "+id)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	live := s.tasks.List()
	resp := map[string]any{"tasks": live}

	if s.history != nil {
		limit := queryInt(r, "history_limit", 50)
		archived, err := s.history.ListTasks(r.Context(), limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "history_error", err.Error())
			return
		}
		seen := make(map[string]struct{}, len(live))
		for _, snap := range live {
			seen[snap.TaskID] = struct{}{}
		}
		history := make([]tasks.Snapshot, 0, len(archived))
		for _, snap := range archived {
			if _, ok := seen[snap.TaskID]; ok {
				continue
			}
			history = append(history, snap)
		}
		resp["history"] = history
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondProjectErr(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, project.ErrNotFound) {
		respondError(w, http.StatusNotFound, "project_not_found", "unknown project: "+name)
		return
	}
	respondError(w, http.StatusInternalServerError, "project_error", err.Error())
}
