package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wenlab/litriage/internal/config"
	"github.com/wenlab/litriage/internal/observability"
	"github.com/wenlab/litriage/internal/project"
	"github.com/wenlab/litriage/internal/suggest"
	"github.com/wenlab/litriage/internal/tasks"
)

type Server struct {
	cfg      config.Config
	tasks    *tasks.Manager
	suggest  *suggest.Manager
	projects *project.Store
	history  tasks.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, taskManager *tasks.Manager, suggestManager *suggest.Manager, projects *project.Store, history tasks.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		tasks:    taskManager,
		suggest:  suggestManager,
		projects: projects,
		history:  history,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Non-browser clients
				// omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/api/projects", s.handleListProjects)
	r.Get("/api/projects/{project}/papers", s.handleProjectPapers)
	r.Get("/api/analyze/papers", s.handleAnalyzePapers)
	r.Get("/api/md", s.handleGetMarkdown)
	r.Get("/api/pdf", s.handleGetPDF)
	r.Post("/api/analyze/start", s.handleStartAnalyze)
	r.Post("/api/classify/start", s.handleStartClassify)
	r.Get("/api/tasks", s.handleListTasks)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Get("/api/suggest/{project}", s.handleSuggestSnapshot)
	r.Post("/api/suggest/apply", s.handleSuggestApply)

	r.Get("/ws/tasks/{id}", s.handleTaskWS)
	r.Get("/ws/suggest/{project}", s.handleSuggestWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"history_store": s.history != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	names, err := s.projects.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "projects_unavailable", err.Error())
		return
	}
	items := make([]map[string]any, 0, len(names))
	for _, name := range names {
		cfg, err := s.projects.Load(name)
		if err != nil {
			continue
		}
		items = append(items, map[string]any{
			"id":             name,
			"name":           cfg.Name,
			"pdf_dir":        cfg.PDFInputDir,
			"staging_dir":    cfg.StagingDir,
			"md_output_root": cfg.MDOutputRoot,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"projects": items})
}

// classifyCommand builds the child-process invocation for the classify
// stage; the analyze equivalent lives in tasks.go next to its handler.
func (s *Server) classifyCommand(projectName string) []string {
	return []string{s.cfg.PythonBin, "src/main.py", "--config", projectName, "--mode", "classify"}
}

func (s *Server) startClassifyTask(projectName string) (tasks.Snapshot, error) {
	if err := s.ensureProject(projectName); err != nil {
		return tasks.Snapshot{}, err
	}
	snap, err := s.tasks.StartTask(tasks.StageClassify, s.classifyCommand(projectName), s.cfg.ScriptsRoot)
	if err != nil {
		return tasks.Snapshot{}, err
	}
	s.metrics.TasksStarted.WithLabelValues(tasks.StageClassify).Inc()
	s.metrics.RunningTasks.Inc()
	return snap, nil
}

func (s *Server) ensureProject(name string) error {
	names, err := s.projects.List()
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	return project.ErrNotFound
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
