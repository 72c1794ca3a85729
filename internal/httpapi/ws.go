package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wenlab/litriage/internal/project"
)

const (
	// Close codes beyond the RFC 6455 range: 4404 mirrors HTTP 404 for
	// unknown resources on a websocket path.
	closeNotFound = 4404

	// wsLogTail is the backlog replayed in the task stream's opening
	// snapshot frame.
	wsLogTail = 300

	wsWriteTimeout = 10 * time.Second
)

type suggestInbound struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// DraftCategories nil means the field was absent from the frame.
	DraftCategories map[string]string `json:"draft_categories"`
	RunClassify     bool              `json:"run_classify"`
}

func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("task ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	sub, err := s.tasks.Subscribe(id, wsLogTail)
	if err != nil {
		s.writeWS(conn, "tasks", map[string]any{"type": "error", "message": "unknown task: " + id})
		s.closeWS(conn, closeNotFound, "unknown task")
		return
	}
	defer sub.Cancel()

	s.writeWS(conn, "tasks", map[string]any{
		"type": "snapshot",
		"task": sub.Snapshot,
		"logs": sub.LogTail,
	})

	// The read loop exists to notice disconnects; inbound frames carry no
	// meaning on this stream.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Cancel()
				return
			}
			s.metrics.WSMessages.WithLabelValues("tasks", "in").Inc()
		}
	}()

	for evt := range sub.Events {
		if err := s.writeWS(conn, "tasks", evt); err != nil {
			return
		}
	}
}

func (s *Server) handleSuggestWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "project")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("suggest ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	session, err := s.suggest.LoadSession(name)
	if err != nil {
		s.writeWS(conn, "suggest", map[string]any{"type": "error", "message": err.Error()})
		if errors.Is(err, project.ErrNotFound) {
			s.closeWS(conn, closeNotFound, "unknown project")
		} else {
			s.closeWS(conn, websocket.CloseInternalServerErr, "session load failed")
		}
		return
	}

	s.writeWS(conn, "suggest", map[string]any{"type": "snapshot", "session": session})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.metrics.WSMessages.WithLabelValues("suggest", "in").Inc()

		var msg suggestInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.writeWS(conn, "suggest", map[string]any{"type": "error", "message": "invalid message, expected JSON"})
			continue
		}

		switch msg.Type {
		case "chat":
			s.handleSuggestChat(r, conn, name, msg)
		case "set_draft":
			draft, err := s.suggest.UpdateDraft(name, msg.DraftCategories)
			if err != nil {
				s.writeWS(conn, "suggest", map[string]any{"type": "error", "message": err.Error()})
				continue
			}
			s.writeWS(conn, "suggest", map[string]any{"type": "draft_updated", "draft_categories": draft})
		case "apply":
			result, err := s.suggest.ApplyCategories(name, msg.DraftCategories)
			if err != nil {
				s.writeWS(conn, "suggest", map[string]any{"type": "error", "message": err.Error()})
				continue
			}
			s.writeWS(conn, "suggest", map[string]any{
				"type":          "applied",
				"project":       result.Project,
				"categories":    result.Categories,
				"projects_yaml": result.ConfigPath,
			})
			if msg.RunClassify {
				snap, err := s.startClassifyTask(name)
				if err != nil {
					s.writeWS(conn, "suggest", map[string]any{"type": "error", "message": err.Error()})
				} else {
					s.writeWS(conn, "suggest", map[string]any{"type": "classify_started", "task": snap})
				}
			}
		default:
			s.writeWS(conn, "suggest", map[string]any{"type": "error", "message": "unknown message type: " + msg.Type})
		}
	}
}

func (s *Server) handleSuggestChat(r *http.Request, conn *websocket.Conn, name string, msg suggestInbound) {
	userMessage := strings.TrimSpace(msg.Message)
	if userMessage == "" {
		s.writeWS(conn, "suggest", map[string]any{"type": "error", "message": "message must not be empty"})
		return
	}

	s.writeWS(conn, "suggest", map[string]any{"type": "thinking", "value": true})
	started := time.Now()
	result, err := s.suggest.Chat(r.Context(), name, userMessage)
	s.metrics.ObserveChatTurn(time.Since(started))

	if err != nil {
		s.writeWS(conn, "suggest", map[string]any{"type": "error", "message": err.Error()})
	} else {
		s.writeWS(conn, "suggest", map[string]any{
			"type":             "assistant",
			"message":          result.AssistantReply,
			"draft_categories": result.DraftCategories,
			"messages":         result.Messages,
		})
	}
	s.writeWS(conn, "suggest", map[string]any{"type": "thinking", "value": false})
}

func (s *Server) writeWS(conn *websocket.Conn, stream string, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return err
	}
	s.metrics.WSMessages.WithLabelValues(stream, "out").Inc()
	return nil
}

func (s *Server) closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}
