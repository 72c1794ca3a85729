package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/wenlab/litriage/internal/project"
)

var (
	// ErrNoAnalysis means the project has no staging artifacts yet; the
	// workflow requires the analyze stage to have produced output first.
	ErrNoAnalysis = errors.New("no analysis artifacts found")

	// ErrBadModelReply means the model response could not be parsed as the
	// expected JSON object. The session is left unmodified.
	ErrBadModelReply = errors.New("model reply is not valid JSON")
)

// ChatModel is the generative-language boundary. Implementations must be
// safe for concurrent use.
type ChatModel interface {
	GenerateText(ctx context.Context, model string, temperature float64, prompt string) (string, error)
}

type ChatResult struct {
	AssistantReply  string            `json:"assistant_reply"`
	DraftCategories map[string]string `json:"draft_categories"`
	Messages        []Message         `json:"messages"`
}

type ApplyResult struct {
	Project    string            `json:"project"`
	Categories map[string]string `json:"categories"`
	ConfigPath string            `json:"projects_yaml"`
}

// Manager owns the per-project session registry and mediates between the
// persisted configuration, the staging artifacts, and the chat-mutated
// draft state.
type Manager struct {
	mu       sync.Mutex
	projects *project.Store
	model    ChatModel
	sessions map[string]*Session
}

func NewManager(projects *project.Store, model ChatModel) *Manager {
	return &Manager{
		projects: projects,
		model:    model,
		sessions: make(map[string]*Session),
	}
}

// LoadSession derives a fresh suggestions payload from the project's staging
// artifacts and returns the (possibly pre-existing) session for the project.
// A live session keeps a non-empty draft across reloads; otherwise the draft
// seeds from persisted applied categories, falling back to the proposal.
func (m *Manager) LoadSession(name string) (*Session, error) {
	cfg, err := m.projects.Load(name)
	if err != nil {
		return nil, err
	}
	suggestions, err := m.loadOrBuildSuggestions(cfg)
	if err != nil {
		return nil, err
	}

	var seed map[string]string
	if len(cfg.Categories) > 0 {
		seed = NormalizeCategories(coerceCategories(cfg.Categories))
	} else {
		seed = NormalizeCategories(coerceCategories(suggestions["suggested_categories"]))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[name]
	if !ok {
		session = &Session{
			SessionID:       name + "-session",
			Project:         name,
			Suggestions:     suggestions,
			DraftCategories: seed,
			Messages:        []Message{},
		}
		m.sessions[name] = session
	} else {
		session.Suggestions = suggestions
		if len(session.DraftCategories) == 0 {
			session.DraftCategories = seed
		}
	}
	return session.clone(), nil
}

// Chat runs one conversational turn. A malformed model reply fails the turn
// without recording it; on success both turns are appended and the
// normalized replacement draft is installed.
func (m *Manager) Chat(ctx context.Context, name, userMessage string) (ChatResult, error) {
	session, err := m.LoadSession(name)
	if err != nil {
		return ChatResult{}, err
	}
	cfg, err := m.projects.Load(name)
	if err != nil {
		return ChatResult{}, err
	}

	prompt := buildChatPrompt(session, userMessage)
	raw, err := m.model.GenerateText(ctx, cfg.Model, clampTemperature(cfg.Temperature), prompt)
	if err != nil {
		return ChatResult{}, fmt.Errorf("chat model call: %w", err)
	}

	parsed, err := parseChatReply(raw)
	if err != nil {
		return ChatResult{}, err
	}

	reply := "已根据你的要求调整分类草案。"
	if s, ok := parsed["assistant_reply"].(string); ok && strings.TrimSpace(s) != "" {
		reply = s
	}
	draft := session.DraftCategories
	if rawDraft, ok := parsed["draft_categories"]; ok {
		draft = coerceCategories(rawDraft)
	}
	normalized := NormalizeCategories(draft)

	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.sessions[name]
	if !ok {
		return ChatResult{}, fmt.Errorf("%w: %s", project.ErrNotFound, name)
	}
	live.Messages = append(live.Messages,
		Message{Role: "user", Content: userMessage},
		Message{Role: "assistant", Content: reply},
	)
	live.DraftCategories = normalized

	snapshot := live.clone()
	return ChatResult{
		AssistantReply:  reply,
		DraftCategories: snapshot.DraftCategories,
		Messages:        snapshot.Messages,
	}, nil
}

// UpdateDraft overwrites the draft after normalization, bypassing chat.
func (m *Manager) UpdateDraft(name string, draft map[string]string) (map[string]string, error) {
	if _, err := m.LoadSession(name); err != nil {
		return nil, err
	}
	normalized := NormalizeCategories(draft)

	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", project.ErrNotFound, name)
	}
	live.DraftCategories = normalized
	return live.clone().DraftCategories, nil
}

// ApplyCategories persists either the explicit mapping or the session's
// current draft into projects.yaml, enabling classification for the project.
func (m *Manager) ApplyCategories(name string, categories map[string]string) (ApplyResult, error) {
	session, err := m.LoadSession(name)
	if err != nil {
		return ApplyResult{}, err
	}

	var toApply map[string]string
	if categories == nil {
		toApply = session.DraftCategories
	} else {
		toApply = NormalizeCategories(categories)
		m.mu.Lock()
		if live, ok := m.sessions[name]; ok {
			live.DraftCategories = toApply
		}
		m.mu.Unlock()
	}

	intKeyed := make(map[int]string, len(toApply))
	for k, v := range toApply {
		key, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		intKeyed[key] = v
	}

	path, err := m.projects.ApplyCategories(name, intKeyed)
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{
		Project:    name,
		Categories: NormalizeCategories(coerceCategories(intKeyed)),
		ConfigPath: path,
	}, nil
}

func (m *Manager) loadOrBuildSuggestions(cfg project.Config) (map[string]any, error) {
	summaries, err := buildPaperSummaries(cfg.StagingDir)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, fmt.Errorf("%w: %s (run the analyze stage first)", ErrNoAnalysis, cfg.StagingDir)
	}

	suggestions := make(map[string]any)
	suggestionsPath := filepath.Join(cfg.StagingDir, SuggestionsFilename)
	if data, err := os.ReadFile(suggestionsPath); err == nil {
		if err := json.Unmarshal(data, &suggestions); err != nil {
			return nil, fmt.Errorf("parse %s: %w", suggestionsPath, err)
		}
	} else {
		// Analyze may have run without suggest; synthesize an empty proposal
		// so the chat flow can still function.
		classifications := make([]map[string]any, 0, len(summaries))
		for _, item := range summaries {
			classifications = append(classifications, map[string]any{
				"id":                 item["id"],
				"source_pdf":         item["source_pdf"],
				"suggested_category": nil,
				"reasoning":          "",
			})
		}
		suggestions["suggested_categories"] = map[string]any{}
		suggestions["paper_classifications"] = classifications
		suggestions["overall_reasoning"] = "尚未生成自动分类建议，请通过对话生成分类草案。"
	}

	suggestions["paper_summaries"] = summaries
	return suggestions, nil
}

func buildPaperSummaries(stagingDir string) ([]map[string]any, error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoAnalysis, stagingDir)
		}
		return nil, fmt.Errorf("read staging dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || e.Name() == SuggestionsFilename {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	summaries := make([]map[string]any, 0, len(names))
	for _, name := range names {
		path := filepath.Join(stagingDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("skipping staging file %s: %v", name, err)
			continue
		}
		item := make(map[string]any)
		if err := json.Unmarshal(data, &item); err != nil {
			log.Printf("skipping staging file %s: %v", name, err)
			continue
		}
		analysis, _ := item["analysis"].(map[string]any)

		sourcePDF, _ := item["source_pdf"].(string)
		if sourcePDF == "" {
			sourcePDF = strings.TrimSuffix(name, ".json") + ".pdf"
		}
		summaries = append(summaries, map[string]any{
			"id":                len(summaries),
			"source_pdf":        sourcePDF,
			"title":             truncate(stringField(analysis, "title"), 220),
			"research_question": truncate(stringField(analysis, "research_question"), 380),
			"main_conclusion":   truncate(stringField(analysis, "main_conclusion"), 380),
		})
	}
	return summaries, nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return "N/A"
	}
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return "N/A"
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return strings.TrimRight(string(runes[:limit]), " ") + "..."
}

func clampTemperature(t float64) float64 {
	if t < 0.1 {
		return 0.1
	}
	if t > 0.4 {
		return 0.4
	}
	return t
}
