package suggest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SuggestionsFilename is the prior-proposal artifact the suggest stage
// writes into a project's staging directory.
const SuggestionsFilename = "category_suggestions.json"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session holds one project's conversational state: the last-loaded
// suggestions payload, the chat-mutable draft categories, and the
// transcript. Draft keys are always a contiguous "1".."N".
type Session struct {
	SessionID       string            `json:"session_id"`
	Project         string            `json:"project"`
	Suggestions     map[string]any    `json:"suggestions"`
	DraftCategories map[string]string `json:"draft_categories"`
	Messages        []Message         `json:"messages"`
}

func (s *Session) clone() *Session {
	cp := &Session{
		SessionID:       s.SessionID,
		Project:         s.Project,
		Suggestions:     s.Suggestions,
		DraftCategories: make(map[string]string, len(s.DraftCategories)),
		Messages:        append([]Message(nil), s.Messages...),
	}
	for k, v := range s.DraftCategories {
		cp.DraftCategories[k] = v
	}
	return cp
}

// NormalizeCategories drops entries whose key is not a positive integer or
// whose label is empty after trimming, then renumbers the survivors as a
// contiguous run starting at 1 in ascending original-key order. Every
// category mapping crossing this package's boundary goes through here.
func NormalizeCategories(categories map[string]string) map[string]string {
	type entry struct {
		key   int
		label string
	}
	entries := make([]entry, 0, len(categories))
	for k, v := range categories {
		label := strings.TrimSpace(v)
		if label == "" {
			continue
		}
		key, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || key <= 0 {
			continue
		}
		entries = append(entries, entry{key: key, label: label})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	out := make(map[string]string, len(entries))
	for i, e := range entries {
		out[strconv.Itoa(i+1)] = e.label
	}
	return out
}

// coerceCategories turns loosely-typed mappings (model replies, persisted
// yaml, inbound JSON) into the string form NormalizeCategories expects.
func coerceCategories(raw any) map[string]string {
	out := make(map[string]string)
	switch m := raw.(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			out[k] = fmt.Sprintf("%v", v)
		}
	case map[int]string:
		for k, v := range m {
			out[strconv.Itoa(k)] = v
		}
	}
	return out
}
