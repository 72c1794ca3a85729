package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("project not found")

// PathPrefix marks an ad-hoc configuration token: "path:/some/pdf/dir"
// builds a Config from a directory without touching projects.yaml.
const PathPrefix = "path:"

// Config is the typed view of one project entry. Directory fields are
// derived from the project's pdf_dir the same way the pipeline scripts
// derive them, so both sides agree on where staging artifacts live.
type Config struct {
	Name                  string
	PDFInputDir           string
	PDFProcessedDir       string
	MDOutputRoot          string
	StagingDir            string
	Model                 string
	Temperature           float64
	ClassificationEnabled bool
	UnclassifiedDirName   string
	Categories            map[int]string
}

const (
	defaultModel           = "gemini-2.5-flash"
	defaultTemperature     = 0.1
	defaultUnclassifiedDir = "0. 未分类"
)

// Store mediates all reads and writes of projects.yaml. ApplyCategories
// performs its read-modify-write under the store mutex so concurrent writers
// cannot lose updates.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// List returns the names of all configured projects.
func (s *Store) List() ([]string, error) {
	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	projects, _ := doc["projects"].(map[string]any)
	names := make([]string, 0, len(projects))
	for name := range projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Load resolves a project name or a "path:" token into a Config.
func (s *Store) Load(token string) (Config, error) {
	if strings.HasPrefix(token, PathPrefix) {
		dir := strings.TrimSpace(strings.TrimPrefix(token, PathPrefix))
		if dir == "" {
			return Config{}, errors.New("empty path token")
		}
		return configFromPDFDir(dir), nil
	}

	doc, err := s.readDocument()
	if err != nil {
		return Config{}, err
	}
	projects, _ := doc["projects"].(map[string]any)
	raw, ok := projects[token].(map[string]any)
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, token)
	}

	pdfDir, _ := raw["pdf_dir"].(string)
	if strings.TrimSpace(pdfDir) == "" {
		return Config{}, fmt.Errorf("project %s: pdf_dir is not set", token)
	}

	cfg := configFromPDFDir(pdfDir)
	if name, ok := raw["name"].(string); ok && name != "" {
		cfg.Name = name
	} else {
		cfg.Name = token
	}

	if model, ok := raw["model"].(map[string]any); ok {
		if name, ok := model["name"].(string); ok && name != "" {
			cfg.Model = name
		}
		if t, ok := toFloat(model["temperature"]); ok {
			cfg.Temperature = t
		}
	}

	if classification, ok := raw["classification"].(map[string]any); ok {
		if enabled, ok := classification["enabled"].(bool); ok {
			cfg.ClassificationEnabled = enabled
		}
		if dir, ok := classification["unclassified_dir"].(string); ok && dir != "" {
			cfg.UnclassifiedDirName = dir
		}
		if cats := classification["categories"]; cats != nil {
			cfg.Categories = parseCategories(cats)
		}
	}
	return cfg, nil
}

// ApplyCategories rewrites projects.yaml with classification enabled and the
// given integer-keyed category mapping for one project, preserving every
// unrelated field in the document. The whole read-modify-write is a single
// critical section.
func (s *Store) ApplyCategories(name string, categories map[int]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return "", err
	}

	projects, ok := doc["projects"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	target, ok := projects[name].(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	classification, ok := target["classification"].(map[string]any)
	if !ok {
		classification = make(map[string]any)
		target["classification"] = classification
	}
	classification["enabled"] = true

	cats := make(map[int]string, len(categories))
	for k, v := range categories {
		cats[k] = v
	}
	classification["categories"] = cats

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", s.path, err)
	}
	if err := os.WriteFile(s.path, out, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", s.path, err)
	}
	return s.path, nil
}

func (s *Store) readDocument() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	doc := make(map[string]any)
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return doc, nil
}

func configFromPDFDir(dir string) Config {
	return Config{
		Name:                "Path: " + filepath.Base(dir),
		PDFInputDir:         dir,
		PDFProcessedDir:     filepath.Join(dir, "processed_papers"),
		MDOutputRoot:        filepath.Join(dir, "Classification"),
		StagingDir:          filepath.Join(dir, "staging"),
		Model:               defaultModel,
		Temperature:         defaultTemperature,
		UnclassifiedDirName: defaultUnclassifiedDir,
		Categories:          map[int]string{},
	}
}

// parseCategories tolerates both string and integer yaml keys: yaml.v3
// decodes integer-keyed mappings into map[any]any.
func parseCategories(raw any) map[int]string {
	out := make(map[int]string)
	switch m := raw.(type) {
	case map[string]any:
		for k, v := range m {
			if key, err := strconv.Atoi(strings.TrimSpace(k)); err == nil {
				out[key] = fmt.Sprintf("%v", v)
			}
		}
	case map[any]any:
		for k, v := range m {
			if key, err := strconv.Atoi(strings.TrimSpace(fmt.Sprintf("%v", k))); err == nil {
				out[key] = fmt.Sprintf("%v", v)
			}
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
