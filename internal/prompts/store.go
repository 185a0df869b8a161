// Package prompts provides the file-backed store of system and stage prompts.
//
// Prompt files are YAML or JSON documents (chosen by file extension):
//
//	system_prompts:
//	  therapist: "..."
//	  supervisor: "..."
//	stage_prompts:
//	  opening:
//	    therapist: "..."
//	    supervisor: "..."
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

// Error variables for better error handling and testability
var (
	ErrNoPath        = errors.New("prompt store has no backing file")
	ErrEmptyPrompt   = errors.New("prompt text cannot be empty")
	ErrEmptyStageID  = errors.New("stage id cannot be empty")
	ErrUnknownFormat = errors.New("unsupported prompt file format")
)

// Document is the serialized form of a prompt set.
type Document struct {
	SystemPrompts map[models.AgentType]string            `json:"system_prompts" yaml:"system_prompts"`
	StagePrompts  map[string]map[models.AgentType]string `json:"stage_prompts" yaml:"stage_prompts"`
}

// Store serves prompts by agent and stage. It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	doc  Document
	path string
}

// NewStore creates an in-memory store from a document.
func NewStore(doc Document) *Store {
	return &Store{doc: normalize(doc)}
}

// LoadFile reads a YAML or JSON prompt file into a new store.
func LoadFile(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file, if any.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the backing file.
func (s *Store) Reload() error {
	if s.path == "" {
		return ErrNoPath
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		slog.Error("Store.Reload: failed to read prompt file", "path", s.path, "error", err)
		return fmt.Errorf("failed to read prompt file: %w", err)
	}

	var doc Document
	if err := unmarshal(s.path, data, &doc); err != nil {
		slog.Error("Store.Reload: failed to parse prompt file", "path", s.path, "error", err)
		return fmt.Errorf("failed to parse prompt file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.doc = normalize(doc)
	s.mu.Unlock()
	slog.Info("Store.Reload: prompts loaded", "path", s.path, "systemPrompts", len(doc.SystemPrompts), "stages", len(doc.StagePrompts))
	return nil
}

// SystemPrompt returns the system prompt of an agent.
func (s *Store) SystemPrompt(agent models.AgentType) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.doc.SystemPrompts[agent]
	return p, ok && strings.TrimSpace(p) != ""
}

// StagePrompt returns the prompt an agent uses during a stage.
func (s *Store) StagePrompt(stageID string, agent models.AgentType) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stage, ok := s.doc.StagePrompts[stageID]
	if !ok {
		return "", false
	}
	p, ok := stage[agent]
	return p, ok && strings.TrimSpace(p) != ""
}

// SetSystemPrompt replaces the system prompt of an agent in memory.
func (s *Store) SetSystemPrompt(agent models.AgentType, text string) error {
	if !models.IsValidAgentType(agent) {
		return models.ErrInvalidAgentType
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SystemPrompts[agent] = text
	return nil
}

// SetStagePrompt replaces the prompt of an agent for a stage in memory.
func (s *Store) SetStagePrompt(stageID string, agent models.AgentType, text string) error {
	if stageID == "" {
		return ErrEmptyStageID
	}
	if !models.IsValidAgentType(agent) {
		return models.ErrInvalidAgentType
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.StagePrompts[stageID] == nil {
		s.doc.StagePrompts[stageID] = map[models.AgentType]string{}
	}
	s.doc.StagePrompts[stageID][agent] = text
	return nil
}

// Save writes the current prompts back to the backing file.
func (s *Store) Save() error {
	if s.path == "" {
		return ErrNoPath
	}
	s.mu.RLock()
	data, err := marshal(s.path, s.doc)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode prompts: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		slog.Error("Store.Save: failed to write prompt file", "path", s.path, "error", err)
		return fmt.Errorf("failed to write prompt file: %w", err)
	}
	slog.Debug("Store.Save: prompts written", "path", s.path)
	return nil
}

// Snapshot returns a deep copy of the prompt document.
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := normalize(Document{})
	for k, v := range s.doc.SystemPrompts {
		out.SystemPrompts[k] = v
	}
	for stage, agents := range s.doc.StagePrompts {
		m := make(map[models.AgentType]string, len(agents))
		for a, p := range agents {
			m[a] = p
		}
		out.StagePrompts[stage] = m
	}
	return out
}

// PromptID names the prompt an agent used during a stage, e.g. "therapist_opening".
func PromptID(agent models.AgentType, stageID string) string {
	return fmt.Sprintf("%s_%s", agent, stageID)
}

func normalize(doc Document) Document {
	if doc.SystemPrompts == nil {
		doc.SystemPrompts = map[models.AgentType]string{}
	}
	if doc.StagePrompts == nil {
		doc.StagePrompts = map[string]map[models.AgentType]string{}
	}
	return doc
}

func unmarshal(path string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	case ".json":
		return json.Unmarshal(data, v)
	default:
		return ErrUnknownFormat
	}
}

func marshal(path string, v any) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(v)
	case ".json":
		return json.MarshalIndent(v, "", "  ")
	default:
		return nil, ErrUnknownFormat
	}
}
