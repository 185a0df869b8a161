// Package stage holds the ordered registry of therapy stages.
package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

// Error variables for better error handling and testability
var (
	ErrNoStages       = errors.New("stage registry requires at least one stage")
	ErrEmptyStageID   = errors.New("stage id cannot be empty")
	ErrDuplicateStage = errors.New("duplicate stage")
	ErrUnknownFormat  = errors.New("unsupported stages file format")
)

// Default stage ids, in protocol order.
const (
	StageOpening    = "opening"
	StageResources  = "resources"
	StageScaling    = "scaling"
	StageSmallSteps = "small_steps"
	StageSummary    = "summary"
)

// DefaultStages returns the built-in solution-focused protocol.
func DefaultStages() []models.StageInfo {
	return []models.StageInfo{
		{ID: StageOpening, Name: "Otwarcie", Order: 1, Description: "Nawiązanie kontaktu i ustalenie celu rozmowy"},
		{ID: StageResources, Name: "Zasoby", Order: 2, Description: "Poszukiwanie mocnych stron i wyjątków"},
		{ID: StageScaling, Name: "Skalowanie", Order: 3, Description: "Ocena postępu na skali 0-10"},
		{ID: StageSmallSteps, Name: "Małe kroki", Order: 4, Description: "Planowanie najbliższego małego kroku"},
		{ID: StageSummary, Name: "Podsumowanie", Order: 5, Description: "Podsumowanie rozmowy i docenienie"},
	}
}

// Registry is an immutable, order-sorted set of stages.
type Registry struct {
	stages []models.StageInfo
	byID   map[string]int
}

// NewRegistry validates and sorts the given stages.
func NewRegistry(stages []models.StageInfo) (*Registry, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	sorted := make([]models.StageInfo, len(stages))
	copy(sorted, stages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	r := &Registry{stages: sorted, byID: make(map[string]int, len(sorted))}
	orders := make(map[int]string, len(sorted))
	for i, s := range sorted {
		if strings.TrimSpace(s.ID) == "" {
			return nil, ErrEmptyStageID
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: id %q", ErrDuplicateStage, s.ID)
		}
		if other, dup := orders[s.Order]; dup {
			return nil, fmt.Errorf("%w: %q and %q share order %d", ErrDuplicateStage, other, s.ID, s.Order)
		}
		r.byID[s.ID] = i
		orders[s.Order] = s.ID
	}
	return r, nil
}

// NewDefaultRegistry returns a registry of DefaultStages.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultStages())
	if err != nil {
		panic(err)
	}
	return r
}

// LoadFile reads a YAML or JSON list of {id, name, order, description} entries.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stages file: %w", err)
	}

	var stages []models.StageInfo
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &stages)
	case ".json":
		err = json.Unmarshal(data, &stages)
	default:
		err = ErrUnknownFormat
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stages configuration: %w", err)
	}

	r, err := NewRegistry(stages)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages configuration: %w", err)
	}
	slog.Info("stage.LoadFile: stages loaded", "path", path, "count", len(stages))
	return r, nil
}

// All returns the stages in order.
func (r *Registry) All() []models.StageInfo {
	out := make([]models.StageInfo, len(r.stages))
	copy(out, r.stages)
	return out
}

// First returns the stage with the lowest order.
func (r *Registry) First() models.StageInfo {
	return r.stages[0]
}

// Get looks a stage up by id.
func (r *Registry) Get(id string) (models.StageInfo, bool) {
	i, ok := r.byID[id]
	if !ok {
		return models.StageInfo{}, false
	}
	return r.stages[i], true
}

// Exists reports whether id names a known stage.
func (r *Registry) Exists(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Name returns the display name of a stage, or the id itself when unknown.
func (r *Registry) Name(id string) string {
	if s, ok := r.Get(id); ok && s.Name != "" {
		return s.Name
	}
	return id
}

// Next returns the stage whose order directly follows the current one.
// An unknown current id is treated as the first stage.
func (r *Registry) Next(currentID string) (models.StageInfo, bool) {
	return r.atOrder(r.current(currentID).Order + 1)
}

// Previous returns the stage whose order directly precedes the current one.
// An unknown current id is treated as the first stage.
func (r *Registry) Previous(currentID string) (models.StageInfo, bool) {
	return r.atOrder(r.current(currentID).Order - 1)
}

func (r *Registry) current(id string) models.StageInfo {
	if s, ok := r.Get(id); ok {
		return s
	}
	return r.First()
}

func (r *Registry) atOrder(order int) (models.StageInfo, bool) {
	for _, s := range r.stages {
		if s.Order == order {
			return s, true
		}
	}
	return models.StageInfo{}, false
}
