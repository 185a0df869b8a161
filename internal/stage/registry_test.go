package stage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

func TestDefaultRegistryOrder(t *testing.T) {
	r := NewDefaultRegistry()
	want := []string{StageOpening, StageResources, StageScaling, StageSmallSteps, StageSummary}
	all := r.All()
	if len(all) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(all))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("stage %d = %s, want %s", i, all[i].ID, id)
		}
	}
	if r.First().ID != StageOpening {
		t.Errorf("first stage = %s", r.First().ID)
	}
}

func TestNextAndPrevious(t *testing.T) {
	r := NewDefaultRegistry()

	tests := []struct {
		name    string
		current string
		next    string
		hasNext bool
		prev    string
		hasPrev bool
	}{
		{"opening", StageOpening, StageResources, true, "", false},
		{"middle", StageScaling, StageSmallSteps, true, StageResources, true},
		{"last", StageSummary, "", false, StageSmallSteps, true},
		{"unknown resolves to first", "nope", StageResources, true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok := r.Next(tt.current)
			if ok != tt.hasNext || next.ID != tt.next {
				t.Errorf("Next(%s) = %q,%v want %q,%v", tt.current, next.ID, ok, tt.next, tt.hasNext)
			}
			prev, ok := r.Previous(tt.current)
			if ok != tt.hasPrev || prev.ID != tt.prev {
				t.Errorf("Previous(%s) = %q,%v want %q,%v", tt.current, prev.ID, ok, tt.prev, tt.hasPrev)
			}
		})
	}
}

func TestNewRegistryValidation(t *testing.T) {
	if _, err := NewRegistry(nil); !errors.Is(err, ErrNoStages) {
		t.Errorf("expected ErrNoStages, got %v", err)
	}
	dupID := []models.StageInfo{{ID: "a", Order: 1}, {ID: "a", Order: 2}}
	if _, err := NewRegistry(dupID); !errors.Is(err, ErrDuplicateStage) {
		t.Errorf("expected ErrDuplicateStage for id, got %v", err)
	}
	dupOrder := []models.StageInfo{{ID: "a", Order: 1}, {ID: "b", Order: 1}}
	if _, err := NewRegistry(dupOrder); !errors.Is(err, ErrDuplicateStage) {
		t.Errorf("expected ErrDuplicateStage for order, got %v", err)
	}
	if _, err := NewRegistry([]models.StageInfo{{ID: " ", Order: 1}}); !errors.Is(err, ErrEmptyStageID) {
		t.Errorf("expected ErrEmptyStageID, got %v", err)
	}
}

func TestLoadFile_SortsByOrder(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "stages.json")
	jsonData := `[{"id":"b","name":"B","order":2},{"id":"a","name":"A","order":1,"description":"start"}]`
	if err := os.WriteFile(jsonPath, []byte(jsonData), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("LoadFile json: %v", err)
	}
	if r.First().ID != "a" || r.First().Description != "start" {
		t.Errorf("unexpected first stage %+v", r.First())
	}

	yamlPath := filepath.Join(dir, "stages.yaml")
	yamlData := "- id: late\n  name: Late\n  order: 9\n- id: early\n  name: Early\n  order: 3\n"
	if err := os.WriteFile(yamlPath, []byte(yamlData), 0644); err != nil {
		t.Fatal(err)
	}
	r, err = LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("LoadFile yaml: %v", err)
	}
	if r.First().ID != "early" || r.Name("late") != "Late" {
		t.Errorf("unexpected registry %+v", r.All())
	}
	// orders 3 and 9 are not adjacent
	if _, ok := r.Next("early"); ok {
		t.Error("expected no next stage across an order gap")
	}
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	txt := filepath.Join(dir, "stages.txt")
	if err := os.WriteFile(txt, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(txt); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestNameFallsBackToID(t *testing.T) {
	r := NewDefaultRegistry()
	if got := r.Name("custom"); got != "custom" {
		t.Errorf("Name(custom) = %q", got)
	}
	if !r.Exists(StageSummary) || r.Exists("custom") {
		t.Error("Exists mismatch")
	}
}
