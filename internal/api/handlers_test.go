package api

import (
	"net/http"
	"testing"

	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/prompts"
	"github.com/BTreeMap/TherapyPipe/internal/stage"
)

func TestCrisisTurnAndDeactivate(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/sessions/" + id

	rec := env.do(http.MethodPost, base+"/turn", `{"text": "Chcę umrzeć"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn: status %d, body %s", rec.Code, rec.Body.String())
	}
	if resp := decodeResponse(t, rec); resp.Status != string(models.APIStatusCrisis) {
		t.Fatalf("Expected crisis status, got %+v", resp)
	}

	status := resultMap(t, decodeResponse(t, env.do(http.MethodGet, base+"/crisis", "")))
	contacts, _ := status["contacts"].(map[string]any)
	flags, _ := status["safety_flags"].([]any)
	if status["crisis_active"] != true || contacts["pogotowie"] == nil || len(flags) != 1 {
		t.Errorf("unexpected crisis status %v", status)
	}

	transcript := resultMap(t, decodeResponse(t, env.do(http.MethodGet, base+"/transcript", "")))
	summary, _ := transcript["safety_summary"].(map[string]any)
	if summary["requires_intervention"] != true || summary["high_risk_messages"] != float64(1) {
		t.Errorf("unexpected transcript safety summary %v", summary)
	}
	if got, _ := summary["safety_flags"].([]any); len(got) != 1 {
		t.Errorf("safety summary has %d flags, want 1", len(got))
	}

	rec = env.do(http.MethodPost, base+"/crisis/deactivate", "")
	if resp := decodeResponse(t, rec); resp.Message != "Crisis mode deactivated" {
		t.Errorf("deactivate: %+v", resp)
	}
	status = resultMap(t, decodeResponse(t, env.do(http.MethodGet, base+"/crisis", "")))
	if status["crisis_active"] != false {
		t.Errorf("crisis still active: %v", status)
	}
	rec = env.do(http.MethodPost, base+"/crisis/deactivate", "")
	if resp := decodeResponse(t, rec); resp.Message != "Crisis mode is not active" {
		t.Errorf("second deactivate: %+v", resp)
	}
}

func TestPromptEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/prompts/therapist", "")
	if got := resultMap(t, decodeResponse(t, rec))["text"]; got != "Jesteś terapeutą." {
		t.Errorf("system prompt = %v", got)
	}

	rec = env.do(http.MethodGet, "/prompts/supervisor?stage="+stage.StageOpening, "")
	result := resultMap(t, decodeResponse(t, rec))
	if result["prompt_id"] != prompts.PromptID(models.AgentSupervisor, stage.StageOpening) {
		t.Errorf("unexpected stage prompt result %v", result)
	}

	if rec := env.do(http.MethodPut, "/prompts/supervisor", `{"text": "Nowa instrukcja"}`); rec.Code != http.StatusOK {
		t.Fatalf("set system prompt: status %d, body %s", rec.Code, rec.Body.String())
	}
	if got, _ := env.prompts.SystemPrompt(models.AgentSupervisor); got != "Nowa instrukcja" {
		t.Errorf("system prompt not updated: %q", got)
	}

	if rec := env.do(http.MethodPut, "/prompts/therapist/stages/custom", `{"text": "Etap dodatkowy"}`); rec.Code != http.StatusOK {
		t.Fatalf("set stage prompt: status %d", rec.Code)
	}
	rec = env.do(http.MethodGet, "/prompts/therapist?stage=custom", "")
	if got := resultMap(t, decodeResponse(t, rec))["text"]; got != "Etap dodatkowy" {
		t.Errorf("stage prompt = %v", got)
	}

	rec = env.do(http.MethodPut, "/prompts/therapist", `{"text": "x", "persist": true}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("persist without file: status %d, want 409", rec.Code)
	}
}

func TestPromptErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantErr  models.ErrorCode
	}{
		{"unknown agent", http.MethodGet, "/prompts/nobody", "", http.StatusNotFound, models.ErrorCodeAgentNotFound},
		{"unknown stage", http.MethodGet, "/prompts/therapist?stage=missing", "", http.StatusNotFound, models.ErrorCodeStagePromptNotFound},
		{"blank text", http.MethodPut, "/prompts/therapist", `{"text": " "}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status %d, want %d", rec.Code, tt.wantCode)
			}
			if resp := decodeResponse(t, rec); resp.ErrorCode != string(tt.wantErr) {
				t.Errorf("error_code = %q, want %q", resp.ErrorCode, tt.wantErr)
			}
		})
	}

	empty, err := NewServer(env.sessions, WithPrompts(prompts.NewStore(prompts.Document{})))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	env.handler = empty.Handler()
	rec := env.do(http.MethodGet, "/prompts/therapist", "")
	if resp := decodeResponse(t, rec); rec.Code != http.StatusNotFound || resp.ErrorCode != string(models.ErrorCodeSystemPromptNotFound) {
		t.Errorf("missing system prompt: status %d, %+v", rec.Code, resp)
	}

	none, _ := NewServer(env.sessions)
	env.handler = none.Handler()
	if rec := env.do(http.MethodGet, "/prompts/therapist", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no prompt store: status %d, want 503", rec.Code)
	}
}
