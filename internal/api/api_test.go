package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/TherapyPipe/internal/genai"
	"github.com/BTreeMap/TherapyPipe/internal/metrics"
	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/prompts"
	"github.com/BTreeMap/TherapyPipe/internal/stage"
	"github.com/BTreeMap/TherapyPipe/internal/store"
	"github.com/BTreeMap/TherapyPipe/internal/workflow"
)

const therapistReply = "Co pomogło Ci wcześniej?"

// testProvider answers every call with reply; streams come in two chunks.
type testProvider struct {
	*genai.Memory
	reply string
}

func (p *testProvider) Name() string                   { return "test" }
func (p *testProvider) Model() string                  { return "test-1" }
func (p *testProvider) IsAvailable() bool              { return true }
func (p *testProvider) SupportsStructuredOutput() bool { return false }

func (p *testProvider) Generate(ctx context.Context, req genai.Request) (string, error) {
	p.AddUserMessage(req.Prompt)
	p.AddAssistantMessage(p.reply)
	return p.reply, nil
}

func (p *testProvider) GenerateStream(ctx context.Context, req genai.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		cut := strings.Index(p.reply, " ")
		if cut < 0 {
			yield(p.reply, nil)
			return
		}
		if !yield(p.reply[:cut], nil) {
			return
		}
		yield(p.reply[cut:], nil)
	}
}

func newTestProvider(ctx context.Context, role string) (genai.Provider, error) {
	reply := therapistReply
	if role == string(models.AgentSupervisor) {
		reply = `{"decision": "stay", "summary": "rozmowa trwa", "addressing": "informal", "reason": "za wcześnie"}`
	}
	return &testProvider{Memory: genai.NewMemory(), reply: reply}, nil
}

func testPrompts() *prompts.Store {
	doc := prompts.Document{
		SystemPrompts: map[models.AgentType]string{
			models.AgentTherapist:  "Jesteś terapeutą.",
			models.AgentSupervisor: "Jesteś nadzorcą.",
		},
		StagePrompts: map[string]map[models.AgentType]string{},
	}
	for _, s := range stage.DefaultStages() {
		doc.StagePrompts[s.ID] = map[models.AgentType]string{
			models.AgentTherapist:  "Prowadź etap " + s.Name,
			models.AgentSupervisor: "Oceń etap " + s.Name,
		}
	}
	return prompts.NewStore(doc)
}

type testEnv struct {
	repo     *store.InMemoryStore
	sessions *workflow.Sessions
	prompts  *prompts.Store
	server   *Server
	handler  http.Handler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{repo: store.NewInMemoryStore(), prompts: testPrompts()}
	factory, err := workflow.NewFactory(workflow.Config{
		Repo:        env.repo,
		Prompts:     env.prompts,
		NewProvider: newTestProvider,
	})
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	env.sessions = workflow.NewSessions(factory, nil)
	all := append([]Option{WithRepo(env.repo), WithPrompts(env.prompts)}, opts...)
	env.server, err = NewServer(env.sessions, all...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// createSession creates a session through the API and returns its id.
func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	rec := e.do(http.MethodPost, "/sessions", `{"user_id": "user-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Result SessionView `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return resp.Result.ID
}

// decodeResponse unmarshals the envelope, leaving Result as generic JSON.
func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response %q: %v", rec.Body.String(), err)
	}
	return resp
}

// resultMap returns the envelope's result as a JSON object.
func resultMap(t *testing.T, resp models.APIResponse) map[string]any {
	t.Helper()
	m, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is %T, want object", resp.Result)
	}
	return m
}

func TestNewServerRequiresSessions(t *testing.T) {
	if _, err := NewServer(nil); !errors.Is(err, ErrNoSessions) {
		t.Errorf("err = %v, want ErrNoSessions", err)
	}
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	rec := env.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
	result := resultMap(t, decodeResponse(t, rec))
	if result["status"] != "healthy" || result["live_sessions"] != float64(1) {
		t.Errorf("unexpected health result %v", result)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, WithMetricsHandler(metrics.New().Handler()))
	rec := env.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}

	bare := newTestEnv(t)
	if rec := bare.do(http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("metrics without handler: status %d, want 404", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(0.001, 1))

	if rec := env.do(http.MethodGet, "/sessions", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d", rec.Code)
	}
	rec := env.do(http.MethodGet, "/sessions", "")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("second request: status %d, want 429 with Retry-After", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health must bypass the limiter, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(http.MethodGet, "/sessions/abc/turn", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestWriteJSONResponseFallback(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONResponse(rec, http.StatusOK, models.Success(func() {}))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != string(models.APIStatusError) {
		t.Errorf("Expected fallback error body, got %+v", resp)
	}
}

func TestTurnResponseStatus(t *testing.T) {
	tests := []struct {
		name       string
		result     models.WorkflowResult
		wantStatus int
		wantAPI    models.APIStatus
	}{
		{"success", models.SuccessResult("ok", nil), http.StatusOK, models.APIStatusOK},
		{"crisis", models.SuccessResult("Crisis protocol activated", map[string]any{models.DataKeyCrisisMode: true}), http.StatusOK, models.APIStatusCrisis},
		{"invalid state", models.FailureResult("x", "y", models.ErrorCodeInvalidState), http.StatusConflict, models.APIStatusError},
		{"missing prompt", models.FailureResult("x", "y", models.ErrorCodeStagePromptNotFound), http.StatusServiceUnavailable, models.APIStatusError},
		{"therapist error", models.FailureResult("x", "y", models.ErrorCodeTherapistError), http.StatusBadGateway, models.APIStatusError},
		{"workflow error", models.FailureResult("x", "y", models.ErrorCodeWorkflowError), http.StatusInternalServerError, models.APIStatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := turnResponse(tt.result)
			if status != tt.wantStatus || body.Status != string(tt.wantAPI) {
				t.Errorf("got %d/%s, want %d/%s", status, body.Status, tt.wantStatus, tt.wantAPI)
			}
		})
	}
}
