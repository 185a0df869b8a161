package workflow

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/agent"
	"github.com/BTreeMap/TherapyPipe/internal/conversation"
	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/notify"
	"github.com/BTreeMap/TherapyPipe/internal/prompts"
	"github.com/BTreeMap/TherapyPipe/internal/safety"
	"github.com/BTreeMap/TherapyPipe/internal/session"
	"github.com/BTreeMap/TherapyPipe/internal/stage"
	"github.com/BTreeMap/TherapyPipe/internal/store"
)

// mockSupervisor returns its decisions in order, repeating the last one.
type mockSupervisor struct {
	decisions []models.SupervisorDecision
	stages    []string
	histories [][]models.Message
}

func (m *mockSupervisor) EvaluateStageCompletion(ctx context.Context, stageID string, history []models.Message, stagePrompt string) models.SupervisorDecision {
	m.stages = append(m.stages, stageID)
	m.histories = append(m.histories, history)
	if len(m.decisions) == 0 {
		return stayDecision()
	}
	d := m.decisions[0]
	if len(m.decisions) > 1 {
		m.decisions = m.decisions[1:]
	}
	return d
}

type mockTherapist struct {
	reply     string
	err       string
	chunks    []string
	noFinal   bool
	panicWith any
	stages    []string
}

func (m *mockTherapist) result(stageID, text string) agent.TherapistResult {
	if m.err != "" {
		return agent.TherapistResult{Success: false, Error: m.err, PromptID: prompts.PromptID(models.AgentTherapist, stageID)}
	}
	return agent.TherapistResult{
		Success:      true,
		Response:     text,
		PromptID:     prompts.PromptID(models.AgentTherapist, stageID),
		ResponseTime: 1500 * time.Millisecond,
	}
}

func (m *mockTherapist) GenerateResponse(ctx context.Context, stageID, userMessage string, history []models.Message, stagePrompt string) agent.TherapistResult {
	m.stages = append(m.stages, stageID)
	if m.panicWith != nil {
		panic(m.panicWith)
	}
	return m.result(stageID, m.reply)
}

func (m *mockTherapist) GenerateResponseStream(ctx context.Context, stageID, userMessage string, history []models.Message, stagePrompt string) iter.Seq[agent.StreamPart] {
	m.stages = append(m.stages, stageID)
	return func(yield func(agent.StreamPart) bool) {
		for _, c := range m.chunks {
			if !yield(agent.StreamPart{Chunk: c}) {
				return
			}
		}
		if m.noFinal {
			return
		}
		res := m.result(stageID, strings.Join(m.chunks, ""))
		yield(agent.StreamPart{Final: &res})
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.CrisisAlert
	shown  []string
	err    error
}

func (n *recordingNotifier) NotifyCrisisDetected(ctx context.Context, alert notify.CrisisAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

func (n *recordingNotifier) ShowCrisisMessage(ctx context.Context, sessionID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, message)
	return nil
}

type countingObserver struct {
	turns     []models.WorkflowResult
	streaming []bool
	decisions int
	entries   []string
	crises    int
}

func (o *countingObserver) ObserveTurn(result models.WorkflowResult, streaming bool, elapsed time.Duration) {
	o.turns = append(o.turns, result)
	o.streaming = append(o.streaming, streaming)
}
func (o *countingObserver) ObserveDecision(stage string, d models.SupervisorDecision) { o.decisions++ }
func (o *countingObserver) ObserveStageEntry(stage string)                            { o.entries = append(o.entries, stage) }
func (o *countingObserver) ObserveCrisis()                                            { o.crises++ }

func stayDecision() models.SupervisorDecision {
	return models.SupervisorDecision{Decision: models.DecisionStay, Summary: "s", Addressing: models.AddressingFormal, Reason: "jeszcze nie"}
}

func advanceDecision() models.SupervisorDecision {
	return models.SupervisorDecision{Decision: models.DecisionAdvance, Summary: "s", Addressing: models.AddressingFormal, Reason: "cel ustalony"}
}

func testStagePrompts() *prompts.Store {
	doc := prompts.Document{StagePrompts: map[string]map[models.AgentType]string{}}
	for _, s := range stage.DefaultStages() {
		doc.StagePrompts[s.ID] = map[models.AgentType]string{
			models.AgentTherapist:  "Prowadź etap " + s.Name,
			models.AgentSupervisor: "Oceń etap " + s.Name,
		}
	}
	return prompts.NewStore(doc)
}

type fixture struct {
	repo     *store.InMemoryStore
	log      *session.Manager
	conv     *conversation.Manager
	sup      *mockSupervisor
	th       *mockTherapist
	notifier *recordingNotifier
	obs      *countingObserver
	checker  *safety.Checker
	strategy *ConversationStrategy
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     store.NewInMemoryStore(),
		conv:     conversation.NewManager(),
		sup:      &mockSupervisor{},
		th:       &mockTherapist{reply: "Rozumiem. Co się stało?"},
		notifier: &recordingNotifier{},
		obs:      &countingObserver{},
		checker:  safety.NewDefaultChecker(),
	}
	f.log = session.NewManager(f.repo, stage.NewDefaultRegistry())
	if _, err := f.log.CreateSession(context.Background(), "user-1", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	p := testStagePrompts()
	f.strategy = NewConversationStrategy(f.conv,
		NewSupervisorAdapter(f.sup, p, f.log),
		NewTherapistAdapter(f.th, p, f.log))
	f.orch = NewOrchestrator(f.strategy,
		NewCrisisHandler(f.log, f.notifier, f.checker),
		NewSessionOrchestrator(f.log, nil),
		WithObserver(f.obs))
	return f
}

func (f *fixture) request() Request {
	return Request{SessionID: f.log.ID(), CurrentStage: f.log.CurrentStage(), UserMessage: f.conv.CurrentQuestion()}
}

func (f *fixture) turn(t *testing.T, text string) models.WorkflowResult {
	t.Helper()
	if !f.conv.AcceptUserInput(text) {
		t.Fatalf("AcceptUserInput(%q) rejected", text)
	}
	return f.orch.ProcessRequest(context.Background(), f.request())
}

func (f *fixture) transcript(t *testing.T) []store.MessageRecord {
	t.Helper()
	recs, err := f.log.Transcript(context.Background())
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	return recs
}

// collect drains a stream, returning the chunks and the final result.
func collect(seq iter.Seq[StreamEvent]) ([]string, *models.WorkflowResult) {
	var chunks []string
	var done *models.WorkflowResult
	for ev := range seq {
		if ev.IsDone() {
			done = ev.Done
			continue
		}
		chunks = append(chunks, ev.Chunk)
	}
	return chunks, done
}

func TestStepErrorResult(t *testing.T) {
	err := &StepError{Code: models.ErrorCodeTherapistError, Message: "Therapist response generation failed", Err: errors.New("timeout")}
	if err.Error() != "Therapist response generation failed: timeout" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Error("StepError must unwrap to its cause")
	}
	res := failureFrom(err, "ignored", models.ErrorCodeWorkflowError)
	if res.Success || res.ErrorCode != models.ErrorCodeTherapistError || res.Error != "timeout" {
		t.Errorf("unexpected result %+v", res)
	}
	res = failureFrom(errors.New("boom"), "Workflow failed", models.ErrorCodeWorkflowError)
	if res.ErrorCode != models.ErrorCodeWorkflowError || res.Message != "Workflow failed" {
		t.Errorf("unexpected generic result %+v", res)
	}
	bare := &StepError{Code: models.ErrorCodeSupervisorNotAvailable, Message: "Supervisor agent not available"}
	if bare.Result().Error != string(models.ErrorCodeSupervisorNotAvailable) {
		t.Errorf("bare step error result = %+v", bare.Result())
	}
}

func TestStreamEvents(t *testing.T) {
	if ChunkEvent("a").IsDone() {
		t.Error("chunk event reported done")
	}
	ev := DoneEvent(models.SuccessResult("ok", nil))
	if !ev.IsDone() || !ev.Done.Success {
		t.Errorf("unexpected done event %+v", ev)
	}
}
