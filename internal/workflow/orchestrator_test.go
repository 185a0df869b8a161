package workflow

import (
	"context"
	"testing"

	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/prompts"
	"github.com/BTreeMap/TherapyPipe/internal/safety"
	"github.com/BTreeMap/TherapyPipe/internal/stage"
)

func TestProcessRequestSingleExchange(t *testing.T) {
	f := newFixture(t)
	res := f.turn(t, "Czuję się źle")
	if !res.Success {
		t.Fatalf("turn failed: %+v", res)
	}
	if res.TherapistResponse() != "Rozumiem. Co się stało?" || res.StageChanged() {
		t.Errorf("unexpected data %+v", res.Data)
	}

	committed := f.conv.CommittedContext()
	if len(committed) != 2 || committed[0].Role != models.RoleUser || committed[1].Role != models.RoleTherapist {
		t.Fatalf("unexpected committed context %+v", committed)
	}
	if f.conv.CurrentQuestion() != "" || f.conv.IsProcessing() {
		t.Error("conversation not back to idle")
	}

	recs := f.transcript(t)
	if len(recs) != 2 || recs[0].Text != "Czuję się źle" || recs[1].PromptID != "therapist_opening" || recs[1].ResponseTimeMS != 1500 {
		t.Errorf("unexpected transcript %+v", recs)
	}
	outs, _ := f.repo.ListSupervisorOutputs(f.log.ID())
	uses, _ := f.repo.ListPromptUses(f.log.ID())
	if len(outs) != 1 || len(uses) != 2 {
		t.Errorf("outputs=%d prompt uses=%d, want 1 and 2", len(outs), len(uses))
	}
	if len(f.obs.turns) != 1 || f.obs.decisions != 1 {
		t.Errorf("observer saw turns=%d decisions=%d", len(f.obs.turns), f.obs.decisions)
	}
}

func TestSupervisorSeesCurrentQuestion(t *testing.T) {
	f := newFixture(t)
	f.turn(t, "pierwsze")
	f.turn(t, "drugie")

	if len(f.sup.histories) != 2 {
		t.Fatalf("supervisor called %d times", len(f.sup.histories))
	}
	second := f.sup.histories[1]
	if len(second) != 3 {
		t.Fatalf("second evaluation history has %d messages, want 3", len(second))
	}
	if last := second[2]; last.Role != models.RoleUser || last.Text != "drugie" {
		t.Errorf("last history message = %+v, want the current question", last)
	}
}

func TestProcessRequestCrisis(t *testing.T) {
	f := newFixture(t)
	d := stayDecision()
	d.SafetyRisk = true
	d.SafetyMessage = f.checker.CrisisMessage()
	f.sup.decisions = []models.SupervisorDecision{d}

	res := f.turn(t, "Myślę o samobójstwie")
	if !res.Success || !res.IsCrisis() {
		t.Fatalf("expected crisis result, got %+v", res)
	}
	if res.TherapistResponse() != f.checker.CrisisResponse() {
		t.Errorf("therapist response not replaced by crisis text: %q", res.TherapistResponse())
	}
	if res.StageChanged() {
		t.Error("stage_changed must be false in crisis")
	}
	if !f.log.IsCrisisActive() {
		t.Error("session crisis flag not set")
	}
	if len(f.notifier.alerts) != 1 || f.notifier.alerts[0].UserID != "user-1" {
		t.Errorf("unexpected alerts %+v", f.notifier.alerts)
	}

	recs := f.transcript(t)
	last := recs[len(recs)-1]
	if last.PromptID != safety.DefaultCrisisProtocolID || last.Text != f.checker.CrisisResponse() {
		t.Errorf("crisis reply not logged: %+v", last)
	}
	committed := f.conv.CommittedContext()
	if len(committed) != 2 || committed[1].Text != "Rozumiem. Co się stało?" {
		t.Errorf("committed context should keep the therapist reply, got %+v", committed)
	}
	flags, _ := f.log.SafetyFlags(context.Background())
	if len(flags) != 1 || len(flags[0].Keywords) == 0 {
		t.Errorf("unexpected safety flags %+v", flags)
	}
	if f.obs.crises != 1 {
		t.Errorf("observer crises = %d", f.obs.crises)
	}
}

func TestProcessRequestTherapistFailureKeepsQuestion(t *testing.T) {
	f := newFixture(t)
	f.th.err = "connection refused"

	res := f.turn(t, "Czuję się źle")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorCode != models.ErrorCodeTherapistError || res.Error != "connection refused" {
		t.Errorf("unexpected failure %+v", res)
	}
	if !f.conv.HasPendingQuestion() || f.conv.IsProcessing() {
		t.Errorf("pending=%v processing=%v, want true/false", f.conv.HasPendingQuestion(), f.conv.IsProcessing())
	}
	if len(f.transcript(t)) != 0 {
		t.Error("failed turn wrote to the session log")
	}
}

func TestStageAdvancesForNextTurnOnly(t *testing.T) {
	f := newFixture(t)
	f.sup.decisions = []models.SupervisorDecision{advanceDecision(), stayDecision()}

	res := f.turn(t, "Chcę lepiej spać")
	if !res.Success {
		t.Fatalf("turn failed: %+v", res)
	}
	if f.th.stages[0] != stage.StageOpening {
		t.Errorf("therapist ran in %q, want the stage active at turn start", f.th.stages[0])
	}
	if res.CurrentStage() != stage.StageOpening || res.Data[models.DataKeyNewStage] != stage.StageResources || !res.StageChanged() {
		t.Errorf("unexpected stage data %+v", res.Data)
	}
	if f.log.CurrentStage() != stage.StageResources {
		t.Errorf("session stage = %q, want %q", f.log.CurrentStage(), stage.StageResources)
	}

	f.turn(t, "Kiedyś pomagał mi spacer")
	if f.th.stages[1] != stage.StageResources || f.sup.stages[1] != stage.StageResources {
		t.Errorf("second turn stages: therapist %q supervisor %q", f.th.stages[1], f.sup.stages[1])
	}

	recs := f.transcript(t)
	if recs[0].Text != "[Etap terapii: Zasoby]" || recs[0].Role != models.RoleSystem {
		t.Errorf("transition line missing: %+v", recs[0])
	}
	if len(f.obs.entries) != 1 || f.obs.entries[0] != stage.StageResources {
		t.Errorf("stage entries = %v", f.obs.entries)
	}
}

func TestAdvanceOnFinalStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for f.log.CurrentStage() != stage.StageSummary {
		if _, _, err := f.log.AdvanceToNextStage(ctx); err != nil {
			t.Fatalf("advance failed: %v", err)
		}
	}
	f.sup.decisions = []models.SupervisorDecision{advanceDecision()}

	res := f.turn(t, "Dziękuję")
	if !res.Success || res.StageChanged() || res.Data[models.DataKeyNewStage] != stage.StageSummary {
		t.Errorf("unexpected result %+v", res)
	}
	for _, r := range f.transcript(t) {
		if r.Role == models.RoleSystem {
			t.Errorf("unexpected transition line %q", r.Text)
		}
	}
}

func TestMissingStagePrompt(t *testing.T) {
	f := newFixture(t)
	empty := prompts.NewStore(prompts.Document{})
	f.strategy.supervisor = NewSupervisorAdapter(f.sup, empty, nil)

	res := f.turn(t, "Cześć")
	if res.Success || res.ErrorCode != models.ErrorCodeStagePromptNotFound {
		t.Fatalf("expected STAGE_PROMPT_NOT_FOUND, got %+v", res)
	}
	if !f.conv.HasPendingQuestion() || f.conv.IsProcessing() {
		t.Error("question must stay pending after a failed turn")
	}
}

func TestAgentsNotAvailable(t *testing.T) {
	f := newFixture(t)
	p := testStagePrompts()

	f.strategy.supervisor = NewSupervisorAdapter(nil, p, nil)
	if res := f.turn(t, "Cześć"); res.ErrorCode != models.ErrorCodeSupervisorNotAvailable {
		t.Errorf("got %+v, want SUPERVISOR_NOT_AVAILABLE", res)
	}

	f.strategy.supervisor = NewSupervisorAdapter(f.sup, p, nil)
	f.strategy.therapist = NewTherapistAdapter(nil, p, nil)
	res := f.orch.ProcessRequest(context.Background(), f.request())
	if res.ErrorCode != models.ErrorCodeTherapistNotAvailable {
		t.Errorf("got %+v, want THERAPIST_NOT_AVAILABLE", res)
	}
}

func TestExecuteAbortsStaleProcessing(t *testing.T) {
	f := newFixture(t)
	f.conv.AcceptUserInput("zawieszone")
	if _, _, err := f.conv.StartProcessing(); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}

	res := f.orch.ProcessRequest(context.Background(), f.request())
	if !res.Success {
		t.Fatalf("expected self-healed turn, got %+v", res)
	}
	if got := f.conv.CommittedContext(); len(got) != 2 || got[0].Text != "zawieszone" {
		t.Errorf("unexpected committed context %+v", got)
	}
}

func TestExecuteWithoutPendingQuestion(t *testing.T) {
	f := newFixture(t)
	res := f.orch.ProcessRequest(context.Background(), f.request())
	if res.Success || res.ErrorCode != models.ErrorCodeInvalidState {
		t.Errorf("got %+v, want INVALID_STATE", res)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.th.panicWith = "nil map"

	res := f.turn(t, "Cześć")
	if res.Success || res.ErrorCode != models.ErrorCodeWorkflowError {
		t.Fatalf("got %+v, want WORKFLOW_ERROR", res)
	}
	if f.conv.IsProcessing() || !f.conv.HasPendingQuestion() {
		t.Error("panic must abort processing and keep the question")
	}
}

type panickingStrategy struct{ Strategy }

func (panickingStrategy) Execute(ctx context.Context, req Request) models.WorkflowResult {
	panic("strategy exploded")
}

func TestProcessRequestNeverPanics(t *testing.T) {
	f := newFixture(t)
	o := NewOrchestrator(panickingStrategy{}, nil, nil, WithObserver(f.obs))
	res := o.ProcessRequest(context.Background(), f.request())
	if res.Success || res.ErrorCode != models.ErrorCodeWorkflowError {
		t.Errorf("got %+v", res)
	}
	if len(f.obs.turns) != 1 || f.obs.turns[0].Success {
		t.Errorf("failed turn not observed: %+v", f.obs.turns)
	}
}

func TestProcessRequestStream(t *testing.T) {
	f := newFixture(t)
	f.th.chunks = []string{"Rozumiem. ", "Co się ", "stało?"}
	f.conv.AcceptUserInput("Czuję się źle")

	chunks, done := collect(f.orch.ProcessRequestStream(context.Background(), f.request()))
	if len(chunks) != 3 {
		t.Errorf("got %d chunks, want 3", len(chunks))
	}
	if done == nil || !done.Success {
		t.Fatalf("expected successful done event, got %+v", done)
	}
	if streaming, _ := done.Data[models.DataKeyStreaming].(bool); !streaming {
		t.Error("streaming flag not set")
	}
	committed := f.conv.CommittedContext()
	if len(committed) != 2 || committed[1].Text != "Rozumiem. Co się stało?" {
		t.Errorf("unexpected committed context %+v", committed)
	}
	if recs := f.transcript(t); len(recs) != 2 {
		t.Errorf("transcript has %d lines, want 2", len(recs))
	}
	if len(f.obs.streaming) != 1 || !f.obs.streaming[0] {
		t.Errorf("streaming turn not observed: %v", f.obs.streaming)
	}
}

func TestStreamWithoutFinalResultAborts(t *testing.T) {
	f := newFixture(t)
	f.th.chunks = []string{"Rozu"}
	f.th.noFinal = true
	f.conv.AcceptUserInput("Czuję się źle")

	_, done := collect(f.orch.ProcessRequestStream(context.Background(), f.request()))
	if done == nil || done.Success || done.ErrorCode != models.ErrorCodeStreamIncomplete {
		t.Fatalf("expected STREAM_INCOMPLETE, got %+v", done)
	}
	if len(f.conv.CommittedContext()) != 0 || f.conv.IsProcessing() || !f.conv.HasPendingQuestion() {
		t.Error("partial stream must not be committed")
	}
	if len(f.transcript(t)) != 0 {
		t.Error("partial stream reached the session log")
	}
}

func TestStreamConsumerStop(t *testing.T) {
	f := newFixture(t)
	f.th.chunks = []string{"a", "b", "c"}
	f.conv.AcceptUserInput("Czuję się źle")

	seen := 0
	for ev := range f.orch.ProcessRequestStream(context.Background(), f.request()) {
		if ev.IsDone() {
			t.Fatal("done event delivered after consumer stopped")
		}
		seen++
		break
	}
	if seen != 1 {
		t.Errorf("consumer saw %d events", seen)
	}
	if len(f.conv.CommittedContext()) != 0 || f.conv.IsProcessing() || !f.conv.HasPendingQuestion() {
		t.Error("stopped stream must abort without committing")
	}
	if len(f.obs.turns) != 1 || f.obs.turns[0].ErrorCode != models.ErrorCodeStreamIncomplete {
		t.Errorf("aborted turn not observed: %+v", f.obs.turns)
	}
}

func TestStreamTherapistFailure(t *testing.T) {
	f := newFixture(t)
	f.th.err = "rate limited"
	f.conv.AcceptUserInput("Czuję się źle")

	_, done := collect(f.orch.ProcessRequestStream(context.Background(), f.request()))
	if done == nil || done.Success || done.ErrorCode != models.ErrorCodeTherapistError {
		t.Fatalf("unexpected done %+v", done)
	}
	if msg, _ := done.Data[models.DataKeyDisplayError].(string); msg != "[Błąd terapeuty: Therapist response generation failed]" {
		t.Errorf("display error = %q", msg)
	}
	if f.conv.IsProcessing() || !f.conv.HasPendingQuestion() {
		t.Error("question must stay pending")
	}
}

func TestStreamCrisis(t *testing.T) {
	f := newFixture(t)
	d := stayDecision()
	d.SafetyRisk = true
	f.sup.decisions = []models.SupervisorDecision{d}
	f.th.chunks = []string{"Normalna ", "odpowiedź?"}
	f.conv.AcceptUserInput("chcę umrzeć")

	chunks, done := collect(f.orch.ProcessRequestStream(context.Background(), f.request()))
	if len(chunks) != 0 {
		t.Errorf("normal reply streamed during crisis: %q", chunks)
	}
	if done == nil || !done.IsCrisis() || done.TherapistResponse() != f.checker.CrisisResponse() {
		t.Fatalf("expected crisis done event, got %+v", done)
	}
	if streaming, _ := done.Data[models.DataKeyStreaming].(bool); !streaming {
		t.Error("crisis result lost the streaming flag")
	}
}
