package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/notify"
	"github.com/BTreeMap/TherapyPipe/internal/stage"
	"github.com/BTreeMap/TherapyPipe/internal/store"
)

func riskDecision() models.SupervisorDecision {
	d := stayDecision()
	d.SafetyRisk = true
	d.Reason = "wypowiedź o samobójstwie"
	return d
}

func TestHandleCrisisAppendsEveryTime(t *testing.T) {
	f := newFixture(t)
	h := NewCrisisHandler(f.log, f.notifier, f.checker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := h.HandleCrisis(ctx, "nie chcę żyć", riskDecision())
		if !res.Success || !res.IsCrisis() || res.ErrorCode != "" {
			t.Fatalf("call %d: unexpected result %+v", i, res)
		}
		if res.CurrentStage() != stage.StageOpening {
			t.Errorf("current_stage = %q", res.CurrentStage())
		}
	}
	if recs := f.transcript(t); len(recs) != 4 {
		t.Errorf("transcript has %d lines, want 4", len(recs))
	}
	if len(f.notifier.alerts) != 2 || len(f.notifier.shown) != 2 {
		t.Errorf("alerts=%d shown=%d, want 2 each", len(f.notifier.alerts), len(f.notifier.shown))
	}
	if f.notifier.alerts[0].Reason != "wypowiedź o samobójstwie" || len(f.notifier.alerts[0].Keywords) == 0 {
		t.Errorf("unexpected alert %+v", f.notifier.alerts[0])
	}
}

func TestHandleCrisisReportsNotifierFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("outbox unavailable")
	h := NewCrisisHandler(f.log, f.notifier, f.checker)

	res := h.HandleCrisis(context.Background(), "chcę umrzeć", riskDecision())
	if !res.Success || res.TherapistResponse() != f.checker.CrisisResponse() {
		t.Fatalf("user must still get the crisis response: %+v", res)
	}
	if res.ErrorCode != models.ErrorCodeCrisisHandlingFailed {
		t.Errorf("ErrorCode = %q, want CRISIS_HANDLING_FAILED", res.ErrorCode)
	}
	if !h.IsCrisisActive() {
		t.Error("crisis flag must be set despite notifier failure")
	}
}

func TestHandleCrisisEnqueuesAlert(t *testing.T) {
	f := newFixture(t)
	h := NewCrisisHandler(f.log, notify.NewOutboxNotifier(f.repo), nil)

	h.HandleCrisis(context.Background(), "chcę umrzeć", riskDecision())
	h.HandleCrisis(context.Background(), "chcę umrzeć", riskDecision())

	msgs, err := f.repo.ListOutboxMessages(f.log.ID())
	if err != nil {
		t.Fatalf("ListOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != store.OutboxKindCrisisAlert {
		t.Errorf("expected one pending crisis alert, got %+v", msgs)
	}
}

func TestCrisisContactsAndDeactivate(t *testing.T) {
	f := newFixture(t)
	h := NewCrisisHandler(f.log, nil, nil)
	ctx := context.Background()

	contacts := h.CrisisContacts()
	if contacts["pogotowie"].Number != "112" || contacts["telefon_zaufania"].Number != "116 123" {
		t.Errorf("unexpected contacts %+v", contacts)
	}

	h.HandleCrisis(ctx, "chcę umrzeć", riskDecision())
	if !h.IsCrisisActive() {
		t.Fatal("crisis not active")
	}
	if err := h.DeactivateCrisis(ctx); err != nil {
		t.Fatalf("DeactivateCrisis failed: %v", err)
	}
	if h.IsCrisisActive() {
		t.Error("crisis still active after deactivation")
	}
	stored, _ := f.repo.GetSession(f.log.ID())
	if stored.CrisisActive {
		t.Error("stored crisis flag not cleared")
	}
}

func TestFinalizeExchangeSkipsDuplicateUserMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.log.AddUserMessage(ctx, "tak"); err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}

	o := NewSessionOrchestrator(f.log, nil)
	fin, err := o.FinalizeExchange(ctx, Exchange{
		Stage:             stage.StageOpening,
		UserMessage:       "tak",
		TherapistResponse: "Co jeszcze?",
		Decision:          stayDecision(),
	})
	if err != nil {
		t.Fatalf("FinalizeExchange failed: %v", err)
	}
	if fin.StageChanged || fin.Stage.ID != stage.StageOpening {
		t.Errorf("unexpected finalization %+v", fin)
	}
	recs := f.transcript(t)
	if len(recs) != 2 {
		t.Fatalf("transcript has %d lines, want 2", len(recs))
	}
	if recs[1].PromptID != unknownPromptID {
		t.Errorf("prompt id = %q, want %q", recs[1].PromptID, unknownPromptID)
	}
}

func TestStageProgressionHandler(t *testing.T) {
	f := newFixture(t)
	h := NewStageProgressionHandler(f.log)
	ctx := context.Background()

	changed, info, err := h.Handle(ctx, stayDecision())
	if err != nil || changed || info.ID != stage.StageOpening {
		t.Errorf("stay: changed=%v info=%+v err=%v", changed, info, err)
	}
	changed, info, err = h.Handle(ctx, advanceDecision())
	if err != nil || !changed || info.ID != stage.StageResources {
		t.Errorf("advance: changed=%v info=%+v err=%v", changed, info, err)
	}
	if !advanceDecision().ShouldAdvance() || stayDecision().ShouldAdvance() {
		t.Error("ShouldAdvance mismatch")
	}
}
