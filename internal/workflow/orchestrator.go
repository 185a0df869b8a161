package workflow

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver reports turn metrics to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// Orchestrator runs a strategy and routes its result either to the crisis
// handler or to the session orchestrator.
type Orchestrator struct {
	strategy Strategy
	crisis   *CrisisHandler
	sessions *SessionOrchestrator
	observer Observer
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(strategy Strategy, crisis *CrisisHandler, sessions *SessionOrchestrator, opts ...Option) *Orchestrator {
	o := &Orchestrator{strategy: strategy, crisis: crisis, sessions: sessions}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessRequest runs one turn. It never panics and always returns a result.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req Request) (res models.WorkflowResult) {
	start := time.Now()
	slog.Info("Orchestrator.ProcessRequest: starting conversation workflow", "sessionID", req.SessionID, "stage", req.CurrentStage)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator.ProcessRequest: panic recovered", "sessionID", req.SessionID, "panic", r)
			res = models.FailureResult("Workflow orchestration failed", fmt.Sprint(r), models.ErrorCodeWorkflowError)
		}
		o.observeTurn(res, false, time.Since(start))
	}()

	res = o.strategy.Execute(ctx, req)
	return o.complete(ctx, req, res)
}

// ProcessRequestStream runs one turn, forwarding therapist chunks as they
// arrive. The final event carries the result after the crisis check and
// session finalization. When the consumer stops early the turn is aborted
// and nothing is written to the session log.
func (o *Orchestrator) ProcessRequestStream(ctx context.Context, req Request) iter.Seq[StreamEvent] {
	return func(yield func(StreamEvent) bool) {
		start := time.Now()
		slog.Info("Orchestrator.ProcessRequestStream: starting streaming workflow", "sessionID", req.SessionID, "stage", req.CurrentStage)

		for ev := range o.strategy.ExecuteStream(ctx, req) {
			if !ev.IsDone() {
				if !yield(ev) {
					o.observeTurn(models.FailureResult("Stream consumer stopped", ErrStreamIncomplete.Error(), models.ErrorCodeStreamIncomplete), true, time.Since(start))
					return
				}
				continue
			}
			res := o.complete(ctx, req, *ev.Done)
			o.observeTurn(res, true, time.Since(start))
			yield(DoneEvent(res))
			return
		}

		res := models.FailureResult("Workflow stream ended without a result", ErrStreamIncomplete.Error(), models.ErrorCodeStreamIncomplete)
		o.observeTurn(res, true, time.Since(start))
		yield(DoneEvent(res))
	}
}

// complete applies the crisis check and finalizes the session for a
// successful strategy result.
func (o *Orchestrator) complete(ctx context.Context, req Request, res models.WorkflowResult) (out models.WorkflowResult) {
	if !res.Success {
		slog.Warn("Orchestrator.complete: workflow failed", "sessionID", req.SessionID, "code", res.ErrorCode, "error", res.Error)
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator.complete: panic recovered", "sessionID", req.SessionID, "panic", r)
			out = models.FailureResult("Workflow orchestration failed", fmt.Sprint(r), models.ErrorCodeWorkflowError)
		}
	}()

	if res.Data == nil {
		res.Data = map[string]any{}
	}
	stageID := res.CurrentStage()
	if stageID == "" {
		stageID = req.CurrentStage
	}
	userMessage, _ := res.Data[models.DataKeyUserMessage].(string)
	if userMessage == "" {
		userMessage = req.UserMessage
	}

	decision, ok := res.SupervisorDecision()
	if ok && o.observer != nil {
		o.observer.ObserveDecision(stageID, decision)
	}
	if ok && decision.SafetyRisk {
		slog.Error("Orchestrator.complete: safety risk detected", "sessionID", req.SessionID, "stage", stageID)
		if o.observer != nil {
			o.observer.ObserveCrisis()
		}
		crisis := o.crisis.HandleCrisis(ctx, userMessage, decision)
		if streaming, _ := res.Data[models.DataKeyStreaming].(bool); streaming {
			crisis.Data[models.DataKeyStreaming] = true
		}
		return crisis
	}

	promptID, _ := res.Data[models.DataKeyPromptID].(string)
	responseMS, _ := res.Data[models.DataKeyResponseTimeMS].(int64)
	fin, err := o.sessions.FinalizeExchange(ctx, Exchange{
		Stage:             stageID,
		UserMessage:       userMessage,
		TherapistResponse: res.TherapistResponse(),
		PromptID:          promptID,
		ResponseTime:      time.Duration(responseMS) * time.Millisecond,
		Decision:          decision,
	})
	res.Data[models.DataKeyStageChanged] = fin.StageChanged
	res.Data[models.DataKeyNewStage] = fin.Stage.ID
	if fin.StageChanged && o.observer != nil {
		o.observer.ObserveStageEntry(fin.Stage.ID)
	}
	if err != nil {
		res.Error = err.Error()
		res.ErrorCode = models.ErrorCodeSessionFinalizeFailed
		return res
	}

	slog.Info("Orchestrator.complete: conversation workflow completed", "sessionID", req.SessionID, "stage", stageID, "newStage", fin.Stage.ID)
	return res
}

func (o *Orchestrator) observeTurn(res models.WorkflowResult, streaming bool, elapsed time.Duration) {
	if o.observer != nil {
		o.observer.ObserveTurn(res, streaming, elapsed)
	}
}
