package workflow

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/BTreeMap/TherapyPipe/internal/agent"
	"github.com/BTreeMap/TherapyPipe/internal/conversation"
	"github.com/BTreeMap/TherapyPipe/internal/models"
)

// Strategy executes the agent steps of a turn.
type Strategy interface {
	Execute(ctx context.Context, req Request) models.WorkflowResult
	ExecuteStream(ctx context.Context, req Request) iter.Seq[StreamEvent]
}

// ConversationStrategy processes the pending question of a conversation:
// supervisor evaluation, therapist reply, commit. Any failure aborts
// processing so the question stays pending for a retry.
type ConversationStrategy struct {
	conv       *conversation.Manager
	supervisor *SupervisorAdapter
	therapist  *TherapistAdapter
}

// NewConversationStrategy creates a strategy over conv.
func NewConversationStrategy(conv *conversation.Manager, supervisor *SupervisorAdapter, therapist *TherapistAdapter) *ConversationStrategy {
	return &ConversationStrategy{conv: conv, supervisor: supervisor, therapist: therapist}
}

// begin freezes the pending question. A turn left in PROCESSING by an
// earlier failure is aborted first.
func (s *ConversationStrategy) begin(req Request) ([]models.Message, string, error) {
	if req.CurrentStage == "" {
		return nil, "", &StepError{Code: models.ErrorCodeInvalidState, Message: "Current stage is required"}
	}
	if s.conv.IsProcessing() {
		slog.Debug("ConversationStrategy.begin: aborting stale processing", "sessionID", req.SessionID)
		s.conv.AbortProcessing()
	}
	history, question, err := s.conv.StartProcessing()
	if err != nil {
		return nil, "", &StepError{Code: models.ErrorCodeInvalidState, Message: "Cannot start processing", Err: err}
	}
	return history, question, nil
}

// Execute runs one turn in req.CurrentStage.
func (s *ConversationStrategy) Execute(ctx context.Context, req Request) (res models.WorkflowResult) {
	started := false
	defer func() {
		if r := recover(); r != nil {
			if started {
				s.conv.AbortProcessing()
			}
			slog.Error("ConversationStrategy.Execute: panic recovered", "sessionID", req.SessionID, "panic", r)
			res = models.FailureResult("Conversation workflow processing failed", fmt.Sprint(r), models.ErrorCodeWorkflowError)
		}
	}()

	history, question, err := s.begin(req)
	if err != nil {
		return failureFrom(err, "Cannot start processing", models.ErrorCodeInvalidState)
	}
	started = true

	decision, err := s.supervisor.EvaluateStage(ctx, req.CurrentStage, question, history)
	if err != nil {
		s.conv.AbortProcessing()
		return failureFrom(err, "Supervisor evaluation failed", models.ErrorCodeSupervisorError)
	}

	reply, err := s.therapist.GenerateResponse(ctx, req.CurrentStage, question, history)
	if err != nil {
		s.conv.AbortProcessing()
		return failureFrom(err, "Therapist response generation failed", models.ErrorCodeTherapistError)
	}

	if err := s.conv.CommitTherapistResponse(reply.Text); err != nil {
		s.conv.AbortProcessing()
		return models.FailureResult("Failed to commit therapist response", err.Error(), models.ErrorCodeInvalidState)
	}
	return models.SuccessResult("Pending question processed successfully",
		successData(req.CurrentStage, question, decision, reply.Result))
}

// ExecuteStream is the streaming variant of Execute. The supervisor runs to
// completion first, then therapist chunks are forwarded as they arrive,
// unless the supervisor flagged a safety risk. The
// reply is committed only after the therapist reports a successful final
// result; if the consumer stops early the turn is aborted and no Done event
// is sent.
func (s *ConversationStrategy) ExecuteStream(ctx context.Context, req Request) iter.Seq[StreamEvent] {
	return func(yield func(StreamEvent) bool) {
		var inYield, stopped, started bool
		emit := func(ev StreamEvent) bool {
			if stopped {
				return false
			}
			inYield = true
			ok := yield(ev)
			inYield = false
			stopped = !ok
			return ok
		}
		finish := func(res models.WorkflowResult, display string) {
			if res.Data == nil {
				res.Data = map[string]any{}
			}
			res.Data[models.DataKeyStreaming] = true
			res.Data[models.DataKeyDisplayError] = display
			emit(DoneEvent(res))
		}
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if inYield {
				// The consumer's loop body panicked; do not resume iteration.
				panic(r)
			}
			if started {
				s.conv.AbortProcessing()
			}
			slog.Error("ConversationStrategy.ExecuteStream: panic recovered", "sessionID", req.SessionID, "panic", r)
			finish(models.FailureResult("Conversation streaming workflow processing failed", fmt.Sprint(r), models.ErrorCodeWorkflowError),
				fmt.Sprintf("[Błąd workflow: %v]", r))
		}()

		history, question, err := s.begin(req)
		if err != nil {
			res := failureFrom(err, "Cannot start processing", models.ErrorCodeInvalidState)
			finish(res, "[Błąd workflow: "+res.Message+"]")
			return
		}
		started = true

		decision, err := s.supervisor.EvaluateStage(ctx, req.CurrentStage, question, history)
		if err != nil {
			s.conv.AbortProcessing()
			res := failureFrom(err, "Supervisor evaluation failed", models.ErrorCodeSupervisorError)
			finish(res, "[Błąd supervisora: "+res.Message+"]")
			return
		}

		parts, err := s.therapist.GenerateResponseStream(ctx, req.CurrentStage, question, history)
		if err != nil {
			s.conv.AbortProcessing()
			res := failureFrom(err, "Therapist streaming failed", models.ErrorCodeTherapistError)
			finish(res, "[Błąd terapeuty: "+res.Message+"]")
			return
		}

		// A flagged turn ends in the crisis response, so the normal reply is
		// drained without reaching the consumer.
		withhold := decision.SafetyRisk
		var final *agent.TherapistResult
		chunks := 0
		for part := range parts {
			if part.Final != nil {
				final = part.Final
				break
			}
			if part.Chunk == "" || withhold {
				continue
			}
			chunks++
			if !emit(ChunkEvent(part.Chunk)) {
				s.conv.AbortProcessing()
				slog.Info("ConversationStrategy.ExecuteStream: consumer stopped, turn aborted", "sessionID", req.SessionID, "chunks", chunks)
				return
			}
		}

		if final == nil {
			s.conv.AbortProcessing()
			res := models.FailureResult("Therapist streaming failed", ErrStreamIncomplete.Error(), models.ErrorCodeStreamIncomplete)
			finish(res, "[Błąd terapeuty: "+res.Message+"]")
			return
		}
		if err := therapistFailure(*final); err != nil {
			s.conv.AbortProcessing()
			res := failureFrom(err, "Therapist streaming failed", models.ErrorCodeTherapistError)
			finish(res, "[Błąd terapeuty: "+res.Message+"]")
			return
		}
		if err := s.conv.CommitTherapistResponse(final.Response); err != nil {
			s.conv.AbortProcessing()
			res := models.FailureResult("Failed to commit therapist response", err.Error(), models.ErrorCodeInvalidState)
			finish(res, "[Błąd workflow: "+res.Message+"]")
			return
		}

		data := successData(req.CurrentStage, question, decision, *final)
		data[models.DataKeyStreaming] = true
		slog.Debug("ConversationStrategy.ExecuteStream: turn committed", "sessionID", req.SessionID, "chunks", chunks)
		emit(DoneEvent(models.SuccessResult("Streaming pending question processed successfully", data)))
	}
}

func successData(stageID, question string, decision models.SupervisorDecision, res agent.TherapistResult) map[string]any {
	return map[string]any{
		models.DataKeySupervisorDecision: decision,
		models.DataKeyTherapistResponse:  res.Response,
		models.DataKeyStageChanged:       decision.ShouldAdvance(),
		models.DataKeyCurrentStage:       stageID,
		models.DataKeyUserMessage:        question,
		models.DataKeyPromptID:           res.PromptID,
		models.DataKeyResponseTimeMS:     res.ResponseTime.Milliseconds(),
		models.DataKeyValidation:         res.Validation,
		models.DataKeySafetyCheck:        res.SafetyCheck,
	}
}
