// Package workflow runs one therapy turn end to end: the supervisor decides
// whether the current stage is complete, the therapist answers, the exchange
// is committed to the conversation, and the session log is updated or the
// crisis protocol takes over.
//
// Every entry point returns a models.WorkflowResult instead of an error. A
// failed turn leaves the user's question pending so it can be retried.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/store"
)

// ErrStreamIncomplete is reported when a therapist stream ends without a final result.
var ErrStreamIncomplete = errors.New("therapist stream ended without a final result")

// Request describes one turn. CurrentStage is the stage active when the turn
// starts; the turn runs entirely in that stage.
type Request struct {
	SessionID    string
	CurrentStage string
	// UserMessage is used for the session log when the strategy does not
	// report the question it processed.
	UserMessage string
}

// StreamEvent is one element of a streamed turn: a therapist text chunk, or
// the final result. Done is non-nil only on the last event.
type StreamEvent struct {
	Chunk string
	Done  *models.WorkflowResult
}

// ChunkEvent wraps a therapist text chunk.
func ChunkEvent(text string) StreamEvent {
	return StreamEvent{Chunk: text}
}

// DoneEvent wraps the final result of a streamed turn.
func DoneEvent(res models.WorkflowResult) StreamEvent {
	return StreamEvent{Done: &res}
}

// IsDone reports whether the event carries the final result.
func (e StreamEvent) IsDone() bool {
	return e.Done != nil
}

// SessionLog is the durable session record the workflow writes to.
// session.Manager satisfies it.
type SessionLog interface {
	ID() string
	Session() (store.Session, error)
	CurrentStage() string
	CurrentStageInfo() models.StageInfo

	AddUserMessage(ctx context.Context, text string) error
	AddAssistantMessage(ctx context.Context, text, promptID string, responseTime time.Duration) error
	AddSystemMessage(ctx context.Context, text string) error
	LastMessage(ctx context.Context) (store.MessageRecord, bool, error)

	AdvanceToNextStage(ctx context.Context) (bool, models.StageInfo, error)
	RecordSupervisorOutput(ctx context.Context, stageID string, decision models.SupervisorDecision) error
	RecordPromptUsed(ctx context.Context, agent models.AgentType, stageID, promptID string) error
	AddSafetyFlag(ctx context.Context, keywords []string, excerpt string) error
	SetCrisisActive(ctx context.Context, active bool) error
	IsCrisisActive() bool
}

// Observer receives turn-level measurements. metrics.Metrics satisfies it.
type Observer interface {
	ObserveTurn(result models.WorkflowResult, streaming bool, elapsed time.Duration)
	ObserveDecision(stage string, d models.SupervisorDecision)
	ObserveStageEntry(stage string)
	ObserveCrisis()
}

// StepError is a failed workflow step with its machine readable code.
type StepError struct {
	Code    models.ErrorCode
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

// Result converts the error to a failed WorkflowResult.
func (e *StepError) Result() models.WorkflowResult {
	errText := string(e.Code)
	if e.Err != nil {
		errText = e.Err.Error()
	}
	return models.FailureResult(e.Message, errText, e.Code)
}

// failureFrom converts any error into a failed WorkflowResult, keeping the
// code of a StepError.
func failureFrom(err error, message string, code models.ErrorCode) models.WorkflowResult {
	var step *StepError
	if errors.As(err, &step) {
		return step.Result()
	}
	return models.FailureResult(message, err.Error(), code)
}
