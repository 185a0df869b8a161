package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

// unknownPromptID is recorded when a reply carries no prompt id.
const unknownPromptID = "unknown"

// Exchange is one committed turn to be written to the session log.
type Exchange struct {
	// Stage is the stage the turn ran in.
	Stage             string
	UserMessage       string
	TherapistResponse string
	PromptID          string
	ResponseTime      time.Duration
	Decision          models.SupervisorDecision
}

// Finalization reports the stage after an exchange was finalized.
type Finalization struct {
	StageChanged bool
	Stage        models.StageInfo
}

// SessionOrchestrator writes committed turns to the session log and applies
// stage progression.
type SessionOrchestrator struct {
	session     SessionLog
	progression *StageProgressionHandler
}

// NewSessionOrchestrator creates a session orchestrator.
func NewSessionOrchestrator(s SessionLog, progression *StageProgressionHandler) *SessionOrchestrator {
	if progression == nil {
		progression = NewStageProgressionHandler(s)
	}
	return &SessionOrchestrator{session: s, progression: progression}
}

// FinalizeExchange applies the supervisor decision and records the exchange.
// A stage change adds a transition line before the exchange. Every step is
// attempted; the returned error joins the failures.
func (o *SessionOrchestrator) FinalizeExchange(ctx context.Context, ex Exchange) (Finalization, error) {
	var errs []error

	changed, info, err := o.progression.Handle(ctx, ex.Decision)
	if err != nil {
		errs = append(errs, err)
	}
	if changed {
		if err := o.progression.AddTransitionMessage(ctx, info.Name); err != nil {
			errs = append(errs, fmt.Errorf("failed to add stage transition message: %w", err))
		}
	}

	if err := o.updateConversationHistory(ctx, ex); err != nil {
		errs = append(errs, err)
	}

	stageID := ex.Stage
	if stageID == "" {
		stageID = info.ID
	}
	if err := o.session.RecordSupervisorOutput(ctx, stageID, ex.Decision); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		slog.Error("SessionOrchestrator.FinalizeExchange: failed to finalize exchange", "sessionID", o.session.ID(), "error", err)
		return Finalization{StageChanged: changed, Stage: info}, err
	}
	return Finalization{StageChanged: changed, Stage: info}, nil
}

// updateConversationHistory appends the user message, unless it is already
// the last line of the log, and the therapist reply.
func (o *SessionOrchestrator) updateConversationHistory(ctx context.Context, ex Exchange) error {
	if strings.TrimSpace(ex.UserMessage) != "" {
		last, ok, err := o.session.LastMessage(ctx)
		if err != nil {
			return fmt.Errorf("failed to read session log: %w", err)
		}
		if !ok || last.Text != ex.UserMessage {
			if err := o.session.AddUserMessage(ctx, ex.UserMessage); err != nil {
				return err
			}
		}
	}

	promptID := ex.PromptID
	if promptID == "" {
		promptID = unknownPromptID
	}
	return o.session.AddAssistantMessage(ctx, ex.TherapistResponse, promptID, ex.ResponseTime)
}
