package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/notify"
	"github.com/BTreeMap/TherapyPipe/internal/safety"
)

// CrisisHandler replaces the normal reply with the crisis protocol when the
// supervisor reports a safety risk.
type CrisisHandler struct {
	session  SessionLog
	notifier notify.Notifier
	checker  *safety.Checker
}

// NewCrisisHandler creates a crisis handler. A nil notifier only logs and a
// nil checker uses the default safety configuration.
func NewCrisisHandler(session SessionLog, notifier notify.Notifier, checker *safety.Checker) *CrisisHandler {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if checker == nil {
		checker = safety.NewDefaultChecker()
	}
	return &CrisisHandler{session: session, notifier: notifier, checker: checker}
}

// HandleCrisis activates the crisis protocol for userMessage. The user always
// gets the crisis response: failures to notify or to write the session log
// are reported in the result's Error and ErrorCode, not as a failed turn.
// Every call appends to the session log, so repeated crises are all recorded.
func (h *CrisisHandler) HandleCrisis(ctx context.Context, userMessage string, decision models.SupervisorDecision) models.WorkflowResult {
	sessionID := h.session.ID()
	stageID := h.session.CurrentStage()
	slog.Error("CrisisHandler.HandleCrisis: crisis protocol activated",
		"sessionID", sessionID,
		"stage", stageID,
		"reason", decision.Reason)

	var errs []error
	if err := h.session.SetCrisisActive(ctx, true); err != nil {
		errs = append(errs, err)
	}

	check := h.checker.CheckUserInput(userMessage)
	if err := h.session.AddSafetyFlag(ctx, check.MatchedKeywords, userMessage); err != nil {
		errs = append(errs, err)
	}

	alert := notify.CrisisAlert{
		SessionID:  sessionID,
		Stage:      stageID,
		Keywords:   check.MatchedKeywords,
		Reason:     crisisReason(decision),
		Excerpt:    userMessage,
		DetectedAt: time.Now(),
	}
	if sess, err := h.session.Session(); err == nil {
		alert.UserID = sess.UserID
	}
	if err := h.notifier.NotifyCrisisDetected(ctx, alert); err != nil {
		errs = append(errs, fmt.Errorf("failed to notify crisis: %w", err))
	}

	response := h.checker.CrisisResponse()
	if err := h.notifier.ShowCrisisMessage(ctx, sessionID, response); err != nil {
		errs = append(errs, fmt.Errorf("failed to show crisis message: %w", err))
	}

	if strings.TrimSpace(userMessage) != "" {
		if err := h.session.AddUserMessage(ctx, userMessage); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.session.AddAssistantMessage(ctx, response, h.checker.CrisisProtocolID(), 0); err != nil {
		errs = append(errs, err)
	}

	res := models.SuccessResult("Crisis protocol activated", map[string]any{
		models.DataKeyCrisisMode:         true,
		models.DataKeySupervisorDecision: decision,
		models.DataKeyTherapistResponse:  response,
		models.DataKeyStageChanged:       false,
		models.DataKeyCurrentStage:       stageID,
		models.DataKeyUserMessage:        userMessage,
		models.DataKeyPromptID:           h.checker.CrisisProtocolID(),
	})
	if err := errors.Join(errs...); err != nil {
		slog.Error("CrisisHandler.HandleCrisis: crisis protocol incomplete", "sessionID", sessionID, "error", err)
		res.Error = err.Error()
		res.ErrorCode = models.ErrorCodeCrisisHandlingFailed
	}
	return res
}

func crisisReason(d models.SupervisorDecision) string {
	if d.Reason != "" {
		return d.Reason
	}
	return d.SafetyMessage
}

// IsCrisisActive reports whether the session is in crisis mode.
func (h *CrisisHandler) IsCrisisActive() bool {
	return h.session.IsCrisisActive()
}

// CrisisContacts returns the emergency contacts shown with the crisis response.
func (h *CrisisHandler) CrisisContacts() map[string]safety.Contact {
	return h.checker.CrisisContacts()
}

// ReviewSession rescans the user messages of a transcript for risk keywords.
func (h *CrisisHandler) ReviewSession(msgs []models.Message) safety.SessionSummary {
	return h.checker.ValidateSession(msgs)
}

// DeactivateCrisis clears the session's crisis flag.
func (h *CrisisHandler) DeactivateCrisis(ctx context.Context) error {
	if err := h.session.SetCrisisActive(ctx, false); err != nil {
		return fmt.Errorf("failed to deactivate crisis: %w", err)
	}
	slog.Info("CrisisHandler.DeactivateCrisis: crisis protocol deactivated", "sessionID", h.session.ID())
	return nil
}
