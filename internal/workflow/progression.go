package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/session"
)

// StageProgressionHandler moves a session through its stages.
type StageProgressionHandler struct {
	session SessionLog
}

// NewStageProgressionHandler creates a handler for session.
func NewStageProgressionHandler(s SessionLog) *StageProgressionHandler {
	return &StageProgressionHandler{session: s}
}

// Handle applies decision. It advances on an advance decision; on the last
// stage nothing changes. The returned stage is the one now active.
func (h *StageProgressionHandler) Handle(ctx context.Context, decision models.SupervisorDecision) (bool, models.StageInfo, error) {
	if !decision.ShouldAdvance() {
		return false, h.session.CurrentStageInfo(), nil
	}
	from := h.session.CurrentStage()
	changed, info, err := h.session.AdvanceToNextStage(ctx)
	if err != nil {
		return false, h.session.CurrentStageInfo(), fmt.Errorf("failed to advance stage from %s: %w", from, err)
	}
	if !changed {
		slog.Info("StageProgressionHandler.Handle: already in final stage", "sessionID", h.session.ID(), "stage", from)
		return false, info, nil
	}
	slog.Info("StageProgressionHandler.Handle: therapy stage changed", "sessionID", h.session.ID(), "from", from, "to", info.ID)
	return true, info, nil
}

// AddTransitionMessage writes the stage transition line to the session log.
func (h *StageProgressionHandler) AddTransitionMessage(ctx context.Context, stageName string) error {
	return h.session.AddSystemMessage(ctx, session.TransitionMessage(stageName))
}
