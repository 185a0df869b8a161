package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/agent"
	"github.com/BTreeMap/TherapyPipe/internal/conversation"
	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/safety"
	"github.com/BTreeMap/TherapyPipe/internal/store"
	"github.com/BTreeMap/TherapyPipe/internal/workflow"
)

// SessionView is the API representation of a live session.
type SessionView struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	CreatedAt    time.Time          `json:"created_at"`
	Stage        models.StageInfo   `json:"stage"`
	CrisisActive bool               `json:"crisis_active"`
	State        conversation.State `json:"state"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

func sessionView(sess *workflow.Session) (SessionView, error) {
	rec, err := sess.Log.Session()
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{
		ID:           rec.ID,
		UserID:       rec.UserID,
		CreatedAt:    rec.CreatedAt,
		Stage:        sess.Log.CurrentStageInfo(),
		CrisisActive: sess.Log.IsCrisisActive(),
		State:        sess.Conversation.State(),
		Metadata:     rec.Metadata,
	}, nil
}

// lookup resolves the {id} path value to a session, writing the error
// response when it cannot.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request, op string) (*workflow.Session, bool) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		slog.Debug("Server."+op+": session lookup failed", "sessionID", id, "error", err)
		writeSessionError(w, op, err)
		return nil, false
	}
	return sess, true
}

// reserve takes the turn reservation of sess or answers 409.
func reserve(w http.ResponseWriter, sess *workflow.Session, op string) bool {
	if sess.TryBeginTurn() {
		return true
	}
	slog.Warn("Server."+op+": session busy", "sessionID", sess.ID)
	writeJSONResponse(w, http.StatusConflict, models.ErrorWithCode("A turn is already in progress for this session", models.ErrorCodeInvalidState))
	return false
}

// createSessionHandler handles POST /sessions
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	sess, err := s.sessions.Create(r.Context(), req.UserID, req.Metadata)
	if err != nil {
		slog.Error("Server.createSessionHandler: failed to create session", "userID", req.UserID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create session"))
		return
	}
	view, err := sessionView(sess)
	if err != nil {
		writeSessionError(w, "createSessionHandler", err)
		return
	}
	slog.Info("Server.createSessionHandler: session created", "sessionID", sess.ID, "userID", req.UserID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session created", view))
}

// listSessionsHandler handles GET /sessions
func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Repo == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Session listing not configured"))
		return
	}
	sessions, err := s.opts.Repo.ListSessions()
	if err != nil {
		slog.Error("Server.listSessionsHandler: failed to list sessions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list sessions"))
		return
	}
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		filtered := sessions[:0]
		for _, rec := range sessions {
			if rec.UserID == userID {
				filtered = append(filtered, rec)
			}
		}
		sessions = filtered
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// getSessionHandler handles GET /sessions/{id}
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r, "getSessionHandler")
	if !ok {
		return
	}
	view, err := sessionView(sess)
	if err != nil {
		writeSessionError(w, "getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

// deleteSessionHandler handles DELETE /sessions/{id}
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r, "deleteSessionHandler")
	if !ok {
		return
	}
	if !reserve(w, sess, "deleteSessionHandler") {
		return
	}
	defer sess.EndTurn()
	if err := s.sessions.Delete(sess.ID); err != nil {
		writeSessionError(w, "deleteSessionHandler", err)
		return
	}
	slog.Info("Server.deleteSessionHandler: session deleted", "sessionID", sess.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
}

// inputHandler handles POST /sessions/{id}/input. The text is buffered as the
// pending question; nothing is sent to the agents yet.
func (s *Server) inputHandler(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	sess, ok := s.lookup(w, r, "inputHandler")
	if !ok {
		return
	}
	if !sess.Conversation.AcceptUserInput(req.Text) {
		slog.Warn("Server.inputHandler: input dropped during processing", "sessionID", sess.ID)
		writeJSONResponse(w, http.StatusConflict, models.ErrorWithCode("Input rejected while a turn is processing", models.ErrorCodeInvalidState))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Pending(map[string]any{
		"state":            sess.Conversation.State(),
		"current_question": sess.Conversation.CurrentQuestion(),
	}))
}

// beginTurn prepares a turn request: it decodes the optional body, resolves
// and reserves the session and buffers the optional text. The caller must
// call EndTurn on the returned session.
func (s *Server) beginTurn(w http.ResponseWriter, r *http.Request, op string) (*workflow.Session, bool) {
	var req TurnRequest
	if !s.decodeJSON(w, r, &req, true) {
		return nil, false
	}
	sess, ok := s.lookup(w, r, op)
	if !ok {
		return nil, false
	}
	if !reserve(w, sess, op) {
		return nil, false
	}
	if strings.TrimSpace(req.Text) != "" {
		sess.Conversation.AcceptUserInput(req.Text)
	}
	return sess, true
}

// turnHandler handles POST /sessions/{id}/turn
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.beginTurn(w, r, "turnHandler")
	if !ok {
		return
	}
	defer sess.EndTurn()

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.TurnTimeout)
	defer cancel()
	result := sess.ProcessTurn(ctx)
	status, body := turnResponse(result)
	slog.Debug("Server.turnHandler: turn processed", "sessionID", sess.ID, "success", result.Success, "errorCode", result.ErrorCode)
	writeJSONResponse(w, status, body)
}

// conversationHandler handles GET /sessions/{id}/conversation
func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r, "conversationHandler")
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"session_id": sess.ID,
		"stage":      sess.Log.CurrentStageInfo(),
		"state":      sess.Conversation.State(),
		"messages":   sess.Conversation.FullConversationForDisplay(),
	}))
}

// StatsView is the response of GET /sessions/{id}/stats.
type StatsView struct {
	Conversation       conversation.Stats `json:"conversation"`
	Stage              models.StageInfo   `json:"stage"`
	StageCount         int                `json:"stage_count"`
	TranscriptMessages int                `json:"transcript_messages"`
	SafetyFlags        int                `json:"safety_flags"`
	CrisisActive       bool               `json:"crisis_active"`
}

// statsHandler handles GET /sessions/{id}/stats
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r, "statsHandler")
	if !ok {
		return
	}
	recs, err := sess.Log.Transcript(r.Context())
	if err != nil {
		writeSessionError(w, "statsHandler", err)
		return
	}
	flags, err := sess.Log.SafetyFlags(r.Context())
	if err != nil {
		writeSessionError(w, "statsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(StatsView{
		Conversation:       sess.Conversation.Stats(),
		Stage:              sess.Log.CurrentStageInfo(),
		StageCount:         len(sess.Log.Stages().All()),
		TranscriptMessages: len(recs),
		SafetyFlags:        len(flags),
		CrisisActive:       sess.Log.IsCrisisActive(),
	}))
}

// resetHandler handles POST /sessions/{id}/reset
func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r, "resetHandler")
	if !ok {
		return
	}
	if !reserve(w, sess, "resetHandler") {
		return
	}
	defer sess.EndTurn()
	if err := sess.Reset(); err != nil {
		writeSessionError(w, "resetHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", nil))
}

// retreatStageHandler handles POST /sessions/{id}/stage/retreat
func (s *Server) retreatStageHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r, "retreatStageHandler")
	if !ok {
		return
	}
	if !reserve(w, sess, "retreatStageHandler") {
		return
	}
	defer sess.EndTurn()
	changed, info, err := sess.RetreatStage(r.Context())
	if err != nil {
		writeSessionError(w, "retreatStageHandler", err)
		return
	}
	msg := "Moved to previous stage"
	if !changed {
		msg = "Already in the first stage"
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(msg, map[string]any{
		"stage_changed": changed,
		"stage":         info,
	}))
}

// Transcript is the JSON export of a session.
type Transcript struct {
	Session           store.Session            `json:"session"`
	Messages          []store.MessageRecord    `json:"messages"`
	SafetyFlags       []store.SafetyFlag       `json:"safety_flags"`
	SupervisorOutputs []store.SupervisorOutput `json:"supervisor_outputs,omitempty"`
	PromptsUsed       []store.PromptUse        `json:"prompts_used,omitempty"`
	SafetySummary     safety.SessionSummary    `json:"safety_summary"`
}

// transcriptHandler handles GET /sessions/{id}/transcript?format=json|text
func (s *Server) transcriptHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r, "transcriptHandler")
	if !ok {
		return
	}
	ctx := r.Context()
	rec, err := sess.Log.Session()
	if err != nil {
		writeSessionError(w, "transcriptHandler", err)
		return
	}
	msgs, err := sess.Log.Transcript(ctx)
	if err != nil {
		writeSessionError(w, "transcriptHandler", err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session-"+sess.ID+".txt"))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(formatTranscript(rec, msgs))); err != nil {
			slog.Error("Server.transcriptHandler: failed to write transcript", "sessionID", sess.ID, "error", err)
		}
		return
	case "", "json":
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unsupported transcript format: "+format))
		return
	}

	flags, err := sess.Log.SafetyFlags(ctx)
	if err != nil {
		writeSessionError(w, "transcriptHandler", err)
		return
	}
	history := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, m.Message())
	}
	out := Transcript{Session: rec, Messages: msgs, SafetyFlags: flags, SafetySummary: sess.Crisis.ReviewSession(history)}
	if s.opts.Repo != nil {
		if out.SupervisorOutputs, err = s.opts.Repo.ListSupervisorOutputs(sess.ID); err != nil {
			writeSessionError(w, "transcriptHandler", err)
			return
		}
		if out.PromptsUsed, err = s.opts.Repo.ListPromptUses(sess.ID); err != nil {
			writeSessionError(w, "transcriptHandler", err)
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

// formatTranscript renders a plain-text transcript, one line per message.
func formatTranscript(rec store.Session, msgs []store.MessageRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sesja %s (użytkownik %s), rozpoczęta %s\n\n", rec.ID, rec.UserID, rec.CreatedAt.Format(time.RFC3339))
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04:05"), agent.DisplayRole(m.Role), m.Text)
	}
	return b.String()
}
