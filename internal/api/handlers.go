package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/prompts"
)

// healthHandler handles GET /health
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"status":         "healthy",
		"live_sessions":  s.sessions.Len(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}))
}

// crisisStatusHandler handles GET /sessions/{id}/crisis
func (s *Server) crisisStatusHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r, "crisisStatusHandler")
	if !ok {
		return
	}
	flags, err := sess.Log.SafetyFlags(r.Context())
	if err != nil {
		writeSessionError(w, "crisisStatusHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"crisis_active": sess.Crisis.IsCrisisActive(),
		"contacts":      sess.Crisis.CrisisContacts(),
		"safety_flags":  flags,
	}))
}

// deactivateCrisisHandler handles POST /sessions/{id}/crisis/deactivate
func (s *Server) deactivateCrisisHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r, "deactivateCrisisHandler")
	if !ok {
		return
	}
	if !sess.Crisis.IsCrisisActive() {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Crisis mode is not active", nil))
		return
	}
	if err := sess.Crisis.DeactivateCrisis(r.Context()); err != nil {
		writeSessionError(w, "deactivateCrisisHandler", err)
		return
	}
	slog.Info("Server.deactivateCrisisHandler: crisis mode deactivated", "sessionID", sess.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Crisis mode deactivated", nil))
}

// promptAgent resolves the {agent} path value. It answers the request itself
// when the prompt store is missing or the agent is unknown.
func (s *Server) promptAgent(w http.ResponseWriter, r *http.Request) (models.AgentType, bool) {
	if s.opts.Prompts == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Prompt store not configured"))
		return "", false
	}
	agent := models.AgentType(r.PathValue("agent"))
	if !models.IsValidAgentType(agent) {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorWithCode("Unknown agent: "+string(agent), models.ErrorCodeAgentNotFound))
		return "", false
	}
	return agent, true
}

// getPromptHandler handles GET /prompts/{agent}[?stage=id]. Without a stage it
// returns the agent's system prompt.
func (s *Server) getPromptHandler(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.promptAgent(w, r)
	if !ok {
		return
	}
	if stageID := r.URL.Query().Get("stage"); stageID != "" {
		text, found := s.opts.Prompts.StagePrompt(stageID, agent)
		if !found {
			writeJSONResponse(w, http.StatusNotFound, models.ErrorWithCode("Stage prompt not found", models.ErrorCodeStagePromptNotFound))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
			"agent": agent, "stage": stageID, "prompt_id": prompts.PromptID(agent, stageID), "text": text,
		}))
		return
	}
	text, found := s.opts.Prompts.SystemPrompt(agent)
	if !found {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorWithCode("System prompt not found", models.ErrorCodeSystemPromptNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"agent": agent, "text": text}))
}

// setSystemPromptHandler handles PUT /prompts/{agent}
func (s *Server) setSystemPromptHandler(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.promptAgent(w, r)
	if !ok {
		return
	}
	var req PromptRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	if err := s.opts.Prompts.SetSystemPrompt(agent, req.Text); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.finishPromptUpdate(w, req.Persist, "System prompt updated")
}

// setStagePromptHandler handles PUT /prompts/{agent}/stages/{stage}
func (s *Server) setStagePromptHandler(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.promptAgent(w, r)
	if !ok {
		return
	}
	var req PromptRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	if err := s.opts.Prompts.SetStagePrompt(r.PathValue("stage"), agent, req.Text); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.finishPromptUpdate(w, req.Persist, "Stage prompt updated")
}

// finishPromptUpdate optionally saves the prompt file and writes the reply.
// Live agents pick the new text up when they next enter a stage.
func (s *Server) finishPromptUpdate(w http.ResponseWriter, persist bool, msg string) {
	if persist {
		if err := s.opts.Prompts.Save(); err != nil {
			if errors.Is(err, prompts.ErrNoPath) {
				writeJSONResponse(w, http.StatusConflict, models.Error("Prompt store has no backing file"))
				return
			}
			slog.Error("Server.finishPromptUpdate: failed to save prompts", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save prompts"))
			return
		}
	}
	slog.Info("Server.finishPromptUpdate: prompts changed", "persisted", persist)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(msg, nil))
}
