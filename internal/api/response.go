// Package api provides HTTP response utilities for TherapyPipe.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/TherapyPipe/internal/conversation"
	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/store"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// decodeJSON reads a size-limited JSON body into v and validates it. An empty
// body is accepted when allowEmpty is set. On failure the error response has
// already been written.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	body := http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && allowEmpty:
		case errors.As(err, &tooLarge):
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
			return false
		default:
			slog.Warn("Server.decodeJSON: failed to decode JSON", "path", r.URL.Path, "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return false
		}
	}
	if err := s.validate.Struct(v); err != nil {
		slog.Warn("Server.decodeJSON: validation failed", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(validationMessage(err)))
		return false
	}
	return true
}

// writeSessionError maps a session lookup or state error to a response.
func writeSessionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
	case errors.Is(err, conversation.ErrInvalidState):
		writeJSONResponse(w, http.StatusConflict, models.ErrorWithCode(err.Error(), models.ErrorCodeInvalidState))
	default:
		slog.Error("Server."+op+": request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}

// workflowStatus maps a failed turn to its HTTP status.
func workflowStatus(code models.ErrorCode) int {
	switch code {
	case models.ErrorCodeInvalidState:
		return http.StatusConflict
	case models.ErrorCodeAgentNotFound, models.ErrorCodeSupervisorNotAvailable,
		models.ErrorCodeTherapistNotAvailable, models.ErrorCodeStagePromptNotFound:
		return http.StatusServiceUnavailable
	case models.ErrorCodeTherapistError, models.ErrorCodeSupervisorError, models.ErrorCodeStreamIncomplete:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// turnResponse converts a workflow result to a status code and envelope.
func turnResponse(result models.WorkflowResult) (int, models.APIResponse) {
	switch {
	case !result.Success:
		return workflowStatus(result.ErrorCode), models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(result.Message).
			WithErrorCode(result.ErrorCode).
			WithResult(result).
			Build()
	case result.IsCrisis():
		return http.StatusOK, models.Crisis(result.Message, result)
	default:
		return http.StatusOK, models.SuccessWithMessage(result.Message, result)
	}
}
