package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

// SSE event names written by streamTurnHandler.
const (
	EventChunk = "chunk"
	EventDone  = "done"
)

type chunkEvent struct {
	Text string `json:"text"`
}

type doneEvent struct {
	models.APIResponse
	HTTPStatus int `json:"http_status"`
}

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", event, err)
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("failed to flush %s event: %w", event, err)
	}
	return nil
}

// streamTurnHandler handles POST /sessions/{id}/turn/stream. Therapist text
// arrives as "chunk" events; the final "done" event carries the same envelope
// the plain turn endpoint returns, with its HTTP status in "http_status".
func (s *Server) streamTurnHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.beginTurn(w, r, "streamTurnHandler")
	if !ok {
		return
	}
	defer sess.EndTurn()

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.TurnTimeout)
	defer cancel()

	out := newSSEWriter(w)
	chunks := 0
	for ev := range sess.ProcessTurnStream(ctx) {
		if ev.IsDone() {
			status, body := turnResponse(*ev.Done)
			if err := out.send(EventDone, doneEvent{APIResponse: body, HTTPStatus: status}); err != nil {
				slog.Warn("Server.streamTurnHandler: failed to send final event", "sessionID", sess.ID, "error", err)
			}
			slog.Debug("Server.streamTurnHandler: stream finished", "sessionID", sess.ID, "chunks", chunks, "success", ev.Done.Success)
			return
		}
		if err := out.send(EventChunk, chunkEvent{Text: ev.Chunk}); err != nil {
			// Leaving the loop stops the stream and aborts the turn.
			slog.Warn("Server.streamTurnHandler: client gone, stopping stream", "sessionID", sess.ID, "error", err)
			return
		}
		chunks++
	}
}
