package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/opspawn/ops-core/internal/metrics"
)

// Session stream event types.
const (
	streamEventHello   = "hello"
	streamEventSession = "session"
	streamEventEnd     = "stream_end"
)

var (
	sessionPollInterval = time.Second
	heartbeatInterval   = 15 * time.Second
)

// StreamSession handles GET /api/v1/sessions/{id}/events
// It streams the session record as Server-Sent Events each time it changes and
// closes the stream once the session reaches a terminal status.
func (h *Handlers) StreamSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	session, err := h.lifecycle.GetSession(ctx, sessionID)
	if err != nil {
		h.respondCoreError(w, r, "failed to get session", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	metrics.SessionStreams.Inc()
	defer metrics.SessionStreams.Dec()

	h.logger.Info("session stream opened",
		slog.String("session_id", sessionID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	seq := 0
	send := func(event string, data any) {
		seq++
		h.writeSSE(w, flusher, seq, event, data)
	}

	closeStream := func(reason string) {
		duration := time.Since(startTime)
		metrics.SessionStreamDuration.Observe(duration.Seconds())
		h.logger.Info("session stream closed",
			slog.String("session_id", sessionID),
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("reason", reason),
		)
	}

	send(streamEventHello, map[string]string{"session_id": sessionID})
	send(streamEventSession, session)
	if session.Status.IsTerminal() {
		send(streamEventEnd, map[string]any{"status": session.Status})
		closeStream("session_terminal")
		return
	}
	lastUpdate := session.LastUpdatedTime

	poll := time.NewTicker(sessionPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closeStream("client_disconnect")
			return

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")

		case <-poll.C:
			current, err := h.lifecycle.GetSession(ctx, sessionID)
			if err != nil {
				if ctx.Err() != nil {
					closeStream("client_disconnect")
					return
				}
				h.logger.Error("failed to poll session", slog.String("session_id", sessionID), slog.Any("error", err))
				continue
			}
			if current.LastUpdatedTime.Equal(lastUpdate) && current.Status == session.Status {
				continue
			}
			session, lastUpdate = current, current.LastUpdatedTime
			send(streamEventSession, current)

			if current.Status.IsTerminal() {
				end := map[string]any{"status": current.Status}
				if current.Error != "" {
					end["error"] = current.Error
				}
				send(streamEventEnd, end)
				closeStream("session_terminal")
				return
			}
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, id int, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to encode SSE event", slog.String("event", event), slog.Any("error", err))
		return
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, payload); err != nil {
		h.logger.Error("failed to write SSE event", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", slog.Any("error", err))
		return
	}
	flusher.Flush()
}
