package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rockola/backend/internal/broker"
	"github.com/rockola/backend/internal/middleware"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/services"
)

// SSEHandler serves Server-Sent Events streams for real-time session updates.
type SSEHandler struct {
	hub      *broker.Hub
	sessions *services.SessionService
}

// NewSSEHandler creates an SSEHandler backed by the given hub.
func NewSSEHandler(hub *broker.Hub, sessions *services.SessionService) *SSEHandler {
	return &SSEHandler{hub: hub, sessions: sessions}
}

// Stream opens an SSE connection scoped to a session. The first event is a
// full snapshot; every later event is one delta in publish order. A heartbeat
// comment is sent every 30 seconds to keep the connection alive through
// proxies. The session's connected-user counter tracks admits and drops.
func (h *SSEHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	claims := middleware.GetClaims(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := h.hub.Admit(sessionID, claims.Identity(), func() (models.Snapshot, error) {
		return h.sessions.Snapshot(r.Context(), sessionID)
	})
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	defer h.hub.Remove(sub)

	h.sessions.AdjustConnected(r.Context(), sessionID, 1)
	// The request context is already cancelled when the client disconnects,
	// so the decrement runs on a fresh context.
	defer h.sessions.AdjustConnected(context.Background(), sessionID, -1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			// Evicted by the hub; drain whatever was already queued
			// (e.g. a final session-ended event) before closing.
			for {
				select {
				case event := <-sub.Events:
					writeEvent(w, event)
				default:
					flusher.Flush()
					return
				}
			}
		case event := <-sub.Events:
			writeEvent(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event broker.Event) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}
