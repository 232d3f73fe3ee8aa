package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rockola/backend/internal/middleware"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/services"
)

type RequestHandler struct {
	queue *services.QueueService
}

func NewRequestHandler(queue *services.QueueService) *RequestHandler {
	return &RequestHandler{queue: queue}
}

// List returns the session's requests visible to the caller. Customers see
// the public queue plus their own pending submissions.
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	claims := middleware.GetClaims(r.Context())

	requests, err := h.queue.Requests(r.Context(), sessionID, claims.Identity())
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, requests)
}

// Submit creates a pending song request awaiting payment confirmation.
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	claims := middleware.GetClaims(r.Context())

	if claims.Role == models.RoleDisplay {
		writeError(w, http.StatusForbidden, "displays cannot submit requests")
		return
	}

	var req models.SubmitSongRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	songRequest, err := h.queue.Submit(r.Context(), sessionID, claims.Identity(), req.Title, req.Artist, req.BidAmount)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusCreated, songRequest)
}

// Reject removes a request from the queue, refunding it if already accepted.
// Host only.
func (h *RequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	requestID := chi.URLParam(r, "rid")

	// The body is optional (a reject needs no reason) but if one is sent it
	// has to parse.
	var req models.RejectSongRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.requestInSession(w, r, requestID, sessionID) {
		return
	}

	songRequest, err := h.queue.Reject(r.Context(), requestID, req.Reason)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, songRequest)
}

// Promote starts playing the highest-ranked accepted request. Host only.
func (h *RequestHandler) Promote(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	songRequest, err := h.queue.Promote(r.Context(), sessionID)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, songRequest)
}

// Complete marks the playing request as played and advances the queue.
// Host only.
func (h *RequestHandler) Complete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	requestID := chi.URLParam(r, "rid")

	if !h.requestInSession(w, r, requestID, sessionID) {
		return
	}

	songRequest, err := h.queue.Complete(r.Context(), requestID)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, songRequest)
}

// requestInSession verifies the request belongs to the session in the URL.
func (h *RequestHandler) requestInSession(w http.ResponseWriter, r *http.Request, requestID, sessionID string) bool {
	songRequest, err := h.queue.Request(r.Context(), requestID)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return false
	}
	if songRequest.SessionID != sessionID {
		writeError(w, http.StatusForbidden, "access denied")
		return false
	}
	return true
}
