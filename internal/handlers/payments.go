package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rockola/backend/internal/apperr"
	"github.com/rockola/backend/internal/logging"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/services"
)

// PaymentHandler receives webhooks from the payment collaborator. Calls are
// authenticated with a shared token rather than a user JWT.
type PaymentHandler struct {
	queue        *services.QueueService
	webhookToken string
}

// NewPaymentHandler creates a PaymentHandler. An empty webhookToken disables
// the webhook endpoints.
func NewPaymentHandler(queue *services.QueueService, webhookToken string) *PaymentHandler {
	return &PaymentHandler{queue: queue, webhookToken: webhookToken}
}

func (h *PaymentHandler) authorized(w http.ResponseWriter, r *http.Request) bool {
	token := r.Header.Get("X-Webhook-Token")
	if h.webhookToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.webhookToken)) != 1 {
		logging.LogSecurityEvent(r.Context(), logging.SecurityEventBadWebhookToken, "invalid payment webhook token")
		writeError(w, http.StatusUnauthorized, "invalid webhook token")
		return false
	}
	return true
}

// Confirmed handles a successful payment capture: the request moves from
// pending to accepted and the host's share is settled to the wallet.
func (h *PaymentHandler) Confirmed(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	var req models.PaymentConfirmedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	songRequest, err := h.queue.ConfirmPayment(r.Context(), req.RequestID, req.CapturedAmount)
	if err != nil {
		// A confirmation for a request that already left the pending state is
		// acknowledged, not failed: the gateway has the money and would retry
		// a non-2xx response forever.
		if apperr.Is(err, apperr.CodeStaleRequest) {
			slog.InfoContext(r.Context(), "stale payment confirmation acknowledged",
				"request_id", req.RequestID, "reason", err.Error())
			current, getErr := h.queue.Request(r.Context(), req.RequestID)
			if getErr != nil {
				writeAppError(r.Context(), w, getErr)
				return
			}
			writeJSON(w, http.StatusOK, current)
			return
		}
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, songRequest)
}

// Failed handles a payment failure report: pending requests are rejected,
// accepted ones refunded.
func (h *PaymentHandler) Failed(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	var req models.PaymentFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	songRequest, err := h.queue.HandlePaymentFailed(r.Context(), req.RequestID, "payment failed")
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, songRequest)
}
