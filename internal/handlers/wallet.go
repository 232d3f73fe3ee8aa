package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rockola/backend/internal/middleware"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/services"
)

const defaultMovementsLimit = 50

// WalletHandler exposes the host's wallet: balances, movement history, and
// withdrawals. All routes are host-only; the wallet queried is always the
// authenticated host's own.
type WalletHandler struct {
	ledger *services.LedgerService
}

func NewWalletHandler(ledger *services.LedgerService) *WalletHandler {
	return &WalletHandler{ledger: ledger}
}

// Balance returns the host's dual balance.
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	balance, err := h.ledger.Balance(r.Context(), claims.UID)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// Movements returns the host's ledger entries, newest first. The "limit"
// query parameter caps the page size.
func (h *WalletHandler) Movements(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	limit := defaultMovementsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	movements, err := h.ledger.Movements(r.Context(), claims.UID, limit)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, movements)
}

// Withdraw moves funds out of the host's withdrawable balance.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	var req models.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	movement, err := h.ledger.Withdraw(r.Context(), claims.UID, req.Amount)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, movement)
}
