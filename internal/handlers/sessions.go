package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rockola/backend/internal/config"
	"github.com/rockola/backend/internal/crypto"
	"github.com/rockola/backend/internal/logging"
	"github.com/rockola/backend/internal/middleware"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/services"
)

// SessionHandler manages session lifecycle: starting, joining, and ending.
type SessionHandler struct {
	sessions    *services.SessionService
	authService *services.AuthService
	cfg         *config.Config
}

// NewSessionHandler creates a SessionHandler with the required dependencies.
func NewSessionHandler(sessions *services.SessionService, authService *services.AuthService, cfg *config.Config) *SessionHandler {
	return &SessionHandler{
		sessions:    sessions,
		authService: authService,
		cfg:         cfg,
	}
}

// Start opens a new session for an establishment.
// Returns the session ID, venue join code, and host JWT token.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EstablishmentID == "" || req.PortalPasswordHash == "" {
		writeError(w, http.StatusBadRequest, "establishmentId and portalPasswordHash are required")
		return
	}

	// Verify host portal password. The dashboard hashes it client-side with
	// the UTC-day salt, so the raw password never travels over the wire.
	expectedPortalHash, err := crypto.HashPortalPassword(h.cfg.HostPortalPassword)
	if err != nil {
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to hash portal password", err)
		return
	}
	if req.PortalPasswordHash != expectedPortalHash {
		logging.LogSecurityEvent(r.Context(), logging.SecurityEventBadPortalPassword, "invalid portal password on session start")
		writeError(w, http.StatusUnauthorized, "invalid portal password")
		return
	}

	hostID := req.HostID
	if hostID == "" {
		hostID = "host-" + req.EstablishmentID
	}

	session, err := h.sessions.Start(r.Context(), req.EstablishmentID, hostID)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	token, err := h.authService.GenerateToken(hostID, session.ID, models.RoleHost)
	if err != nil {
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to generate token", err)
		return
	}

	writeJSON(w, http.StatusCreated, models.StartSessionResponse{
		SessionID: session.ID,
		JoinCode:  session.JoinCode,
		Token:     token,
	})
}

// Join resolves a venue join code and issues a customer or display token.
func (h *SessionHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req models.JoinSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.JoinCode == "" {
		writeError(w, http.StatusBadRequest, "joinCode is required")
		return
	}

	role := models.RoleCustomer
	switch req.Role {
	case "", string(models.RoleCustomer):
	case string(models.RoleDisplay):
		role = models.RoleDisplay
	default:
		writeError(w, http.StatusBadRequest, "role must be 'customer' or 'display'")
		return
	}

	session, err := h.sessions.FindByJoinCode(r.Context(), req.JoinCode)
	if err != nil {
		logging.LogSecurityEvent(r.Context(), logging.SecurityEventBadJoinCode, "join attempt with unknown code")
		writeError(w, http.StatusNotFound, "no active session for that code")
		return
	}

	uid := string(role) + "-" + uuid.New().String()
	token, err := h.authService.GenerateToken(uid, session.ID, role)
	if err != nil {
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to generate token", err)
		return
	}

	writeJSON(w, http.StatusOK, models.JoinSessionResponse{
		SessionID: session.ID,
		Token:     token,
	})
}

// Get returns session details. The join code is only revealed to the host.
// Session scoping is enforced by the router middleware.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	claims := middleware.GetClaims(r.Context())

	session, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	if claims.Role != models.RoleHost {
		session.JoinCode = ""
	}

	writeJSON(w, http.StatusOK, session)
}

// End closes the session, rejecting pending requests and refunding accepted
// ones. Host only.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	session, err := h.sessions.End(r.Context(), sessionID)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}
