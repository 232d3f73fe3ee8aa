package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockola/backend/internal/broker"
	"github.com/rockola/backend/internal/config"
	"github.com/rockola/backend/internal/crypto"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/services"
	"github.com/rockola/backend/internal/store"
)

const testWebhookToken = "hook-secret"

func newTestServer(t *testing.T) (http.Handler, *config.Config) {
	t.Helper()

	cfg := config.Load()
	cfg.JWTSecret = "test-secret"
	cfg.HostPortalPassword = "portal-pass"
	cfg.PaymentWebhookToken = testWebhookToken
	cfg.RateLimitPerMinute = 1000

	mem := store.NewMemory()
	hub := broker.New()
	locks := services.NewKeyedMutex()

	auth := services.NewAuthService(cfg.JWTSecret, time.Hour, time.Hour, "", false)
	ledger := services.NewLedgerService(mem, cfg.CommissionRateBPS)
	queue := services.NewQueueService(mem, ledger, hub, locks, cfg.QueueMaxPending, cfg.BonusRateBPS)
	sessions := services.NewSessionService(mem, queue, services.NewJoinCodeService(mem), hub, locks)

	handler := New(cfg, Services{
		Auth:     auth,
		Sessions: sessions,
		Queue:    queue,
		Ledger:   ledger,
		Hub:      hub,
	})
	return handler, cfg
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func startTestSession(t *testing.T, handler http.Handler, cfg *config.Config) models.StartSessionResponse {
	return startTestSessionFor(t, handler, cfg, "est1")
}

func startTestSessionFor(t *testing.T, handler http.Handler, cfg *config.Config, establishmentID string) models.StartSessionResponse {
	t.Helper()
	hash, err := crypto.HashPortalPassword(cfg.HostPortalPassword)
	require.NoError(t, err)

	w := doJSON(t, handler, http.MethodPost, "/api/sessions", "", models.StartSessionRequest{
		EstablishmentID:    establishmentID,
		PortalPasswordHash: hash,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.StartSessionResponse](t, w)
}

func postWebhook(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("X-Webhook-Token", testWebhookToken)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	handler, _ := newTestServer(t)
	w := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartSessionRejectsBadPortalPassword(t *testing.T) {
	handler, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/api/sessions", "", models.StartSessionRequest{
		EstablishmentID:    "est1",
		PortalPasswordHash: "wrong-hash",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJoinSession(t *testing.T) {
	handler, cfg := newTestServer(t)
	started := startTestSession(t, handler, cfg)

	w := doJSON(t, handler, http.MethodPost, "/api/sessions/join", "", models.JoinSessionRequest{
		JoinCode: started.JoinCode,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	joined := decode[models.JoinSessionResponse](t, w)
	assert.Equal(t, started.SessionID, joined.SessionID)
	assert.NotEmpty(t, joined.Token)

	w = doJSON(t, handler, http.MethodPost, "/api/sessions/join", "", models.JoinSessionRequest{
		JoinCode: "bogus-code-1",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	handler, cfg := newTestServer(t)
	started := startTestSession(t, handler, cfg)

	joinW := doJSON(t, handler, http.MethodPost, "/api/sessions/join", "", models.JoinSessionRequest{
		JoinCode: started.JoinCode,
	})
	require.Equal(t, http.StatusOK, joinW.Code)
	customer := decode[models.JoinSessionResponse](t, joinW)

	base := "/api/sessions/" + started.SessionID

	// Customer submits a request.
	w := doJSON(t, handler, http.MethodPost, base+"/requests", customer.Token, models.SubmitSongRequestRequest{
		Title:     "Night Song",
		Artist:    "The Band",
		BidAmount: 1000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	submitted := decode[models.SongRequest](t, w)
	assert.Equal(t, models.RequestPending, submitted.Status)

	// Webhook without the shared token is rejected.
	w = doJSON(t, handler, http.MethodPost, "/api/payments/confirmed", "", models.PaymentConfirmedRequest{
		RequestID:      submitted.ID,
		CapturedAmount: 1000,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Payment confirmation moves the request to accepted.
	rec := postWebhook(t, handler, "/api/payments/confirmed", models.PaymentConfirmedRequest{
		RequestID:      submitted.ID,
		CapturedAmount: 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Host promotes and completes.
	w = doJSON(t, handler, http.MethodPost, base+"/promote", started.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	playing := decode[models.SongRequest](t, w)
	assert.Equal(t, models.RequestPlaying, playing.Status)

	w = doJSON(t, handler, http.MethodPost, fmt.Sprintf("%s/requests/%s/complete", base, submitted.ID), started.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The host wallet holds the 80% share.
	w = doJSON(t, handler, http.MethodGet, "/api/wallet", started.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	balance := decode[models.WalletBalance](t, w)
	assert.EqualValues(t, 800, balance.SaldoReal)

	// Customers cannot reach host-only routes.
	w = doJSON(t, handler, http.MethodGet, "/api/wallet", customer.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, handler, http.MethodPost, base+"/promote", customer.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Host ends the session.
	w = doJSON(t, handler, http.MethodDelete, base, started.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ended := decode[models.Session](t, w)
	assert.Equal(t, models.SessionEnded, ended.Status)
}

func TestUnauthenticatedAccess(t *testing.T) {
	handler, cfg := newTestServer(t)
	started := startTestSession(t, handler, cfg)

	w := doJSON(t, handler, http.MethodGet, "/api/sessions/"+started.SessionID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, handler, http.MethodGet, "/api/sessions/"+started.SessionID, "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJoinCodeHiddenFromCustomers(t *testing.T) {
	handler, cfg := newTestServer(t)
	started := startTestSession(t, handler, cfg)

	joinW := doJSON(t, handler, http.MethodPost, "/api/sessions/join", "", models.JoinSessionRequest{
		JoinCode: started.JoinCode,
	})
	customer := decode[models.JoinSessionResponse](t, joinW)

	w := doJSON(t, handler, http.MethodGet, "/api/sessions/"+started.SessionID, customer.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	session := decode[models.Session](t, w)
	assert.Empty(t, session.JoinCode)

	w = doJSON(t, handler, http.MethodGet, "/api/sessions/"+started.SessionID, started.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	session = decode[models.Session](t, w)
	assert.Equal(t, started.JoinCode, session.JoinCode)
}

func TestHostTokenScopedToOwnSession(t *testing.T) {
	handler, cfg := newTestServer(t)
	sessA := startTestSessionFor(t, handler, cfg, "est-a")
	sessB := startTestSessionFor(t, handler, cfg, "est-b")

	baseB := "/api/sessions/" + sessB.SessionID

	// Host A's token must not reach host B's session.
	w := doJSON(t, handler, http.MethodGet, baseB, sessA.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	w = doJSON(t, handler, http.MethodPost, baseB+"/promote", sessA.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, handler, http.MethodDelete, baseB, sessA.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Session B is untouched and still reachable by its own host.
	w = doJSON(t, handler, http.MethodGet, baseB, sessB.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	session := decode[models.Session](t, w)
	assert.Equal(t, models.SessionActive, session.Status)

	// A customer token from session A is rejected the same way.
	joinW := doJSON(t, handler, http.MethodPost, "/api/sessions/join", "", models.JoinSessionRequest{
		JoinCode: sessA.JoinCode,
	})
	require.Equal(t, http.StatusOK, joinW.Code)
	customerA := decode[models.JoinSessionResponse](t, joinW)

	w = doJSON(t, handler, http.MethodGet, baseB, customerA.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStalePaymentConfirmationAcknowledged(t *testing.T) {
	handler, cfg := newTestServer(t)
	started := startTestSession(t, handler, cfg)

	joinW := doJSON(t, handler, http.MethodPost, "/api/sessions/join", "", models.JoinSessionRequest{
		JoinCode: started.JoinCode,
	})
	require.Equal(t, http.StatusOK, joinW.Code)
	customer := decode[models.JoinSessionResponse](t, joinW)

	base := "/api/sessions/" + started.SessionID
	w := doJSON(t, handler, http.MethodPost, base+"/requests", customer.Token, models.SubmitSongRequestRequest{
		Title:     "Too Late",
		Artist:    "The Band",
		BidAmount: 1000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	submitted := decode[models.SongRequest](t, w)

	// The host rejects the request before the payment webhook arrives.
	w = doJSON(t, handler, http.MethodPost, fmt.Sprintf("%s/requests/%s/reject", base, submitted.ID), started.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The late confirmation is acknowledged with the request's final state so
	// the gateway stops retrying; it must not read as a failure.
	rec := postWebhook(t, handler, "/api/payments/confirmed", models.PaymentConfirmedRequest{
		RequestID:      submitted.ID,
		CapturedAmount: 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	current := decode[models.SongRequest](t, rec)
	assert.Equal(t, models.RequestRejected, current.Status)

	// Nothing was settled to the host wallet.
	w = doJSON(t, handler, http.MethodGet, "/api/wallet", started.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	balance := decode[models.WalletBalance](t, w)
	assert.EqualValues(t, 0, balance.SaldoReal)
	assert.EqualValues(t, 0, balance.SaldoBono)
}

func TestRejectBodyValidation(t *testing.T) {
	handler, cfg := newTestServer(t)
	started := startTestSession(t, handler, cfg)

	joinW := doJSON(t, handler, http.MethodPost, "/api/sessions/join", "", models.JoinSessionRequest{
		JoinCode: started.JoinCode,
	})
	require.Equal(t, http.StatusOK, joinW.Code)
	customer := decode[models.JoinSessionResponse](t, joinW)

	base := "/api/sessions/" + started.SessionID
	w := doJSON(t, handler, http.MethodPost, base+"/requests", customer.Token, models.SubmitSongRequestRequest{
		Title:     "Body Check",
		Artist:    "The Band",
		BidAmount: 500,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	submitted := decode[models.SongRequest](t, w)

	rejectPath := fmt.Sprintf("%s/requests/%s/reject", base, submitted.ID)

	// Malformed JSON is a client error, not a silent no-reason reject.
	req := httptest.NewRequest(http.MethodPost, rejectPath, bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+started.Token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The request survived the bad call.
	w = doJSON(t, handler, http.MethodGet, base+"/requests", customer.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	requests := decode[[]models.SongRequest](t, w)
	require.Len(t, requests, 1)
	assert.Equal(t, models.RequestPending, requests[0].Status)

	// An empty body is fine; the reason is optional.
	w = doJSON(t, handler, http.MethodPost, rejectPath, started.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rejected := decode[models.SongRequest](t, w)
	assert.Equal(t, models.RequestRejected, rejected.Status)
}

func TestWithdrawOverHTTP(t *testing.T) {
	handler, cfg := newTestServer(t)
	started := startTestSession(t, handler, cfg)

	w := doJSON(t, handler, http.MethodPost, "/api/wallet/withdraw", started.Token, models.WithdrawRequest{Amount: 100})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "empty wallet cannot cover a withdrawal")
	resp := decode[models.ErrorResponse](t, w)
	assert.Equal(t, "INSUFFICIENT_BALANCE", resp.Code)
}
