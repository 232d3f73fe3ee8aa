package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockola/backend/internal/apperr"
	"github.com/rockola/backend/internal/broker"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/store"
)

type testEngine struct {
	store    *store.Memory
	hub      *broker.Hub
	ledger   *LedgerService
	queue    *QueueService
	sessions *SessionService
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	mem := store.NewMemory()
	hub := broker.New()
	locks := NewKeyedMutex()
	ledger := NewLedgerService(mem, 2000)
	queue := NewQueueService(mem, ledger, hub, locks, 3, 0)
	sessions := NewSessionService(mem, queue, NewJoinCodeService(mem), hub, locks)
	return &testEngine{store: mem, hub: hub, ledger: ledger, queue: queue, sessions: sessions}
}

func (e *testEngine) startSession(t *testing.T) models.Session {
	t.Helper()
	session, err := e.sessions.Start(context.Background(), "est1", "host1")
	require.NoError(t, err)
	return session
}

func (e *testEngine) submit(t *testing.T, sessionID string, bid int64) models.SongRequest {
	t.Helper()
	identity := models.Identity{UID: "customer-1", Role: models.RoleCustomer}
	req, err := e.queue.Submit(context.Background(), sessionID, identity, "Song", "Artist", bid)
	require.NoError(t, err)
	return req
}

func (e *testEngine) accepted(t *testing.T, sessionID string, bid int64) models.SongRequest {
	t.Helper()
	req := e.submit(t, sessionID, bid)
	confirmed, err := e.queue.ConfirmPayment(context.Background(), req.ID, bid)
	require.NoError(t, err)
	return confirmed
}

func TestQueueSubmit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	req := e.submit(t, session.ID, 500)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.EqualValues(t, 500, req.BidAmount)
	assert.Equal(t, "customer-1", req.RequesterID)

	stored, err := e.queue.Request(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, stored.Status)
}

func TestQueueSubmitValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)
	identity := models.Identity{UID: "c1", Role: models.RoleCustomer}

	_, err := e.queue.Submit(ctx, session.ID, identity, "", "Artist", 100)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = e.queue.Submit(ctx, session.ID, identity, "Song", "Artist", 0)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = e.queue.Submit(ctx, "no-such-session", identity, "Song", "Artist", 100)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestQueueSubmitCapacity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t) // capacity 3
	session := e.startSession(t)
	identity := models.Identity{UID: "c1", Role: models.RoleCustomer}

	for i := 0; i < 3; i++ {
		_, err := e.queue.Submit(ctx, session.ID, identity, fmt.Sprintf("Song %d", i), "", 100)
		require.NoError(t, err)
	}

	_, err := e.queue.Submit(ctx, session.ID, identity, "One Too Many", "", 100)
	assert.True(t, apperr.Is(err, apperr.CodeCapacityExceeded))
}

func TestQueueConfirmPaymentSettles(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	req := e.submit(t, session.ID, 1000)
	confirmed, err := e.queue.ConfirmPayment(ctx, req.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, confirmed.Status)
	assert.EqualValues(t, 800, confirmed.SettledReal)
	assert.EqualValues(t, 0, confirmed.SettledBonus)

	balance, err := e.ledger.Balance(ctx, "host1")
	require.NoError(t, err)
	assert.EqualValues(t, 800, balance.SaldoReal)

	updated, err := e.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, updated.TotalCollected)
}

func TestQueueConfirmPaymentDuplicate(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	req := e.submit(t, session.ID, 1000)
	_, err := e.queue.ConfirmPayment(ctx, req.ID, 1000)
	require.NoError(t, err)

	_, err = e.queue.ConfirmPayment(ctx, req.ID, 1000)
	assert.True(t, apperr.Is(err, apperr.CodeStaleRequest))

	// A duplicate must not settle twice.
	balance, err := e.ledger.Balance(ctx, "host1")
	require.NoError(t, err)
	assert.EqualValues(t, 800, balance.SaldoReal)
}

func TestQueueConfirmPaymentAfterSessionEnd(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	req := e.submit(t, session.ID, 1000)
	_, err := e.sessions.End(ctx, session.ID)
	require.NoError(t, err)

	_, err = e.queue.ConfirmPayment(ctx, req.ID, 1000)
	assert.True(t, apperr.Is(err, apperr.CodeStaleRequest))
}

func TestQueuePromoteOrdersByBidThenTime(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	low := e.accepted(t, session.ID, 100)
	high := e.accepted(t, session.ID, 900)
	_ = low

	playing, err := e.queue.Promote(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, high.ID, playing.ID)
	assert.Equal(t, models.RequestPlaying, playing.Status)

	updated, err := e.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.CurrentRequestID)
	assert.Equal(t, high.ID, *updated.CurrentRequestID)
}

func TestQueuePromoteTieBreaksOnSubmissionTime(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	first := e.accepted(t, session.ID, 500)
	time.Sleep(time.Millisecond)
	second := e.accepted(t, session.ID, 500)
	_ = second

	playing, err := e.queue.Promote(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, playing.ID)
}

func TestQueuePromoteConflicts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	_, err := e.queue.Promote(ctx, session.ID)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound), "empty queue")

	e.accepted(t, session.ID, 100)
	_, err = e.queue.Promote(ctx, session.ID)
	require.NoError(t, err)

	e.accepted(t, session.ID, 200)
	_, err = e.queue.Promote(ctx, session.ID)
	assert.True(t, apperr.Is(err, apperr.CodeConflict), "a request is already playing")
}

func TestQueueCompleteAdvances(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	first := e.accepted(t, session.ID, 900)
	next := e.accepted(t, session.ID, 100)

	playing, err := e.queue.Promote(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, playing.ID)

	played, err := e.queue.Complete(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPlayed, played.Status)
	require.NotNil(t, played.ResolvedAt)

	updated, err := e.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.TotalSongsPlayed)
	require.NotNil(t, updated.CurrentRequestID)
	assert.Equal(t, next.ID, *updated.CurrentRequestID, "completion auto-promotes the next accepted request")

	promoted, err := e.queue.Request(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPlaying, promoted.Status)
}

func TestQueueCompleteLastRequestClearsNowPlaying(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	only := e.accepted(t, session.ID, 100)
	_, err := e.queue.Promote(ctx, session.ID)
	require.NoError(t, err)

	_, err = e.queue.Complete(ctx, only.ID)
	require.NoError(t, err)

	updated, err := e.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.CurrentRequestID)
}

func TestQueueCompleteNotPlaying(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	req := e.accepted(t, session.ID, 100)
	_, err := e.queue.Complete(ctx, req.ID)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
}

func TestQueueRejectPendingNoRefund(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	req := e.submit(t, session.ID, 500)
	rejected, err := e.queue.Reject(ctx, req.ID, "not tonight")
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "not tonight", *rejected.RejectionReason)

	movements, err := e.ledger.Movements(ctx, "host1", 10)
	require.NoError(t, err)
	assert.Empty(t, movements, "no money moved, no refund posted")
}

func TestQueueRejectAcceptedRefunds(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	req := e.accepted(t, session.ID, 1000)
	rejected, err := e.queue.Reject(ctx, req.ID, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, rejected.Status)

	balance, err := e.ledger.Balance(ctx, "host1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, balance.SaldoReal, "settlement reversed on reject")
}

func TestQueueRejectPlayingConflicts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	req := e.accepted(t, session.ID, 100)
	_, err := e.queue.Promote(ctx, session.ID)
	require.NoError(t, err)

	_, err = e.queue.Reject(ctx, req.ID, "too late")
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
}

func TestQueueRejectResolvedConflicts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	req := e.submit(t, session.ID, 100)
	_, err := e.queue.Reject(ctx, req.ID, "first")
	require.NoError(t, err)

	_, err = e.queue.Reject(ctx, req.ID, "second")
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
}

func TestQueueHandlePaymentFailed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	pending := e.submit(t, session.ID, 100)
	resolved, err := e.queue.HandlePaymentFailed(ctx, pending.ID, "payment failed")
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, resolved.Status)

	// A late failure after confirmation refunds and marks refunded.
	accepted := e.accepted(t, session.ID, 1000)
	resolved, err = e.queue.HandlePaymentFailed(ctx, accepted.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, models.RequestRefunded, resolved.Status)

	balance, err := e.ledger.Balance(ctx, "host1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, balance.SaldoReal)
}

func TestQueueExpirePending(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	old := e.submit(t, session.ID, 100)
	time.Sleep(2 * time.Millisecond)
	cutoff := time.Now().UTC()
	fresh := e.submit(t, session.ID, 100)

	expired, err := e.queue.ExpirePending(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	oldReq, err := e.queue.Request(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, oldReq.Status)

	freshReq, err := e.queue.Request(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, freshReq.Status)
}

func TestQueueVisibilityFiltersForeignPending(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	session := e.startSession(t)

	mine := models.Identity{UID: "me", Role: models.RoleCustomer}
	other := models.Identity{UID: "other", Role: models.RoleCustomer}
	host := models.Identity{UID: "host1", Role: models.RoleHost}

	_, err := e.queue.Submit(ctx, session.ID, mine, "Mine", "", 100)
	require.NoError(t, err)
	_, err = e.queue.Submit(ctx, session.ID, other, "Theirs", "", 100)
	require.NoError(t, err)

	visible, err := e.queue.Requests(ctx, session.ID, mine)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "me", visible[0].RequesterID)

	all, err := e.queue.Requests(ctx, session.ID, host)
	require.NoError(t, err)
	assert.Len(t, all, 2, "the host sees every pending request")
}
