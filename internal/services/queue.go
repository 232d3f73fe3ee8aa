package services

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rockola/backend/internal/apperr"
	"github.com/rockola/backend/internal/broker"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/store"
)

const maxSongFieldLength = 200

// QueueService owns the song-request state machine. All mutations for a
// session run under that session's lock, so the queue observes one change at
// a time even though submissions, webhooks, and host actions arrive
// concurrently. Settlements and refunds are delegated to the ledger, which
// takes its own per-host lock; the order is always session lock first, host
// lock second.
type QueueService struct {
	store        store.Store
	ledger       *LedgerService
	hub          *broker.Hub
	sessions     *KeyedMutex
	maxPending   int
	bonusRateBPS int64
}

// NewQueueService creates a QueueService. sessions must be the same KeyedMutex
// the SessionService uses, so queue mutations and session ending serialize
// against each other.
func NewQueueService(st store.Store, ledger *LedgerService, hub *broker.Hub, sessions *KeyedMutex, maxPending int, bonusRateBPS int64) *QueueService {
	return &QueueService{
		store:        st,
		ledger:       ledger,
		hub:          hub,
		sessions:     sessions,
		maxPending:   maxPending,
		bonusRateBPS: bonusRateBPS,
	}
}

// Submit creates a pending song request awaiting payment. The request is
// rejected if the session is not active or the pending queue is at capacity.
func (q *QueueService) Submit(ctx context.Context, sessionID string, identity models.Identity, title, artist string, bidAmount int64) (models.SongRequest, error) {
	title = strings.TrimSpace(title)
	artist = strings.TrimSpace(artist)
	if title == "" {
		return models.SongRequest{}, apperr.Validation("song title is required")
	}
	if len(title) > maxSongFieldLength || len(artist) > maxSongFieldLength {
		return models.SongRequest{}, apperr.Validation("song title or artist is too long")
	}
	if bidAmount <= 0 {
		return models.SongRequest{}, apperr.Validation("bid amount must be positive")
	}

	unlock := q.sessions.Lock(sessionID)
	defer unlock()

	var req models.SongRequest
	err := q.store.RunTransaction(ctx, func(tx store.Tx) error {
		session, err := activeSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		var pending []models.SongRequest
		err = tx.Query(ctx, store.CollectionRequests, store.Query{
			Filters: []store.Filter{
				store.Where("sessionId", store.OpEq, sessionID),
				store.Where("status", store.OpEq, string(models.RequestPending)),
			},
		}, &pending)
		if err != nil {
			return apperr.Internal("failed to count pending requests", err)
		}
		if len(pending) >= q.maxPending {
			return apperr.CapacityExceeded("request queue is full, try again later")
		}

		now := time.Now().UTC()
		req = models.SongRequest{
			ID:          uuid.New().String(),
			SessionID:   sessionID,
			RequesterID: identity.UID,
			Title:       title,
			Artist:      artist,
			BidAmount:   bidAmount,
			Status:      models.RequestPending,
			SubmittedAt: now,
		}
		if err := tx.Set(ctx, store.CollectionRequests, req.ID, req); err != nil {
			return apperr.Internal("failed to write request", err)
		}
		return touchSession(ctx, tx, session.ID, now)
	})
	if err != nil {
		return models.SongRequest{}, err
	}

	q.hub.Publish(sessionID, broker.RequestSubmitted(req))
	slog.Info("request submitted",
		slog.String("session_id", sessionID),
		slog.String("request_id", req.ID),
		slog.String("uid", identity.UID),
		slog.Int64("bid", bidAmount))
	return req, nil
}

// ConfirmPayment moves a pending request to accepted once the payment
// collaborator reports a successful capture. The host's share is settled to
// the wallet first; if the request can no longer be accepted afterwards the
// settlement is compensated with a refund. Duplicate confirmations fail with
// a stale-request error.
func (q *QueueService) ConfirmPayment(ctx context.Context, requestID string, capturedAmount int64) (models.SongRequest, error) {
	if capturedAmount <= 0 {
		return models.SongRequest{}, apperr.Validation("captured amount must be positive")
	}

	req, err := q.getRequest(ctx, requestID)
	if err != nil {
		return models.SongRequest{}, err
	}

	unlock := q.sessions.Lock(req.SessionID)
	defer unlock()

	// Re-validate under the lock: the request may have expired or the
	// session ended since the webhook was sent.
	var session models.Session
	err = q.store.RunTransaction(ctx, func(tx store.Tx) error {
		if err := tx.Get(ctx, store.CollectionRequests, requestID, &req); err != nil {
			return requestGetErr(err)
		}
		if req.Status != models.RequestPending {
			return apperr.StaleRequest("request is no longer awaiting payment")
		}
		s, err := activeSession(ctx, tx, req.SessionID)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return models.SongRequest{}, err
	}

	if capturedAmount != req.BidAmount {
		slog.Warn("captured amount differs from bid",
			slog.String("request_id", requestID),
			slog.Int64("bid", req.BidAmount),
			slog.Int64("captured", capturedAmount))
	}

	hostShare := q.ledger.HostShare(capturedAmount)
	bonus := hostShare * q.bonusRateBPS / 10000
	if _, err := q.ledger.Settle(ctx, session.HostID, session.ID, capturedAmount, bonus); err != nil {
		return models.SongRequest{}, err
	}

	err = q.store.RunTransaction(ctx, func(tx store.Tx) error {
		if err := tx.Get(ctx, store.CollectionRequests, requestID, &req); err != nil {
			return requestGetErr(err)
		}
		if req.Status != models.RequestPending {
			return apperr.StaleRequest("request is no longer awaiting payment")
		}
		now := time.Now().UTC()
		req.Status = models.RequestAccepted
		req.SettledReal = hostShare
		req.SettledBonus = bonus
		if err := tx.Set(ctx, store.CollectionRequests, req.ID, req); err != nil {
			return apperr.Internal("failed to write request", err)
		}
		return tx.Update(ctx, store.CollectionSessions, session.ID, map[string]any{
			"totalCollected": session.TotalCollected + capturedAmount,
			"lastActivityAt": now,
		})
	})
	if err != nil {
		// The settlement landed but the request could not be accepted.
		// Reverse it so the wallet matches the queue.
		if _, refundErr := q.ledger.Refund(ctx, session.HostID, session.ID, hostShare, bonus); refundErr != nil {
			slog.Error("failed to compensate settlement",
				slog.String("request_id", requestID),
				slog.Any("error", refundErr))
		}
		return models.SongRequest{}, err
	}

	q.hub.Publish(session.ID, broker.RequestAccepted(req))
	slog.Info("payment confirmed",
		slog.String("session_id", session.ID),
		slog.String("request_id", requestID),
		slog.Int64("captured", capturedAmount))
	return req, nil
}

// Promote starts playing the highest-ranked accepted request. Fails with a
// conflict if a request is already playing, and with not-found if the queue
// has no accepted requests.
func (q *QueueService) Promote(ctx context.Context, sessionID string) (models.SongRequest, error) {
	unlock := q.sessions.Lock(sessionID)
	defer unlock()

	var req models.SongRequest
	err := q.store.RunTransaction(ctx, func(tx store.Tx) error {
		session, err := activeSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.CurrentRequestID != nil {
			return apperr.Conflict("a request is already playing")
		}
		next, err := q.nextAccepted(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if next == nil {
			return apperr.NotFound("accepted request")
		}
		req = *next
		return q.startPlayingLocked(ctx, tx, req.ID)
	})
	if err != nil {
		return models.SongRequest{}, err
	}
	req.Status = models.RequestPlaying

	q.hub.Publish(sessionID, broker.NowPlayingChanged(&req))
	slog.Info("request promoted",
		slog.String("session_id", sessionID),
		slog.String("request_id", req.ID))
	return req, nil
}

// Complete marks the playing request as played and auto-promotes the next
// accepted request, if any.
func (q *QueueService) Complete(ctx context.Context, requestID string) (models.SongRequest, error) {
	req, err := q.getRequest(ctx, requestID)
	if err != nil {
		return models.SongRequest{}, err
	}

	unlock := q.sessions.Lock(req.SessionID)
	defer unlock()

	var next *models.SongRequest
	err = q.store.RunTransaction(ctx, func(tx store.Tx) error {
		if err := tx.Get(ctx, store.CollectionRequests, requestID, &req); err != nil {
			return requestGetErr(err)
		}
		if req.Status != models.RequestPlaying {
			return apperr.Conflict("request is not playing")
		}
		session, err := activeSession(ctx, tx, req.SessionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		req.Status = models.RequestPlayed
		req.ResolvedAt = &now
		if err := tx.Set(ctx, store.CollectionRequests, req.ID, req); err != nil {
			return apperr.Internal("failed to write request", err)
		}

		next, err = q.nextAccepted(ctx, tx, req.SessionID)
		if err != nil {
			return err
		}

		fields := map[string]any{
			"totalSongsPlayed": session.TotalSongsPlayed + 1,
			"currentRequestId": nil,
			"lastActivityAt":   now,
		}
		if next != nil {
			fields["currentRequestId"] = next.ID
			next.Status = models.RequestPlaying
			if err := tx.Set(ctx, store.CollectionRequests, next.ID, *next); err != nil {
				return apperr.Internal("failed to write request", err)
			}
		}
		return tx.Update(ctx, store.CollectionSessions, session.ID, fields)
	})
	if err != nil {
		return models.SongRequest{}, err
	}

	q.hub.Publish(req.SessionID, broker.RequestPlayed(req))
	q.hub.Publish(req.SessionID, broker.NowPlayingChanged(next))
	slog.Info("request completed",
		slog.String("session_id", req.SessionID),
		slog.String("request_id", requestID))
	return req, nil
}

// Reject removes a request from the queue. A pending request is rejected
// without money having moved; an accepted request is rejected and its settled
// amounts refunded to the requester's side, reversing the wallet postings. A
// playing request cannot be rejected.
func (q *QueueService) Reject(ctx context.Context, requestID, reason string) (models.SongRequest, error) {
	req, err := q.getRequest(ctx, requestID)
	if err != nil {
		return models.SongRequest{}, err
	}

	unlock := q.sessions.Lock(req.SessionID)
	defer unlock()

	return q.rejectLocked(ctx, requestID, reason, models.RequestRejected)
}

// HandlePaymentFailed resolves a request whose payment was reported failed by
// the collaborator. A pending request is rejected; an accepted request (a
// late failure after confirmation) is refunded and marked refunded.
func (q *QueueService) HandlePaymentFailed(ctx context.Context, requestID, reason string) (models.SongRequest, error) {
	req, err := q.getRequest(ctx, requestID)
	if err != nil {
		return models.SongRequest{}, err
	}

	unlock := q.sessions.Lock(req.SessionID)
	defer unlock()

	return q.rejectLocked(ctx, requestID, reason, models.RequestRefunded)
}

// rejectLocked resolves a pending or accepted request under the session lock.
// refundedStatus is the terminal status used when settled money had to be
// reversed; pending requests always end up rejected.
func (q *QueueService) rejectLocked(ctx context.Context, requestID, reason string, refundedStatus models.RequestStatus) (models.SongRequest, error) {
	var req models.SongRequest
	if err := q.store.Get(ctx, store.CollectionRequests, requestID, &req); err != nil {
		return models.SongRequest{}, requestGetErr(err)
	}

	switch req.Status {
	case models.RequestPending, models.RequestAccepted:
	case models.RequestPlaying:
		return models.SongRequest{}, apperr.Conflict("cannot reject the playing request")
	default:
		return models.SongRequest{}, apperr.Conflict("request is already resolved")
	}

	if req.Status == models.RequestAccepted && (req.SettledReal > 0 || req.SettledBonus > 0) {
		var session models.Session
		if err := q.store.Get(ctx, store.CollectionSessions, req.SessionID, &session); err != nil {
			return models.SongRequest{}, apperr.Internal("failed to load session", err)
		}
		if _, err := q.ledger.Refund(ctx, session.HostID, session.ID, req.SettledReal, req.SettledBonus); err != nil {
			return models.SongRequest{}, err
		}
	}

	terminal := models.RequestRejected
	if req.Status == models.RequestAccepted {
		terminal = refundedStatus
	}

	err := q.store.RunTransaction(ctx, func(tx store.Tx) error {
		if err := tx.Get(ctx, store.CollectionRequests, requestID, &req); err != nil {
			return requestGetErr(err)
		}
		now := time.Now().UTC()
		req.Status = terminal
		req.ResolvedAt = &now
		if reason != "" {
			req.RejectionReason = &reason
		}
		return tx.Set(ctx, store.CollectionRequests, req.ID, req)
	})
	if err != nil {
		return models.SongRequest{}, err
	}

	slog.Info("request resolved",
		slog.String("session_id", req.SessionID),
		slog.String("request_id", requestID),
		slog.String("status", string(terminal)),
		slog.String("reason", reason))
	return req, nil
}

// ExpirePending rejects pending requests submitted before the cutoff whose
// payment never arrived. Returns the number of requests expired.
func (q *QueueService) ExpirePending(ctx context.Context, cutoff time.Time) (int, error) {
	var pending []models.SongRequest
	err := q.store.Query(ctx, store.CollectionRequests, store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEq, string(models.RequestPending)),
		},
	}, &pending)
	if err != nil {
		return 0, apperr.Internal("failed to list pending requests", err)
	}

	expired := 0
	for _, req := range pending {
		if !req.SubmittedAt.Before(cutoff) {
			continue
		}
		if _, err := q.Reject(ctx, req.ID, "payment confirmation timed out"); err != nil {
			// Another actor may have resolved it in the meantime.
			if apperr.Is(err, apperr.CodeConflict) || apperr.Is(err, apperr.CodeNotFound) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// Queue returns the session's accepted requests in play order.
func (q *QueueService) Queue(ctx context.Context, sessionID string) ([]models.SongRequest, error) {
	var accepted []models.SongRequest
	err := q.store.Query(ctx, store.CollectionRequests, store.Query{
		Filters: []store.Filter{
			store.Where("sessionId", store.OpEq, sessionID),
			store.Where("status", store.OpEq, string(models.RequestAccepted)),
		},
	}, &accepted)
	if err != nil {
		return nil, apperr.Internal("failed to list requests", err)
	}
	sortByRank(accepted)
	return accepted, nil
}

// Requests lists every request a viewer may see for the session. Customers
// see only their own pending requests; accepted and later states are public.
func (q *QueueService) Requests(ctx context.Context, sessionID string, identity models.Identity) ([]models.SongRequest, error) {
	var all []models.SongRequest
	err := q.store.Query(ctx, store.CollectionRequests, store.Query{
		Filters: []store.Filter{
			store.Where("sessionId", store.OpEq, sessionID),
		},
	}, &all)
	if err != nil {
		return nil, apperr.Internal("failed to list requests", err)
	}

	visible := make([]models.SongRequest, 0, len(all))
	for _, req := range all {
		if req.Status == models.RequestPending && identity.Role != models.RoleHost && req.RequesterID != identity.UID {
			continue
		}
		visible = append(visible, req)
	}
	sortByRank(visible)
	return visible, nil
}

// nextAccepted returns the highest-ranked accepted request, or nil if the
// queue is empty. Rank is highest bid first, earliest submission breaking
// ties; sorting happens here rather than in the store so nanosecond
// timestamps compare correctly.
func (q *QueueService) nextAccepted(ctx context.Context, tx store.Tx, sessionID string) (*models.SongRequest, error) {
	var accepted []models.SongRequest
	err := tx.Query(ctx, store.CollectionRequests, store.Query{
		Filters: []store.Filter{
			store.Where("sessionId", store.OpEq, sessionID),
			store.Where("status", store.OpEq, string(models.RequestAccepted)),
		},
	}, &accepted)
	if err != nil {
		return nil, apperr.Internal("failed to list accepted requests", err)
	}
	if len(accepted) == 0 {
		return nil, nil
	}
	sortByRank(accepted)
	return &accepted[0], nil
}

func (q *QueueService) startPlayingLocked(ctx context.Context, tx store.Tx, requestID string) error {
	now := time.Now().UTC()
	if err := tx.Update(ctx, store.CollectionRequests, requestID, map[string]any{
		"status": string(models.RequestPlaying),
	}); err != nil {
		return apperr.Internal("failed to write request", err)
	}
	var req models.SongRequest
	if err := tx.Get(ctx, store.CollectionRequests, requestID, &req); err != nil {
		return requestGetErr(err)
	}
	return tx.Update(ctx, store.CollectionSessions, req.SessionID, map[string]any{
		"currentRequestId": requestID,
		"lastActivityAt":   now,
	})
}

// Request returns a single request by id.
func (q *QueueService) Request(ctx context.Context, requestID string) (models.SongRequest, error) {
	return q.getRequest(ctx, requestID)
}

func (q *QueueService) getRequest(ctx context.Context, requestID string) (models.SongRequest, error) {
	var req models.SongRequest
	if err := q.store.Get(ctx, store.CollectionRequests, requestID, &req); err != nil {
		return models.SongRequest{}, requestGetErr(err)
	}
	return req, nil
}

func requestGetErr(err error) error {
	if err == store.ErrNotFound {
		return apperr.NotFound("request")
	}
	return apperr.Internal("failed to load request", err)
}

// activeSession loads the session and fails with a conflict if it has ended.
// Every mutation re-checks this inside its transaction so a concurrent End
// cannot slip a change into an ended session.
func activeSession(ctx context.Context, r store.Reader, sessionID string) (models.Session, error) {
	var session models.Session
	err := r.Get(ctx, store.CollectionSessions, sessionID, &session)
	if err == store.ErrNotFound {
		return models.Session{}, apperr.NotFound("session")
	}
	if err != nil {
		return models.Session{}, apperr.Internal("failed to load session", err)
	}
	if session.Status != models.SessionActive {
		return models.Session{}, apperr.Conflict("session has ended")
	}
	return session, nil
}

func touchSession(ctx context.Context, tx store.Tx, sessionID string, now time.Time) error {
	return tx.Update(ctx, store.CollectionSessions, sessionID, map[string]any{
		"lastActivityAt": now,
	})
}

// sortByRank orders requests by descending bid, then by submission time, then
// by id for a stable total order.
func sortByRank(reqs []models.SongRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].BidAmount != reqs[j].BidAmount {
			return reqs[i].BidAmount > reqs[j].BidAmount
		}
		if !reqs[i].SubmittedAt.Equal(reqs[j].SubmittedAt) {
			return reqs[i].SubmittedAt.Before(reqs[j].SubmittedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}
