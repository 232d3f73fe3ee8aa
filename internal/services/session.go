package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rockola/backend/internal/apperr"
	"github.com/rockola/backend/internal/broker"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/store"
)

// SessionService owns the session lifecycle: at most one active session per
// establishment, counter aggregation, and the teardown that drains the queue
// when a session ends. Establishment-level uniqueness is serialized on a
// dedicated "establishment:" key so two hosts racing to start cannot both
// succeed.
type SessionService struct {
	store     store.Store
	queue     *QueueService
	joinCodes *JoinCodeService
	hub       *broker.Hub
	sessions  *KeyedMutex
}

// NewSessionService creates a SessionService. sessions must be the KeyedMutex
// shared with the QueueService.
func NewSessionService(st store.Store, queue *QueueService, joinCodes *JoinCodeService, hub *broker.Hub, sessions *KeyedMutex) *SessionService {
	return &SessionService{
		store:     st,
		queue:     queue,
		joinCodes: joinCodes,
		hub:       hub,
		sessions:  sessions,
	}
}

// Start opens a new session for the establishment. Fails with a conflict if
// the establishment already has an active session.
func (s *SessionService) Start(ctx context.Context, establishmentID, hostID string) (models.Session, error) {
	if establishmentID == "" || hostID == "" {
		return models.Session{}, apperr.Validation("establishment and host are required")
	}

	unlock := s.sessions.Lock("establishment:" + establishmentID)
	defer unlock()

	joinCode, err := s.joinCodes.Generate(ctx)
	if err != nil {
		return models.Session{}, apperr.Internal("failed to generate join code", err)
	}

	var session models.Session
	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		var existing []models.Session
		err := tx.Query(ctx, store.CollectionSessions, store.Query{
			Filters: []store.Filter{
				store.Where("establishmentId", store.OpEq, establishmentID),
				store.Where("status", store.OpEq, string(models.SessionActive)),
			},
			Limit: 1,
		}, &existing)
		if err != nil {
			return apperr.Internal("failed to check active sessions", err)
		}
		if len(existing) > 0 {
			return apperr.Conflict("establishment already has an active session")
		}

		now := time.Now().UTC()
		session = models.Session{
			ID:              uuid.New().String(),
			EstablishmentID: establishmentID,
			HostID:          hostID,
			JoinCode:        joinCode,
			Status:          models.SessionActive,
			StartedAt:       now,
			LastActivityAt:  now,
		}
		return tx.Set(ctx, store.CollectionSessions, session.ID, session)
	})
	if err != nil {
		return models.Session{}, err
	}

	slog.Info("session started",
		slog.String("session_id", session.ID),
		slog.String("establishment_id", establishmentID),
		slog.String("host_id", hostID))
	return session, nil
}

// End closes the session and drains its queue: the playing request is marked
// played, accepted requests are refunded and rejected, pending requests are
// rejected without refund. An already-ended session is treated the same as a
// missing one: there is no active session to end. A final session-ended delta
// is published before subscribers are evicted.
func (s *SessionService) End(ctx context.Context, sessionID string) (models.Session, error) {
	unlock := s.sessions.Lock(sessionID)
	defer unlock()

	// Phase 1: flip the session to ended. Once committed, no mutation can
	// enter the session, so the drain below sees a frozen queue.
	var session models.Session
	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		var sess models.Session
		if err := tx.Get(ctx, store.CollectionSessions, sessionID, &sess); err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("session")
			}
			return apperr.Internal("failed to load session", err)
		}
		if sess.Status != models.SessionActive {
			return apperr.NotFound("active session")
		}
		now := time.Now().UTC()
		sess.Status = models.SessionEnded
		sess.EndedAt = &now
		sess.LastActivityAt = now
		if sess.CurrentRequestID != nil {
			sess.TotalSongsPlayed++
		}
		currentID := sess.CurrentRequestID
		sess.CurrentRequestID = nil
		if err := tx.Set(ctx, store.CollectionSessions, sess.ID, sess); err != nil {
			return apperr.Internal("failed to write session", err)
		}
		if currentID != nil {
			if err := tx.Update(ctx, store.CollectionRequests, *currentID, map[string]any{
				"status":     string(models.RequestPlayed),
				"resolvedAt": now,
			}); err != nil {
				return apperr.Internal("failed to resolve playing request", err)
			}
		}
		session = sess
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}

	// Phase 2: drain the queue. Each request is resolved individually so a
	// failed refund does not roll back the session flip; the maintenance job
	// or a retried End picks up anything left behind.
	s.drainRequests(ctx, session)

	s.hub.Publish(sessionID, broker.SessionEnded(sessionID))
	s.hub.CloseSession(sessionID)

	slog.Info("session ended",
		slog.String("session_id", sessionID),
		slog.Int64("total_collected", session.TotalCollected),
		slog.Int64("total_songs_played", session.TotalSongsPlayed))
	return session, nil
}

func (s *SessionService) drainRequests(ctx context.Context, session models.Session) {
	now := time.Now().UTC()
	for _, status := range []models.RequestStatus{models.RequestAccepted, models.RequestPending} {
		var reqs []models.SongRequest
		err := s.store.Query(ctx, store.CollectionRequests, store.Query{
			Filters: []store.Filter{
				store.Where("sessionId", store.OpEq, session.ID),
				store.Where("status", store.OpEq, string(status)),
			},
		}, &reqs)
		if err != nil {
			slog.Error("failed to list requests during session end",
				slog.String("session_id", session.ID),
				slog.Any("error", err))
			continue
		}
		for _, req := range reqs {
			if status == models.RequestAccepted && (req.SettledReal > 0 || req.SettledBonus > 0) {
				if _, err := s.queue.ledger.Refund(ctx, session.HostID, session.ID, req.SettledReal, req.SettledBonus); err != nil {
					slog.Error("failed to refund request during session end",
						slog.String("session_id", session.ID),
						slog.String("request_id", req.ID),
						slog.Any("error", err))
					continue
				}
			}
			terminal := models.RequestRejected
			if status == models.RequestAccepted {
				terminal = models.RequestRefunded
			}
			err := s.store.Update(ctx, store.CollectionRequests, req.ID, map[string]any{
				"status":          string(terminal),
				"resolvedAt":      now,
				"rejectionReason": "session ended",
			})
			if err != nil {
				slog.Error("failed to resolve request during session end",
					slog.String("session_id", session.ID),
					slog.String("request_id", req.ID),
					slog.Any("error", err))
			}
		}
	}
}

// Get returns the session by id.
func (s *SessionService) Get(ctx context.Context, sessionID string) (models.Session, error) {
	var session models.Session
	err := s.store.Get(ctx, store.CollectionSessions, sessionID, &session)
	if err == store.ErrNotFound {
		return models.Session{}, apperr.NotFound("session")
	}
	if err != nil {
		return models.Session{}, apperr.Internal("failed to load session", err)
	}
	return session, nil
}

// FindByJoinCode resolves an active session from its venue join code.
func (s *SessionService) FindByJoinCode(ctx context.Context, joinCode string) (models.Session, error) {
	var matches []models.Session
	err := s.store.Query(ctx, store.CollectionSessions, store.Query{
		Filters: []store.Filter{
			store.Where("joinCode", store.OpEq, joinCode),
			store.Where("status", store.OpEq, string(models.SessionActive)),
		},
		Limit: 1,
	}, &matches)
	if err != nil {
		return models.Session{}, apperr.Internal("failed to look up join code", err)
	}
	if len(matches) == 0 {
		return models.Session{}, apperr.NotFound("session")
	}
	return matches[0], nil
}

// Snapshot assembles the full state a new subscriber needs: the session, the
// accepted queue in play order, and the playing request, if any.
func (s *SessionService) Snapshot(ctx context.Context, sessionID string) (models.Snapshot, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return models.Snapshot{}, err
	}
	queue, err := s.queue.Queue(ctx, sessionID)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap := models.Snapshot{Session: session, Queue: queue}
	if session.CurrentRequestID != nil {
		current, err := s.queue.getRequest(ctx, *session.CurrentRequestID)
		if err != nil {
			return models.Snapshot{}, err
		}
		snap.CurrentRequest = &current
	}
	return snap, nil
}

// AdjustConnected moves the session's connected-user counter by delta,
// clamping at zero. Counter drift on an ended session is ignored.
func (s *SessionService) AdjustConnected(ctx context.Context, sessionID string, delta int) {
	unlock := s.sessions.Lock(sessionID)
	defer unlock()

	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		var session models.Session
		if err := tx.Get(ctx, store.CollectionSessions, sessionID, &session); err != nil {
			return err
		}
		if session.Status != models.SessionActive {
			return nil
		}
		count := session.ConnectedUserCount + delta
		if count < 0 {
			count = 0
		}
		return tx.Update(ctx, store.CollectionSessions, sessionID, map[string]any{
			"connectedUserCount": count,
			"lastActivityAt":     time.Now().UTC(),
		})
	})
	if err != nil && err != store.ErrNotFound {
		slog.Error("failed to adjust connected count",
			slog.String("session_id", sessionID),
			slog.Any("error", err))
	}
}

// EndIdleSessions ends active sessions with no subscribers and no activity
// since the cutoff. Returns the number of sessions ended.
func (s *SessionService) EndIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	var active []models.Session
	err := s.store.Query(ctx, store.CollectionSessions, store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEq, string(models.SessionActive)),
		},
	}, &active)
	if err != nil {
		return 0, apperr.Internal("failed to list active sessions", err)
	}

	ended := 0
	for _, session := range active {
		if !session.LastActivityAt.Before(cutoff) {
			continue
		}
		if s.hub.SubscriberCount(session.ID) > 0 {
			continue
		}
		if _, err := s.End(ctx, session.ID); err != nil {
			// Lost a race with a host ending the session themselves.
			if apperr.Is(err, apperr.CodeNotFound) {
				continue
			}
			return ended, err
		}
		slog.Info("idle session auto-ended", slog.String("session_id", session.ID))
		ended++
	}
	return ended, nil
}
