// Package jobs runs the background maintenance loop: expiring unpaid song
// requests and auto-ending idle sessions.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/rockola/backend/internal/services"
)

// Maintenance periodically expires pending requests whose payment never
// confirmed and ends sessions that have been idle with no subscribers.
type Maintenance struct {
	queue          *services.QueueService
	sessions       *services.SessionService
	interval       time.Duration
	confirmTimeout time.Duration
	idleTimeout    time.Duration
}

// NewMaintenance creates the maintenance job.
func NewMaintenance(queue *services.QueueService, sessions *services.SessionService, interval, confirmTimeout, idleTimeout time.Duration) *Maintenance {
	return &Maintenance{
		queue:          queue,
		sessions:       sessions,
		interval:       interval,
		confirmTimeout: confirmTimeout,
		idleTimeout:    idleTimeout,
	}
}

// Run executes the loop until ctx is cancelled. One pass runs immediately.
func (m *Maintenance) Run(ctx context.Context) {
	slog.Info("maintenance job started",
		slog.Duration("interval", m.interval),
		slog.Duration("confirm_timeout", m.confirmTimeout),
		slog.Duration("idle_timeout", m.idleTimeout))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance job stopped")
			return
		case <-ticker.C:
			m.pass(ctx)
		}
	}
}

func (m *Maintenance) pass(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := m.queue.ExpirePending(ctx, now.Add(-m.confirmTimeout))
	if err != nil {
		slog.Error("failed to expire pending requests", slog.Any("error", err))
	} else if expired > 0 {
		slog.Info("expired unpaid requests", slog.Int("count", expired))
	}

	ended, err := m.sessions.EndIdleSessions(ctx, now.Add(-m.idleTimeout))
	if err != nil {
		slog.Error("failed to end idle sessions", slog.Any("error", err))
	} else if ended > 0 {
		slog.Info("ended idle sessions", slog.Int("count", ended))
	}
}
