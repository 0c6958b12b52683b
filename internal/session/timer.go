package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lazysuperheroes/hedera-multisig/internal/metrics"
)

// DefaultSweepInterval is how often the expiry sweep runs.
const DefaultSweepInterval = time.Minute

// Timer periodically advances expired sessions to their terminal state,
// notifies subscribers, and reclaims records after the grace period.
type Timer struct {
	manager  *Manager
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the expiry and cleanup sweeper.
func NewTimer(manager *Manager, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Timer{
		manager:  manager,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in session sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx, time.Now())
}

// Sweep runs one expiry-and-cleanup pass. Exposed for tests.
func (t *Timer) Sweep(ctx context.Context, now time.Time) {
	expired, err := t.store.SweepExpired(ctx, now)
	if err != nil {
		t.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	for _, s := range expired {
		metrics.SessionsExpired.Inc()
		t.manager.NotifyExpired(s.ID)
		t.logger.Info("session expired",
			"session_id", s.ID,
			"signatures", len(s.Signatures),
			"participants", len(s.Participants),
		)
	}

	deleted, err := t.store.DeleteDue(ctx, now)
	if err != nil {
		t.logger.Warn("grace deletion failed", "error", err)
		return
	}
	for _, id := range deleted {
		t.manager.NotifyDeleted(id)
		t.logger.Debug("session record released", "session_id", id)
	}
}
