package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/burrowvpn/burrow/internal/audit"
	"github.com/burrowvpn/burrow/internal/db"
)

// Default reaper intervals.
const (
	DefaultIdleAfter    = 15 * time.Minute
	DefaultIdleTimeout  = 1 * time.Hour
	DefaultReapInterval = 5 * time.Minute
)

// IdleReaper periodically marks inactive sessions IDLE and reclaims
// sessions whose inactivity exceeds the idle timeout. Reaping goes through
// RequestDeprovision exactly like a user-initiated stop, so both share one
// correctness path and one audit trail.
type IdleReaper struct {
	manager  *Manager
	audit    *audit.Recorder
	interval time.Duration
	// idleAfter is the inactivity span after which an ACTIVE session is
	// marked IDLE; idleTimeout is the span after which it is reaped.
	idleAfter   time.Duration
	idleTimeout time.Duration
	stopCh      chan struct{}
}

// NewIdleReaper creates a reaper. Zero durations fall back to defaults.
func NewIdleReaper(manager *Manager, recorder *audit.Recorder, interval, idleAfter, idleTimeout time.Duration) *IdleReaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &IdleReaper{
		manager:     manager,
		audit:       recorder,
		interval:    interval,
		idleAfter:   idleAfter,
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the sweep goroutine. It returns immediately.
func (r *IdleReaper) Start() {
	go r.loop()
}

// Stop signals the sweep goroutine to exit.
func (r *IdleReaper) Stop() {
	close(r.stopCh)
}

func (r *IdleReaper) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Sweep runs one reaper pass: mark, then reap.
func (r *IdleReaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	r.markIdle(ctx, now)
	r.reap(ctx, now)
}

// markIdle moves ACTIVE sessions past the idle threshold to IDLE.
func (r *IdleReaper) markIdle(ctx context.Context, now time.Time) {
	candidates, err := r.manager.db.ListIdleCandidates(now.Add(-r.idleAfter))
	if err != nil {
		slog.Warn("reaper: failed to list idle candidates", "error", err)
		return
	}

	for i := range candidates {
		session := &candidates[i]
		_, err := r.manager.persistTransition(ctx, session.ID, db.SessionStatusIdle, nil)
		if err != nil {
			// A session stopped or touched concurrently is not ours to mark.
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			slog.Warn("reaper: failed to mark session idle", "session_id", session.ID, "error", err)
			continue
		}
		r.audit.Success(ctx, audit.EventSessionIdle, session.ID, session.UserID, 0, nil)
		slog.Info("reaper: session marked idle", "session_id", session.ID, "user_id", session.UserID)
	}
}

// reap deprovisions sessions inactive past the idle timeout, exactly as a
// non-forced user stop would.
func (r *IdleReaper) reap(ctx context.Context, now time.Time) {
	reapable, err := r.manager.db.ListReapableSessions(now.Add(-r.idleTimeout))
	if err != nil {
		slog.Warn("reaper: failed to list reapable sessions", "error", err)
		return
	}

	for i := range reapable {
		session := &reapable[i]
		_, err := r.manager.RequestDeprovision(ctx, session.ID, "", false)
		if err != nil {
			// A concurrent stop beat us to it; skip, not an error.
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				slog.Debug("reaper: session already stopping", "session_id", session.ID)
				continue
			}
			slog.Warn("reaper: failed to reap session", "session_id", session.ID, "error", err)
			continue
		}
		r.audit.Success(ctx, audit.EventSessionReaped, session.ID, session.UserID, 0, nil)
		slog.Info("reaper: session reaped", "session_id", session.ID, "user_id", session.UserID)
	}
}
