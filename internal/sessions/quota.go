package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/burrowvpn/burrow/internal/db"
)

const (
	// DefaultCASRetries bounds compare-and-swap retry loops on the
	// aggregate record.
	DefaultCASRetries = 5

	// casBackoffStep is the base backoff between CAS retries; the actual
	// wait is step*attempt with +/-50% jitter.
	casBackoffStep = 25 * time.Millisecond
)

// QuotaGuard enforces admission control against the aggregate session
// counter: a global cap on non-terminal sessions and at most one
// non-terminal session per user. All counter updates are compare-and-swap
// against the versioned aggregate_state record; no locks are held.
type QuotaGuard struct {
	db        *db.DB
	globalCap int // 0 disables the global cap; the per-user rule always applies
	retries   int
}

// NewQuotaGuard creates a guard with the given global cap.
func NewQuotaGuard(database *db.DB, globalCap int) *QuotaGuard {
	return &QuotaGuard{
		db:        database,
		globalCap: globalCap,
		retries:   DefaultCASRetries,
	}
}

// Admit reserves one slot for a new session owned by userID. It re-reads
// the aggregate on every attempt so that the admission check is evaluated
// against fresh data, not blindly retried. Returns an AdmissionError when
// the cap is full or the user already has a live session.
func (g *QuotaGuard) Admit(ctx context.Context, userID string) error {
	var lastErr error
	for attempt := 0; attempt < g.retries; attempt++ {
		if attempt > 0 {
			g.backoff(ctx, attempt)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		agg, err := g.db.GetAggregateState()
		if err != nil {
			return &InternalError{Op: "quota admit", Err: err}
		}

		// The per-user rule is checked first: a user who already holds a
		// session is told so even when the cap is also full, since freeing
		// the cap would not help them.
		live, err := g.db.CountNonTerminalSessionsByUser(userID)
		if err != nil {
			return &InternalError{Op: "quota admit", Err: err}
		}
		if live > 0 {
			return &AdmissionError{
				Reason: ReasonDuplicateSession,
				UserID: userID,
				Detail: "user already has a non-terminal session",
			}
		}

		if g.globalCap > 0 && agg.ActiveSessionCount >= g.globalCap {
			return &AdmissionError{
				Reason: ReasonQuotaExceeded,
				UserID: userID,
				Detail: fmt.Sprintf("%d of %d sessions in use", agg.ActiveSessionCount, g.globalCap),
			}
		}

		agg.ActiveSessionCount++
		err = g.db.UpdateAggregateState(agg, agg.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrStaleVersion) {
			return &InternalError{Op: "quota admit", Err: err}
		}
		lastErr = err
		slog.Debug("quota admission lost CAS race, retrying", "user_id", userID, "attempt", attempt+1)
	}
	return &InternalError{Op: "quota admit", Err: fmt.Errorf("CAS retries exhausted: %w", lastErr)}
}

// Release returns a slot after a session reaches a terminal state and folds
// the session's final byte counter into the aggregate total. Release must
// eventually succeed or quota capacity leaks, so exhausted retries are
// surfaced as an InternalError for the caller to log loudly.
func (g *QuotaGuard) Release(ctx context.Context, bytesTransferred int64) error {
	var lastErr error
	for attempt := 0; attempt < g.retries; attempt++ {
		if attempt > 0 {
			g.backoff(ctx, attempt)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		agg, err := g.db.GetAggregateState()
		if err != nil {
			return &InternalError{Op: "quota release", Err: err}
		}

		agg.ActiveSessionCount--
		if agg.ActiveSessionCount < 0 {
			// A double release is a bug upstream; clamp rather than corrupt
			// admission math.
			slog.Warn("aggregate session count went negative, clamping to zero")
			agg.ActiveSessionCount = 0
		}
		agg.TotalBytesTransferred += bytesTransferred

		err = g.db.UpdateAggregateState(agg, agg.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrStaleVersion) {
			return &InternalError{Op: "quota release", Err: err}
		}
		lastErr = err
	}
	return &InternalError{Op: "quota release", Err: fmt.Errorf("CAS retries exhausted: %w", lastErr)}
}

// backoff sleeps for step*attempt with +/-50% jitter, or until the context
// is done.
func (g *QuotaGuard) backoff(ctx context.Context, attempt int) {
	casBackoff(ctx, attempt)
}

// casBackoff is the shared retry backoff for optimistic-concurrency loops.
func casBackoff(ctx context.Context, attempt int) {
	base := casBackoffStep * time.Duration(attempt)
	jitter := time.Duration(rand.Int63n(int64(base))) - base/2
	select {
	case <-time.After(base + jitter):
	case <-ctx.Done():
	}
}
