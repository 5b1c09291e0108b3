package sessions_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/sessions"
)

func seedWithActivity(t *testing.T, h *testHarness, userID string, status db.SessionStatus, lastActivity time.Time) *db.Session {
	t.Helper()
	session := &db.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		Status:         status,
		CreatedAt:      lastActivity,
		LastActivityAt: lastActivity,
	}
	if err := h.db.CreateSession(session); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}

func TestReaperMarksIdleSessions(t *testing.T) {
	h := newHarness(t, sessions.Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	stale := seedWithActivity(t, h, "alice", db.SessionStatusActive, now.Add(-30*time.Minute))
	fresh := seedWithActivity(t, h, "bob", db.SessionStatusActive, now)

	reaper := sessions.NewIdleReaper(h.manager, h.audit, time.Minute, 15*time.Minute, time.Hour)
	reaper.Sweep(ctx)

	got, err := h.manager.GetSession(ctx, stale.ID, "")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != db.SessionStatusIdle {
		t.Errorf("stale session status = %s, want idle", got.Status)
	}

	got, err = h.manager.GetSession(ctx, fresh.ID, "")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != db.SessionStatusActive {
		t.Errorf("fresh session status = %s, want untouched active", got.Status)
	}
}

func TestReaperReapsAfterIdleTimeout(t *testing.T) {
	h := newHarness(t, sessions.Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	abandoned := seedWithActivity(t, h, "alice", db.SessionStatusIdle, now.Add(-2*time.Hour))
	merelyIdle := seedWithActivity(t, h, "bob", db.SessionStatusIdle, now.Add(-30*time.Minute))

	reaper := sessions.NewIdleReaper(h.manager, h.audit, time.Minute, 15*time.Minute, time.Hour)
	reaper.Sweep(ctx)

	got, err := h.manager.GetSession(ctx, abandoned.ID, "")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != db.SessionStatusTerminated {
		t.Errorf("abandoned session status = %s, want terminated", got.Status)
	}

	got, err = h.manager.GetSession(ctx, merelyIdle.ID, "")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != db.SessionStatusIdle {
		t.Errorf("idle-but-recent session status = %s, want idle", got.Status)
	}
}

func TestReaperReapsActiveSessionsPastTimeout(t *testing.T) {
	h := newHarness(t, sessions.Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	// An ACTIVE session whose inactivity already exceeds the idle timeout is
	// reclaimed in the same sweep that would have marked it idle.
	abandoned := seedWithActivity(t, h, "alice", db.SessionStatusActive, now.Add(-3*time.Hour))

	reaper := sessions.NewIdleReaper(h.manager, h.audit, time.Minute, 15*time.Minute, time.Hour)
	reaper.Sweep(ctx)

	got, err := h.manager.GetSession(ctx, abandoned.ID, "")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != db.SessionStatusTerminated {
		t.Errorf("status = %s, want terminated", got.Status)
	}
}

func TestReaperStartStop(t *testing.T) {
	h := newHarness(t, sessions.Options{})
	reaper := sessions.NewIdleReaper(h.manager, h.audit, time.Hour, time.Hour, 2*time.Hour)
	reaper.Start()
	reaper.Stop()
}
