package sessions_test

import (
	"context"
	"errors"
	"testing"

	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/sessions"
)

func TestRecordActivityBumpsCounters(t *testing.T) {
	h := newHarness(t, sessions.Options{})
	ctx := context.Background()
	session := h.seedSession(t, "alice", db.SessionStatusActive, "")
	before := session.LastActivityAt

	got, err := h.manager.RecordActivity(ctx, session.ID, "alice", 1500)
	if err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	if got.BytesTransferred != 1500 {
		t.Errorf("bytesTransferred = %d, want 1500", got.BytesTransferred)
	}
	if !got.LastActivityAt.After(before) && !got.LastActivityAt.Equal(before) {
		t.Errorf("lastActivityAt moved backwards: %v -> %v", before, got.LastActivityAt)
	}

	// Deltas accumulate.
	got, err = h.manager.RecordActivity(ctx, session.ID, "alice", 500)
	if err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	if got.BytesTransferred != 2000 {
		t.Errorf("bytesTransferred = %d, want 2000", got.BytesTransferred)
	}
}

func TestRecordActivityResumesIdleSession(t *testing.T) {
	h := newHarness(t, sessions.Options{})
	ctx := context.Background()
	session := h.seedSession(t, "alice", db.SessionStatusIdle, "")

	got, err := h.manager.RecordActivity(ctx, session.ID, "alice", 10)
	if err != nil {
		t.Fatalf("RecordActivity on idle session: %v", err)
	}
	if got.Status != db.SessionStatusActive {
		t.Errorf("status = %s, want active after traffic resumes", got.Status)
	}
}

func TestRecordActivityRejectsNegativeDelta(t *testing.T) {
	h := newHarness(t, sessions.Options{})
	session := h.seedSession(t, "alice", db.SessionStatusActive, "")

	_, err := h.manager.RecordActivity(context.Background(), session.ID, "alice", -1)
	var validation *sessions.ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("negative delta error = %v, want ValidationError", err)
	}
}

func TestRecordActivityRejectsNonTrafficStates(t *testing.T) {
	h := newHarness(t, sessions.Options{})
	ctx := context.Background()

	for _, status := range []db.SessionStatus{
		db.SessionStatusRequested,
		db.SessionStatusProvisioning,
		db.SessionStatusTerminating,
		db.SessionStatusTerminated,
		db.SessionStatusFailed,
	} {
		session := h.seedSession(t, "user-"+string(status), status, "")
		_, err := h.manager.RecordActivity(ctx, session.ID, "", 10)
		var conflict *sessions.ConflictError
		if !errors.As(err, &conflict) {
			t.Errorf("RecordActivity on %s session error = %v, want ConflictError", status, err)
		}
	}
}

func TestRecordActivityWrongUser(t *testing.T) {
	h := newHarness(t, sessions.Options{})
	session := h.seedSession(t, "alice", db.SessionStatusActive, "")

	_, err := h.manager.RecordActivity(context.Background(), session.ID, "bob", 10)
	var notFound *sessions.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("heartbeat by non-owner error = %v, want NotFoundError", err)
	}

	// The rejected heartbeat left no trace.
	got, err := h.manager.GetSession(context.Background(), session.ID, "alice")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.BytesTransferred != 0 {
		t.Errorf("bytesTransferred = %d, want 0", got.BytesTransferred)
	}
}
