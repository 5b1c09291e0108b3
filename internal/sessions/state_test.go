package sessions_test

import (
	"errors"
	"testing"
	"time"

	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/sessions"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from db.SessionStatus
		to   db.SessionStatus
		want bool
	}{
		{db.SessionStatusRequested, db.SessionStatusProvisioning, true},
		{db.SessionStatusRequested, db.SessionStatusActive, false},
		{db.SessionStatusRequested, db.SessionStatusTerminating, false},
		{db.SessionStatusProvisioning, db.SessionStatusActive, true},
		{db.SessionStatusProvisioning, db.SessionStatusFailed, true},
		{db.SessionStatusProvisioning, db.SessionStatusTerminating, true},
		{db.SessionStatusActive, db.SessionStatusIdle, true},
		{db.SessionStatusActive, db.SessionStatusTerminating, true},
		{db.SessionStatusActive, db.SessionStatusFailed, false},
		{db.SessionStatusIdle, db.SessionStatusActive, true},
		{db.SessionStatusIdle, db.SessionStatusTerminating, true},
		{db.SessionStatusTerminating, db.SessionStatusTerminated, true},
		{db.SessionStatusTerminating, db.SessionStatusActive, false},
		{db.SessionStatusTerminated, db.SessionStatusActive, false},
		{db.SessionStatusFailed, db.SessionStatusProvisioning, false},
	}
	for _, tt := range tests {
		if got := sessions.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionStampsFields(t *testing.T) {
	now := time.Now().UTC()
	session := &db.Session{
		ID:     "s1",
		Status: db.SessionStatusProvisioning,
	}

	next, err := sessions.Transition(session, db.SessionStatusActive, now)
	if err != nil {
		t.Fatalf("Transition to active: %v", err)
	}
	if next == session {
		t.Fatal("Transition returned the input; want a copy")
	}
	if next.Status != db.SessionStatusActive {
		t.Errorf("status = %s, want active", next.Status)
	}
	if !next.LastActivityAt.Equal(now) {
		t.Errorf("lastActivityAt = %v, want stamp at transition time", next.LastActivityAt)
	}
	if session.Status != db.SessionStatusProvisioning {
		t.Error("Transition mutated the input session")
	}

	next.Status = db.SessionStatusTerminating
	done, err := sessions.Transition(next, db.SessionStatusTerminated, now)
	if err != nil {
		t.Fatalf("Transition to terminated: %v", err)
	}
	if done.TerminatedAt == nil || !done.TerminatedAt.Equal(now) {
		t.Errorf("terminatedAt = %v, want stamp at transition time", done.TerminatedAt)
	}
}

func TestTransitionInvalidPairConflicts(t *testing.T) {
	session := &db.Session{ID: "s1", Status: db.SessionStatusRequested}

	_, err := sessions.Transition(session, db.SessionStatusActive, time.Now().UTC())
	var conflict *sessions.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Transition(requested -> active) error = %v, want ConflictError", err)
	}
	if conflict.SessionID != "s1" || conflict.Status != db.SessionStatusRequested {
		t.Errorf("conflict = %+v, want current state carried", conflict)
	}
}

func TestTransitionTerminalStopIsNoOp(t *testing.T) {
	for _, status := range []db.SessionStatus{db.SessionStatusTerminated, db.SessionStatusFailed} {
		for _, target := range []db.SessionStatus{db.SessionStatusTerminating, db.SessionStatusTerminated} {
			session := &db.Session{ID: "s1", Status: status}
			got, err := sessions.Transition(session, target, time.Now().UTC())
			if err != nil {
				t.Errorf("Transition(%s -> %s): %v, want idempotent no-op", status, target, err)
				continue
			}
			if got != session {
				t.Errorf("Transition(%s -> %s) returned a new record; want the existing one", status, target)
			}
		}
	}
}

func TestTransitionTerminalNonStopConflicts(t *testing.T) {
	session := &db.Session{ID: "s1", Status: db.SessionStatusTerminated}
	_, err := sessions.Transition(session, db.SessionStatusActive, time.Now().UTC())
	var conflict *sessions.ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("Transition(terminated -> active) error = %v, want ConflictError", err)
	}
}
