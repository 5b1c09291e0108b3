package sessions

import (
	"time"

	"github.com/burrowvpn/burrow/internal/db"
)

// ValidTransitions defines the allowed state transitions for sessions.
// Key is the current state, value is a slice of valid next states.
var ValidTransitions = map[db.SessionStatus][]db.SessionStatus{
	db.SessionStatusRequested: {
		db.SessionStatusProvisioning,
	},
	db.SessionStatusProvisioning: {
		db.SessionStatusActive,
		db.SessionStatusFailed,
		// Force-stop of a session still provisioning
		db.SessionStatusTerminating,
	},
	db.SessionStatusActive: {
		db.SessionStatusIdle,
		db.SessionStatusTerminating,
	},
	db.SessionStatusIdle: {
		db.SessionStatusActive,
		db.SessionStatusTerminating,
	},
	db.SessionStatusTerminating: {
		db.SessionStatusTerminated,
	},
	// Terminal states with no valid transitions
	db.SessionStatusTerminated: {},
	db.SessionStatusFailed:     {},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to db.SessionStatus) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition is the sole session mutator. It returns a copy of the session
// advanced to the requested state, or a ConflictError carrying the current
// state and the rejected target. The caller persists the returned copy.
//
// Requesting a stop-class target (terminating or terminated) on a session
// that is already terminal is not an error: the existing terminal record is
// returned unchanged, distinguishing "already done" from "illegal
// transition".
func Transition(session *db.Session, to db.SessionStatus, now time.Time) (*db.Session, error) {
	if session.IsTerminal() && stopClass(to) {
		return session, nil
	}

	if !CanTransition(session.Status, to) {
		return nil, &ConflictError{
			SessionID: session.ID,
			Status:    session.Status,
			Detail:    "cannot transition to " + string(to),
		}
	}

	next := session.Clone()
	next.Status = to
	switch to {
	case db.SessionStatusActive:
		// Becoming active counts as activity, whether from provisioning
		// or from idle.
		next.LastActivityAt = now
	case db.SessionStatusTerminated:
		t := now
		next.TerminatedAt = &t
	}
	return next, nil
}

// stopClass reports whether the target state is one a stop request drives
// toward. Used for the idempotent terminal no-op.
func stopClass(to db.SessionStatus) bool {
	return to == db.SessionStatusTerminating || to == db.SessionStatusTerminated
}
