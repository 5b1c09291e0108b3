package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// SessionStatus represents the lifecycle state of a VPN session.
// Valid states: requested, provisioning, active, idle, terminating,
// terminated, failed.
//
// State machine (enforced by internal/sessions, not here):
//
//	requested    -> provisioning (admission granted)
//	provisioning -> active       (compute ready)
//	provisioning -> failed       (compute creation error or budget exceeded)
//	active       -> idle         (no traffic for idle threshold)
//	idle         -> active       (traffic resumes)
//	active, idle -> terminating  (stop request or reaper)
//	terminating  -> terminated   (cleanup sequence completed)
type SessionStatus string

const (
	SessionStatusRequested    SessionStatus = "requested"
	SessionStatusProvisioning SessionStatus = "provisioning"
	SessionStatusActive       SessionStatus = "active"
	SessionStatusIdle         SessionStatus = "idle"
	SessionStatusTerminating  SessionStatus = "terminating"
	SessionStatusTerminated   SessionStatus = "terminated"
	SessionStatusFailed       SessionStatus = "failed"
)

// NonTerminalStatuses are the states counted against admission quotas.
var NonTerminalStatuses = []SessionStatus{
	SessionStatusRequested,
	SessionStatusProvisioning,
	SessionStatusActive,
	SessionStatusIdle,
	SessionStatusTerminating,
}

// Session represents one lifecycle instance of a provisioned VPN workload.
// It is owned exclusively by the session orchestrator and mutated only
// through state-machine transitions persisted with UpdateSession.
type Session struct {
	bun.BaseModel `bun:"table:sessions"`

	ID               string        `json:"id" bun:"id,pk"`
	UserID           string        `json:"user_id" bun:"user_id,notnull"`
	Status           SessionStatus `json:"status" bun:"status,notnull"`
	InstanceRef      string        `json:"instance_ref,omitempty" bun:"instance_ref"`
	Version          int64         `json:"version" bun:"version,notnull"`
	BytesTransferred int64         `json:"bytes_transferred" bun:"bytes_transferred,notnull"`
	CreatedAt        time.Time     `json:"created_at" bun:"created_at,notnull"`
	LastActivityAt   time.Time     `json:"last_activity_at" bun:"last_activity_at,notnull"`
	TerminatedAt     *time.Time    `json:"terminated_at,omitempty" bun:"terminated_at"`
}

// IsTerminal reports whether the session is in a terminal state.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionStatusTerminated || s.Status == SessionStatusFailed
}

// Clone returns a shallow copy of the session. Workflows mutate copies and
// persist them, never the record a caller may still hold.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// CreateSession inserts a new session record at version 0. Returns
// ErrConflict when the id is taken or the user already holds a
// non-terminal session (the one-live-session-per-user index).
func (db *DB) CreateSession(session *Session) error {
	session.Version = 0
	_, err := db.bun.NewInsert().Model(session).Exec(ctx())
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s for user %s: %w", session.ID, session.UserID, ErrConflict)
	}
	return err
}

// GetSession returns a session by ID, or nil if it does not exist.
func (db *DB) GetSession(id string) (*Session, error) {
	var session Session
	err := db.bun.NewSelect().Model(&session).Where("id = ?", id).Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSession persists the session conditionally on expectedVersion.
// On success the stored and in-memory version are both expectedVersion+1.
// Returns ErrStaleVersion when a concurrent writer got there first.
func (db *DB) UpdateSession(session *Session, expectedVersion int64) error {
	next := expectedVersion + 1
	result, err := db.bun.NewUpdate().Model((*Session)(nil)).
		Set("status = ?", session.Status).
		Set("instance_ref = ?", session.InstanceRef).
		Set("bytes_transferred = ?", session.BytesTransferred).
		Set("last_activity_at = ?", session.LastActivityAt).
		Set("terminated_at = ?", session.TerminatedAt).
		Set("version = ?", next).
		Where("id = ?", session.ID).
		Where("version = ?", expectedVersion).
		Exec(ctx())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStaleVersion
	}
	session.Version = next
	return nil
}

// ListSessionsByUser returns all sessions for a user, newest first.
func (db *DB) ListSessionsByUser(userID string) ([]Session, error) {
	var sessions []Session
	err := db.bun.NewSelect().Model(&sessions).
		Where("user_id = ?", userID).
		OrderExpr("created_at DESC").
		Scan(ctx())
	return sessions, err
}

// ListNonTerminalSessions returns every session still counted against quota.
func (db *DB) ListNonTerminalSessions() ([]Session, error) {
	var sessions []Session
	err := db.bun.NewSelect().Model(&sessions).
		Where("status IN (?)", bun.In(NonTerminalStatuses)).
		OrderExpr("created_at DESC").
		Scan(ctx())
	return sessions, err
}

// CountNonTerminalSessionsByUser returns the number of sessions for a user
// that have not yet reached terminated or failed.
func (db *DB) CountNonTerminalSessionsByUser(userID string) (int, error) {
	return db.bun.NewSelect().Model((*Session)(nil)).
		Where("user_id = ?", userID).
		Where("status IN (?)", bun.In(NonTerminalStatuses)).
		Count(ctx())
}

// CountNonTerminalSessions returns the global non-terminal session count.
// QuotaGuard admits against the aggregate_state counter; this query exists
// for the consistency invariant and for load reporting.
func (db *DB) CountNonTerminalSessions() (int, error) {
	return db.bun.NewSelect().Model((*Session)(nil)).
		Where("status IN (?)", bun.In(NonTerminalStatuses)).
		Count(ctx())
}

// ListReapableSessions returns active and idle sessions whose last activity
// is older than the cutoff. Terminating sessions are excluded: another
// worker already owns their teardown.
func (db *DB) ListReapableSessions(cutoff time.Time) ([]Session, error) {
	var sessions []Session
	err := db.bun.NewSelect().Model(&sessions).
		Where("status IN (?)", bun.In([]SessionStatus{SessionStatusActive, SessionStatusIdle})).
		Where("last_activity_at < ?", cutoff).
		OrderExpr("last_activity_at ASC").
		Scan(ctx())
	return sessions, err
}

// ListIdleCandidates returns active sessions with no traffic since the
// cutoff, eligible to be marked idle.
func (db *DB) ListIdleCandidates(cutoff time.Time) ([]Session, error) {
	var sessions []Session
	err := db.bun.NewSelect().Model(&sessions).
		Where("status = ?", SessionStatusActive).
		Where("last_activity_at < ?", cutoff).
		Scan(ctx())
	return sessions, err
}
