// Package audit records session lifecycle events. Event recording is
// best-effort: a write failure is logged and never blocks or fails the
// operation that produced the event.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/burrowvpn/burrow/internal/db"
)

// Event types emitted by the session lifecycle.
const (
	EventSessionRequested   = "session.requested"
	EventSessionProvisioned = "session.provisioned"
	EventSessionFailed      = "session.failed"
	EventSessionIdle        = "session.idle"
	EventSessionResumed     = "session.resumed"
	EventSessionTerminated  = "session.terminated"
	EventSessionReaped      = "session.reaped"
	EventAdmissionRejected  = "admission.rejected"
)

// Recorder writes audit events to the database.
type Recorder struct {
	db *db.DB
}

// NewRecorder creates a Recorder backed by the given database.
func NewRecorder(database *db.DB) *Recorder {
	return &Recorder{db: database}
}

// Entry describes one audit event before it is assigned an event ID and
// timestamp.
type Entry struct {
	EventType string
	Outcome   db.AuditOutcome
	SessionID string
	UserID    string
	Duration  time.Duration
	Metadata  map[string]string
}

// Record persists an audit event. Failures are logged, not returned.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	event := &db.AuditEvent{
		EventID:    uuid.New().String(),
		EventType:  entry.EventType,
		Outcome:    entry.Outcome,
		SessionID:  entry.SessionID,
		UserID:     entry.UserID,
		Timestamp:  time.Now().UTC(),
		DurationMs: entry.Duration.Milliseconds(),
		Metadata:   entry.Metadata,
	}
	if err := r.db.InsertAuditEvent(event); err != nil {
		slog.Warn("Audit: failed to record event",
			"event_type", entry.EventType,
			"session_id", entry.SessionID,
			"error", err)
	}
}

// Success records a successful event.
func (r *Recorder) Success(ctx context.Context, eventType, sessionID, userID string, duration time.Duration, metadata map[string]string) {
	r.Record(ctx, Entry{
		EventType: eventType,
		Outcome:   db.AuditOutcomeSuccess,
		SessionID: sessionID,
		UserID:    userID,
		Duration:  duration,
		Metadata:  metadata,
	})
}

// Failure records a failed event.
func (r *Recorder) Failure(ctx context.Context, eventType, sessionID, userID string, duration time.Duration, metadata map[string]string) {
	r.Record(ctx, Entry{
		EventType: eventType,
		Outcome:   db.AuditOutcomeFailure,
		SessionID: sessionID,
		UserID:    userID,
		Duration:  duration,
		Metadata:  metadata,
	})
}

// Query returns audit events matching the filter.
func (r *Recorder) Query(filter db.AuditEventFilter) ([]db.AuditEvent, error) {
	return r.db.QueryAuditEvents(filter)
}
