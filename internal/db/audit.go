package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// AuditOutcome classifies an audit event.
type AuditOutcome string

const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
)

// AuditEvent is an append-only record of an orchestrator operation. Events
// are never mutated; they are deleted only by the retention sweep.
type AuditEvent struct {
	bun.BaseModel `bun:"table:audit_events"`

	ID         int64        `json:"-" bun:"id,pk,autoincrement"`
	EventID    string       `json:"event_id" bun:"event_id,notnull"`
	EventType  string       `json:"event_type" bun:"event_type,notnull"`
	Outcome    AuditOutcome `json:"outcome" bun:"outcome,notnull"`
	SessionID  string       `json:"session_id,omitempty" bun:"session_id"`
	UserID     string       `json:"user_id,omitempty" bun:"user_id"`
	Timestamp  time.Time    `json:"timestamp" bun:"timestamp,notnull"`
	DurationMs int64        `json:"duration_ms,omitempty" bun:"duration_ms"`

	Metadata map[string]string `json:"metadata,omitempty" bun:"-"`

	// JSON-serialized DB column
	MetadataJSON string `json:"-" bun:"metadata"`
}

// InsertAuditEvent appends an event, serializing its metadata.
func (db *DB) InsertAuditEvent(event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		event.MetadataJSON = string(data)
	}
	_, err := db.bun.NewInsert().Model(event).Exec(ctx())
	return err
}

// AuditEventFilter narrows QueryAuditEvents results. Zero values match all.
type AuditEventFilter struct {
	SessionID string
	UserID    string
	EventType string
	Limit     int
}

// QueryAuditEvents returns matching events, newest first.
func (db *DB) QueryAuditEvents(filter AuditEventFilter) ([]AuditEvent, error) {
	q := db.bun.NewSelect().Model((*AuditEvent)(nil)).OrderExpr("timestamp DESC")
	if filter.SessionID != "" {
		q = q.Where("session_id = ?", filter.SessionID)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q = q.Limit(limit)

	var events []AuditEvent
	if err := q.Scan(ctx(), &events); err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].MetadataJSON != "" {
			if err := json.Unmarshal([]byte(events[i].MetadataJSON), &events[i].Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
			}
		}
	}
	return events, nil
}

// PurgeAuditEventsBefore deletes events older than the cutoff and returns
// the number removed. Used only by the retention sweep.
func (db *DB) PurgeAuditEventsBefore(cutoff time.Time) (int64, error) {
	result, err := db.bun.NewDelete().Model((*AuditEvent)(nil)).
		Where("timestamp < ?", cutoff).
		Exec(ctx())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
