package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/burrowvpn/burrow/internal/audit"
	"github.com/burrowvpn/burrow/internal/db"
)

// RecordActivity applies a traffic heartbeat to the session: bumps
// lastActivityAt, folds the byte delta into the monotonic counter, and
// moves an IDLE session back to ACTIVE. This is the signal the idle
// reaper's inactivity clock runs on.
func (m *Manager) RecordActivity(ctx context.Context, sessionID, userID string, byteDelta int64) (*db.Session, error) {
	if byteDelta < 0 {
		return nil, &ValidationError{Field: "byteDelta", Detail: "must be non-negative"}
	}

	var lastErr error
	for attempt := 0; attempt < DefaultCASRetries; attempt++ {
		if attempt > 0 {
			casBackoff(ctx, attempt)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		session, err := m.GetSession(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}

		switch session.Status {
		case db.SessionStatusActive, db.SessionStatusIdle:
		default:
			return nil, &ConflictError{
				SessionID: session.ID,
				Status:    session.Status,
				Detail:    "session is not accepting traffic",
			}
		}

		now := time.Now().UTC()
		next := session.Clone()
		if session.Status == db.SessionStatusIdle {
			// Traffic resumed; Transition stamps lastActivityAt itself.
			next, err = Transition(session, db.SessionStatusActive, now)
			if err != nil {
				return nil, err
			}
		}
		next.LastActivityAt = now
		next.BytesTransferred += byteDelta

		err = m.db.UpdateSession(next, session.Version)
		if err == nil {
			if session.Status == db.SessionStatusIdle {
				m.audit.Success(ctx, audit.EventSessionResumed, next.ID, next.UserID, 0, nil)
			}
			return next, nil
		}
		if !errors.Is(err, db.ErrStaleVersion) {
			return nil, &InternalError{Op: "record activity", Err: err}
		}
		lastErr = err
	}
	return nil, &ConflictError{
		SessionID: sessionID,
		Detail:    "version conflict persisted across retries: " + lastErr.Error(),
	}
}
