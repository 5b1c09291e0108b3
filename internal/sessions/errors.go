package sessions

import (
	"fmt"

	"github.com/burrowvpn/burrow/internal/db"
)

// AdmissionReason identifies why admission was refused.
type AdmissionReason string

const (
	// ReasonQuotaExceeded means the global non-terminal session cap is full.
	ReasonQuotaExceeded AdmissionReason = "QUOTA_EXCEEDED"

	// ReasonDuplicateSession means the user already has a non-terminal session.
	ReasonDuplicateSession AdmissionReason = "DUPLICATE_SESSION"
)

// ValidationError reports malformed caller input. Never retried.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// NotFoundError reports an unknown or unowned session.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// ConflictError reports an illegal state transition or a stale version.
// Callers may retry after re-reading.
type ConflictError struct {
	SessionID string
	Status    db.SessionStatus
	Detail    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s in state %s: %s", e.SessionID, e.Status, e.Detail)
}

// AdmissionError reports a quota or duplicate-session rejection at
// admission time. The caller retries later or is rejected outright.
type AdmissionError struct {
	Reason AdmissionReason
	UserID string
	Detail string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission refused (%s) for user %s: %s", e.Reason, e.UserID, e.Detail)
}

// ProviderError reports an upstream compute or secret store failure.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// InternalError reports an unexpected failure, surfaced opaquely to callers
// and logged with full context where it occurred.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }
