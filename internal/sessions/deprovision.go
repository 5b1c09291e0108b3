package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/burrowvpn/burrow/internal/audit"
	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/provisioner"
)

// stepResult records the outcome of one best-effort deprovision sub-step.
// Failures are folded into the final audit event, never propagated.
type stepResult struct {
	name string
	err  error
}

// stepResults accumulates sub-step outcomes across the workflow.
type stepResults []stepResult

func (r *stepResults) record(name string, err error) {
	*r = append(*r, stepResult{name: name, err: err})
	if err != nil {
		slog.Warn("deprovision sub-step failed", "step", name, "error", err)
	}
}

// failed returns the names of sub-steps that failed, comma-separated, or
// "" when everything succeeded.
func (r stepResults) failed() string {
	out := ""
	for _, res := range r {
		if res.err != nil {
			if out != "" {
				out += ","
			}
			out += res.name
		}
	}
	return out
}

// RequestDeprovision stops a session and reclaims its resources. Cleanup
// sub-steps are best-effort: their failures are logged and recorded in the
// audit event, but the session always reaches TERMINATED, because a
// session stuck in TERMINATING blocks quota release indefinitely.
//
// A stop on an already-terminal session returns the existing record with
// no new side effects. When userID is non-empty the session must belong to
// that user. Force extends the stoppable set to sessions still
// provisioning; a session still REQUESTED has nothing to tear down and
// stays owned by its provisioning workflow.
func (m *Manager) RequestDeprovision(ctx context.Context, sessionID, userID string, force bool) (*db.Session, error) {
	session, err := m.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	start := time.Now().UTC()

	// Step 1: validate stoppability. Terminal is an idempotent success.
	if session.IsTerminal() {
		return session, nil
	}
	if !stoppable(session.Status, force) {
		return nil, &ConflictError{
			SessionID: session.ID,
			Status:    session.Status,
			Detail:    "session is not stoppable in its current state",
		}
	}

	// Step 2: move to TERMINATING. Losing this race to another stop is
	// fine; the winner runs the cleanup.
	session, err = m.persistTransition(ctx, session.ID, db.SessionStatusTerminating, nil)
	if err != nil {
		return nil, err
	}
	if session.Status != db.SessionStatusTerminating {
		// Idempotent no-op: another worker already finished.
		return session, nil
	}

	var results stepResults
	provCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.DeprovisionTimeout)
	defer cancel()

	// Step 3: best-effort final byte counter from the instance. A failed
	// fetch leaves bytesTransferred at its last recorded value.
	finalBytes := session.BytesTransferred
	if session.InstanceRef != "" {
		bytes, err := m.fetchFinalBytes(provCtx, session.InstanceRef)
		results.record("fetch_metrics", err)
		if err == nil && bytes > finalBytes {
			finalBytes = bytes
		}
	}

	// Step 4: best-effort instance deletion. Absent instances delete
	// cleanly; provider errors do not stall termination.
	if session.InstanceRef != "" {
		results.record("delete_instance", m.compute.Delete(provCtx, session.InstanceRef))
	}

	// Step 5: TERMINATING -> TERMINATED with the final byte counter. This
	// write must land; sub-step failures above never block it.
	session, err = m.persistTransition(context.WithoutCancel(ctx), session.ID, db.SessionStatusTerminated, func(s *db.Session) {
		s.BytesTransferred = finalBytes
	})
	if err != nil {
		return nil, &InternalError{Op: "terminate session", Err: fmt.Errorf("session stuck in TERMINATING: %w", err)}
	}

	// Step 6: best-effort client config expiry and artifact removal.
	m.expireClientConfig(session.ID, &results)

	// Step 7: give the admission slot back, folding the final bytes into
	// the aggregate total.
	m.releaseQuota(ctx, session.ID, finalBytes)

	// Step 8: best-effort credential cleanup.
	results.record("cleanup_secrets", m.secrets.CleanupSessionSecrets(provCtx, session.ID))

	// Step 9: success audit event regardless of sub-step failures.
	duration := session.TerminatedAt.Sub(session.CreatedAt)
	metadata := map[string]string{
		"bytes_transferred": strconv.FormatInt(finalBytes, 10),
		"duration":          duration.String(),
	}
	if failedSteps := results.failed(); failedSteps != "" {
		metadata["failed_steps"] = failedSteps
	}
	m.audit.Success(ctx, audit.EventSessionTerminated, session.ID, session.UserID, time.Since(start), metadata)

	slog.Info("session terminated",
		"session_id", session.ID,
		"user_id", session.UserID,
		"bytes_transferred", finalBytes,
		"session_duration", duration.String(),
		"failed_steps", results.failed())
	return session, nil
}

// stoppable reports whether a stop request may act on the status. Force
// additionally covers sessions whose provisioning is still in flight.
func stoppable(status db.SessionStatus, force bool) bool {
	switch status {
	case db.SessionStatusActive, db.SessionStatusIdle:
		return true
	case db.SessionStatusProvisioning:
		return force
	default:
		return false
	}
}

// fetchFinalBytes asks the provider for the instance's cumulative byte
// counter, falling back to parsing it from the logs.
func (m *Manager) fetchFinalBytes(ctx context.Context, ref string) (int64, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	status, err := m.compute.GetStatus(fetchCtx, ref)
	if err == nil && status.BytesTransferred >= 0 {
		return status.BytesTransferred, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 0, err
	}

	logs, logsErr := m.compute.GetLogs(fetchCtx, ref)
	if logsErr != nil {
		if err != nil {
			return 0, err
		}
		return 0, logsErr
	}
	bytes, ok := provisioner.ParseBytesFromLogs(logs)
	if !ok {
		return 0, fmt.Errorf("byte counter not reported by status or logs")
	}
	return bytes, nil
}

// expireClientConfig marks the client config row expired and deletes the
// stored artifact. Both halves are best-effort.
func (m *Manager) expireClientConfig(sessionID string, results *stepResults) {
	cfg, err := m.db.GetClientConfig(sessionID)
	if err != nil {
		results.record("expire_client_config", err)
		return
	}
	if cfg == nil {
		results.record("expire_client_config", nil)
		return
	}

	expireErr := m.db.ExpireClientConfig(sessionID, time.Now().UTC())
	var artifactErr error
	if cfg.ArtifactPath != "" {
		artifactErr = m.artifacts.Delete(cfg.ArtifactPath)
	}
	if expireErr != nil {
		results.record("expire_client_config", expireErr)
	} else {
		results.record("expire_client_config", artifactErr)
	}
}
