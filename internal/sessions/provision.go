package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/burrowvpn/burrow/internal/audit"
	"github.com/burrowvpn/burrow/internal/configstore"
	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/provisioner"
	"github.com/burrowvpn/burrow/internal/secrets"
)

// ProvisionSpec carries the caller-supplied parts of a provisioning
// request. Zero values fall back to the manager's configured defaults.
type ProvisionSpec struct {
	Image string
}

// RequestProvision admits, creates, and activates a new session for the
// user. On provider failure the session moves to FAILED, the quota slot is
// released, and the error is returned; any compute handle obtained before
// the failure is recorded on the session so nothing is left unreferenced.
func (m *Manager) RequestProvision(ctx context.Context, userID string, spec ProvisionSpec) (*db.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &ValidationError{Field: "userId", Detail: "must not be empty"}
	}
	start := time.Now().UTC()

	// Step 1: admission. A rejection has no side effects to unwind.
	if err := m.quota.Admit(ctx, userID); err != nil {
		var admission *AdmissionError
		if errors.As(err, &admission) {
			m.audit.Failure(ctx, audit.EventAdmissionRejected, "", userID, time.Since(start),
				map[string]string{"reason": string(admission.Reason)})
		}
		return nil, err
	}

	// Step 2: create the session record in REQUESTED.
	session := &db.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		Status:         db.SessionStatusRequested,
		CreatedAt:      start,
		LastActivityAt: start,
	}
	if err := m.db.CreateSession(session); err != nil {
		m.releaseQuota(ctx, session.ID, 0)
		if errors.Is(err, db.ErrConflict) {
			// Another worker inserted a session for this user between the
			// admission check and our insert; the schema's one-live-session
			// index caught it. Same outcome as losing at admission.
			m.audit.Failure(ctx, audit.EventAdmissionRejected, "", userID, time.Since(start),
				map[string]string{"reason": string(ReasonDuplicateSession)})
			return nil, &AdmissionError{
				Reason: ReasonDuplicateSession,
				UserID: userID,
				Detail: "user already has a non-terminal session",
			}
		}
		return nil, &InternalError{Op: "create session", Err: err}
	}
	m.audit.Success(ctx, audit.EventSessionRequested, session.ID, userID, time.Since(start), nil)

	// Step 3: REQUESTED -> PROVISIONING. Failing here means the store is
	// unhealthy; there is no FAILED edge from REQUESTED, so give the slot
	// back and surface the error.
	provisioning, err := m.persistTransition(ctx, session.ID, db.SessionStatusProvisioning, nil)
	if err != nil {
		m.releaseQuota(ctx, session.ID, 0)
		m.audit.Failure(ctx, audit.EventSessionFailed, session.ID, userID, time.Since(start),
			map[string]string{"error": err.Error()})
		return nil, err
	}
	session = provisioning

	// Credentials before compute: the instance mounts the server key by
	// reference, so it must exist first.
	keys, err := m.secrets.IssueSessionKeys(ctx, session.ID)
	if err != nil {
		perr := &ProviderError{Op: "issue session keys", Err: err}
		m.failProvision(ctx, session.ID, userID, "", start, perr)
		return nil, perr
	}

	// Step 4: create the compute instance within the provisioning budget.
	provCtx, cancel := context.WithTimeout(ctx, m.opts.ProvisionTimeout)
	defer cancel()

	image := spec.Image
	if image == "" {
		image = m.opts.Image
	}
	inst, err := m.compute.Create(provCtx, &provisioner.InstanceSpec{
		SessionID:    session.ID,
		UserID:       userID,
		Image:        image,
		ListenPort:   m.opts.ListenPort,
		ServerKeyRef: keys.ServerKeyRef,
	})
	if err != nil {
		// The provider may have handed back a handle before failing; the
		// handle must be recorded so the instance is never unreferenced.
		ref := ""
		if inst != nil {
			ref = inst.Ref
		}
		perr := &ProviderError{Op: "create instance", Err: err}
		m.failProvision(ctx, session.ID, userID, ref, start, perr)
		return nil, perr
	}

	if err := m.compute.WaitForReady(provCtx, inst.Ref, m.opts.ProvisionTimeout); err != nil {
		perr := &ProviderError{Op: "wait for ready", Err: err}
		m.failProvision(ctx, session.ID, userID, inst.Ref, start, perr)
		return nil, perr
	}

	// Render and stash the one-time client config. Best-effort: the tunnel
	// is up either way, and the failure is visible in the logs.
	endpoint := m.instanceEndpoint(ctx, inst)
	m.storeClientConfig(session.ID, keys, endpoint)

	// Step 5: record the handle and go ACTIVE. A stop racing provisioning
	// wins: the terminal-bound state is kept and the fresh instance is
	// cleaned up here, since the racing deprovision had no handle to delete.
	active, err := m.persistTransition(ctx, session.ID, db.SessionStatusActive, func(s *db.Session) {
		s.InstanceRef = inst.Ref
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			slog.Info("provisioning lost race to a stop request, cleaning up instance",
				"session_id", session.ID, "instance_ref", inst.Ref)
			m.recordInstanceRef(ctx, session.ID, inst.Ref)
			m.deleteInstance(ctx, session.ID, inst.Ref)
			if current, gerr := m.db.GetSession(session.ID); gerr == nil && current != nil {
				return current, nil
			}
		}
		return nil, err
	}

	m.audit.Success(ctx, audit.EventSessionProvisioned, session.ID, userID, time.Since(start),
		map[string]string{"instance_ref": inst.Ref})
	slog.Info("session provisioned",
		"session_id", session.ID,
		"user_id", userID,
		"instance_ref", inst.Ref,
		"took", time.Since(start).String())
	return active, nil
}

// failProvision drives the session to FAILED, releases the admission slot,
// and emits the failure audit event. Any compute handle is recorded first
// and the instance deleted best-effort, because FAILED is terminal and no
// later workflow will revisit it.
func (m *Manager) failProvision(ctx context.Context, sessionID, userID, ref string, start time.Time, cause error) {
	if ref != "" {
		m.recordInstanceRef(ctx, sessionID, ref)
		m.deleteInstance(ctx, sessionID, ref)
	}

	if _, err := m.persistTransition(ctx, sessionID, db.SessionStatusFailed, nil); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			// A concurrent stop moved the session terminal-ward; that path
			// owns the remaining cleanup, including quota release.
			slog.Info("provisioning failure superseded by concurrent stop", "session_id", sessionID)
			return
		}
		slog.Error("failed to mark session FAILED", "session_id", sessionID, "error", err)
	}

	// Credentials issued for the session are reclaimed here too.
	if err := m.secrets.CleanupSessionSecrets(context.WithoutCancel(ctx), sessionID); err != nil {
		slog.Warn("failed to clean up secrets for failed session",
			"session_id", sessionID, "error", err)
	}

	m.releaseQuota(ctx, sessionID, 0)
	m.audit.Failure(ctx, audit.EventSessionFailed, sessionID, userID, time.Since(start),
		map[string]string{"error": cause.Error()})
	slog.Warn("session provisioning failed",
		"session_id", sessionID,
		"user_id", userID,
		"error", cause)
}

// recordInstanceRef persists the compute handle on the session record
// without a state transition, retrying version conflicts.
func (m *Manager) recordInstanceRef(ctx context.Context, sessionID, ref string) {
	for attempt := 0; attempt < DefaultCASRetries; attempt++ {
		if attempt > 0 {
			casBackoff(ctx, attempt)
		}
		current, err := m.db.GetSession(sessionID)
		if err != nil || current == nil {
			slog.Error("failed to load session for instance ref recording",
				"session_id", sessionID, "instance_ref", ref, "error", err)
			return
		}
		if current.InstanceRef == ref {
			return
		}
		next := current.Clone()
		next.InstanceRef = ref
		err = m.db.UpdateSession(next, current.Version)
		if err == nil {
			return
		}
		if !errors.Is(err, db.ErrStaleVersion) {
			slog.Error("failed to record instance ref",
				"session_id", sessionID, "instance_ref", ref, "error", err)
			return
		}
	}
	slog.Error("gave up recording instance ref after retries",
		"session_id", sessionID, "instance_ref", ref)
}

// deleteInstance best-effort deletes a compute instance.
func (m *Manager) deleteInstance(ctx context.Context, sessionID, ref string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.DeprovisionTimeout)
	defer cancel()
	if err := m.compute.Delete(delCtx, ref); err != nil {
		slog.Warn("failed to delete compute instance",
			"session_id", sessionID, "instance_ref", ref, "error", err)
	}
}

// releaseQuota returns an admission slot, logging loudly on failure since
// a lost release permanently shrinks capacity.
func (m *Manager) releaseQuota(ctx context.Context, sessionID string, bytes int64) {
	if err := m.quota.Release(context.WithoutCancel(ctx), bytes); err != nil {
		slog.Error("quota release failed; capacity may leak",
			"session_id", sessionID, "error", err)
	}
}

// instanceEndpoint resolves the client-facing host:port of the instance,
// preferring the status-reported IP over the create-time one.
func (m *Manager) instanceEndpoint(ctx context.Context, inst *provisioner.Instance) string {
	ip := inst.IP
	statusCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()
	if status, err := m.compute.GetStatus(statusCtx, inst.Ref); err == nil && status.IP != "" {
		ip = status.IP
	}
	if ip == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", ip, m.opts.ListenPort)
}

// storeClientConfig renders the WireGuard client config, saves the
// artifact, and records the client_configs row. Failures are logged only.
func (m *Manager) storeClientConfig(sessionID string, keys *secrets.SessionKeys, endpoint string) {
	if endpoint == "" {
		slog.Warn("skipping client config: instance has no address", "session_id", sessionID)
		return
	}
	rendered, err := configstore.RenderClientConfig(configstore.ClientConfigParams{
		ClientPrivateKey: keys.ClientPrivateKey,
		ServerPublicKey:  keys.ServerPublicKey,
		ServerEndpoint:   endpoint,
		DNS:              m.opts.DNS,
	})
	if err != nil {
		slog.Warn("failed to render client config", "session_id", sessionID, "error", err)
		return
	}
	path, err := m.artifacts.Save(sessionID, strings.NewReader(rendered))
	if err != nil {
		slog.Warn("failed to store client config artifact", "session_id", sessionID, "error", err)
		return
	}
	now := time.Now().UTC()
	err = m.db.CreateClientConfig(&db.ClientConfig{
		SessionID:    sessionID,
		ArtifactPath: path,
		ExpiresAt:    now.Add(m.opts.ConfigTTL),
		CreatedAt:    now,
	})
	if err != nil {
		slog.Warn("failed to record client config", "session_id", sessionID, "error", err)
	}
}
