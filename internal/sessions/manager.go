// Package sessions implements the session lifecycle orchestrator: the
// state machine governing a session's life, admission control bounding
// simultaneous instances, the provision/deprovision workflows coordinating
// the compute provisioner and the secret store, and the idle-reaping sweep
// that reclaims abandoned sessions.
//
// The orchestrator is invoked by many concurrent request handlers with no
// shared in-process state; all coordination goes through the durable store
// via optimistic concurrency (read version, compute, conditional write,
// retry on conflict).
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/burrowvpn/burrow/internal/audit"
	"github.com/burrowvpn/burrow/internal/configstore"
	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/provisioner"
	"github.com/burrowvpn/burrow/internal/secrets"
)

// Default operation budgets. Exceeding a budget fails that step; it never
// leaves a workflow hanging.
const (
	DefaultProvisionTimeout   = 2 * time.Minute
	DefaultDeprovisionTimeout = 1 * time.Minute
	DefaultFetchTimeout       = 10 * time.Second
	DefaultConfigTTL          = 24 * time.Hour
)

// Options configures a Manager.
type Options struct {
	// GlobalCap bounds concurrent non-terminal sessions. 0 disables the
	// global check; the one-session-per-user rule always applies.
	GlobalCap int

	// ProvisionTimeout bounds provisioner.Create plus readiness.
	ProvisionTimeout time.Duration

	// DeprovisionTimeout bounds the provider-facing part of deprovisioning.
	DeprovisionTimeout time.Duration

	// FetchTimeout bounds best-effort status and log fetches.
	FetchTimeout time.Duration

	// Image is the VPN server image used when a request does not name one.
	Image string

	// ListenPort is the WireGuard listen port inside the instance.
	ListenPort int

	// ConfigTTL is how long an unconsumed client config artifact stays
	// retrievable before its row expires.
	ConfigTTL time.Duration

	// DNS, when set, is written into rendered client configs.
	DNS string
}

func (o Options) withDefaults() Options {
	if o.ProvisionTimeout <= 0 {
		o.ProvisionTimeout = DefaultProvisionTimeout
	}
	if o.DeprovisionTimeout <= 0 {
		o.DeprovisionTimeout = DefaultDeprovisionTimeout
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.ConfigTTL <= 0 {
		o.ConfigTTL = DefaultConfigTTL
	}
	if o.Image == "" {
		o.Image = provisioner.DefaultVPNImage
	}
	if o.ListenPort == 0 {
		o.ListenPort = 51820
	}
	return o
}

// Manager is the orchestrator-facing API consumed by the HTTP layer and
// the idle reaper.
type Manager struct {
	db        *db.DB
	compute   provisioner.Provisioner
	secrets   *secrets.Manager
	artifacts configstore.ArtifactStore
	quota     *QuotaGuard
	audit     *audit.Recorder
	opts      Options
}

// NewManager wires the orchestrator together.
func NewManager(database *db.DB, compute provisioner.Provisioner, secretMgr *secrets.Manager, artifacts configstore.ArtifactStore, recorder *audit.Recorder, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		db:        database,
		compute:   compute,
		secrets:   secretMgr,
		artifacts: artifacts,
		quota:     NewQuotaGuard(database, opts.GlobalCap),
		audit:     recorder,
		opts:      opts,
	}
}

// GetSession returns the session by id. When userID is non-empty the
// session must belong to that user; an unowned session reports NotFound
// rather than leaking its existence.
func (m *Manager) GetSession(ctx context.Context, sessionID, userID string) (*db.Session, error) {
	if sessionID == "" {
		return nil, &ValidationError{Field: "sessionId", Detail: "must not be empty"}
	}
	session, err := m.db.GetSession(sessionID)
	if err != nil {
		return nil, &InternalError{Op: "get session", Err: err}
	}
	if session == nil || (userID != "" && session.UserID != userID) {
		return nil, &NotFoundError{SessionID: sessionID}
	}
	return session, nil
}

// ListSessions returns all sessions owned by the user, or every session
// when userID is empty.
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]db.Session, error) {
	var (
		list []db.Session
		err  error
	)
	if userID == "" {
		list, err = m.db.ListNonTerminalSessions()
	} else {
		list, err = m.db.ListSessionsByUser(userID)
	}
	if err != nil {
		return nil, &InternalError{Op: "list sessions", Err: err}
	}
	return list, nil
}

// Load returns the aggregate admission counters.
func (m *Manager) Load(ctx context.Context) (*db.AggregateState, error) {
	agg, err := m.db.GetAggregateState()
	if err != nil {
		return nil, &InternalError{Op: "load", Err: err}
	}
	return agg, nil
}

// Healthy reports whether the store and the compute backend respond.
func (m *Manager) Healthy(ctx context.Context) bool {
	if err := m.db.Ping(); err != nil {
		return false
	}
	return m.compute.Healthy(ctx)
}

// persistTransition advances the session to the target state through the
// state machine and persists it with a version guard, retrying lost races
// against the freshly re-read record. The returned session is the stored
// copy. A ConflictError from the state machine is returned as-is; the
// caller decides whether it is benign.
func (m *Manager) persistTransition(ctx context.Context, sessionID string, to db.SessionStatus, mutate func(*db.Session)) (*db.Session, error) {
	var lastErr error
	for attempt := 0; attempt < DefaultCASRetries; attempt++ {
		if attempt > 0 {
			casBackoff(ctx, attempt)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := m.db.GetSession(sessionID)
		if err != nil {
			return nil, &InternalError{Op: "persist transition", Err: err}
		}
		if current == nil {
			return nil, &NotFoundError{SessionID: sessionID}
		}

		next, err := Transition(current, to, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if next == current {
			// Idempotent terminal no-op; nothing to write.
			return current, nil
		}
		if mutate != nil {
			mutate(next)
		}

		err = m.db.UpdateSession(next, current.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, db.ErrStaleVersion) {
			return nil, &InternalError{Op: "persist transition", Err: err}
		}
		lastErr = err
	}
	return nil, &ConflictError{
		SessionID: sessionID,
		Detail:    "version conflict persisted across retries: " + lastErr.Error(),
	}
}
