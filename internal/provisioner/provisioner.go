// Package provisioner provides a pluggable interface for compute backends
// that host VPN server workloads. It abstracts the details of creating and
// tearing down instances so the session orchestrator is not coupled to a
// specific infrastructure provider.
package provisioner

import (
	"context"
	"errors"
	"time"
)

// Type identifies the compute backend.
type Type string

const (
	TypeKubernetes Type = "kubernetes"
	TypeFake       Type = "fake"
)

// InstanceSpec contains the configuration for creating a VPN instance.
type InstanceSpec struct {
	SessionID     string
	UserID        string
	Image         string
	ListenPort    int
	ServerKeyRef  string // secret reference for the server private key
	CPULimit      string
	MemoryLimit   string
	CPURequest    string
	MemoryRequest string
}

// Instance is the handle to a created compute instance. Ref is opaque to
// callers and stable for the instance's lifetime.
type Instance struct {
	Ref string
	IP  string
}

// Phase describes the coarse runtime state of an instance.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseRunning    Phase = "running"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
	PhaseNotFound   Phase = "not_found"
	PhaseUnknown    Phase = "unknown"
)

// InstanceStatus is a best-effort snapshot of a running instance.
// BytesTransferred is the provider-reported cumulative tunnel byte count;
// -1 means the backend could not determine it.
type InstanceStatus struct {
	Phase            Phase
	IP               string
	BytesTransferred int64
}

// ErrNotFound is returned by GetStatus and GetLogs when the instance does
// not exist. Delete never returns it: deleting an absent instance succeeds.
var ErrNotFound = errors.New("instance not found")

// Provisioner is the pluggable interface for compute backends.
type Provisioner interface {
	// Type returns the backend type.
	Type() Type

	// Create provisions a new instance and returns its handle. The caller
	// bounds the call with a context deadline (the provisioning budget).
	Create(ctx context.Context, spec *InstanceSpec) (*Instance, error)

	// Delete terminates and removes an instance by ref. It MUST be
	// idempotent: deleting a non-existent instance succeeds.
	Delete(ctx context.Context, ref string) error

	// WaitForReady blocks until the instance is serving or the
	// context/timeout expires.
	WaitForReady(ctx context.Context, ref string, timeout time.Duration) error

	// GetStatus returns a best-effort status snapshot.
	GetStatus(ctx context.Context, ref string) (*InstanceStatus, error)

	// GetLogs returns the instance's recent log output, best-effort.
	GetLogs(ctx context.Context, ref string) (string, error)

	// Healthy returns true if the backend is reachable.
	Healthy(ctx context.Context) bool

	// Close releases any resources held by the backend.
	Close() error
}
