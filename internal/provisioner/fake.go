package provisioner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeProvisioner is an in-memory backend for tests and local development.
// Failures and latencies are injectable per operation.
type FakeProvisioner struct {
	mu        sync.Mutex
	instances map[string]*fakeInstance
	seq       int

	// CreateErr, when set, fails Create without recording an instance.
	CreateErr error
	// CreateErrAfterHandle, when set, records the instance and then fails,
	// simulating a provider that returns a handle before failing downstream.
	CreateErrAfterHandle error
	// DeleteErr, when set, fails Delete (the instance is kept).
	DeleteErr error
	// StatusErr, when set, fails GetStatus.
	StatusErr error
	// LogsErr, when set, fails GetLogs.
	LogsErr error
	// CreateDelay simulates slow provisioning; Create honors ctx cancellation.
	CreateDelay time.Duration
	// Bytes is reported as BytesTransferred for every instance.
	Bytes int64
}

type fakeInstance struct {
	ref     string
	deleted bool
}

// NewFakeProvisioner creates an empty fake backend.
func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{instances: make(map[string]*fakeInstance)}
}

// Type returns the backend type.
func (p *FakeProvisioner) Type() Type { return TypeFake }

// Create records an in-memory instance.
func (p *FakeProvisioner) Create(ctx context.Context, spec *InstanceSpec) (*Instance, error) {
	if p.CreateDelay > 0 {
		select {
		case <-time.After(p.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}

	p.mu.Lock()
	p.seq++
	ref := fmt.Sprintf("fake-instance-%s-%d", spec.SessionID, p.seq)
	p.instances[ref] = &fakeInstance{ref: ref}
	p.mu.Unlock()

	if p.CreateErrAfterHandle != nil {
		return &Instance{Ref: ref}, p.CreateErrAfterHandle
	}
	return &Instance{Ref: ref, IP: "10.0.0.2"}, nil
}

// Delete marks the instance deleted; deleting an unknown ref succeeds.
func (p *FakeProvisioner) Delete(ctx context.Context, ref string) error {
	if p.DeleteErr != nil {
		return p.DeleteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[ref]; ok {
		inst.deleted = true
	}
	return nil
}

// WaitForReady succeeds immediately for live instances.
func (p *FakeProvisioner) WaitForReady(ctx context.Context, ref string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[ref]; !ok || inst.deleted {
		return ErrNotFound
	}
	return nil
}

// GetStatus reports running with the configured byte count.
func (p *FakeProvisioner) GetStatus(ctx context.Context, ref string) (*InstanceStatus, error) {
	if p.StatusErr != nil {
		return nil, p.StatusErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[ref]
	if !ok || inst.deleted {
		return &InstanceStatus{Phase: PhaseNotFound, BytesTransferred: -1}, ErrNotFound
	}
	return &InstanceStatus{Phase: PhaseRunning, IP: "10.0.0.2", BytesTransferred: p.Bytes}, nil
}

// GetLogs returns a canned log line carrying the byte counter.
func (p *FakeProvisioner) GetLogs(ctx context.Context, ref string) (string, error) {
	if p.LogsErr != nil {
		return "", p.LogsErr
	}
	return fmt.Sprintf("wireguard up\nbytes-transferred=%d\n", p.Bytes), nil
}

// Healthy always returns true.
func (p *FakeProvisioner) Healthy(ctx context.Context) bool { return true }

// Close is a no-op.
func (p *FakeProvisioner) Close() error { return nil }

// Live returns the number of instances created and not deleted. Test helper.
func (p *FakeProvisioner) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, inst := range p.instances {
		if !inst.deleted {
			n++
		}
	}
	return n
}

// Deleted reports whether the ref was deleted. Test helper.
func (p *FakeProvisioner) Deleted(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[ref]
	return ok && inst.deleted
}
