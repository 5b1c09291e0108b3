package sessions_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/sessions"
)

func TestRequestDeprovisionHappyPath(t *testing.T) {
	h := newHarness(t, sessions.Options{GlobalCap: 5})
	h.compute.Bytes = 9000
	ctx := context.Background()

	session, err := h.manager.RequestProvision(ctx, "alice", sessions.ProvisionSpec{})
	if err != nil {
		t.Fatalf("RequestProvision: %v", err)
	}

	stopped, err := h.manager.RequestDeprovision(ctx, session.ID, "alice", false)
	if err != nil {
		t.Fatalf("RequestDeprovision: %v", err)
	}
	if stopped.Status != db.SessionStatusTerminated {
		t.Errorf("status = %s, want terminated", stopped.Status)
	}
	if stopped.TerminatedAt == nil {
		t.Error("terminated session has no terminatedAt")
	}
	if stopped.BytesTransferred != 9000 {
		t.Errorf("bytesTransferred = %d, want 9000 from final status fetch", stopped.BytesTransferred)
	}
	if !h.compute.Deleted(session.InstanceRef) {
		t.Error("instance not deleted")
	}

	agg := h.aggregate(t)
	if agg.ActiveSessionCount != 0 {
		t.Errorf("aggregate count = %d, want 0", agg.ActiveSessionCount)
	}
	if agg.TotalBytesTransferred != 9000 {
		t.Errorf("aggregate bytes = %d, want 9000", agg.TotalBytesTransferred)
	}

	// The client config is expired and its artifact gone.
	cfg, err := h.db.GetClientConfig(session.ID)
	if err != nil {
		t.Fatalf("GetClientConfig: %v", err)
	}
	if cfg == nil {
		t.Fatal("client config row removed; deprovision only expires it")
	}
	if !cfg.Expired(time.Now().UTC()) {
		t.Error("client config not expired after deprovision")
	}
	if _, err := h.artifacts.Get(cfg.ArtifactPath); err == nil {
		t.Error("client config artifact still retrievable after deprovision")
	}
}

func TestRequestDeprovisionIdempotent(t *testing.T) {
	h := newHarness(t, sessions.Options{GlobalCap: 5})
	ctx := context.Background()

	session, err := h.manager.RequestProvision(ctx, "alice", sessions.ProvisionSpec{})
	if err != nil {
		t.Fatalf("RequestProvision: %v", err)
	}
	if _, err := h.manager.RequestDeprovision(ctx, session.ID, "alice", false); err != nil {
		t.Fatalf("first RequestDeprovision: %v", err)
	}

	aggBefore := h.aggregate(t)
	again, err := h.manager.RequestDeprovision(ctx, session.ID, "alice", false)
	if err != nil {
		t.Fatalf("second RequestDeprovision: %v", err)
	}
	if again.Status != db.SessionStatusTerminated {
		t.Errorf("status = %s, want terminated", again.Status)
	}
	aggAfter := h.aggregate(t)
	if aggAfter.ActiveSessionCount != aggBefore.ActiveSessionCount ||
		aggAfter.TotalBytesTransferred != aggBefore.TotalBytesTransferred {
		t.Errorf("second stop changed the aggregate: before=%+v after=%+v", aggBefore, aggAfter)
	}
}

func TestRequestDeprovisionStoppability(t *testing.T) {
	h := newHarness(t, sessions.Options{GlobalCap: 5})
	ctx := context.Background()

	tests := []struct {
		name         string
		status       db.SessionStatus
		force        bool
		wantConflict bool
	}{
		{"active", db.SessionStatusActive, false, false},
		{"idle", db.SessionStatusIdle, false, false},
		{"provisioning without force", db.SessionStatusProvisioning, false, true},
		{"provisioning with force", db.SessionStatusProvisioning, true, false},
		{"requested", db.SessionStatusRequested, false, true},
		{"requested with force", db.SessionStatusRequested, true, true},
		{"terminating", db.SessionStatusTerminating, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := h.seedSession(t, "user-"+tt.name, tt.status, "")

			got, err := h.manager.RequestDeprovision(ctx, session.ID, "", tt.force)
			if tt.wantConflict {
				var conflict *sessions.ConflictError
				if !errors.As(err, &conflict) {
					t.Errorf("error = %v, want ConflictError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("RequestDeprovision: %v", err)
			}
			if got.Status != db.SessionStatusTerminated {
				t.Errorf("status = %s, want terminated", got.Status)
			}
		})
	}
}

func TestRequestDeprovisionWrongUser(t *testing.T) {
	h := newHarness(t, sessions.Options{GlobalCap: 5})
	ctx := context.Background()
	session := h.seedSession(t, "alice", db.SessionStatusActive, "")

	_, err := h.manager.RequestDeprovision(ctx, session.ID, "bob", false)
	var notFound *sessions.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("stop by non-owner error = %v, want NotFoundError", err)
	}
}

func TestRequestDeprovisionSurvivesSubStepFailures(t *testing.T) {
	h := newHarness(t, sessions.Options{GlobalCap: 5})
	ctx := context.Background()

	session, err := h.manager.RequestProvision(ctx, "alice", sessions.ProvisionSpec{})
	if err != nil {
		t.Fatalf("RequestProvision: %v", err)
	}

	h.compute.StatusErr = errors.New("status endpoint down")
	h.compute.LogsErr = errors.New("logs endpoint down")
	h.compute.DeleteErr = errors.New("delete forbidden")

	stopped, err := h.manager.RequestDeprovision(ctx, session.ID, "alice", false)
	if err != nil {
		t.Fatalf("RequestDeprovision with failing provider: %v", err)
	}
	if stopped.Status != db.SessionStatusTerminated {
		t.Errorf("status = %s, want terminated despite sub-step failures", stopped.Status)
	}
	if agg := h.aggregate(t); agg.ActiveSessionCount != 0 {
		t.Errorf("aggregate count = %d, want 0: quota release must not depend on cleanup", agg.ActiveSessionCount)
	}
}

func TestRequestDeprovisionBytesFromLogsFallback(t *testing.T) {
	h := newHarness(t, sessions.Options{GlobalCap: 5})
	h.compute.Bytes = 7777
	ctx := context.Background()

	session, err := h.manager.RequestProvision(ctx, "alice", sessions.ProvisionSpec{})
	if err != nil {
		t.Fatalf("RequestProvision: %v", err)
	}

	// Status is unavailable, so the final counter must come out of the logs.
	h.compute.StatusErr = errors.New("status endpoint down")

	stopped, err := h.manager.RequestDeprovision(ctx, session.ID, "alice", false)
	if err != nil {
		t.Fatalf("RequestDeprovision: %v", err)
	}
	if stopped.BytesTransferred != 7777 {
		t.Errorf("bytesTransferred = %d, want 7777 parsed from logs", stopped.BytesTransferred)
	}
}

func TestRequestDeprovisionKeepsMonotonicBytes(t *testing.T) {
	h := newHarness(t, sessions.Options{GlobalCap: 5})
	h.compute.Bytes = 100
	ctx := context.Background()

	session, err := h.manager.RequestProvision(ctx, "alice", sessions.ProvisionSpec{})
	if err != nil {
		t.Fatalf("RequestProvision: %v", err)
	}
	// Heartbeats already reported more than the provider's final counter.
	if _, err := h.manager.RecordActivity(ctx, session.ID, "alice", 5000); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}

	stopped, err := h.manager.RequestDeprovision(ctx, session.ID, "alice", false)
	if err != nil {
		t.Fatalf("RequestDeprovision: %v", err)
	}
	if stopped.BytesTransferred != 5000 {
		t.Errorf("bytesTransferred = %d, want 5000: final fetch must not regress the counter", stopped.BytesTransferred)
	}
}
