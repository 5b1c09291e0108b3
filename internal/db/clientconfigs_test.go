package db_test

import (
	"testing"
	"time"

	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/db/dbtest"
)

func TestClientConfigLifecycle(t *testing.T) {
	database := dbtest.NewTestDB(t)
	now := time.Now().UTC()

	cfg := &db.ClientConfig{
		SessionID:    "sess-1",
		ArtifactPath: "sess-1.conf",
		ExpiresAt:    now.Add(24 * time.Hour),
		CreatedAt:    now,
	}
	if err := database.CreateClientConfig(cfg); err != nil {
		t.Fatalf("CreateClientConfig: %v", err)
	}

	got, err := database.GetClientConfig("sess-1")
	if err != nil {
		t.Fatalf("GetClientConfig: %v", err)
	}
	if got == nil || got.ArtifactPath != "sess-1.conf" {
		t.Fatalf("GetClientConfig = %+v, want stored config", got)
	}
	if got.Expired(now) {
		t.Error("config expired before its expiry time")
	}

	if err := database.ExpireClientConfig("sess-1", now); err != nil {
		t.Fatalf("ExpireClientConfig: %v", err)
	}
	got, err = database.GetClientConfig("sess-1")
	if err != nil {
		t.Fatalf("GetClientConfig: %v", err)
	}
	if !got.Expired(now) {
		t.Error("config still valid after ExpireClientConfig")
	}

	if err := database.DeleteClientConfig("sess-1"); err != nil {
		t.Fatalf("DeleteClientConfig: %v", err)
	}
	got, err = database.GetClientConfig("sess-1")
	if err != nil {
		t.Fatalf("GetClientConfig: %v", err)
	}
	if got != nil {
		t.Errorf("config still present after delete: %+v", got)
	}
}

func TestClientConfigMissingRowsAreNoOps(t *testing.T) {
	database := dbtest.NewTestDB(t)

	if err := database.ExpireClientConfig("absent", time.Now().UTC()); err != nil {
		t.Errorf("ExpireClientConfig on absent row: %v", err)
	}
	if err := database.DeleteClientConfig("absent"); err != nil {
		t.Errorf("DeleteClientConfig on absent row: %v", err)
	}
	got, err := database.GetClientConfig("absent")
	if err != nil {
		t.Fatalf("GetClientConfig: %v", err)
	}
	if got != nil {
		t.Errorf("GetClientConfig for absent row = %+v, want nil", got)
	}
}
