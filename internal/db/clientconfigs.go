package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// ClientConfig records the stored client configuration artifact for a
// session (one-to-one). ExpiresAt is forced to "now" the moment the owning
// session leaves the active set; the artifact is deleted only by that
// session's own deprovision step.
type ClientConfig struct {
	bun.BaseModel `bun:"table:client_configs"`

	SessionID    string    `json:"session_id" bun:"session_id,pk"`
	ArtifactPath string    `json:"artifact_path" bun:"artifact_path"`
	ExpiresAt    time.Time `json:"expires_at" bun:"expires_at,notnull"`
	CreatedAt    time.Time `json:"created_at" bun:"created_at,notnull"`
}

// Expired reports whether the config is past its expiry at the given time.
func (c *ClientConfig) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// CreateClientConfig inserts the config record for a session.
func (db *DB) CreateClientConfig(cfg *ClientConfig) error {
	_, err := db.bun.NewInsert().Model(cfg).Exec(ctx())
	return err
}

// GetClientConfig returns the config for a session, or nil if absent.
func (db *DB) GetClientConfig(sessionID string) (*ClientConfig, error) {
	var cfg ClientConfig
	err := db.bun.NewSelect().Model(&cfg).Where("session_id = ?", sessionID).Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ExpireClientConfig sets the config's expiry to the given time. Expiring a
// missing config is a no-op, matching deprovisioning's best-effort contract.
func (db *DB) ExpireClientConfig(sessionID string, at time.Time) error {
	_, err := db.bun.NewUpdate().Model((*ClientConfig)(nil)).
		Set("expires_at = ?", at).
		Where("session_id = ?", sessionID).
		Exec(ctx())
	return err
}

// DeleteClientConfig removes the config row. Deleting a missing row succeeds.
func (db *DB) DeleteClientConfig(sessionID string) error {
	_, err := db.bun.NewDelete().Model((*ClientConfig)(nil)).
		Where("session_id = ?", sessionID).
		Exec(ctx())
	return err
}
