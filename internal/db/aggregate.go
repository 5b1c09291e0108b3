package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
)

// aggregateStateID is the primary key of the singleton aggregate row,
// created by the baseline migration.
const aggregateStateID = 1

// AggregateState is the process-wide admission counter. activeSessionCount
// equals the number of sessions in a non-terminal state at any
// storage-consistent snapshot; every change goes through a compare-and-swap
// on the version column.
type AggregateState struct {
	bun.BaseModel `bun:"table:aggregate_state"`

	ID                    int64 `json:"-" bun:"id,pk"`
	ActiveSessionCount    int   `json:"active_session_count" bun:"active_session_count,notnull"`
	TotalBytesTransferred int64 `json:"total_bytes_transferred" bun:"total_bytes_transferred,notnull"`
	Version               int64 `json:"version" bun:"version,notnull"`
}

// GetAggregateState returns the singleton aggregate record.
func (db *DB) GetAggregateState() (*AggregateState, error) {
	var agg AggregateState
	err := db.bun.NewSelect().Model(&agg).Where("id = ?", aggregateStateID).Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("aggregate state row missing: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// UpdateAggregateState persists the aggregate conditionally on
// expectedVersion, returning ErrStaleVersion on a lost race.
func (db *DB) UpdateAggregateState(agg *AggregateState, expectedVersion int64) error {
	next := expectedVersion + 1
	result, err := db.bun.NewUpdate().Model((*AggregateState)(nil)).
		Set("active_session_count = ?", agg.ActiveSessionCount).
		Set("total_bytes_transferred = ?", agg.TotalBytesTransferred).
		Set("version = ?", next).
		Where("id = ?", aggregateStateID).
		Where("version = ?", expectedVersion).
		Exec(ctx())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStaleVersion
	}
	agg.Version = next
	return nil
}
