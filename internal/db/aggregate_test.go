package db_test

import (
	"errors"
	"testing"

	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/db/dbtest"
)

func TestAggregateStateSeeded(t *testing.T) {
	database := dbtest.NewTestDB(t)

	agg, err := database.GetAggregateState()
	if err != nil {
		t.Fatalf("GetAggregateState: %v", err)
	}
	if agg.ActiveSessionCount != 0 || agg.TotalBytesTransferred != 0 {
		t.Errorf("fresh aggregate = %+v, want zeroed counters", agg)
	}
}

func TestUpdateAggregateStateVersionGuard(t *testing.T) {
	database := dbtest.NewTestDB(t)

	agg, err := database.GetAggregateState()
	if err != nil {
		t.Fatalf("GetAggregateState: %v", err)
	}

	agg.ActiveSessionCount = 3
	agg.TotalBytesTransferred = 1024
	if err := database.UpdateAggregateState(agg, agg.Version); err != nil {
		t.Fatalf("UpdateAggregateState: %v", err)
	}

	// A writer that read before the update must see a stale version.
	staleAgg := &db.AggregateState{ActiveSessionCount: 99}
	err = database.UpdateAggregateState(staleAgg, agg.Version-1)
	if !errors.Is(err, db.ErrStaleVersion) {
		t.Errorf("stale aggregate update error = %v, want ErrStaleVersion", err)
	}

	reread, err := database.GetAggregateState()
	if err != nil {
		t.Fatalf("GetAggregateState: %v", err)
	}
	if reread.ActiveSessionCount != 3 || reread.TotalBytesTransferred != 1024 {
		t.Errorf("aggregate after lost race = %+v, want count=3 bytes=1024", reread)
	}
	if reread.Version != agg.Version {
		t.Errorf("aggregate version = %d, want %d", reread.Version, agg.Version)
	}
}
