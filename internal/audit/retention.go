package audit

import (
	"log/slog"
	"time"

	"github.com/burrowvpn/burrow/internal/db"
)

// Sweeper periodically purges audit events older than the retention window.
type Sweeper struct {
	db            *db.DB
	retentionDays int
	interval      time.Duration
	stopCh        chan struct{}
}

// NewSweeper creates a Sweeper that deletes events older than retentionDays.
// If retentionDays is 0 the sweeper does nothing when started.
func NewSweeper(database *db.DB, retentionDays int) *Sweeper {
	return &Sweeper{
		db:            database,
		retentionDays: retentionDays,
		interval:      1 * time.Hour,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the sweep goroutine. It returns immediately.
func (s *Sweeper) Start() {
	if s.retentionDays <= 0 {
		return
	}
	go s.loop()
}

// Stop signals the sweep goroutine to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.run()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sweeper) run() {
	cutoff := time.Now().UTC().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	purged, err := s.db.PurgeAuditEventsBefore(cutoff)
	if err != nil {
		slog.Warn("Audit retention: purge failed", "error", err)
		return
	}
	if purged > 0 {
		slog.Info("Audit retention: purged expired events",
			"purged", purged,
			"cutoff", cutoff)
	}
}
