package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelid/kestrel/internal/auth/store"
)

// BacklogReporter reports how many replication messages are delivered but
// not yet acknowledged.
type BacklogReporter interface {
	Pending(ctx context.Context) (int64, error)
}

// HousekeepingService periodically trims aged rows on the primary region:
// token-usage records past retention and previous-secret hashes whose grace
// period expired. When a BacklogReporter is set it also logs the replication
// backlog each cycle.
type HousekeepingService struct {
	DB        store.Database
	Logger    *slog.Logger
	Interval  time.Duration
	Retention time.Duration

	// Backlog is optional; nil disables backlog reporting.
	Backlog BacklogReporter

	// Internal channels for lifecycle management
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a housekeeping service. Zero interval
// defaults to 1 hour, zero retention to 30 days.
func NewHousekeepingService(db store.Database, logger *slog.Logger, interval, retention time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	return &HousekeepingService{
		DB:        db,
		Logger:    logger,
		Interval:  interval,
		Retention: retention,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop() to shut it
// down gracefully.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval, "retention", s.Retention)
}

// Stop shuts down the worker, blocking until in-progress cleanup finishes.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.cleanup()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup runs each deletion independently; one failure won't stop the rest.
func (s *HousekeepingService) cleanup() {
	ctx := context.Background()
	now := time.Now().UTC()

	res, err := s.DB.Execute(ctx,
		`DELETE FROM `+store.CollectionTokenUsage+` WHERE used_at < ?`,
		now.Add(-s.Retention).UnixMilli(),
	)
	if err != nil {
		s.Logger.Error("failed to prune token usage", "error", err)
	} else if res.Affected > 0 {
		s.Logger.Info("pruned token usage rows", "deleted", res.Affected)
	}

	res, err = s.DB.Execute(ctx,
		`UPDATE `+store.CollectionClients+`
		 SET previous_client_secret_hash = NULL, previous_secret_expires_at = NULL
		 WHERE previous_secret_expires_at IS NOT NULL AND previous_secret_expires_at < ?`,
		now.UnixMilli(),
	)
	if err != nil {
		s.Logger.Error("failed to expire rotated secrets", "error", err)
	} else if res.Affected > 0 {
		s.Logger.Info("expired rotated client secrets", "clients", res.Affected)
	}

	if s.Backlog != nil {
		if pending, err := s.Backlog.Pending(ctx); err != nil {
			s.Logger.Error("failed to read replication backlog", "error", err)
		} else if pending > 0 {
			s.Logger.Warn("replication backlog is non-empty", "pending", pending)
		}
	}
}
