package sessionizer

import (
	"context"
	"log/slog"
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/identity"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
)

// Scheduler runs the session sweep on a periodic interval.
// It is stateless: each tick independently fetches events since last checkpoint.
type Scheduler struct {
	interval     time.Duration
	eventStore   storage.EventStore
	sessionStore storage.SessionStore
	resolver     *identity.Resolver
	opts         SweepParameter
}

// NewScheduler creates a cron scheduler for the session sweep.
func NewScheduler(
	interval time.Duration,
	eventStore storage.EventStore,
	sessionStore storage.SessionStore,
	resolver *identity.Resolver,
	opts SweepParameter,
) *Scheduler {
	return &Scheduler{
		interval:     interval,
		eventStore:   eventStore,
		sessionStore: sessionStore,
		resolver:     resolver,
		opts:         opts.normalized(),
	}
}

// Start begins periodic sweeping. Runs until context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Sessionizer] Starting sweep scheduler",
		"interval", s.interval,
		"batch_size", s.opts.BatchSize,
		"workers", s.opts.WorkerCount,
		"session_timeout", s.opts.Timeout,
	)

	// Run initial drain to catch up with any backlog
	s.drainBacklog(ctx)

	for {
		select {
		case <-ticker.C:
			// Drain all pending events, not just one batch
			s.drainBacklog(ctx)
		case <-ctx.Done():
			slog.Info("[Sessionizer] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Sessionizer] Running final drain before shutdown...")
			s.drainBacklog(shutdownCtx)
			slog.Info("[Sessionizer] Final drain complete")

			return nil
		}
	}
}

// drainBacklog processes all pending events in batches until the backlog is empty.
// This prevents unbounded staleness during burst ingestion.
func (s *Scheduler) drainBacklog(ctx context.Context) {
	batchCount := 0
	maxConsecutiveBatches := 100 // Safety limit to prevent infinite loop

	for batchCount < maxConsecutiveBatches {
		select {
		case <-ctx.Done():
			slog.Info("[Sessionizer] Drain interrupted by context cancellation",
				"batches_processed", batchCount)
			return
		default:
		}

		eventsProcessed, err := RunSweepWithOptions(ctx, s.eventStore, s.sessionStore, s.resolver, s.opts)
		if err != nil {
			slog.Error("[Sessionizer] Sweep failed",
				"error", err,
				"batch_number", batchCount+1)
			return
		}

		batchCount++

		// If the sweep read fewer events than batch size, backlog is drained
		if eventsProcessed < s.opts.BatchSize {
			if batchCount > 1 {
				slog.Info("[Sessionizer] Backlog drained", "total_batches", batchCount)
			}
			return
		}

		slog.Info("[Sessionizer] Backlog detected, continuing to drain",
			"batches_so_far", batchCount)
	}

	slog.Warn("[Sessionizer] Max consecutive batches reached, pausing drain",
		"max_batches", maxConsecutiveBatches,
		"note", "Will resume on next tick")
}
