package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/storage"
)

// Scheduler runs the analytical recompute on a periodic interval and warns
// when the latest published run goes stale.
type Scheduler struct {
	interval  time.Duration
	staleness time.Duration
	runner    *Runner
	derived   storage.DerivedStore
}

// NewScheduler creates a cron scheduler for the analytics runner.
func NewScheduler(interval, staleness time.Duration, runner *Runner, derived storage.DerivedStore) *Scheduler {
	return &Scheduler{
		interval:  interval,
		staleness: staleness,
		runner:    runner,
		derived:   derived,
	}
}

// Start begins periodic recomputes. Runs until context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Analytics] Starting scheduler",
		"interval", s.interval,
		"staleness_threshold", s.staleness,
	)

	// Publish an initial run so readers are never empty after startup.
	s.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
			s.checkStaleness(ctx)
		case <-ctx.Done():
			slog.Info("[Analytics] Stopping (context cancelled)")
			return nil
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if err := s.runner.RunOnce(ctx); err != nil {
		slog.Error("[Analytics] Run failed", "error", err)
	}
}

// checkStaleness warns when the published run is older than the threshold,
// which means recomputes keep failing.
func (s *Scheduler) checkStaleness(ctx context.Context) {
	if s.staleness <= 0 {
		return
	}
	runID, generatedAt, err := s.derived.LatestRun(ctx)
	if err != nil {
		slog.Warn("[Analytics] No published run found", "error", err)
		return
	}
	if age := time.Since(generatedAt); age > s.staleness {
		slog.Warn("[Analytics] Published results are stale",
			"run_id", runID,
			"age", age,
			"threshold", s.staleness,
		)
	}
}
