// Package quality maintains the append-only data-quality log: every
// non-valid event classification is recorded with its severity, aggregate
// counts are served to reporting, and records past the retention window are
// expired on a timer.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
	"github.com/meridian-lab/project-meridian/internal/core/validation"
)

// Monitor wraps the quality store with the retention policy.
type Monitor struct {
	store         storage.QualityStore
	retentionDays int
}

// NewMonitor creates a Monitor. retentionDays bounds how long issue records
// are kept.
func NewMonitor(store storage.QualityStore, retentionDays int) *Monitor {
	if store == nil {
		panic("quality: store must not be nil")
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Monitor{store: store, retentionDays: retentionDays}
}

// RecordInvalid appends one classification failure for an event.
func (m *Monitor) RecordInvalid(ctx context.Context, evt *v1.Event, res validation.Result) error {
	rec := storage.IssueRecord{
		EventID:    evt.ID,
		Issue:      res.Issue,
		Severity:   res.Severity,
		Detail:     res.Detail,
		RecordedAt: time.Now().UTC(),
	}
	if err := m.store.AppendIssues(ctx, []storage.IssueRecord{rec}); err != nil {
		return fmt.Errorf("record invalid event: %w", err)
	}
	return nil
}

// RecordBatch appends many records at once (one ingestion batch).
func (m *Monitor) RecordBatch(ctx context.Context, records []storage.IssueRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := m.store.AppendIssues(ctx, records); err != nil {
		return fmt.Errorf("record quality batch: %w", err)
	}
	return nil
}

// Report is the aggregate quality view served to reporting consumers.
type Report struct {
	WindowDays int                   `json:"window_days"`
	Counts     []storage.IssueCount  `json:"counts"`
	Recent     []storage.IssueRecord `json:"recent"`
}

// BuildReport aggregates counts over the last windowDays plus the most
// recent individual records.
func (m *Monitor) BuildReport(ctx context.Context, windowDays, recentLimit int) (*Report, error) {
	if windowDays <= 0 || windowDays > m.retentionDays {
		windowDays = m.retentionDays
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)

	counts, err := m.store.CountsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("quality report counts: %w", err)
	}
	recent, err := m.store.ListIssuesSince(ctx, since, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("quality report recent: %w", err)
	}
	return &Report{WindowDays: windowDays, Counts: counts, Recent: recent}, nil
}

// ExpireOnce deletes records older than the retention window.
func (m *Monitor) ExpireOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.retentionDays)
	return m.store.ExpireBefore(ctx, cutoff)
}

// StartExpiry runs the retention sweep on interval until ctx is cancelled.
func (m *Monitor) StartExpiry(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("[Quality] Expiry loop started",
			"interval", interval, "retention_days", m.retentionDays)

		for {
			select {
			case <-ctx.Done():
				slog.Info("[Quality] Expiry loop stopped")
				return
			case <-ticker.C:
				if deleted, err := m.ExpireOnce(ctx); err != nil {
					slog.Error("[Quality] Expiry failed", "error", err)
				} else if deleted > 0 {
					slog.Info("[Quality] Expired records", "deleted", deleted)
				}
			}
		}
	}()
}
