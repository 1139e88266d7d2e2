package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/attribution"
	"github.com/meridian-lab/project-meridian/internal/core/cohort"
	"github.com/meridian-lab/project-meridian/internal/core/funnel"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
	"github.com/shopspring/decimal"
)

const (
	queryInsertRun = `
		INSERT INTO analytics_runs (run_id, generated_at) VALUES ($1, $2)
	`
	queryDeleteOldRuns = `DELETE FROM analytics_runs WHERE run_id <> $1`

	queryLatestRun = `
		SELECT run_id, generated_at FROM analytics_runs
		ORDER BY generated_at DESC LIMIT 1
	`

	queryInsertAttribution = `
		INSERT INTO attribution_results (
			run_id, model, source, medium, campaign, conversions, revenue
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	queryDeleteOldAttribution = `DELETE FROM attribution_results WHERE run_id <> $1`
	querySelectAttribution    = `
		SELECT r.source, r.medium, r.campaign, r.conversions, r.revenue
		FROM attribution_results r
		JOIN analytics_runs ar ON r.run_id = ar.run_id
		WHERE r.model = $1
		ORDER BY r.revenue DESC, r.source ASC
	`

	queryInsertFunnelStage = `
		INSERT INTO funnel_results (
			run_id, funnel, fingerprint, stage, event,
			users, conversion_rate, drop_off_rate, avg_hours_to_next
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	queryDeleteOldFunnels = `DELETE FROM funnel_results WHERE run_id <> $1`
	querySelectFunnels    = `
		SELECT r.funnel, r.fingerprint, r.stage, r.event,
		       r.users, r.conversion_rate, r.drop_off_rate, r.avg_hours_to_next
		FROM funnel_results r
		JOIN analytics_runs ar ON r.run_id = ar.run_id
		ORDER BY r.funnel ASC, r.stage ASC
	`

	queryInsertCohortDay = `
		INSERT INTO cohort_results (
			run_id, cohort_date, cohort_size, elapsed_day, retention_pct, cumulative_revenue, revenue_per_user
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	queryDeleteOldCohorts = `DELETE FROM cohort_results WHERE run_id <> $1`
	querySelectCohorts    = `
		SELECT r.cohort_date, r.cohort_size, r.elapsed_day, r.retention_pct, r.cumulative_revenue, r.revenue_per_user
		FROM cohort_results r
		JOIN analytics_runs ar ON r.run_id = ar.run_id
		ORDER BY r.cohort_date ASC, r.elapsed_day ASC
	`

	queryInsertSegment = `
		INSERT INTO segmentation_results (
			run_id, user_id, recency_score, frequency_score, monetary_score, segment, predicted_ltv
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	queryDeleteOldSegments = `DELETE FROM segmentation_results WHERE run_id <> $1`
	querySelectSegments    = `
		SELECT r.user_id, r.recency_score, r.frequency_score, r.monetary_score, r.segment, r.predicted_ltv
		FROM segmentation_results r
		JOIN analytics_runs ar ON r.run_id = ar.run_id
		ORDER BY r.user_id ASC
	`
)

// DerivedAdapter implements storage.DerivedStore. Each run's results are
// written first, then the old run's rows are deleted in the same
// transaction, so readers joining through analytics_runs always see one
// complete run.
type DerivedAdapter struct {
	db *sql.DB
}

// NewDerivedAdapter creates a DerivedAdapter sharing the given connection.
func NewDerivedAdapter(db *sql.DB) *DerivedAdapter {
	return &DerivedAdapter{db: db}
}

// SwapRun atomically replaces the previous run's results.
func (a *DerivedAdapter) SwapRun(ctx context.Context, run storage.AnalyticsRun) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("swap run: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, report := range run.Attribution {
		for _, ch := range report.Channels {
			if _, err := tx.ExecContext(ctx, queryInsertAttribution,
				run.RunID, report.Model,
				ch.Channel.Source, ch.Channel.Medium, ch.Channel.Campaign,
				ch.Conversions, ch.Revenue,
			); err != nil {
				return fmt.Errorf("swap run: insert attribution (%s): %w", report.Model, err)
			}
		}
	}

	for _, report := range run.Funnels {
		for _, stage := range report.Stages {
			if _, err := tx.ExecContext(ctx, queryInsertFunnelStage,
				run.RunID, report.Funnel, report.Fingerprint,
				stage.Stage, stage.Event, stage.Users,
				stage.ConversionRate, stage.DropOffRate, stage.AvgHoursToNext,
			); err != nil {
				return fmt.Errorf("swap run: insert funnel stage (%s/%d): %w", report.Funnel, stage.Stage, err)
			}
		}
	}

	for _, row := range run.Cohorts {
		for day := range row.Retention {
			if _, err := tx.ExecContext(ctx, queryInsertCohortDay,
				run.RunID, row.CohortDate, row.Size,
				day, row.Retention[day], row.CumulativeRevenue[day], row.RevenuePerUser[day],
			); err != nil {
				return fmt.Errorf("swap run: insert cohort day (%s/%d): %w", row.CohortDate, day, err)
			}
		}
	}

	for _, seg := range run.Segments {
		if _, err := tx.ExecContext(ctx, queryInsertSegment,
			run.RunID, seg.UserID,
			seg.Result.Scores.Recency, seg.Result.Scores.Frequency, seg.Result.Scores.Monetary,
			seg.Result.Segment, seg.Result.LTV,
		); err != nil {
			return fmt.Errorf("swap run: insert segment (%s): %w", seg.UserID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, queryInsertRun, run.RunID, run.GeneratedAt); err != nil {
		return fmt.Errorf("swap run: insert run row: %w", err)
	}

	// Drop the prior run last, same transaction: readers see old-complete
	// or new-complete, never a mix.
	for _, q := range []string{
		queryDeleteOldAttribution,
		queryDeleteOldFunnels,
		queryDeleteOldCohorts,
		queryDeleteOldSegments,
		queryDeleteOldRuns,
	} {
		if _, err := tx.ExecContext(ctx, q, run.RunID); err != nil {
			return fmt.Errorf("swap run: delete prior run rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("swap run: commit: %w", err)
	}

	slog.Info("[DerivedAdapter] Swapped analytics run",
		"run_id", run.RunID,
		"attribution_models", len(run.Attribution),
		"funnels", len(run.Funnels),
		"cohorts", len(run.Cohorts),
		"segments", len(run.Segments))
	return nil
}

// LatestRun returns the current run's metadata, storage.ErrNotFound when no
// run has completed yet.
func (a *DerivedAdapter) LatestRun(ctx context.Context) (string, time.Time, error) {
	var runID string
	var generatedAt time.Time
	err := a.db.QueryRowContext(ctx, queryLatestRun).Scan(&runID, &generatedAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, storage.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("query latest run: %w", err)
	}
	return runID, generatedAt, nil
}

// LatestAttribution returns the current run's report for one model.
func (a *DerivedAdapter) LatestAttribution(ctx context.Context, model string) (*attribution.Report, error) {
	rows, err := a.db.QueryContext(ctx, querySelectAttribution, model)
	if err != nil {
		return nil, fmt.Errorf("query attribution results: %w", err)
	}
	defer rows.Close()

	report := &attribution.Report{Model: model, Total: decimal.Zero}
	for rows.Next() {
		var ch attribution.ChannelStat
		var medium, campaign sql.NullString
		if err := rows.Scan(&ch.Channel.Source, &medium, &campaign, &ch.Conversions, &ch.Revenue); err != nil {
			return nil, fmt.Errorf("scan attribution row: %w", err)
		}
		ch.Channel.Medium = medium.String
		ch.Channel.Campaign = campaign.String
		report.Total = report.Total.Add(ch.Revenue)
		report.Channels = append(report.Channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attribution rows: %w", err)
	}
	return report, nil
}

// LatestFunnels returns the current run's funnel reports.
func (a *DerivedAdapter) LatestFunnels(ctx context.Context) ([]funnel.Report, error) {
	rows, err := a.db.QueryContext(ctx, querySelectFunnels)
	if err != nil {
		return nil, fmt.Errorf("query funnel results: %w", err)
	}
	defer rows.Close()

	var reports []funnel.Report
	for rows.Next() {
		var name, fingerprint string
		var stage funnel.StageResult
		if err := rows.Scan(&name, &fingerprint, &stage.Stage, &stage.Event,
			&stage.Users, &stage.ConversionRate, &stage.DropOffRate, &stage.AvgHoursToNext); err != nil {
			return nil, fmt.Errorf("scan funnel row: %w", err)
		}
		if len(reports) == 0 || reports[len(reports)-1].Funnel != name {
			reports = append(reports, funnel.Report{Funnel: name, Fingerprint: fingerprint})
		}
		last := &reports[len(reports)-1]
		last.Stages = append(last.Stages, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate funnel rows: %w", err)
	}
	return reports, nil
}

// LatestCohorts returns the current run's cohort rows.
func (a *DerivedAdapter) LatestCohorts(ctx context.Context) ([]cohort.Row, error) {
	rows, err := a.db.QueryContext(ctx, querySelectCohorts)
	if err != nil {
		return nil, fmt.Errorf("query cohort results: %w", err)
	}
	defer rows.Close()

	var out []cohort.Row
	for rows.Next() {
		var date string
		var size int64
		var day int
		var retention float64
		var revenue, perUser decimal.Decimal
		if err := rows.Scan(&date, &size, &day, &retention, &revenue, &perUser); err != nil {
			return nil, fmt.Errorf("scan cohort row: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].CohortDate != date {
			out = append(out, cohort.Row{CohortDate: date, Size: size})
		}
		last := &out[len(out)-1]
		last.Retention = append(last.Retention, retention)
		last.CumulativeRevenue = append(last.CumulativeRevenue, revenue)
		last.RevenuePerUser = append(last.RevenuePerUser, perUser)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cohort rows: %w", err)
	}
	return out, nil
}

// LatestSegments returns the current run's segmentation rows.
func (a *DerivedAdapter) LatestSegments(ctx context.Context) ([]storage.SegmentRow, error) {
	rows, err := a.db.QueryContext(ctx, querySelectSegments)
	if err != nil {
		return nil, fmt.Errorf("query segmentation results: %w", err)
	}
	defer rows.Close()

	var out []storage.SegmentRow
	for rows.Next() {
		var seg storage.SegmentRow
		if err := rows.Scan(&seg.UserID,
			&seg.Result.Scores.Recency, &seg.Result.Scores.Frequency, &seg.Result.Scores.Monetary,
			&seg.Result.Segment, &seg.Result.LTV); err != nil {
			return nil, fmt.Errorf("scan segmentation row: %w", err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segmentation rows: %w", err)
	}
	return out, nil
}
