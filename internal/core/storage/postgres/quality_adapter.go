package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/storage"
)

// QualityAdapter implements storage.QualityStore: the append-only
// data-quality log with windowed expiry.
type QualityAdapter struct {
	db *sql.DB
}

// NewQualityAdapter creates a QualityAdapter sharing the given connection.
func NewQualityAdapter(db *sql.DB) *QualityAdapter {
	return &QualityAdapter{db: db}
}

// AppendIssues writes quality records in one transaction.
func (a *QualityAdapter) AppendIssues(ctx context.Context, records []storage.IssueRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append issues: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryAppendIssue)
	if err != nil {
		return fmt.Errorf("append issues: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			nullString(r.EventID), r.Issue, r.Severity, r.Detail, r.RecordedAt,
		); err != nil {
			return fmt.Errorf("append issues: insert %s: %w", r.Issue, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append issues: commit: %w", err)
	}
	return nil
}

// CountsSince aggregates issue counts per (issue, severity) pair.
func (a *QualityAdapter) CountsSince(ctx context.Context, since time.Time) ([]storage.IssueCount, error) {
	rows, err := a.db.QueryContext(ctx, queryIssueCountsSince, since)
	if err != nil {
		return nil, fmt.Errorf("query issue counts: %w", err)
	}
	defer rows.Close()

	var counts []storage.IssueCount
	for rows.Next() {
		var c storage.IssueCount
		if err := rows.Scan(&c.Issue, &c.Severity, &c.Count); err != nil {
			return nil, fmt.Errorf("scan issue count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue counts: %w", err)
	}
	return counts, nil
}

// ListIssuesSince returns the newest records first, capped at limit.
func (a *QualityAdapter) ListIssuesSince(ctx context.Context, since time.Time, limit int) ([]storage.IssueRecord, error) {
	rows, err := a.db.QueryContext(ctx, queryIssuesSince, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	var records []storage.IssueRecord
	for rows.Next() {
		var r storage.IssueRecord
		var eventID sql.NullString
		if err := rows.Scan(&eventID, &r.Issue, &r.Severity, &r.Detail, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		r.EventID = eventID.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return records, nil
}

// ExpireBefore deletes records older than cutoff.
func (a *QualityAdapter) ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := a.db.ExecContext(ctx, queryExpireIssuesBefore, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire issues: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire issues: rows affected: %w", err)
	}
	if deleted > 0 {
		slog.Info("[QualityAdapter] Expired quality records", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}
