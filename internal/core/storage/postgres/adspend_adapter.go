package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/storage"
)

// AdSpendAdapter implements storage.AdSpendStore for the external spend
// feed.
type AdSpendAdapter struct {
	db *sql.DB
}

// NewAdSpendAdapter creates an AdSpendAdapter sharing the given connection.
func NewAdSpendAdapter(db *sql.DB) *AdSpendAdapter {
	return &AdSpendAdapter{db: db}
}

// UpsertSpend writes feed rows keyed by (date, campaign, source, medium) in
// one transaction. Re-syncing a feed file is idempotent.
func (a *AdSpendAdapter) UpsertSpend(ctx context.Context, rows []storage.SpendRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert spend: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryUpsertAdSpend)
	if err != nil {
		return fmt.Errorf("upsert spend: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.Date, r.Campaign, r.Source, r.Medium,
			r.Cost, r.Impressions, r.Clicks, now,
		); err != nil {
			return fmt.Errorf("upsert spend: row (%s, %s): %w", r.Date.Format("2006-01-02"), r.Campaign, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert spend: commit: %w", err)
	}

	slog.Info("[AdSpendAdapter] Upserted spend rows", "rows", len(rows))
	return nil
}

// SpendSince returns feed rows with date >= since.
func (a *AdSpendAdapter) SpendSince(ctx context.Context, since time.Time) ([]storage.SpendRow, error) {
	rows, err := a.db.QueryContext(ctx, querySelectAdSpendSince, since)
	if err != nil {
		return nil, fmt.Errorf("query spend: %w", err)
	}
	defer rows.Close()

	var out []storage.SpendRow
	for rows.Next() {
		var r storage.SpendRow
		var source, medium sql.NullString
		if err := rows.Scan(&r.Date, &r.Campaign, &source, &medium, &r.Cost, &r.Impressions, &r.Clicks); err != nil {
			return nil, fmt.Errorf("scan spend row: %w", err)
		}
		r.Source = source.String
		r.Medium = medium.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spend rows: %w", err)
	}
	return out, nil
}
