// Package adspend syncs the external advertising-cost feed: CSV files
// dropped into a feed directory are parsed, quality-checked, and upserted
// into the spend table keyed by (date, campaign, source, medium). Re-syncing
// a file is idempotent.
package adspend

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/storage"
	"github.com/meridian-lab/project-meridian/internal/core/validation"
	"github.com/meridian-lab/project-meridian/internal/quality"

	"github.com/shopspring/decimal"
)

// Feed quality issue kinds.
const (
	IssueMissingCampaign   = "adspend_missing_campaign"
	IssueZeroCostWithClick = "adspend_zero_cost_with_clicks"
	IssueFutureDate        = "adspend_future_date"
)

// smallFeedThreshold separates severities: anomalies in a small feed are
// medium, in a large feed high (they distort more downstream ROI).
const smallFeedThreshold = 100

const dateLayout = "2006-01-02"

// Syncer reads the feed directory into the spend store.
type Syncer struct {
	dir     string
	store   storage.AdSpendStore
	quality *quality.Monitor
}

// NewSyncer creates a Syncer over one feed directory.
func NewSyncer(dir string, store storage.AdSpendStore, monitor *quality.Monitor) *Syncer {
	if store == nil {
		panic("adspend: store must not be nil")
	}
	if monitor == nil {
		panic("adspend: quality monitor must not be nil")
	}
	return &Syncer{dir: dir, store: store, quality: monitor}
}

// SyncOnce parses every CSV in the feed directory and upserts the rows.
// Returns the number of rows written. A missing directory is a no-op.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read feed dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		files = append(files, filepath.Join(s.dir, entry.Name()))
	}
	sort.Strings(files)

	total := 0
	for _, path := range files {
		rows, issues, err := parseFeedFile(path, time.Now().UTC())
		if err != nil {
			slog.Error("[AdSpend] Skipping unreadable feed file", "file", path, "error", err)
			continue
		}

		if err := s.quality.RecordBatch(ctx, issues); err != nil {
			slog.Error("[AdSpend] Failed to record feed issues", "file", path, "error", err)
		}

		if len(rows) == 0 {
			continue
		}
		if err := s.store.UpsertSpend(ctx, rows); err != nil {
			return total, fmt.Errorf("upsert spend from %s: %w", filepath.Base(path), err)
		}
		total += len(rows)
	}

	if total > 0 {
		slog.Info("[AdSpend] Feed synced", "files", len(files), "rows", total)
	}
	return total, nil
}

// parseFeedFile reads one CSV feed. Expected header:
// date,campaign,source,medium,cost,impressions,clicks.
// Rows failing a quality check are recorded but still loaded, except rows
// with no campaign, which cannot be keyed and are dropped.
func parseFeedFile(path string, now time.Time) ([]storage.SpendRow, []storage.IssueRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	col, err := columnIndex(header)
	if err != nil {
		return nil, nil, err
	}

	var rows []storage.SpendRow
	var issues []storage.IssueRecord
	file := filepath.Base(path)
	line := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}

		row, rowIssues := parseFeedRow(record, col, now, file, line)
		issues = append(issues, rowIssues...)
		if row != nil {
			rows = append(rows, *row)
		}
	}

	// Severity scales with feed size.
	severity := validation.SeverityMedium
	if len(rows) >= smallFeedThreshold {
		severity = validation.SeverityHigh
	}
	for i := range issues {
		issues[i].Severity = severity
	}

	return rows, issues, nil
}

func parseFeedRow(record []string, col feedColumns, now time.Time, file string, line int) (*storage.SpendRow, []storage.IssueRecord) {
	var issues []storage.IssueRecord
	flag := func(issue, detail string) {
		issues = append(issues, storage.IssueRecord{
			EventID:    fmt.Sprintf("%s:%d", file, line),
			Issue:      issue,
			Detail:     detail,
			RecordedAt: now,
		})
	}

	campaign := strings.TrimSpace(record[col.campaign])
	if campaign == "" {
		flag(IssueMissingCampaign, fmt.Sprintf("%s line %d has no campaign name", file, line))
		return nil, issues
	}

	date, err := time.Parse(dateLayout, strings.TrimSpace(record[col.date]))
	if err != nil {
		flag(IssueFutureDate, fmt.Sprintf("%s line %d has unparseable date %q", file, line, record[col.date]))
		return nil, issues
	}
	if date.After(now) {
		flag(IssueFutureDate, fmt.Sprintf("%s line %d is dated in the future (%s)", file, line, date.Format(dateLayout)))
	}

	cost, err := decimal.NewFromString(strings.TrimSpace(record[col.cost]))
	if err != nil || cost.IsNegative() {
		cost = decimal.Zero
	}
	impressions := parseCount(record[col.impressions])
	clicks := parseCount(record[col.clicks])

	if cost.IsZero() && clicks > 0 {
		flag(IssueZeroCostWithClick, fmt.Sprintf("%s line %d reports %d clicks at zero cost", file, line, clicks))
	}

	return &storage.SpendRow{
		Date:        date,
		Campaign:    campaign,
		Source:      strings.TrimSpace(record[col.source]),
		Medium:      strings.TrimSpace(record[col.medium]),
		Cost:        cost.Round(2),
		Impressions: impressions,
		Clicks:      clicks,
	}, issues
}

type feedColumns struct {
	date, campaign, source, medium, cost, impressions, clicks int
}

func columnIndex(header []string) (feedColumns, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	col := feedColumns{date: -1, campaign: -1, source: -1, medium: -1, cost: -1, impressions: -1, clicks: -1}
	assign := map[string]*int{
		"date":        &col.date,
		"campaign":    &col.campaign,
		"source":      &col.source,
		"medium":      &col.medium,
		"cost":        &col.cost,
		"impressions": &col.impressions,
		"clicks":      &col.clicks,
	}
	for name, target := range assign {
		i, ok := idx[name]
		if !ok {
			return col, fmt.Errorf("feed header missing column %q", name)
		}
		*target = i
	}
	return col, nil
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// StartSync runs the feed sync on interval until ctx is cancelled.
func (s *Syncer) StartSync(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("[AdSpend] Sync loop started", "dir", s.dir, "interval", interval)

		if _, err := s.SyncOnce(ctx); err != nil {
			slog.Error("[AdSpend] Initial sync failed", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				slog.Info("[AdSpend] Sync loop stopped")
				return
			case <-ticker.C:
				if _, err := s.SyncOnce(ctx); err != nil {
					slog.Error("[AdSpend] Sync failed", "error", err)
				}
			}
		}
	}()
}
