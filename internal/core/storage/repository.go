// Package storage defines the persistence interfaces the pipeline runs
// against. The postgres package implements all of them; the clickhouse
// package implements EventStore for columnar event-log deployments.
package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/meridian-lab/project-meridian/internal/core/attribution"
	"github.com/meridian-lab/project-meridian/internal/core/cohort"
	"github.com/meridian-lab/project-meridian/internal/core/funnel"
	"github.com/meridian-lab/project-meridian/internal/core/rfm"
	"github.com/meridian-lab/project-meridian/internal/core/session"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when an event with the same id already exists.
// Duplicate delivery is a no-op, not an error condition for callers.
var ErrDuplicate = errors.New("event already exists")

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// EventStore is the durable, append-only event log. Every accepted event is
// stored (valid or not) so the sweep cursor always advances.
type EventStore interface {
	// SaveEvent persists one event and populates event.IngestSeq for
	// cursor tracking. Returns ErrDuplicate for re-delivered ids.
	SaveEvent(ctx context.Context, event *v1.Event) error

	// RetrieveEventsAfterCursor fetches events with ingest_seq > cursor in
	// strict total order. cursor=0 means "from the beginning". Fetches
	// valid and invalid events alike; callers filter.
	RetrieveEventsAfterCursor(ctx context.Context, cursor int64, limit int) ([]*v1.Event, error)

	// RetrieveValidEventsSince fetches valid events with timestamp >= since,
	// ordered by timestamp. Used by the analytical passes over the
	// lookback window.
	RetrieveValidEventsSince(ctx context.Context, since time.Time) ([]*v1.Event, error)

	// CountEvents returns total and valid event counts for stats reporting.
	CountEvents(ctx context.Context) (total, valid int64, err error)

	Close() error
}

// Profile is the long-lived per-user aggregate. The sessionizer owns the
// counter fields; the analytics runner owns the RFM fields.
type Profile struct {
	UserID        string
	FirstSeen     time.Time
	LastSeen      time.Time
	TotalSessions int64
	TotalEvents   int64
	TotalRevenue  decimal.Decimal

	// Cross-device linkage.
	AnonymousIDs []string
	Fingerprints []string

	// Free-form traits from identify calls.
	Traits map[string]interface{}

	// Segmentation output, refreshed by the analytics runner.
	RecencyScore   int
	FrequencyScore int
	MonetaryScore  int
	Segment        string
	PredictedLTV   decimal.Decimal

	UpdatedAt time.Time
}

// ProfileDelta is the per-user increment one sweep contributes. Deltas are
// applied additively by the store so a sweep never has to read profiles
// back before flushing.
type ProfileDelta struct {
	UserID       string
	FirstSeen    time.Time
	LastSeen     time.Time
	SessionDelta int64
	EventDelta   int64
	RevenueDelta decimal.Decimal
	AnonymousIDs []string
	Fingerprints []string
}

// IdentityLink is one durable anonymous-id → user-id mapping.
type IdentityLink struct {
	AnonymousID string
	UserID      string
	LinkedAt    time.Time
}

// SweepBatch is everything one sessionizer sweep produces. FlushSweep
// persists it atomically with the cursor checkpoint: either the whole batch
// lands and the cursor advances, or nothing does.
type SweepBatch struct {
	Sessions []*session.Session
	Profiles []ProfileDelta
	Links    []IdentityLink
	// Cursor is the highest ingest_seq folded into this batch.
	Cursor int64
}

// SessionStore persists session aggregates and the sweep checkpoint.
type SessionStore interface {
	// FlushSweep writes sessions, profile updates, identity links, and the
	// new cursor in one transaction. A cursor at or below the stored
	// checkpoint aborts the flush (stale sweep).
	FlushSweep(ctx context.Context, batch SweepBatch) error

	// LoadCheckpoint returns the last flushed cursor, 0 when none exists.
	LoadCheckpoint(ctx context.Context) (int64, error)

	// GetSessionsByIDs loads existing aggregates for incremental folding.
	// Missing ids are simply absent from the result.
	GetSessionsByIDs(ctx context.Context, ids []string) (map[string]*session.Session, error)

	// ListSessionsByUser returns a user's sessions ordered by start time.
	ListSessionsByUser(ctx context.Context, userID string) ([]*session.Session, error)

	// ListSessionsSince returns sessions starting at or after since,
	// ordered by start time. Input to the analytical passes.
	ListSessionsSince(ctx context.Context, since time.Time) ([]*session.Session, error)

	// CountSessions returns total session and conversion counts for stats.
	CountSessions(ctx context.Context) (total, conversions int64, err error)
}

// ProfileStore reads the profiles the sweep maintains.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	ListProfiles(ctx context.Context) ([]*Profile, error)

	// UpdateSegments overwrites the RFM fields for the given profiles.
	UpdateSegments(ctx context.Context, profiles []*Profile) error

	// MergeTraits folds identify traits into the profile, creating the
	// profile row when the sweep has not seen the user yet.
	MergeTraits(ctx context.Context, userID string, traits map[string]interface{}) error
}

// IdentityStore is the durable identity-resolution table. Sweep-derived
// links flush through SessionStore.FlushSweep; SaveLink serves explicit
// identify calls.
type IdentityStore interface {
	LoadLinks(ctx context.Context) (map[string]string, error)
	SaveLink(ctx context.Context, link IdentityLink) error
}

// IssueRecord is one append-only data-quality log entry.
type IssueRecord struct {
	EventID    string
	Issue      string
	Severity   string
	Detail     string
	RecordedAt time.Time
}

// IssueCount is an aggregate count per issue kind.
type IssueCount struct {
	Issue    string
	Severity string
	Count    int64
}

// QualityStore is the append-only data-quality log with windowed expiry.
type QualityStore interface {
	AppendIssues(ctx context.Context, records []IssueRecord) error
	CountsSince(ctx context.Context, since time.Time) ([]IssueCount, error)
	ListIssuesSince(ctx context.Context, since time.Time, limit int) ([]IssueRecord, error)

	// ExpireBefore deletes records older than cutoff, returning the count.
	ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AnalyticsRun carries the outputs of one analytical recompute. The derived
// store swaps each result set in transactionally, keyed by run id, so
// readers always see either the prior complete run or the new one.
type AnalyticsRun struct {
	RunID       string
	GeneratedAt time.Time

	Attribution []attribution.Report
	Funnels     []funnel.Report
	Cohorts     []cohort.Row
	Segments    []SegmentRow
}

// SegmentRow is one user's segmentation result within a run.
type SegmentRow struct {
	UserID string
	Result rfm.Result
}

// DerivedStore persists analytical pass results.
type DerivedStore interface {
	// SwapRun replaces the previous run's results with this run's, one
	// transaction per result family.
	SwapRun(ctx context.Context, run AnalyticsRun) error

	// LatestRun returns the most recent complete run's metadata.
	LatestRun(ctx context.Context) (runID string, generatedAt time.Time, err error)

	LatestAttribution(ctx context.Context, model string) (*attribution.Report, error)
	LatestFunnels(ctx context.Context) ([]funnel.Report, error)
	LatestCohorts(ctx context.Context) ([]cohort.Row, error)
	LatestSegments(ctx context.Context) ([]SegmentRow, error)
}

// SpendRow is one day of ad spend for one campaign, from the external feed.
type SpendRow struct {
	Date        time.Time
	Campaign    string
	Source      string
	Medium      string
	Cost        decimal.Decimal
	Impressions int64
	Clicks      int64
}

// AdSpendStore persists the externally-synced spend feed.
type AdSpendStore interface {
	// UpsertSpend writes feed rows keyed by (date, campaign, source, medium).
	UpsertSpend(ctx context.Context, rows []SpendRow) error

	SpendSince(ctx context.Context, since time.Time) ([]SpendRow, error)
}
