package reporting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/meridian-lab/project-meridian/internal/core/attribution"
	"github.com/meridian-lab/project-meridian/internal/core/cohort"
	"github.com/meridian-lab/project-meridian/internal/core/funnel"
	"github.com/meridian-lab/project-meridian/internal/core/identity"
	"github.com/meridian-lab/project-meridian/internal/core/session"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
	"github.com/meridian-lab/project-meridian/internal/core/touchpoint"
	"github.com/meridian-lab/project-meridian/internal/quality"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeEventStore struct{}

func (fakeEventStore) SaveEvent(context.Context, *v1.Event) error { return nil }
func (fakeEventStore) RetrieveEventsAfterCursor(context.Context, int64, int) ([]*v1.Event, error) {
	return nil, nil
}
func (fakeEventStore) RetrieveValidEventsSince(context.Context, time.Time) ([]*v1.Event, error) {
	return nil, nil
}
func (fakeEventStore) CountEvents(context.Context) (int64, int64, error) { return 120, 100, nil }
func (fakeEventStore) Close() error                                      { return nil }

type fakeSessionStore struct {
	byUser map[string][]*session.Session
}

func (f *fakeSessionStore) FlushSweep(context.Context, storage.SweepBatch) error { return nil }
func (f *fakeSessionStore) LoadCheckpoint(context.Context) (int64, error)        { return 0, nil }
func (f *fakeSessionStore) GetSessionsByIDs(context.Context, []string) (map[string]*session.Session, error) {
	return nil, nil
}

func (f *fakeSessionStore) ListSessionsByUser(_ context.Context, userID string) ([]*session.Session, error) {
	return f.byUser[userID], nil
}

func (f *fakeSessionStore) ListSessionsSince(context.Context, time.Time) ([]*session.Session, error) {
	var out []*session.Session
	for _, sessions := range f.byUser {
		out = append(out, sessions...)
	}
	return out, nil
}

func (f *fakeSessionStore) CountSessions(context.Context) (int64, int64, error) { return 40, 5, nil }

type fakeProfileStore struct{}

func (fakeProfileStore) GetProfile(context.Context, string) (*storage.Profile, error) {
	return nil, storage.ErrNotFound
}
func (fakeProfileStore) ListProfiles(context.Context) ([]*storage.Profile, error) { return nil, nil }
func (fakeProfileStore) UpdateSegments(context.Context, []*storage.Profile) error { return nil }
func (fakeProfileStore) MergeTraits(context.Context, string, map[string]interface{}) error {
	return nil
}

type fakeDerivedStore struct {
	attribution map[string]*attribution.Report
}

func (f *fakeDerivedStore) SwapRun(context.Context, storage.AnalyticsRun) error { return nil }
func (f *fakeDerivedStore) LatestRun(context.Context) (string, time.Time, error) {
	return "run-1", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), nil
}

func (f *fakeDerivedStore) LatestAttribution(_ context.Context, model string) (*attribution.Report, error) {
	if report, ok := f.attribution[model]; ok {
		return report, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeDerivedStore) LatestFunnels(context.Context) ([]funnel.Report, error) { return nil, nil }
func (f *fakeDerivedStore) LatestCohorts(context.Context) ([]cohort.Row, error)    { return nil, nil }
func (f *fakeDerivedStore) LatestSegments(context.Context) ([]storage.SegmentRow, error) {
	return nil, nil
}

type fakeSpendStore struct {
	rows []storage.SpendRow
}

func (f *fakeSpendStore) UpsertSpend(context.Context, []storage.SpendRow) error { return nil }
func (f *fakeSpendStore) SpendSince(context.Context, time.Time) ([]storage.SpendRow, error) {
	return f.rows, nil
}

type fakeQualityStore struct{}

func (fakeQualityStore) AppendIssues(context.Context, []storage.IssueRecord) error { return nil }
func (fakeQualityStore) CountsSince(context.Context, time.Time) ([]storage.IssueCount, error) {
	return nil, nil
}
func (fakeQualityStore) ListIssuesSince(context.Context, time.Time, int) ([]storage.IssueRecord, error) {
	return nil, nil
}
func (fakeQualityStore) ExpireBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func reportingFixture() (*Service, *fakeSessionStore, *fakeDerivedStore, *fakeSpendStore, *identity.Resolver) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	sessions := &fakeSessionStore{byUser: map[string][]*session.Session{
		"user-1": {
			{
				ID:          "sess-1",
				AnonymousID: "anon-1",
				UserID:      "user-1",
				StartedAt:   now.Add(-48 * time.Hour),
				EndedAt:     now.Add(-47 * time.Hour),
				UTMSource:   "google",
				UTMMedium:   "cpc",
				UTMCampaign: "launch",
			},
			{
				ID:           "sess-2",
				AnonymousID:  "anon-1",
				UserID:       "user-1",
				StartedAt:    now.Add(-24 * time.Hour),
				EndedAt:      now.Add(-23 * time.Hour),
				UTMCampaign:  "launch",
				UTMSource:    "google",
				IsConversion: true,
				Revenue:      decimal.NewFromInt(200),
			},
		},
	}}

	derived := &fakeDerivedStore{attribution: map[string]*attribution.Report{
		attribution.ModelLastTouch: {
			Model: attribution.ModelLastTouch,
			Channels: []attribution.ChannelStat{{
				Channel:     touchpoint.Channel{Source: "google", Medium: "cpc", Campaign: "launch"},
				Conversions: 1,
				Revenue:     decimal.NewFromInt(200),
			}},
			Total: decimal.NewFromInt(200),
		},
	}}

	spend := &fakeSpendStore{rows: []storage.SpendRow{{
		Date:        now.Add(-72 * time.Hour),
		Campaign:    "launch",
		Source:      "google",
		Medium:      "cpc",
		Cost:        decimal.NewFromInt(50),
		Impressions: 10000,
		Clicks:      400,
	}}}

	resolver := identity.NewResolver()
	resolver.Load(map[string]string{"anon-1": "user-1"})

	svc := NewService(fakeEventStore{}, sessions, fakeProfileStore{}, derived, spend,
		quality.NewMonitor(fakeQualityStore{}, 90), resolver)
	svc.nowFn = func() time.Time { return now }
	return svc, sessions, derived, spend, resolver
}

func TestJourney_ResolvesIdentityAndBuildsTouchpoints(t *testing.T) {
	svc, _, _, _, _ := reportingFixture()

	// Querying by the anonymous id lands on the canonical user's journey.
	resp, err := svc.Journey(context.Background(), "anon-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", resp.UserID)
	require.Len(t, resp.Sessions, 2)
	require.Len(t, resp.Touchpoints, 2)
	require.Equal(t, int64(1), resp.Conversions)
	require.True(t, resp.Revenue.Equal(decimal.NewFromInt(200)))
}

func TestJourney_UnknownUserIsNotFound(t *testing.T) {
	svc, _, _, _, _ := reportingFixture()
	_, err := svc.Journey(context.Background(), "user-unknown")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAttribution_UnknownModelIsInvalid(t *testing.T) {
	svc, _, _, _, _ := reportingFixture()
	_, err := svc.Attribution(context.Background(), "quantum")
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestAttribution_DefaultsToLastTouch(t *testing.T) {
	svc, _, _, _, _ := reportingFixture()
	report, err := svc.Attribution(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, attribution.ModelLastTouch, report.Model)
}

func TestCampaignROI_JoinsSpendWithOutcomes(t *testing.T) {
	svc, _, _, _, _ := reportingFixture()

	resp, err := svc.CampaignROI(context.Background(), 30)
	require.NoError(t, err)
	require.Equal(t, 30, resp.AnalysisDays)
	require.Len(t, resp.Campaigns, 1)

	c := resp.Campaigns[0]
	require.Equal(t, "launch", c.Campaign)
	require.True(t, c.Cost.Equal(decimal.NewFromInt(50)))
	require.Equal(t, int64(2), c.Visits)
	require.Equal(t, int64(1), c.Conversions)
	require.True(t, c.Revenue.Equal(decimal.NewFromInt(200)))
	require.True(t, c.ROAS.Equal(decimal.NewFromInt(4)))                // 200 / 50
	require.True(t, c.CostPerConversion.Equal(decimal.NewFromInt(50))) // 50 / 1
}

func TestCampaignROI_RejectsOutOfRangeWindow(t *testing.T) {
	svc, _, _, _, _ := reportingFixture()
	_, err := svc.CampaignROI(context.Background(), 1000)
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestStats_TrailingWindows(t *testing.T) {
	svc, _, _, _, _ := reportingFixture()

	resp, err := svc.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(120), resp.TotalEvents)
	require.Equal(t, int64(100), resp.ValidEvents)

	// sess-2 started exactly 24h ago and sits on the window boundary;
	// sess-1 at 48h is outside.
	require.Equal(t, int64(1), resp.Last24h.Sessions)
	require.Equal(t, int64(1), resp.Last24h.Conversions)
	require.Equal(t, int64(1), resp.Last24h.UniqueUsers)
	require.True(t, resp.Last24h.Revenue.Equal(decimal.NewFromInt(200)))
	require.Zero(t, resp.LastHour.Sessions)

	require.Equal(t, "run-1", resp.LastRunID)
}

func newReportingRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	svc.RegisterRoutes(r)
	return r
}

func TestHandleAttribution_BadModelReturns400(t *testing.T) {
	svc, _, _, _, _ := reportingFixture()
	router := newReportingRouter(svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/attribution?model=quantum", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_query")
}

func TestHandleJourney_UnknownUserReturns404(t *testing.T) {
	svc, _, _, _, _ := reportingFixture()
	router := newReportingRouter(svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/journey/nobody", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStats_ReturnsCounters(t *testing.T) {
	svc, _, _, _, _ := reportingFixture()
	router := newReportingRouter(svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"total_events":120`)
	require.Contains(t, w.Body.String(), `"last_run_id":"run-1"`)
}
