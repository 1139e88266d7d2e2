// Package reporting is the read side: journeys, published analytical
// results, campaign ROI, quality reports, and operational stats. All
// analytical reads go through the latest published run; reporting never
// recomputes.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

	"github.com/shopspring/decimal"
)

// ErrInvalidQuery marks request validation errors that should return HTTP 400.
var ErrInvalidQuery = errors.New("invalid query")

const (
	defaultAnalysisDays = 30
	maxAnalysisDays     = 365
	defaultRecentIssues = 50
)

// Service implements the reporting/query layer.
type Service struct {
	events   storage.EventStore
	sessions storage.SessionStore
	profiles storage.ProfileStore
	derived  storage.DerivedStore
	spend    storage.AdSpendStore
	quality  *quality.Monitor
	resolver *identity.Resolver
	nowFn    func() time.Time
}

// NewService creates a new reporting service.
func NewService(
	events storage.EventStore,
	sessions storage.SessionStore,
	profiles storage.ProfileStore,
	derived storage.DerivedStore,
	spend storage.AdSpendStore,
	monitor *quality.Monitor,
	resolver *identity.Resolver,
) *Service {
	return &Service{
		events:   events,
		sessions: sessions,
		profiles: profiles,
		derived:  derived,
		spend:    spend,
		quality:  monitor,
		resolver: resolver,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Journey returns a user's session history with the touchpoint index. The
// id is resolved through the identity table first, so an anonymous id with
// a known link reports the canonical user's journey.
func (s *Service) Journey(ctx context.Context, userID string) (*JourneyResponse, error) {
	if userID == "" {
		return nil, invalidQueryf("user_id is required")
	}
	canonical := s.resolver.Canonical(userID, "")

	sessions, err := s.sessions.ListSessionsByUser(ctx, canonical)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", canonical, err)
	}
	if len(sessions) == 0 {
		return nil, storage.ErrNotFound
	}

	resp := &JourneyResponse{
		UserID:      canonical,
		Sessions:    make([]SessionView, 0, len(sessions)),
		Touchpoints: touchpoint.Build(sessions),
		Revenue:     decimal.Zero,
	}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, sessionView(sess))
		if sess.IsConversion {
			resp.Conversions++
		}
		resp.Revenue = resp.Revenue.Add(sess.Revenue)
	}
	resp.Revenue = resp.Revenue.Round(2)
	return resp, nil
}

// Attribution returns the latest published report for one model.
func (s *Service) Attribution(ctx context.Context, model string) (*attribution.Report, error) {
	if model == "" {
		model = attribution.ModelLastTouch
	}
	if _, ok := attribution.Models[model]; !ok {
		return nil, invalidQueryf("unknown model %q (one of %v)", model, attribution.ModelNames())
	}
	return s.derived.LatestAttribution(ctx, model)
}

// Funnels returns the latest published funnel reports.
func (s *Service) Funnels(ctx context.Context) ([]funnel.Report, error) {
	return s.derived.LatestFunnels(ctx)
}

// Cohorts returns the latest published retention matrix.
func (s *Service) Cohorts(ctx context.Context) ([]cohort.Row, error) {
	return s.derived.LatestCohorts(ctx)
}

// Segments returns the latest published segmentation rows.
func (s *Service) Segments(ctx context.Context) ([]storage.SegmentRow, error) {
	return s.derived.LatestSegments(ctx)
}

// Profile returns one user profile, resolved through the identity table.
func (s *Service) Profile(ctx context.Context, userID string) (*storage.Profile, error) {
	if userID == "" {
		return nil, invalidQueryf("user_id is required")
	}
	return s.profiles.GetProfile(ctx, s.resolver.Canonical(userID, ""))
}

// Quality returns the windowed data-quality report. Defaults to the last
// 24 hours when no window is requested.
func (s *Service) Quality(ctx context.Context, windowDays int) (*quality.Report, error) {
	if windowDays < 0 {
		return nil, invalidQueryf("days must not be negative")
	}
	if windowDays == 0 {
		windowDays = 1
	}
	return s.quality.BuildReport(ctx, windowDays, defaultRecentIssues)
}

// Stats returns the operational counters snapshot.
func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	totalEvents, validEvents, err := s.events.CountEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	totalSessions, conversions, err := s.sessions.CountSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	now := s.nowFn()
	events, err := s.events.RetrieveValidEventsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("load recent events: %w", err)
	}
	sessions, err := s.sessions.ListSessionsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("load recent sessions: %w", err)
	}

	resp := &StatsResponse{
		TotalEvents:   totalEvents,
		ValidEvents:   validEvents,
		TotalSessions: totalSessions,
		Conversions:   conversions,
		LastHour:      windowStats(events, sessions, now.Add(-time.Hour)),
		Last24h:       windowStats(events, sessions, now.Add(-24*time.Hour)),
	}
	if runID, generatedAt, err := s.derived.LatestRun(ctx); err == nil {
		resp.LastRunID = runID
		resp.LastRunAt = &generatedAt
	}
	return resp, nil
}

// windowStats summarizes activity since the window bound. Unique users are
// counted from sessions: the canonical user id when linked, else the
// anonymous id.
func windowStats(events []*v1.Event, sessions []*session.Session, since time.Time) WindowStats {
	w := WindowStats{Revenue: decimal.Zero}
	for _, evt := range events {
		if !evt.Timestamp.Before(since) {
			w.Events++
		}
	}
	users := make(map[string]struct{})
	for _, sess := range sessions {
		if sess.StartedAt.Before(since) {
			continue
		}
		w.Sessions++
		if sess.IsConversion {
			w.Conversions++
		}
		w.Revenue = w.Revenue.Add(sess.Revenue)
		id := sess.UserID
		if id == "" {
			id = sess.AnonymousID
		}
		if id != "" {
			users[id] = struct{}{}
		}
	}
	w.UniqueUsers = int64(len(users))
	w.Revenue = w.Revenue.Round(2)
	return w
}

// CampaignROI joins the spend feed with last-touch attributed revenue and
// measured traffic over the analysis window.
func (s *Service) CampaignROI(ctx context.Context, analysisDays int) (*ROIResponse, error) {
	if analysisDays == 0 {
		analysisDays = defaultAnalysisDays
	}
	if analysisDays < 0 || analysisDays > maxAnalysisDays {
		return nil, invalidQueryf("analysis_days must be 1-%d", maxAnalysisDays)
	}
	since := s.nowFn().AddDate(0, 0, -analysisDays)

	spendRows, err := s.spend.SpendSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load spend: %w", err)
	}

	byCampaign := make(map[string]*CampaignROI)
	campaignFor := func(name string) *CampaignROI {
		c, ok := byCampaign[name]
		if !ok {
			c = &CampaignROI{
				Campaign:          name,
				Cost:              decimal.Zero,
				Revenue:           decimal.Zero,
				ROAS:              decimal.Zero,
				CostPerConversion: decimal.Zero,
			}
			byCampaign[name] = c
		}
		return c
	}

	for _, row := range spendRows {
		c := campaignFor(row.Campaign)
		c.Cost = c.Cost.Add(row.Cost)
		c.Impressions += row.Impressions
		c.Clicks += row.Clicks
	}

	// Measured traffic: sessions carrying the campaign tag.
	sessions, err := s.sessions.ListSessionsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, sess := range sessions {
		if sess.UTMCampaign == "" {
			continue
		}
		if _, tracked := byCampaign[sess.UTMCampaign]; !tracked {
			continue // sessions for campaigns without spend are not ROI rows
		}
		c := byCampaign[sess.UTMCampaign]
		c.Visits++
		if sess.IsConversion {
			c.Conversions++
		}
	}

	// Attributed revenue: last-touch channel credit per campaign.
	report, err := s.derived.LatestAttribution(ctx, attribution.ModelLastTouch)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load attribution: %w", err)
	}
	if report != nil {
		for _, ch := range report.Channels {
			if ch.Channel.Campaign == "" {
				continue
			}
			if c, tracked := byCampaign[ch.Channel.Campaign]; tracked {
				c.Revenue = c.Revenue.Add(ch.Revenue)
			}
		}
	}

	campaigns := make([]CampaignROI, 0, len(byCampaign))
	for _, c := range byCampaign {
		if c.Cost.IsPositive() {
			c.ROAS = c.Revenue.Div(c.Cost).Round(2)
		}
		if c.Conversions > 0 {
			c.CostPerConversion = c.Cost.Div(decimal.NewFromInt(c.Conversions)).Round(2)
		}
		if c.Clicks > 0 {
			c.ClickToVisitRate = round2(float64(c.Visits) / float64(c.Clicks))
		}
		c.Revenue = c.Revenue.Round(2)
		campaigns = append(campaigns, *c)
	}
	sort.Slice(campaigns, func(i, j int) bool {
		if !campaigns[i].Revenue.Equal(campaigns[j].Revenue) {
			return campaigns[i].Revenue.GreaterThan(campaigns[j].Revenue)
		}
		return campaigns[i].Campaign < campaigns[j].Campaign
	})

	return &ROIResponse{AnalysisDays: analysisDays, Campaigns: campaigns}, nil
}

func invalidQueryf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
