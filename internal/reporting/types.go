package reporting

import (
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/session"
	"github.com/meridian-lab/project-meridian/internal/core/touchpoint"
	"github.com/shopspring/decimal"
)

// SessionView is the API shape of one session aggregate.
type SessionView struct {
	SessionID       string          `json:"session_id"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         time.Time       `json:"ended_at"`
	DurationSeconds int64           `json:"duration_seconds"`
	EventCount      int64           `json:"event_count"`
	PageViews       int64           `json:"page_views"`
	IsBounce        bool            `json:"is_bounce"`
	IsConversion    bool            `json:"is_conversion"`
	Revenue         decimal.Decimal `json:"revenue"`
	LandingPage     string          `json:"landing_page,omitempty"`
	ExitPage        string          `json:"exit_page,omitempty"`
	UTMSource       string          `json:"utm_source,omitempty"`
	UTMMedium       string          `json:"utm_medium,omitempty"`
	UTMCampaign     string          `json:"utm_campaign,omitempty"`
	Referrer        string          `json:"referrer,omitempty"`
}

// JourneyResponse is a user's full session history with the derived
// touchpoint index.
type JourneyResponse struct {
	UserID      string                  `json:"user_id"`
	Sessions    []SessionView           `json:"sessions"`
	Touchpoints []touchpoint.Touchpoint `json:"touchpoints"`
	Conversions int64                   `json:"conversions"`
	Revenue     decimal.Decimal         `json:"total_revenue"`
}

// WindowStats is the activity summary over one trailing window.
type WindowStats struct {
	Events      int64           `json:"events"`
	UniqueUsers int64           `json:"unique_users"`
	Sessions    int64           `json:"sessions"`
	Conversions int64           `json:"conversions"`
	Revenue     decimal.Decimal `json:"revenue"`
}

// StatsResponse is the operational counters snapshot: lifetime totals plus
// trailing 1h/24h activity windows.
type StatsResponse struct {
	TotalEvents   int64       `json:"total_events"`
	ValidEvents   int64       `json:"valid_events"`
	TotalSessions int64       `json:"total_sessions"`
	Conversions   int64       `json:"conversions"`
	LastHour      WindowStats `json:"last_hour"`
	Last24h       WindowStats `json:"last_24h"`
	LastRunID     string      `json:"last_run_id,omitempty"`
	LastRunAt     *time.Time  `json:"last_run_at,omitempty"`
}

// CampaignROI joins one campaign's ad spend with its attributed outcomes.
type CampaignROI struct {
	Campaign    string          `json:"campaign"`
	Cost        decimal.Decimal `json:"cost"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`

	Visits      int64           `json:"visits"` // sessions carrying the campaign tag
	Conversions int64           `json:"conversions"`
	Revenue     decimal.Decimal `json:"attributed_revenue"` // last-touch

	// ROAS is attributed revenue per unit cost. Zero when there is no spend.
	ROAS              decimal.Decimal `json:"roas"`
	CostPerConversion decimal.Decimal `json:"cost_per_conversion"`
	// ClickToVisitRate is tracked visits per feed click, a feed-vs-measurement
	// consistency signal.
	ClickToVisitRate float64 `json:"click_to_visit_rate"`
}

// ROIResponse is the campaign ROI report over an analysis window.
type ROIResponse struct {
	AnalysisDays int           `json:"analysis_days"`
	Campaigns    []CampaignROI `json:"campaigns"`
}

func sessionView(s *session.Session) SessionView {
	return SessionView{
		SessionID:       s.ID,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.DurationSeconds,
		EventCount:      s.EventCount,
		PageViews:       s.PageViews,
		IsBounce:        s.IsBounce,
		IsConversion:    s.IsConversion,
		Revenue:         s.Revenue,
		LandingPage:     s.LandingPage,
		ExitPage:        s.ExitPage,
		UTMSource:       s.UTMSource,
		UTMMedium:       s.UTMMedium,
		UTMCampaign:     s.UTMCampaign,
		Referrer:        s.Referrer,
	}
}
