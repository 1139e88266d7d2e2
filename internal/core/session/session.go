// Package session folds raw events into session aggregates. Folding is
// incremental and order-insensitive: bookkeeping timestamps carried on the
// aggregate keep earliest-wins and latest-wins fields correct when events
// arrive out of order across sweeps.
package session

import (
	"time"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/shopspring/decimal"
)

const (
	// BounceMaxDuration is the upper duration bound for a bounce. A session
	// bounces only when it has at most one page view AND lasted under this.
	BounceMaxDuration = 30 * time.Second

	// EventTypePageView and EventTypeSessionEnd are the event types the fold
	// treats specially.
	EventTypePageView   = "page_view"
	EventTypeSessionEnd = "session_end"
)

// Session is the per-session aggregate the sessionizer maintains.
type Session struct {
	ID          string
	AnonymousID string
	UserID      string // canonical identity at fold time

	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int64

	EventCount int64
	PageViews  int64

	IsBounce     bool
	IsConversion bool
	Revenue      decimal.Decimal
	Currency     string

	LandingPage string
	ExitPage    string
	Referrer    string

	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	UTMContent  string
	UTMTerm     string
	GCLID       string

	DeviceFingerprint string

	// Bookkeeping for order-insensitive folding. FirstTouchAt is the
	// timestamp of the event that supplied the attribution fields;
	// FirstPageAt/LastPageAt anchor landing and exit page selection.
	FirstTouchAt time.Time
	FirstPageAt  time.Time
	LastPageAt   time.Time

	// Ended is set when a session_end event was observed. Sessions without
	// one are closed by the inactivity timeout.
	Ended bool

	UpdatedAt time.Time
}

// Fold applies a batch of events to a session aggregate. A nil session
// starts a fresh one. Events must all carry the session's id; the fold is
// commutative over event order within and across batches.
func Fold(s *Session, events []*v1.Event) *Session {
	for _, e := range events {
		s = apply(s, e)
	}
	if s != nil {
		s.recompute()
	}
	return s
}

func apply(s *Session, e *v1.Event) *Session {
	if s == nil {
		s = &Session{
			ID:          e.SessionID,
			AnonymousID: e.AnonymousID,
			StartedAt:   e.Timestamp,
			EndedAt:     e.Timestamp,
			Revenue:     decimal.Zero,
		}
	}

	if e.Timestamp.Before(s.StartedAt) {
		s.StartedAt = e.Timestamp
	}
	if e.Timestamp.After(s.EndedAt) {
		s.EndedAt = e.Timestamp
	}

	s.EventCount++
	if e.Type == EventTypePageView {
		s.PageViews++
	}
	if e.Type == EventTypeSessionEnd {
		s.Ended = true
	}

	if e.UserID != "" {
		s.UserID = e.UserID
	}
	if s.DeviceFingerprint == "" {
		s.DeviceFingerprint = e.DeviceFingerprint
	}
	if s.Currency == "" {
		s.Currency = e.Currency
	}

	s.Revenue = s.Revenue.Add(e.RevenueAmount())

	// First-touch attribution: the earliest event carrying any attribution
	// signal wins, regardless of arrival order.
	if e.HasAttribution() && (s.FirstTouchAt.IsZero() || e.Timestamp.Before(s.FirstTouchAt)) {
		s.FirstTouchAt = e.Timestamp
		s.UTMSource = e.UTMSource
		s.UTMMedium = e.UTMMedium
		s.UTMCampaign = e.UTMCampaign
		s.UTMContent = e.UTMContent
		s.UTMTerm = e.UTMTerm
		s.GCLID = e.GCLID
		s.Referrer = e.ReferrerURL
	}

	if e.PageURL != "" {
		if s.FirstPageAt.IsZero() || e.Timestamp.Before(s.FirstPageAt) {
			s.FirstPageAt = e.Timestamp
			s.LandingPage = e.PageURL
		}
		if s.LastPageAt.IsZero() || !e.Timestamp.Before(s.LastPageAt) {
			s.LastPageAt = e.Timestamp
			s.ExitPage = e.PageURL
		}
	}

	return s
}

// recompute refreshes the derived fields after a fold.
func (s *Session) recompute() {
	s.DurationSeconds = int64(s.EndedAt.Sub(s.StartedAt).Seconds())
	s.IsBounce = s.PageViews <= 1 && s.EndedAt.Sub(s.StartedAt) < BounceMaxDuration
	s.IsConversion = s.Revenue.IsPositive()
}

// ClosedBy reports whether the session should be finalized: either an
// explicit session_end arrived, or no event has landed within the
// inactivity timeout.
func (s *Session) ClosedBy(now time.Time, timeout time.Duration) bool {
	if s.Ended {
		return true
	}
	return now.Sub(s.EndedAt) >= timeout
}
