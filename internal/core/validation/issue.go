package validation

import (
	"fmt"
	"strings"
	"time"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
)

// Issue kinds, in check priority order. First match wins.
const (
	IssueMissingEventID     = "missing_event_id"
	IssueMissingAnonymousID = "missing_anonymous_id"
	IssueMissingSessionID   = "missing_session_id"
	IssueFutureEvent        = "future_event"
	IssueOldEvent           = "old_event"
	IssueInvalidURL         = "invalid_url"
	IssueBotTraffic         = "bot_traffic"
)

// Severity levels for quality-log records.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

const (
	// MaxFutureSkew is how far ahead of server time an event may claim to be.
	MaxFutureSkew = time.Hour
	// MaxEventAge is how far behind server time an event may claim to be.
	MaxEventAge = 7 * 24 * time.Hour
)

// Result is the validator's verdict on one event.
type Result struct {
	Valid    bool
	Issue    string
	Severity string
	Detail   string
}

// rule is one predicate in the classification chain.
type rule struct {
	issue    string
	severity string
	match    func(e *v1.Event, now time.Time) bool
	detail   func(e *v1.Event) string
}

// chain is the ordered classification list. Evaluated top-down, first match
// wins; an event that matches nothing is valid. The order is part of the
// contract — missing identifiers outrank timing, timing outranks URL shape.
var chain = []rule{
	{
		issue:    IssueMissingEventID,
		severity: SeverityCritical,
		match:    func(e *v1.Event, _ time.Time) bool { return e.ID == "" },
		detail:   func(_ *v1.Event) string { return "event has no event_id" },
	},
	{
		issue:    IssueMissingAnonymousID,
		severity: SeverityCritical,
		match:    func(e *v1.Event, _ time.Time) bool { return e.AnonymousID == "" },
		detail:   func(e *v1.Event) string { return fmt.Sprintf("event %s has no anonymous_id", e.ID) },
	},
	{
		issue:    IssueMissingSessionID,
		severity: SeverityCritical,
		match:    func(e *v1.Event, _ time.Time) bool { return e.SessionID == "" },
		detail:   func(e *v1.Event) string { return fmt.Sprintf("event %s has no session_id", e.ID) },
	},
	{
		issue:    IssueFutureEvent,
		severity: SeverityHigh,
		match: func(e *v1.Event, now time.Time) bool {
			return e.Timestamp.After(now.Add(MaxFutureSkew))
		},
		detail: func(e *v1.Event) string {
			return fmt.Sprintf("event %s timestamp %s is more than 1h in the future", e.ID, e.Timestamp.Format(time.RFC3339))
		},
	},
	{
		issue:    IssueOldEvent,
		severity: SeverityMedium,
		match: func(e *v1.Event, now time.Time) bool {
			return e.Timestamp.Before(now.Add(-MaxEventAge))
		},
		detail: func(e *v1.Event) string {
			return fmt.Sprintf("event %s timestamp %s is more than 7d old", e.ID, e.Timestamp.Format(time.RFC3339))
		},
	},
	{
		issue:    IssueInvalidURL,
		severity: SeverityHigh,
		match: func(e *v1.Event, _ time.Time) bool {
			return e.PageURL != "" && !validURL(e.PageURL)
		},
		detail: func(e *v1.Event) string {
			return fmt.Sprintf("event %s page_url %q is not http(s)", e.ID, e.PageURL)
		},
	},
	{
		issue:    IssueBotTraffic,
		severity: SeverityLow,
		match: func(e *v1.Event, _ time.Time) bool {
			return IsBotAgent(e.UserAgent)
		},
		detail: func(e *v1.Event) string {
			return fmt.Sprintf("event %s user_agent matched a bot signature", e.ID)
		},
	},
}

// Classify runs the chain against an already-cleaned event. Pure function:
// the same event and clock always produce the same result.
func Classify(e *v1.Event, now time.Time) Result {
	for _, r := range chain {
		if r.match(e, now) {
			return Result{Valid: false, Issue: r.issue, Severity: r.severity, Detail: r.detail(e)}
		}
	}
	return Result{Valid: true}
}

func validURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// botSignatures mirrors the producer-side crawler list. Matched
// case-insensitively as substrings of the user agent.
var botSignatures = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python-requests", "java/", "go-http-client",
}

// IsBotAgent reports whether the user agent looks like automated traffic.
func IsBotAgent(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	ua := strings.ToLower(userAgent)
	for _, sig := range botSignatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}
