package session

import (
	"testing"
	"time"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func pageView(id, url string, offset time.Duration) *v1.Event {
	return &v1.Event{
		ID:          id,
		Type:        EventTypePageView,
		AnonymousID: "anon-1",
		SessionID:   "sess-1",
		Timestamp:   t0.Add(offset),
		PageURL:     url,
	}
}

func TestFold_TwoPageViews(t *testing.T) {
	events := []*v1.Event{
		pageView("e1", "https://shop.example.com/", 0),
		pageView("e2", "https://shop.example.com/products", 10*time.Second),
	}

	s := Fold(nil, events)
	require.Equal(t, "sess-1", s.ID)
	require.Equal(t, int64(2), s.PageViews)
	require.Equal(t, int64(2), s.EventCount)
	require.Equal(t, int64(10), s.DurationSeconds)
	require.False(t, s.IsBounce, "two page views can never bounce")
	require.False(t, s.IsConversion)
	require.Equal(t, "https://shop.example.com/", s.LandingPage)
	require.Equal(t, "https://shop.example.com/products", s.ExitPage)
}

func TestFold_SinglePageViewBounces(t *testing.T) {
	s := Fold(nil, []*v1.Event{pageView("e1", "https://shop.example.com/", 0)})
	require.True(t, s.IsBounce)
	require.Equal(t, int64(0), s.DurationSeconds)

	// A single page view followed by 40s of activity is no bounce.
	later := pageView("e2", "", 40*time.Second)
	later.Type = "scroll"
	s = Fold(s, []*v1.Event{later})
	require.Equal(t, int64(1), s.PageViews)
	require.False(t, s.IsBounce, "duration crossed the bounce bound")
}

func TestFold_ConversionOnRevenue(t *testing.T) {
	purchase := pageView("e2", "", 5*time.Minute)
	purchase.Type = "purchase"
	purchase.Revenue = v1.NewMoney(decimal.NewFromFloat(49.99))

	s := Fold(nil, []*v1.Event{pageView("e1", "https://shop.example.com/", 0), purchase})
	require.True(t, s.IsConversion)
	require.True(t, s.Revenue.Equal(decimal.NewFromFloat(49.99)))
}

func TestFold_EarliestAttributionWins(t *testing.T) {
	later := pageView("e2", "https://shop.example.com/b", 5*time.Minute)
	later.UTMSource = "newsletter"
	later.UTMMedium = "email"

	earlier := pageView("e1", "https://shop.example.com/a", 0)
	earlier.UTMSource = "google"
	earlier.UTMMedium = "cpc"
	earlier.UTMCampaign = "summer"

	// Later event folds first: out-of-order arrival.
	s := Fold(nil, []*v1.Event{later})
	require.Equal(t, "newsletter", s.UTMSource)

	s = Fold(s, []*v1.Event{earlier})
	require.Equal(t, "google", s.UTMSource)
	require.Equal(t, "cpc", s.UTMMedium)
	require.Equal(t, "summer", s.UTMCampaign)
	require.Equal(t, "https://shop.example.com/a", s.LandingPage)
	require.Equal(t, "https://shop.example.com/b", s.ExitPage)
}

func TestFold_OrderInsensitive(t *testing.T) {
	a := pageView("e1", "https://shop.example.com/a", 0)
	a.UTMSource = "google"
	b := pageView("e2", "https://shop.example.com/b", time.Minute)
	c := pageView("e3", "https://shop.example.com/c", 2*time.Minute)

	forward := Fold(nil, []*v1.Event{a, b, c})
	reverse := Fold(nil, []*v1.Event{c, b, a})

	require.Equal(t, forward.LandingPage, reverse.LandingPage)
	require.Equal(t, forward.ExitPage, reverse.ExitPage)
	require.Equal(t, forward.DurationSeconds, reverse.DurationSeconds)
	require.Equal(t, forward.UTMSource, reverse.UTMSource)
	require.Equal(t, forward.PageViews, reverse.PageViews)
}

func TestClosedBy(t *testing.T) {
	s := Fold(nil, []*v1.Event{pageView("e1", "https://shop.example.com/", 0)})
	timeout := 30 * time.Minute

	require.False(t, s.ClosedBy(t0.Add(10*time.Minute), timeout))
	require.True(t, s.ClosedBy(t0.Add(31*time.Minute), timeout))

	end := pageView("e2", "", time.Minute)
	end.Type = EventTypeSessionEnd
	s = Fold(s, []*v1.Event{end})
	require.True(t, s.ClosedBy(t0.Add(2*time.Minute), timeout), "explicit session_end closes immediately")
}

func TestFold_UserIDPromotion(t *testing.T) {
	anon := pageView("e1", "https://shop.example.com/", 0)
	identified := pageView("e2", "https://shop.example.com/account", time.Minute)
	identified.UserID = "user-9"

	s := Fold(nil, []*v1.Event{anon, identified})
	require.Equal(t, "user-9", s.UserID)
	require.Equal(t, "anon-1", s.AnonymousID)
}
