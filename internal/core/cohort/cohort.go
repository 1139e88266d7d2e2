// Package cohort groups users by the UTC date they were first seen and
// tracks how each daily cohort retains and spends over the following days.
package cohort

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DateFormat is the cohort key layout.
const DateFormat = "2006-01-02"

// Activity is one user touch: a session or event reduced to what retention
// needs.
type Activity struct {
	UserID  string
	At      time.Time
	Revenue decimal.Decimal
}

// Row is one daily cohort's computed retention curve.
type Row struct {
	CohortDate string `json:"cohort_date"`
	Size       int64  `json:"size"`
	// Retention[d] is the percent of the cohort active d days after first
	// seen. Bounded to [0,100]; day 0 is 100 by construction.
	Retention []float64 `json:"retention"`
	// CumulativeRevenue[d] is the cohort's total revenue through elapsed
	// day d. Monotonically non-decreasing.
	CumulativeRevenue []decimal.Decimal `json:"cumulative_revenue"`
	// RevenuePerUser[d] is the revenue earned on elapsed day d divided by
	// the cohort size, so cohorts of different sizes compare directly.
	RevenuePerUser []decimal.Decimal `json:"revenue_per_user"`
}

// Compute builds daily cohorts over a horizon of days. Each user belongs to
// exactly one cohort: the UTC date of their earliest activity. Activity
// before a user's cohort date cannot exist; activity past the horizon is
// ignored.
func Compute(activities []Activity, days int) []Row {
	if days <= 0 || len(activities) == 0 {
		return nil
	}

	firstSeen := make(map[string]time.Time)
	for _, a := range activities {
		day := a.At.UTC().Truncate(24 * time.Hour)
		if seen, ok := firstSeen[a.UserID]; !ok || day.Before(seen) {
			firstSeen[a.UserID] = day
		}
	}

	type cohortAcc struct {
		users   map[string]bool
		active  []map[string]bool // per elapsed day
		revenue []decimal.Decimal // per elapsed day
	}
	cohorts := make(map[string]*cohortAcc)
	cohortFor := func(date string) *cohortAcc {
		c, ok := cohorts[date]
		if !ok {
			c = &cohortAcc{
				users:   make(map[string]bool),
				active:  make([]map[string]bool, days),
				revenue: make([]decimal.Decimal, days),
			}
			for d := 0; d < days; d++ {
				c.active[d] = make(map[string]bool)
				c.revenue[d] = decimal.Zero
			}
			cohorts[date] = c
		}
		return c
	}

	for _, a := range activities {
		first := firstSeen[a.UserID]
		elapsed := int(a.At.UTC().Truncate(24*time.Hour).Sub(first).Hours() / 24)
		if elapsed < 0 || elapsed >= days {
			continue
		}
		c := cohortFor(first.Format(DateFormat))
		c.users[a.UserID] = true
		c.active[elapsed][a.UserID] = true
		c.revenue[elapsed] = c.revenue[elapsed].Add(a.Revenue)
	}

	rows := make([]Row, 0, len(cohorts))
	for date, c := range cohorts {
		row := Row{
			CohortDate:        date,
			Size:              int64(len(c.users)),
			Retention:         make([]float64, days),
			CumulativeRevenue: make([]decimal.Decimal, days),
			RevenuePerUser:    make([]decimal.Decimal, days),
		}
		size := decimal.NewFromInt(int64(len(c.users)))
		running := decimal.Zero
		for d := 0; d < days; d++ {
			pct := float64(len(c.active[d])) / float64(len(c.users)) * 100
			if pct > 100 {
				pct = 100
			}
			row.Retention[d] = pct
			running = running.Add(c.revenue[d])
			row.CumulativeRevenue[d] = running.Round(2)
			row.RevenuePerUser[d] = c.revenue[d].Div(size).Round(2)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CohortDate < rows[j].CohortDate })
	return rows
}
