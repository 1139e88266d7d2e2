// Package rfm scores users on recency, frequency, and monetary value and
// assigns a segment label. Scoring uses fixed thresholds; segmentation is a
// priority-ordered decision list evaluated top-down, first match wins, so
// every (R,F,M) triple maps to exactly one segment.
package rfm

import (
	"time"

	"github.com/shopspring/decimal"
)

// Segment labels, in decision-list priority order.
const (
	SegmentChampions          = "champions"
	SegmentLoyalCustomers     = "loyal_customers"
	SegmentNewCustomers       = "new_customers"
	SegmentPotentialLoyalists = "potential_loyalists"
	SegmentAtRisk             = "at_risk"
	SegmentCannotLoseThem     = "cannot_lose_them"
	SegmentHibernating        = "hibernating"
	SegmentOthers             = "others"
)

// Input is the per-user aggregate the segmenter scores.
type Input struct {
	LastSeen     time.Time
	SessionCount int64
	TotalRevenue decimal.Decimal
}

// Scores holds the three 1-5 component scores.
type Scores struct {
	Recency   int `json:"recency"`
	Frequency int `json:"frequency"`
	Monetary  int `json:"monetary"`
}

// Result is the full segmentation outcome for one user.
type Result struct {
	Scores  Scores          `json:"scores"`
	Segment string          `json:"segment"`
	LTV     decimal.Decimal `json:"predicted_ltv"`
}

// RecencyScore buckets days since last visit. 5 is best.
func RecencyScore(daysSinceLastVisit int) int {
	switch {
	case daysSinceLastVisit <= 7:
		return 5
	case daysSinceLastVisit <= 30:
		return 4
	case daysSinceLastVisit <= 90:
		return 3
	case daysSinceLastVisit <= 180:
		return 2
	default:
		return 1
	}
}

// FrequencyScore buckets lifetime session count.
func FrequencyScore(sessions int64) int {
	switch {
	case sessions >= 20:
		return 5
	case sessions >= 10:
		return 4
	case sessions >= 5:
		return 3
	case sessions >= 2:
		return 2
	default:
		return 1
	}
}

// MonetaryScore buckets lifetime revenue.
func MonetaryScore(revenue decimal.Decimal) int {
	switch {
	case revenue.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return 5
	case revenue.GreaterThanOrEqual(decimal.NewFromInt(500)):
		return 4
	case revenue.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return 3
	case revenue.GreaterThanOrEqual(decimal.NewFromInt(10)):
		return 2
	default:
		return 1
	}
}

// segmentRule is one predicate in the decision list.
type segmentRule struct {
	label string
	match func(s Scores) bool
}

var segmentChain = []segmentRule{
	{SegmentChampions, func(s Scores) bool { return s.Recency >= 4 && s.Frequency >= 4 && s.Monetary >= 4 }},
	{SegmentLoyalCustomers, func(s Scores) bool { return s.Recency >= 3 && s.Frequency >= 3 && s.Monetary >= 3 }},
	{SegmentNewCustomers, func(s Scores) bool { return s.Recency >= 4 && s.Frequency <= 2 }},
	{SegmentPotentialLoyalists, func(s Scores) bool { return s.Recency >= 3 && s.Monetary >= 3 }},
	{SegmentAtRisk, func(s Scores) bool { return s.Frequency >= 3 && s.Monetary >= 3 }},
	{SegmentCannotLoseThem, func(s Scores) bool { return s.Recency <= 2 && s.Frequency >= 3 }},
	{SegmentHibernating, func(s Scores) bool { return s.Recency <= 2 && s.Frequency <= 2 && s.Monetary >= 3 }},
}

// SegmentFor maps a score triple to its segment label. Pure function.
func SegmentFor(s Scores) string {
	for _, r := range segmentChain {
		if r.match(s) {
			return r.label
		}
	}
	return SegmentOthers
}

// PredictLTV estimates lifetime value:
// total_revenue + avg_session_revenue * frequency_score * 2.
func PredictLTV(totalRevenue decimal.Decimal, sessions int64, frequencyScore int) decimal.Decimal {
	if sessions <= 0 {
		return totalRevenue.Round(2)
	}
	avg := totalRevenue.Div(decimal.NewFromInt(sessions))
	return totalRevenue.Add(avg.Mul(decimal.NewFromInt(int64(frequencyScore) * 2))).Round(2)
}

// Segment scores a user aggregate as of now and returns the full result.
func Segment(in Input, now time.Time) Result {
	days := int(now.Sub(in.LastSeen).Hours() / 24)
	if days < 0 {
		days = 0
	}
	scores := Scores{
		Recency:   RecencyScore(days),
		Frequency: FrequencyScore(in.SessionCount),
		Monetary:  MonetaryScore(in.TotalRevenue),
	}
	return Result{
		Scores:  scores,
		Segment: SegmentFor(scores),
		LTV:     PredictLTV(in.TotalRevenue, in.SessionCount, scores.Frequency),
	}
}
