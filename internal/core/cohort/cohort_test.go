package cohort

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func day(d int, hour int) time.Time {
	return time.Date(2025, 6, 1+d, hour, 0, 0, 0, time.UTC)
}

func act(user string, at time.Time, revenue int64) Activity {
	return Activity{UserID: user, At: at, Revenue: decimal.NewFromInt(revenue)}
}

func TestCompute_RetentionCurve(t *testing.T) {
	activities := []Activity{
		// Cohort 2025-06-01: u1 and u2.
		act("u1", day(0, 9), 0),
		act("u2", day(0, 14), 0),
		// Day 1: only u1 returns.
		act("u1", day(1, 10), 0),
		// Day 2: both return.
		act("u1", day(2, 10), 0),
		act("u2", day(2, 18), 0),
	}

	rows := Compute(activities, 3)
	require.Len(t, rows, 1)
	row := rows[0]
	require.Equal(t, "2025-06-01", row.CohortDate)
	require.Equal(t, int64(2), row.Size)
	require.Equal(t, []float64{100, 50, 100}, row.Retention)
}

func TestCompute_MultipleCohortsSorted(t *testing.T) {
	activities := []Activity{
		act("u2", day(1, 9), 0),
		act("u1", day(0, 9), 0),
	}
	rows := Compute(activities, 2)
	require.Len(t, rows, 2)
	require.Equal(t, "2025-06-01", rows[0].CohortDate)
	require.Equal(t, "2025-06-02", rows[1].CohortDate)
	require.Equal(t, int64(1), rows[0].Size)
}

func TestCompute_CumulativeRevenueNonDecreasing(t *testing.T) {
	activities := []Activity{
		act("u1", day(0, 9), 100),
		act("u1", day(1, 9), 0),
		act("u1", day(2, 9), 50),
	}
	rows := Compute(activities, 3)
	require.Len(t, rows, 1)
	rev := rows[0].CumulativeRevenue
	require.True(t, rev[0].Equal(decimal.NewFromInt(100)))
	require.True(t, rev[1].Equal(decimal.NewFromInt(100)), "quiet day carries the running total")
	require.True(t, rev[2].Equal(decimal.NewFromInt(150)))
	for d := 1; d < len(rev); d++ {
		require.True(t, rev[d].GreaterThanOrEqual(rev[d-1]))
	}
}

func TestCompute_RevenuePerUser(t *testing.T) {
	// Cohort of two: 100 on day 0, nothing on day 1, 25 on day 2.
	activities := []Activity{
		act("u1", day(0, 9), 60),
		act("u2", day(0, 14), 40),
		act("u1", day(2, 9), 25),
	}
	rows := Compute(activities, 3)
	require.Len(t, rows, 1)
	perUser := rows[0].RevenuePerUser
	require.Len(t, perUser, 3)
	require.True(t, perUser[0].Equal(decimal.NewFromInt(50)))
	require.True(t, perUser[1].IsZero(), "quiet day divides zero revenue")
	require.True(t, perUser[2].Equal(decimal.NewFromFloat(12.5)))
}

func TestCompute_RetentionBounded(t *testing.T) {
	activities := []Activity{
		// Several touches by the same user in one day count once.
		act("u1", day(0, 9), 0),
		act("u1", day(0, 10), 0),
		act("u1", day(0, 11), 0),
	}
	rows := Compute(activities, 2)
	require.Equal(t, []float64{100, 0}, rows[0].Retention)
	require.Equal(t, int64(1), rows[0].Size)
}

func TestCompute_HorizonCutsOffLateActivity(t *testing.T) {
	activities := []Activity{
		act("u1", day(0, 9), 10),
		act("u1", day(5, 9), 99), // past the 3-day horizon
	}
	rows := Compute(activities, 3)
	require.Len(t, rows, 1)
	require.True(t, rows[0].CumulativeRevenue[2].Equal(decimal.NewFromInt(10)))
}

func TestCompute_Empty(t *testing.T) {
	require.Nil(t, Compute(nil, 30))
	require.Nil(t, Compute([]Activity{act("u1", day(0, 9), 0)}, 0))
}
