package funnel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFunnelFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFunnelFile(t, dir, "checkout.yaml", `
name: checkout
stages:
  - page_view
  - add_to_cart
  - purchase
`)
	writeFunnelFile(t, dir, "signup.yml", `
name: signup
stages:
  - page_view
  - signup_start
  - signup_complete
`)
	writeFunnelFile(t, dir, "notes.txt", "ignored")
	writeFunnelFile(t, dir, "empty.yaml", "# placeholder\n")

	defs, err := LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	// Sorted by name.
	require.Equal(t, "checkout", defs[0].Name)
	require.Equal(t, "signup", defs[1].Name)
	require.Equal(t, []string{"page_view", "add_to_cart", "purchase"}, defs[0].Stages)
	require.Len(t, defs[0].Fingerprint, 64)
	require.NotEqual(t, defs[0].Fingerprint, defs[1].Fingerprint)
}

func TestLoadDefinitions_MissingDirIsEmpty(t *testing.T) {
	defs, err := LoadDefinitions(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, defs)
}

func TestLoadDefinitions_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"single stage", "name: short\nstages: [page_view]\n"},
		{"duplicate stage", "name: dup\nstages: [page_view, page_view]\n"},
		{"empty stage", "name: blank\nstages: [page_view, '']\n"},
		{"malformed yaml", "name: [unclosed\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFunnelFile(t, dir, "funnel.yaml", tc.content)
			_, err := LoadDefinitions(dir)
			require.Error(t, err)
		})
	}
}

func TestLoadDefinitions_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeFunnelFile(t, dir, "a.yaml", "name: checkout\nstages: [a, b]\n")
	writeFunnelFile(t, dir, "b.yaml", "name: checkout\nstages: [c, d]\n")
	_, err := LoadDefinitions(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate funnel name")
}

var checkoutFunnel = Definition{
	Name:   "checkout",
	Stages: []string{"page_view", "add_to_cart", "purchase"},
}

func at(min int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(min) * time.Minute)
}

func TestAnalyze_MonotonicProgression(t *testing.T) {
	journeys := []Journey{
		// Completes all three stages.
		{UserID: "u1", Steps: []Step{
			{Type: "page_view", At: at(0)},
			{Type: "add_to_cart", At: at(10)},
			{Type: "purchase", At: at(70)},
		}},
		// Stops after add_to_cart.
		{UserID: "u2", Steps: []Step{
			{Type: "page_view", At: at(0)},
			{Type: "add_to_cart", At: at(5)},
		}},
		// Purchased without add_to_cart: counts for stage 1 only.
		{UserID: "u3", Steps: []Step{
			{Type: "page_view", At: at(0)},
			{Type: "purchase", At: at(3)},
		}},
		// Out-of-funnel user.
		{UserID: "u4", Steps: []Step{
			{Type: "signup_start", At: at(0)},
		}},
	}

	report := Analyze(checkoutFunnel, journeys, 7*24*time.Hour)
	require.Equal(t, "checkout", report.Funnel)
	require.Len(t, report.Stages, 3)

	require.Equal(t, int64(3), report.Stages[0].Users)
	require.Equal(t, int64(2), report.Stages[1].Users)
	require.Equal(t, int64(1), report.Stages[2].Users)

	// Each rate is relative to the previous stage: 2 of 3 reached the
	// cart, 1 of 2 purchased.
	require.InDelta(t, 100.0, report.Stages[0].ConversionRate, 0.01)
	require.InDelta(t, 66.67, report.Stages[1].ConversionRate, 0.01)
	require.InDelta(t, 50.0, report.Stages[2].ConversionRate, 0.01)

	require.InDelta(t, 33.33, report.Stages[1].DropOffRate, 0.01)
	require.InDelta(t, 50.0, report.Stages[2].DropOffRate, 0.01)

	// Conversion and drop-off are complements at every stage past entry.
	for _, s := range report.Stages[1:] {
		require.InDelta(t, 100.0, s.ConversionRate+s.DropOffRate, 0.01)
	}

	// u1 took 10m, u2 5m to reach add_to_cart: avg 7.5m = 0.13h rounded.
	require.InDelta(t, 0.13, report.Stages[0].AvgHoursToNext, 0.01)
	// Only u1 reached purchase, 60m after add_to_cart.
	require.InDelta(t, 1.0, report.Stages[1].AvgHoursToNext, 0.01)
}

func TestAnalyze_OutOfOrderStepsAreSorted(t *testing.T) {
	journeys := []Journey{
		{UserID: "u1", Steps: []Step{
			{Type: "purchase", At: at(20)},
			{Type: "page_view", At: at(0)},
			{Type: "add_to_cart", At: at(10)},
		}},
	}
	report := Analyze(checkoutFunnel, journeys, 0)
	require.Equal(t, int64(1), report.Stages[2].Users)
}

func TestAnalyze_WindowCutsOffLateStages(t *testing.T) {
	journeys := []Journey{
		{UserID: "u1", Steps: []Step{
			{Type: "page_view", At: at(0)},
			{Type: "add_to_cart", At: at(30)},
			{Type: "purchase", At: at(120)},
		}},
	}
	report := Analyze(checkoutFunnel, journeys, time.Hour)
	require.Equal(t, int64(1), report.Stages[0].Users)
	require.Equal(t, int64(1), report.Stages[1].Users)
	require.Equal(t, int64(0), report.Stages[2].Users, "purchase fell outside the window")
}

func TestAnalyze_NoJourneys(t *testing.T) {
	report := Analyze(checkoutFunnel, nil, time.Hour)
	require.Len(t, report.Stages, 3)
	for _, s := range report.Stages {
		require.Zero(t, s.Users)
		require.Zero(t, s.ConversionRate)
	}
}
