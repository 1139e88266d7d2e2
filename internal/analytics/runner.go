// Package analytics is the batch recompute pass: attribution, funnels,
// cohort retention, and RFM segmentation over the lookback window. Each run
// rebuilds every result family from scratch and swaps them in atomically
// under a fresh run id, so a re-run over unchanged data produces identical
// results.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/meridian-lab/project-meridian/internal/core/attribution"
	"github.com/meridian-lab/project-meridian/internal/core/cohort"
	"github.com/meridian-lab/project-meridian/internal/core/funnel"
	"github.com/meridian-lab/project-meridian/internal/core/identity"
	"github.com/meridian-lab/project-meridian/internal/core/rfm"
	"github.com/meridian-lab/project-meridian/internal/core/session"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
	"github.com/meridian-lab/project-meridian/internal/core/touchpoint"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RunParameter controls the scope of one analytical run.
type RunParameter struct {
	LookbackDays int
	FunnelWindow time.Duration
	CohortDays   int
	Funnels      []funnel.Definition
	// TimeBudget cancels a run that overstays. Zero means no budget.
	TimeBudget time.Duration
}

// DefaultRunOptions returns the defaults used when config leaves a knob
// unset.
func DefaultRunOptions() RunParameter {
	return RunParameter{
		LookbackDays: 30,
		FunnelWindow: 7 * 24 * time.Hour,
		CohortDays:   30,
		TimeBudget:   5 * time.Minute,
	}
}

func (o RunParameter) normalized() RunParameter {
	n := o
	if n.LookbackDays <= 0 {
		n.LookbackDays = 30
	}
	if n.FunnelWindow <= 0 {
		n.FunnelWindow = 7 * 24 * time.Hour
	}
	if n.CohortDays <= 0 {
		n.CohortDays = 30
	}
	return n
}

// Runner executes analytical recomputes against the stores.
type Runner struct {
	events   storage.EventStore
	sessions storage.SessionStore
	profiles storage.ProfileStore
	derived  storage.DerivedStore
	resolver *identity.Resolver
	opts     RunParameter
}

// NewRunner creates a Runner.
func NewRunner(
	events storage.EventStore,
	sessions storage.SessionStore,
	profiles storage.ProfileStore,
	derived storage.DerivedStore,
	resolver *identity.Resolver,
	opts RunParameter,
) *Runner {
	if events == nil || sessions == nil || profiles == nil || derived == nil || resolver == nil {
		panic("analytics: all stores and the resolver are required")
	}
	return &Runner{
		events:   events,
		sessions: sessions,
		profiles: profiles,
		derived:  derived,
		resolver: resolver,
		opts:     opts.normalized(),
	}
}

// RunOnce executes one full recompute and swaps the results in.
func (r *Runner) RunOnce(ctx context.Context) error {
	if r.opts.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.TimeBudget)
		defer cancel()
	}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -r.opts.LookbackDays)
	started := time.Now()

	sessions, err := r.sessions.ListSessionsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("analytics run: list sessions: %w", err)
	}
	events, err := r.events.RetrieveValidEventsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("analytics run: list events: %w", err)
	}
	profiles, err := r.profiles.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("analytics run: list profiles: %w", err)
	}

	byUser := r.groupSessionsByUser(sessions)

	run := storage.AnalyticsRun{
		RunID:       uuid.NewString(),
		GeneratedAt: now,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		run.Attribution = attributionReports(byUser)
		return gctx.Err()
	})
	g.Go(func() error {
		run.Funnels = funnelReports(r.opts.Funnels, r.journeysFromEvents(events), r.opts.FunnelWindow)
		return gctx.Err()
	})
	g.Go(func() error {
		run.Cohorts = cohort.Compute(cohortActivities(byUser), r.opts.CohortDays)
		return gctx.Err()
	})
	g.Go(func() error {
		run.Segments = segmentProfiles(profiles, now)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("analytics run: %w", err)
	}

	if err := r.derived.SwapRun(ctx, run); err != nil {
		return fmt.Errorf("analytics run: swap results: %w", err)
	}
	if err := r.profiles.UpdateSegments(ctx, profiles); err != nil {
		return fmt.Errorf("analytics run: update segments: %w", err)
	}

	slog.Info("[Analytics] Run complete",
		"run_id", run.RunID,
		"sessions", len(sessions),
		"events", len(events),
		"profiles", len(profiles),
		"attribution_models", len(run.Attribution),
		"funnels", len(run.Funnels),
		"cohorts", len(run.Cohorts),
		"elapsed", time.Since(started),
	)
	return nil
}

// groupSessionsByUser buckets sessions by canonical identity.
func (r *Runner) groupSessionsByUser(sessions []*session.Session) map[string][]*session.Session {
	byUser := make(map[string][]*session.Session)
	for _, s := range sessions {
		user := r.resolver.Canonical(s.AnonymousID, s.UserID)
		if user == "" {
			continue
		}
		byUser[user] = append(byUser[user], s)
	}
	return byUser
}

// journeysFromEvents reduces the event window to per-user funnel journeys.
func (r *Runner) journeysFromEvents(events []*v1.Event) []funnel.Journey {
	steps := make(map[string][]funnel.Step)
	for _, evt := range events {
		user := r.resolver.Canonical(evt.AnonymousID, evt.UserID)
		if user == "" {
			continue
		}
		steps[user] = append(steps[user], funnel.Step{Type: evt.Type, At: evt.Timestamp})
	}

	journeys := make([]funnel.Journey, 0, len(steps))
	for user, s := range steps {
		journeys = append(journeys, funnel.Journey{UserID: user, Steps: s})
	}
	return journeys
}

// attributionReports builds one report per registered model over every
// user's conversion journeys.
func attributionReports(byUser map[string][]*session.Session) []attribution.Report {
	var journeys []attribution.Journey
	for user, sessions := range byUser {
		tps := touchpoint.Build(sessions)
		for _, s := range sessions {
			if !s.IsConversion {
				continue
			}
			journeys = append(journeys, attribution.Journey{
				Conversion: attribution.Conversion{
					SessionID: s.ID,
					UserID:    user,
					At:        s.StartedAt,
					Revenue:   s.Revenue,
				},
				Touchpoints: touchesBefore(tps, s.StartedAt),
			})
		}
	}

	reports := make([]attribution.Report, 0, len(attribution.Models))
	for _, name := range attribution.ModelNames() {
		reports = append(reports, attribution.Apply(attribution.Models[name], journeys))
	}
	return reports
}

// touchesBefore returns the chronological prefix of touchpoints at or before
// the conversion moment. The converting session's own touch is included.
func touchesBefore(tps []touchpoint.Touchpoint, at time.Time) []touchpoint.Touchpoint {
	end := len(tps)
	for i, tp := range tps {
		if tp.At.After(at) {
			end = i
			break
		}
	}
	return tps[:end]
}

func funnelReports(defs []funnel.Definition, journeys []funnel.Journey, window time.Duration) []funnel.Report {
	reports := make([]funnel.Report, 0, len(defs))
	for _, def := range defs {
		reports = append(reports, funnel.Analyze(def, journeys, window))
	}
	return reports
}

// cohortActivities reduces sessions to the touches retention needs.
func cohortActivities(byUser map[string][]*session.Session) []cohort.Activity {
	var activities []cohort.Activity
	for user, sessions := range byUser {
		for _, s := range sessions {
			activities = append(activities, cohort.Activity{
				UserID:  user,
				At:      s.StartedAt,
				Revenue: s.Revenue,
			})
		}
	}
	return activities
}

// segmentProfiles scores every profile in place and returns the run rows.
func segmentProfiles(profiles []*storage.Profile, now time.Time) []storage.SegmentRow {
	rows := make([]storage.SegmentRow, 0, len(profiles))
	for _, p := range profiles {
		res := rfm.Segment(rfm.Input{
			LastSeen:     p.LastSeen,
			SessionCount: p.TotalSessions,
			TotalRevenue: p.TotalRevenue,
		}, now)

		p.RecencyScore = res.Scores.Recency
		p.FrequencyScore = res.Scores.Frequency
		p.MonetaryScore = res.Scores.Monetary
		p.Segment = res.Segment
		p.PredictedLTV = res.LTV

		rows = append(rows, storage.SegmentRow{UserID: p.UserID, Result: res})
	}
	return rows
}
