package funnel

import (
	"sort"
	"time"
)

// Step is one event in a user's journey, reduced to what funnel analysis
// needs.
type Step struct {
	Type string
	At   time.Time
}

// Journey is a single user's event history. Steps may arrive unsorted; the
// analyzer orders them by timestamp.
type Journey struct {
	UserID string
	Steps  []Step
}

// StageResult is the computed outcome for one funnel stage.
type StageResult struct {
	Stage int    `json:"stage"`
	Event string `json:"event"`
	Users int64  `json:"users"`
	// ConversionRate is the percent of previous-stage users who reached
	// this stage; stage 1 is 100 whenever anyone entered. DropOffRate is
	// its complement: conversion + drop-off = 100 at every stage past the
	// first.
	ConversionRate float64 `json:"conversion_rate"`
	DropOffRate    float64 `json:"drop_off_rate"`
	AvgHoursToNext float64 `json:"avg_hours_to_next"`
}

// Report is the result of analyzing one funnel over a set of journeys.
type Report struct {
	Funnel      string        `json:"funnel"`
	Fingerprint string        `json:"fingerprint"`
	Window      time.Duration `json:"-"`
	Stages      []StageResult `json:"stages"`
}

// Analyze computes monotonic stage progression for each journey. A user is
// counted at stage k only if they completed stages 1..k in order, each stage
// strictly after the previous one and within window of funnel entry. Only
// the first entry into the funnel is considered; re-entries are not modeled.
func Analyze(def Definition, journeys []Journey, window time.Duration) Report {
	stageCount := len(def.Stages)
	users := make([]int64, stageCount)
	// Per-transition sums of hours, for users who made the transition.
	hoursToNext := make([]float64, stageCount)
	transitions := make([]int64, stageCount)

	for _, j := range journeys {
		times := stageTimes(def, j, window)
		for k, t := range times {
			if t.IsZero() {
				break
			}
			users[k]++
			if k > 0 {
				hoursToNext[k-1] += times[k].Sub(times[k-1]).Hours()
				transitions[k-1]++
			}
		}
	}

	stages := make([]StageResult, stageCount)
	for k := 0; k < stageCount; k++ {
		res := StageResult{Stage: k + 1, Event: def.Stages[k], Users: users[k]}
		if k == 0 {
			if users[0] > 0 {
				res.ConversionRate = 100
			}
		} else if users[k-1] > 0 {
			res.ConversionRate = round2(float64(users[k]) / float64(users[k-1]) * 100)
			res.DropOffRate = round2(float64(users[k-1]-users[k]) / float64(users[k-1]) * 100)
		}
		if transitions[k] > 0 {
			res.AvgHoursToNext = round2(hoursToNext[k] / float64(transitions[k]))
		}
		stages[k] = res
	}

	return Report{Funnel: def.Name, Fingerprint: def.Fingerprint, Window: window, Stages: stages}
}

// stageTimes walks a journey and returns the completion time of each stage
// reached, zero time for stages not reached. Progression stops at the first
// unreached stage.
func stageTimes(def Definition, j Journey, window time.Duration) []time.Time {
	steps := make([]Step, len(j.Steps))
	copy(steps, j.Steps)
	sort.Slice(steps, func(a, b int) bool { return steps[a].At.Before(steps[b].At) })

	times := make([]time.Time, len(def.Stages))
	stage := 0
	var entry time.Time
	for _, s := range steps {
		if stage >= len(def.Stages) {
			break
		}
		if s.Type != def.Stages[stage] {
			continue
		}
		if stage == 0 {
			entry = s.At
		} else {
			if !s.At.After(times[stage-1]) {
				continue
			}
			if window > 0 && s.At.Sub(entry) > window {
				break
			}
		}
		times[stage] = s.At
		stage++
	}
	return times
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
