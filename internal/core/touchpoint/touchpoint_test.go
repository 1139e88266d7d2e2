package touchpoint

import (
	"math"
	"testing"
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/session"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func sess(id string, start time.Time, source, medium, campaign, referrer string) *session.Session {
	return &session.Session{
		ID:          id,
		StartedAt:   start,
		UTMSource:   source,
		UTMMedium:   medium,
		UTMCampaign: campaign,
		Referrer:    referrer,
	}
}

func TestBuild_OrderAndIndex(t *testing.T) {
	sessions := []*session.Session{
		sess("s3", t0.Add(48*time.Hour), "newsletter", "email", "", ""),
		sess("s1", t0, "google", "cpc", "summer", ""),
		sess("s2", t0.Add(24*time.Hour), "", "", "", "https://blog.example.com/post"),
		sess("s4", t0.Add(72*time.Hour), "", "", "", ""), // no attribution, dropped
	}

	tps := Build(sessions)
	require.Len(t, tps, 3)
	require.Equal(t, []string{"s1", "s2", "s3"}, []string{tps[0].SessionID, tps[1].SessionID, tps[2].SessionID})
	for i, tp := range tps {
		require.Equal(t, i+1, tp.Index, "indices are 1-based chronological")
	}

	require.Equal(t, Channel{Source: "google", Medium: "cpc", Campaign: "summer"}, tps[0].Channel)
	require.Equal(t, Referral, tps[1].Channel)
}

func TestBuild_TieBreaksOnSessionID(t *testing.T) {
	sessions := []*session.Session{
		sess("s-b", t0, "google", "cpc", "", ""),
		sess("s-a", t0, "bing", "cpc", "", ""),
	}
	tps := Build(sessions)
	require.Equal(t, "s-a", tps[0].SessionID)
	require.Equal(t, "s-b", tps[1].SessionID)
}

func TestDecayWeight(t *testing.T) {
	conversion := t0.Add(10 * time.Hour)
	tp := Touchpoint{At: t0}
	require.InDelta(t, math.Exp(-1), DecayWeight(tp, conversion), 1e-9)

	// A touchpoint at the conversion moment weighs 1.
	require.Equal(t, 1.0, DecayWeight(Touchpoint{At: conversion}, conversion))
	// Never more than 1, even for clock skew.
	require.Equal(t, 1.0, DecayWeight(Touchpoint{At: conversion.Add(time.Hour)}, conversion))
}

func TestBuild_Empty(t *testing.T) {
	require.Empty(t, Build(nil))
	require.Empty(t, Build([]*session.Session{sess("s1", t0, "", "", "", "")}))
}
