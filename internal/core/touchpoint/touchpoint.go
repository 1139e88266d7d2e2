// Package touchpoint builds the ordered marketing-touch index a user
// accumulates before converting. A touchpoint is any session that carried an
// attribution signal (UTM parameters or a referrer).
package touchpoint

import (
	"math"
	"sort"
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/session"
)

// DecayRate is the per-hour exponential decay applied by time-decay
// attribution: weight = exp(-DecayRate * hours before conversion).
const DecayRate = 0.1

// Channel identifies where a touchpoint came from.
type Channel struct {
	Source   string `json:"source"`
	Medium   string `json:"medium"`
	Campaign string `json:"campaign"`
}

// Referral is the channel assigned to touchpoints that carried a referrer
// URL but no UTM source.
var Referral = Channel{Source: "referral", Medium: "referral"}

// Touchpoint is one attribution-bearing session in a user's journey.
type Touchpoint struct {
	Index     int       `json:"index"` // 1-based chronological position
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Channel   Channel   `json:"channel"`
	GCLID     string    `json:"gclid,omitempty"`
}

// Build filters a user's sessions down to attribution-bearing ones, orders
// them chronologically by session start, and assigns 1-based indices.
func Build(sessions []*session.Session) []Touchpoint {
	var tps []Touchpoint
	for _, s := range sessions {
		if !hasAttribution(s) {
			continue
		}
		tps = append(tps, Touchpoint{
			SessionID: s.ID,
			At:        s.StartedAt,
			Channel:   channelOf(s),
			GCLID:     s.GCLID,
		})
	}
	sort.Slice(tps, func(i, j int) bool {
		if !tps[i].At.Equal(tps[j].At) {
			return tps[i].At.Before(tps[j].At)
		}
		return tps[i].SessionID < tps[j].SessionID
	})
	for i := range tps {
		tps[i].Index = i + 1
	}
	return tps
}

// DecayWeight returns the time-decay weight of a touchpoint relative to the
// conversion moment. Touchpoints at or after the conversion weigh 1.
func DecayWeight(tp Touchpoint, conversionAt time.Time) float64 {
	hours := conversionAt.Sub(tp.At).Hours()
	if hours <= 0 {
		return 1
	}
	return math.Exp(-DecayRate * hours)
}

func hasAttribution(s *session.Session) bool {
	return s.UTMSource != "" || s.Referrer != ""
}

func channelOf(s *session.Session) Channel {
	if s.UTMSource == "" {
		return Referral
	}
	return Channel{Source: s.UTMSource, Medium: s.UTMMedium, Campaign: s.UTMCampaign}
}
