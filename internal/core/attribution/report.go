package attribution

import (
	"sort"
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/touchpoint"
	"github.com/shopspring/decimal"
)

// Reserved channels for credit that no marketing touch can claim.
var (
	// Unattributed collects conversions whose user had zero touchpoints.
	Unattributed = touchpoint.Channel{Source: "unattributed"}
	// Undistributed collects the remainder a model declined to assign.
	Undistributed = touchpoint.Channel{Source: "undistributed"}
)

// Conversion is one revenue-bearing session.
type Conversion struct {
	SessionID string
	UserID    string
	At        time.Time
	Revenue   decimal.Decimal
}

// Journey pairs a conversion with the touchpoints that preceded it, in
// chronological order.
type Journey struct {
	Conversion  Conversion
	Touchpoints []touchpoint.Touchpoint
}

// ChannelStat is the aggregated credit for one channel under one model.
type ChannelStat struct {
	Channel     touchpoint.Channel `json:"channel"`
	Conversions float64            `json:"conversions"` // fractional conversion credit
	Revenue     decimal.Decimal    `json:"revenue"`
}

// Report is the per-model aggregation across all journeys.
type Report struct {
	Model    string          `json:"model"`
	Channels []ChannelStat   `json:"channels"` // revenue-descending
	Total    decimal.Decimal `json:"total_revenue"`
}

// Apply runs one model over all journeys and aggregates credit by channel.
// Credit is conserved: the report's channel revenues (including the
// reserved unattributed and undistributed channels) sum to the total
// conversion revenue, up to 2-decimal rounding at the end.
func Apply(model Model, journeys []Journey) Report {
	type acc struct {
		conversions float64
		revenue     decimal.Decimal
	}
	byChannel := make(map[touchpoint.Channel]*acc)
	credit := func(ch touchpoint.Channel, frac float64, rev decimal.Decimal) {
		a, ok := byChannel[ch]
		if !ok {
			a = &acc{revenue: decimal.Zero}
			byChannel[ch] = a
		}
		a.conversions += frac
		a.revenue = a.revenue.Add(rev.Mul(decimal.NewFromFloat(frac)))
	}

	total := decimal.Zero
	for _, j := range journeys {
		total = total.Add(j.Conversion.Revenue)

		if len(j.Touchpoints) == 0 {
			credit(Unattributed, 1, j.Conversion.Revenue)
			continue
		}

		split := model.Distribute(j.Touchpoints, j.Conversion.At)
		for i, frac := range split.Fractions {
			if frac == 0 {
				continue
			}
			credit(j.Touchpoints[i].Channel, frac, j.Conversion.Revenue)
		}
		if split.Undistributed > 0 {
			credit(Undistributed, split.Undistributed, j.Conversion.Revenue)
		}
	}

	channels := make([]ChannelStat, 0, len(byChannel))
	for ch, a := range byChannel {
		channels = append(channels, ChannelStat{
			Channel:     ch,
			Conversions: a.conversions,
			Revenue:     a.revenue.Round(2),
		})
	}
	sort.Slice(channels, func(i, j int) bool {
		if !channels[i].Revenue.Equal(channels[j].Revenue) {
			return channels[i].Revenue.GreaterThan(channels[j].Revenue)
		}
		return channelKey(channels[i].Channel) < channelKey(channels[j].Channel)
	})

	return Report{Model: model.Name(), Channels: channels, Total: total.Round(2)}
}

func channelKey(ch touchpoint.Channel) string {
	return ch.Source + "|" + ch.Medium + "|" + ch.Campaign
}
