// Package attribution distributes conversion credit across the touchpoints
// that preceded each conversion. Models are registered by name; every model
// obeys the conservation rule: per conversion, the touchpoint fractions plus
// the undistributed remainder sum to exactly 1.
package attribution

import (
	"time"

	"github.com/meridian-lab/project-meridian/internal/core/touchpoint"
)

// Model names accepted by the registry.
const (
	ModelFirstTouch    = "first_touch"
	ModelLastTouch     = "last_touch"
	ModelLinear        = "linear"
	ModelTimeDecay     = "time_decay"
	ModelPositionBased = "position_based"
)

// Split is one conversion's credit distribution. Fractions aligns with the
// touchpoint slice passed to Distribute; Undistributed holds credit no
// touchpoint can claim (position-based with exactly two touchpoints).
type Split struct {
	Fractions     []float64
	Undistributed float64
}

// Model distributes one unit of conversion credit over an ordered,
// chronological touchpoint slice. Implementations may assume len(tps) > 0.
type Model interface {
	Name() string
	Distribute(tps []touchpoint.Touchpoint, conversionAt time.Time) Split
}

// Models is the registry of supported attribution models, keyed by name.
var Models = map[string]Model{
	ModelFirstTouch:    firstTouch{},
	ModelLastTouch:     lastTouch{},
	ModelLinear:        linear{},
	ModelTimeDecay:     timeDecay{},
	ModelPositionBased: positionBased{},
}

// ModelNames returns the registry keys in a stable order.
func ModelNames() []string {
	return []string{ModelFirstTouch, ModelLastTouch, ModelLinear, ModelTimeDecay, ModelPositionBased}
}

type firstTouch struct{}

func (firstTouch) Name() string { return ModelFirstTouch }

func (firstTouch) Distribute(tps []touchpoint.Touchpoint, _ time.Time) Split {
	f := make([]float64, len(tps))
	f[0] = 1
	return Split{Fractions: f}
}

type lastTouch struct{}

func (lastTouch) Name() string { return ModelLastTouch }

func (lastTouch) Distribute(tps []touchpoint.Touchpoint, _ time.Time) Split {
	f := make([]float64, len(tps))
	f[len(f)-1] = 1
	return Split{Fractions: f}
}

type linear struct{}

func (linear) Name() string { return ModelLinear }

func (linear) Distribute(tps []touchpoint.Touchpoint, _ time.Time) Split {
	f := make([]float64, len(tps))
	share := 1 / float64(len(tps))
	for i := range f {
		f[i] = share
	}
	return Split{Fractions: f}
}

type timeDecay struct{}

func (timeDecay) Name() string { return ModelTimeDecay }

func (timeDecay) Distribute(tps []touchpoint.Touchpoint, conversionAt time.Time) Split {
	f := make([]float64, len(tps))
	var total float64
	for i, tp := range tps {
		f[i] = touchpoint.DecayWeight(tp, conversionAt)
		total += f[i]
	}
	for i := range f {
		f[i] /= total
	}
	return Split{Fractions: f}
}

// positionBased gives 40% to the first touch, 40% to the last, and spreads
// 20% over the middle. With a single touchpoint it takes everything; with
// exactly two there is no middle, so the 20% stays undistributed rather
// than being silently folded into the endpoints.
type positionBased struct{}

func (positionBased) Name() string { return ModelPositionBased }

func (positionBased) Distribute(tps []touchpoint.Touchpoint, _ time.Time) Split {
	n := len(tps)
	f := make([]float64, n)
	switch n {
	case 1:
		f[0] = 1
		return Split{Fractions: f}
	case 2:
		f[0], f[1] = 0.4, 0.4
		return Split{Fractions: f, Undistributed: 0.2}
	default:
		f[0], f[n-1] = 0.4, 0.4
		middle := 0.2 / float64(n-2)
		for i := 1; i < n-1; i++ {
			f[i] = middle
		}
		return Split{Fractions: f}
	}
}
