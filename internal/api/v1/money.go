package v1

import "github.com/shopspring/decimal"

// Money is a decimal that never fails to unmarshal. The ingestion contract
// coerces bad revenue input to zero instead of rejecting the record, so a
// malformed value must not poison the surrounding batch bind.
type Money struct {
	decimal.Decimal
}

// NewMoney wraps a decimal value.
func NewMoney(d decimal.Decimal) Money {
	return Money{Decimal: d}
}

// MoneyFromFloat is a test/convenience constructor.
func MoneyFromFloat(f float64) Money {
	return Money{Decimal: decimal.NewFromFloat(f)}
}

// UnmarshalJSON accepts numbers, quoted numbers, and null; anything else
// becomes zero. Negative values are kept here and clamped by the cleaner,
// so the quality monitor can still see that the input was negative.
func (m *Money) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		m.Decimal = decimal.Zero
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		m.Decimal = decimal.Zero
		return nil
	}
	m.Decimal = d
	return nil
}

// MarshalJSON emits a plain JSON number.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal.String()), nil
}
