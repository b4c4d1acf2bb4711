package core

import "github.com/shopspring/decimal"

// Money wraps shopspring/decimal so result_summary payloads carry monetary
// values through the state store without floating-point drift (§9 "numeric
// drift in state store"). Both the object-store and document-store backends
// marshal Money as the decimal's canonical string form, never a float.
type Money struct {
	decimal.Decimal
}

// NewMoney parses a decimal string (e.g. "1234.56") into a Money value.
func NewMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{d}, nil
}

// MustMoney parses a decimal string and panics on failure; reserved for
// compile-time-known literals (tests, default policy tables).
func MustMoney(s string) Money {
	return Money{decimal.RequireFromString(s)}
}

// MoneyFromFloat builds a Money from a float64, rounded to the given number
// of decimal places. Prefer NewMoney from an already-decimal source (an API
// response body) whenever possible; this constructor exists for adapting
// collectors that only expose float64 cost fields.
func MoneyFromFloat(f float64, places int32) Money {
	return Money{decimal.NewFromFloat(f).Round(places)}
}

// MarshalJSON emits the canonical decimal string form, matching
// decimal.Decimal's own default marshalling: a quoted decimal string, never
// a float, so a round trip through either state-store backend is exact.
func (m Money) MarshalJSON() ([]byte, error) {
	return m.Decimal.MarshalJSON()
}

// UnmarshalJSON parses the canonical decimal literal back into Money.
func (m *Money) UnmarshalJSON(data []byte) error {
	return m.Decimal.UnmarshalJSON(data)
}
