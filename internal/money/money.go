// Package money provides fixed-point 2-decimal monetary arithmetic.
//
// All marketplace amounts are stored and compared as cents (int64) to avoid
// float drift in balances. Floats only appear at the API boundary and are
// rounded half-up to 2 decimal places on the way in.
package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidAmount = errors.New("invalid amount")

// Cents is a monetary amount in hundredths of the currency unit.
type Cents int64

// FromFloat converts a float amount to Cents, rounding half-up at 2 decimals.
func FromFloat(f float64) Cents {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return Cents(math.Round(f * 100))
}

// Float returns the amount as a float64 with 2-decimal precision.
func (c Cents) Float() float64 {
	return float64(c) / 100
}

// String formats the amount with exactly two decimal places, e.g. "15.00".
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Parse converts a decimal string like "12.5" or "12.50" to Cents.
// More than two fractional digits is an error, not silent truncation.
func Parse(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("%w: more than 2 decimal places", ErrInvalidAmount)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}

	v := w*100 + f
	if neg {
		v = -v
	}
	return Cents(v), nil
}

// Round2 rounds a float to 2 decimal places (half-up). Used where a float
// result is required, e.g. revenue split outputs.
func Round2(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return math.Round(f*100) / 100
}

// NormalizeRate converts a commission rate expressed either as a fraction
// (0–1) or a percentage (1–100] into canonical fractional form.
// Out-of-range or NaN values clamp to 0.
func NormalizeRate(rate float64) float64 {
	switch {
	case math.IsNaN(rate) || rate < 0:
		return 0
	case rate <= 1:
		return rate
	case rate <= 100:
		return rate / 100
	default:
		return 0
	}
}
