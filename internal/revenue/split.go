// Package revenue computes the platform revenue split for a sale.
//
// The split is a pure function of the order figures: it is used both at
// settlement time (when a payout is scheduled) and again by the payout
// scheduler to verify the stored figures before releasing funds.
package revenue

import "github.com/keyforge/marketpay/internal/money"

// Split is the outcome of dividing a gross sale between seller and platform.
type Split struct {
	Commission    float64 `json:"commission"`    // platform commission on the subtotal
	SellerEarning float64 `json:"sellerEarning"` // subtotal minus commission, never negative
	AdminEarning  float64 `json:"adminEarning"`  // commission plus handling fee
	TotalPaid     float64 `json:"totalPaid"`     // what the buyer paid
}

// Compute splits a gross sale amount between seller and platform.
// commissionRate accepts both fractional (0.10) and percentage (10) forms.
// Deterministic: identical inputs always yield identical outputs.
func Compute(subtotal, handlingFee, commissionRate float64) Split {
	rate := money.NormalizeRate(commissionRate)

	commission := money.Round2(subtotal * rate)
	sellerEarning := money.Round2(subtotal - commission)
	if sellerEarning < 0 {
		sellerEarning = 0
	}

	return Split{
		Commission:    commission,
		SellerEarning: sellerEarning,
		AdminEarning:  money.Round2(commission + handlingFee),
		TotalPaid:     money.Round2(subtotal + handlingFee),
	}
}

// Matches reports whether two splits agree on every figure.
// Figures are already 2-decimal rounded, so exact comparison is safe.
func (s Split) Matches(other Split) bool {
	return s.Commission == other.Commission &&
		s.SellerEarning == other.SellerEarning &&
		s.AdminEarning == other.AdminEarning &&
		s.TotalPaid == other.TotalPaid
}
