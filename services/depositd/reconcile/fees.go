package reconcile

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// FeePolicy holds the percentages applied to a credited deposit. All
// arithmetic is fixed-point decimal; rounding to 6 fractional digits happens
// only at the display boundary, never before crediting.
type FeePolicy struct {
	DepositFeePercent       decimal.Decimal
	RefereeDiscountPercent  decimal.Decimal
	ReferrerKickbackPercent decimal.Decimal
	MinimumDeposit          decimal.Decimal
}

// Breakdown is the full fee decomposition of one deposit.
type Breakdown struct {
	// Gross is the on-chain amount scaled by any bonus multiplier.
	Gross decimal.Decimal
	// FeePercent is the effective percentage after any referral discount.
	FeePercent decimal.Decimal
	// Fee is the amount withheld.
	Fee decimal.Decimal
	// Net is the amount credited to the client.
	Net decimal.Decimal
	// RefereeSavings is what the referral discount saved the depositor.
	RefereeSavings decimal.Decimal
	// ReferrerKickback is the bonus paid to the referrer.
	ReferrerKickback decimal.Decimal
}

var oneHundred = decimal.NewFromInt(100)

// topUpTolerance lets a total slightly under the minimum pass, absorbing
// provider-side transfer fees. Three percent of the minimum.
var topUpTolerance = decimal.NewFromFloat(0.03)

// Apply decomposes a deposit amount under the policy. multiplier scales the
// amount before fees when a bonus code was attached; pass one otherwise.
// hasReferral selects the discounted fee rate and a referrer kickback.
func (p FeePolicy) Apply(amount, multiplier decimal.Decimal, hasReferral bool) Breakdown {
	if multiplier.LessThanOrEqual(decimal.Zero) {
		multiplier = decimal.NewFromInt(1)
	}
	gross := amount.Mul(multiplier)
	feePct := p.DepositFeePercent
	b := Breakdown{Gross: gross}
	if hasReferral {
		feePct = feePct.Sub(p.RefereeDiscountPercent)
		if feePct.IsNegative() {
			feePct = decimal.Zero
		}
		b.RefereeSavings = gross.Mul(p.RefereeDiscountPercent).Div(oneHundred)
		b.ReferrerKickback = gross.Mul(p.ReferrerKickbackPercent).Div(oneHundred)
	}
	b.FeePercent = feePct
	b.Fee = gross.Mul(feePct).Div(oneHundred)
	b.Net = gross.Sub(b.Fee)
	return b
}

// BelowMinimum reports whether a client's gross deposit total still needs a
// top-up to reach the configured minimum, within the tolerance.
func (p FeePolicy) BelowMinimum(total decimal.Decimal) bool {
	if p.MinimumDeposit.LessThanOrEqual(decimal.Zero) {
		return false
	}
	floor := p.MinimumDeposit.Sub(p.MinimumDeposit.Mul(topUpTolerance))
	return total.LessThan(floor)
}

// ScaleBaseUnits converts an on-chain integer amount to a decimal token
// amount using the token's fractional digit count.
func ScaleBaseUnits(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

// Display renders an amount for client-facing messages, rounded half-up to
// 6 fractional digits with trailing zeros trimmed.
func Display(d decimal.Decimal) string {
	s := d.Round(6).StringFixed(6)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

// MaskName renders a client name for the community announcement, keeping the
// first letter of each part.
func MaskName(first, last string) string {
	parts := make([]string, 0, 2)
	for _, name := range []string{strings.TrimSpace(first), strings.TrimSpace(last)} {
		if name == "" {
			continue
		}
		runes := []rune(name)
		parts = append(parts, string(runes[0])+strings.Repeat("*", len(runes)-1))
	}
	if len(parts) == 0 {
		return "***"
	}
	return strings.Join(parts, " ")
}
