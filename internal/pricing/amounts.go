package pricing

import (
	"math"

	"github.com/resq-labs/resq-core/internal/models"
)

// Breakdown is the itemized result of a payment amount computation.
type Breakdown struct {
	Currency            string  `json:"currency"`
	BaseAmount          float64 `json:"base_amount"`
	PlatformFeePercent  float64 `json:"platform_fee_percent"`
	OriginalPlatformFee float64 `json:"original_platform_fee"`
	DiscountAmount      float64 `json:"discount_amount"`
	PlatformFee         float64 `json:"platform_fee"`
	TotalAmount         float64 `json:"total_amount"`
}

// DiscountOpts carries an optional coupon discount. An explicit amount
// overrides the percent form.
type DiscountOpts struct {
	Percent float64
	Amount  *float64
}

// Round2 rounds half away from zero to two decimal places. All persisted
// monetary values pass through this.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ComputePaymentAmounts derives the platform fee, discount, and total for a
// base amount under the given configuration. The discount applies to the
// platform fee, never the base.
func ComputePaymentAmounts(base float64, cfg *models.PlatformPricingConfig, opts DiscountOpts) Breakdown {
	base = Round2(base)
	feePercent := cfg.PlatformFeePercent
	originalFee := Round2(base * feePercent)

	var discount float64
	if opts.Amount != nil {
		discount = Round2(*opts.Amount)
	} else if opts.Percent > 0 {
		discount = Round2(originalFee * opts.Percent)
	}
	if discount > originalFee {
		discount = originalFee
	}
	if discount < 0 {
		discount = 0
	}

	fee := Round2(originalFee - discount)
	return Breakdown{
		Currency:            cfg.Currency,
		BaseAmount:          base,
		PlatformFeePercent:  feePercent,
		OriginalPlatformFee: originalFee,
		DiscountAmount:      discount,
		PlatformFee:         fee,
		TotalAmount:         Round2(base + fee),
	}
}

// ServiceMatrixAmount looks up service_base_prices[domain][vehicle], falling
// back to the "other" domain row and finally the configured default.
func ServiceMatrixAmount(domain, vehicle string, cfg *models.PlatformPricingConfig) float64 {
	if amount, ok := matrixLookup(cfg.ServiceBasePricesJSON, domain, vehicle); ok {
		return amount
	}
	if amount, ok := matrixLookup(cfg.ServiceBasePricesJSON, "other", vehicle); ok {
		return amount
	}
	return cfg.DefaultServiceAmount
}

func matrixLookup(matrix models.JSONMap, domain, vehicle string) (float64, bool) {
	row, ok := matrix[domain].(map[string]interface{})
	if !ok {
		return 0, false
	}
	amount, ok := asNumber(row[vehicle])
	if !ok || amount <= 0 {
		return 0, false
	}
	return amount, true
}
