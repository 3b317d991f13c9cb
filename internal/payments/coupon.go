package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/resq-labs/resq-core/internal/models"
)

// CouponResult reports one welcome-coupon evaluation.
type CouponResult struct {
	Applied        bool    `json:"applied"`
	Code           string  `json:"code,omitempty"`
	Percent        float64 `json:"percent,omitempty"`
	DiscountAmount float64 `json:"discount_amount,omitempty"`
	RemainingUses  int     `json:"remaining_uses"`
	Reason         string  `json:"reason,omitempty"`
}

// EvaluateCoupon decides whether the welcome coupon applies to this request.
// Counting excludes the request itself: completed/paid services consume uses,
// and open requests that already reserved the code hold uses. With
// preserveExisting set, an empty code keeps a reservation the request already
// holds.
func (s *Service) EvaluateCoupon(ctx context.Context, cfg *models.PlatformPricingConfig, req *models.ServiceRequest, code string, preserveExisting bool) CouponResult {
	active := cfg.WelcomeCouponActive &&
		cfg.WelcomeCouponCode != "" &&
		cfg.WelcomeCouponPercent > 0 &&
		cfg.WelcomeCouponMaxUses > 0

	completed, err := s.store.CountCompletedServices(ctx, req.UserID, req.ID)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", req.UserID).Msg("counting completed services")
		return CouponResult{Reason: "Coupon eligibility could not be verified."}
	}
	reserved, err := s.store.CountReservedCoupons(ctx, req.UserID, req.ID, cfg.WelcomeCouponCode)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", req.UserID).Msg("counting coupon reservations")
		return CouponResult{Reason: "Coupon eligibility could not be verified."}
	}

	remaining := cfg.WelcomeCouponMaxUses - completed - reserved
	if remaining < 0 {
		remaining = 0
	}

	alreadyReserved := req.AppliedCouponCode != nil &&
		strings.EqualFold(*req.AppliedCouponCode, cfg.WelcomeCouponCode)

	if code == "" {
		if preserveExisting && alreadyReserved && active {
			return CouponResult{
				Applied:       true,
				Code:          cfg.WelcomeCouponCode,
				Percent:       cfg.WelcomeCouponPercent,
				RemainingUses: remaining,
			}
		}
		return CouponResult{RemainingUses: remaining}
	}

	if !strings.EqualFold(code, cfg.WelcomeCouponCode) {
		return CouponResult{RemainingUses: remaining, Reason: "Invalid coupon code."}
	}
	if !active {
		return CouponResult{RemainingUses: remaining, Reason: "This coupon is currently inactive."}
	}
	if !alreadyReserved && remaining == 0 {
		return CouponResult{
			RemainingUses: 0,
			Reason: fmt.Sprintf("Coupon is valid only for your first %d paid services.",
				cfg.WelcomeCouponMaxUses),
		}
	}

	return CouponResult{
		Applied:       true,
		Code:          cfg.WelcomeCouponCode,
		Percent:       cfg.WelcomeCouponPercent,
		RemainingUses: remaining,
	}
}
