package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resq-labs/resq-core/internal/models"
)

func testConfig() *models.PlatformPricingConfig {
	return &models.PlatformPricingConfig{
		ID:                   1,
		Currency:             "INR",
		PlatformFeePercent:   0.10,
		WelcomeCouponCode:    "RESQ10",
		WelcomeCouponPercent: 0.10,
		WelcomeCouponMaxUses: 2,
		WelcomeCouponActive:  true,
		DefaultServiceAmount: 300,
		ServiceBasePricesJSON: models.JSONMap{
			"towing": map[string]interface{}{"car": 800.0, "bike": 400.0},
			"other":  map[string]interface{}{"car": 350.0},
		},
	}
}

func TestComputePaymentAmounts_CouponSeed(t *testing.T) {
	// Literal seed: base=500, fee 10%, coupon 10% of the fee.
	b := ComputePaymentAmounts(500, testConfig(), DiscountOpts{Percent: 0.10})
	assert.Equal(t, 500.0, b.BaseAmount)
	assert.Equal(t, 50.0, b.OriginalPlatformFee)
	assert.Equal(t, 5.0, b.DiscountAmount)
	assert.Equal(t, 45.0, b.PlatformFee)
	assert.Equal(t, 545.0, b.TotalAmount)
	assert.Equal(t, "INR", b.Currency)
}

func TestComputePaymentAmounts_ExplicitAmountOverridesPercent(t *testing.T) {
	amount := 7.0
	b := ComputePaymentAmounts(500, testConfig(), DiscountOpts{Percent: 0.10, Amount: &amount})
	assert.Equal(t, 7.0, b.DiscountAmount)
	assert.Equal(t, 43.0, b.PlatformFee)
	assert.Equal(t, 543.0, b.TotalAmount)
}

func TestComputePaymentAmounts_DiscountClampedToFee(t *testing.T) {
	amount := 999.0
	b := ComputePaymentAmounts(500, testConfig(), DiscountOpts{Amount: &amount})
	assert.Equal(t, 50.0, b.DiscountAmount)
	assert.Equal(t, 0.0, b.PlatformFee)
	assert.Equal(t, 500.0, b.TotalAmount)
}

func TestRound2_HalfAwayFromZero(t *testing.T) {
	assert.Equal(t, 0.13, Round2(0.125))
	assert.Equal(t, -0.13, Round2(-0.125))
	assert.Equal(t, 545.0, Round2(544.999999999))
}

func TestServiceMatrixAmount(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, 800.0, ServiceMatrixAmount("towing", "car", cfg))
	assert.Equal(t, 400.0, ServiceMatrixAmount("towing", "bike", cfg))
	// Missing domain falls back to the "other" row.
	assert.Equal(t, 350.0, ServiceMatrixAmount("lockout", "car", cfg))
	// Missing everywhere falls back to the default amount.
	assert.Equal(t, 300.0, ServiceMatrixAmount("lockout", "bike", cfg))
}

func TestResolveBaseAmount_Priority(t *testing.T) {
	cfg := testConfig()
	req := &models.ServiceRequest{ServiceType: "car-towing", VehicleType: "car"}

	tech := &models.Technician{
		Pricing: models.JSONMap{
			"Towing": map[string]interface{}{
				"car":         map[string]interface{}{"base_charge": 650.0},
				"description": "flatbed within city limits",
			},
		},
	}

	// 1. Technician-specific pricing wins.
	got := ResolveBaseAmount(req, tech, cfg)
	require.NotNil(t, got)
	assert.Equal(t, 650.0, *got)

	// 2. Request-stored amount when the technician has no matching entry.
	req2 := &models.ServiceRequest{ServiceType: "car-lockout", VehicleType: "car", Amount: 420}
	got = ResolveBaseAmount(req2, tech, cfg)
	require.NotNil(t, got)
	assert.Equal(t, 420.0, *got)

	// 3. Service matrix default otherwise.
	req3 := &models.ServiceRequest{ServiceType: "bike-towing", VehicleType: "bike"}
	got = ResolveBaseAmount(req3, &models.Technician{}, cfg)
	require.NotNil(t, got)
	assert.Equal(t, 400.0, *got)
}

func TestTechnicianAmount_Shapes(t *testing.T) {
	cases := []struct {
		name string
		blob models.JSONMap
		want float64
	}{
		{
			name: "bare number",
			blob: models.JSONMap{"towing": 500.0},
			want: 500,
		},
		{
			name: "numeric string with symbols",
			blob: models.JSONMap{"towing": map[string]interface{}{"price": "₹1,200"}},
			want: 1200,
		},
		{
			name: "nested under service_costs style wrapper",
			blob: models.JSONMap{
				"services": map[string]interface{}{
					"tow truck": map[string]interface{}{"service_charge": 750.0},
				},
			},
			want: 750,
		},
		{
			name: "vehicle node preferred over generic key",
			blob: models.JSONMap{
				"towing": map[string]interface{}{
					"price": 999.0,
					"car":   map[string]interface{}{"amount": 700.0},
				},
			},
			want: 700,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tech := &models.Technician{Pricing: tc.blob}
			got, ok := TechnicianAmount(tech, "towing", "car")
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTechnicianAmount_DepthBounded(t *testing.T) {
	// Build a structure nested past the traversal bound; the matching entry
	// at the bottom must not be found.
	deep := map[string]interface{}{"towing": map[string]interface{}{"price": 100.0}}
	for i := 0; i < 12; i++ {
		deep = map[string]interface{}{"wrapper": deep}
	}
	tech := &models.Technician{Pricing: models.JSONMap(deep)}
	_, ok := TechnicianAmount(tech, "towing", "car")
	assert.False(t, ok)
}

func TestConfigCache(t *testing.T) {
	var loads int32
	cache := NewConfigCache(func(ctx context.Context) (*models.PlatformPricingConfig, error) {
		atomic.AddInt32(&loads, 1)
		return testConfig(), nil
	}, time.Minute)

	ctx := context.Background()

	first, err := cache.Get(ctx, false)
	require.NoError(t, err)
	second, err := cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads), "second read must hit the cache")

	// Deep copies: mutating a returned config must not leak into the cache.
	first.ServiceBasePricesJSON["towing"].(map[string]interface{})["car"] = 1.0
	assert.Equal(t, 800.0, second.ServiceBasePricesJSON["towing"].(map[string]interface{})["car"])

	third, err := cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 800.0, third.ServiceBasePricesJSON["towing"].(map[string]interface{})["car"])

	// Invalidate forces a reload.
	cache.Invalidate()
	_, err = cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))

	// forceRefresh bypasses the TTL.
	_, err = cache.Get(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&loads))
}

func TestConfigCache_SingleFlightRefresh(t *testing.T) {
	var loads int32
	release := make(chan struct{})
	cache := NewConfigCache(func(ctx context.Context) (*models.PlatformPricingConfig, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return testConfig(), nil
	}, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg, err := cache.Get(context.Background(), false)
			assert.NoError(t, err)
			assert.NotNil(t, cfg)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads), "concurrent cold reads share one load")
}

func TestConfigCache_LoadError(t *testing.T) {
	boom := errors.New("db down")
	cache := NewConfigCache(func(ctx context.Context) (*models.PlatformPricingConfig, error) {
		return nil, boom
	}, time.Minute)

	_, err := cache.Get(context.Background(), false)
	assert.ErrorIs(t, err, boom)
}
