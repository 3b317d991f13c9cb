package pricing

import (
	"strconv"
	"strings"

	"github.com/resq-labs/resq-core/internal/canon"
	"github.com/resq-labs/resq-core/internal/models"
)

// maxTraversalDepth bounds the recursive walk over free-form pricing blobs.
const maxTraversalDepth = 8

// priceKeys are the generic keys a pricing node may store an amount under,
// in preference order.
var priceKeys = []string{
	"base_charge", "service_charge", "base_price", "price",
	"amount", "charge", "cost", "rate", "fee",
}

// metadataKeys never hold amounts and are skipped during traversal.
var metadataKeys = map[string]bool{
	"description": true, "notes": true, "work_included": true,
	"free_distance": true, "included": true, "eta": true,
	"unit": true, "currency": true, "terms": true, "details": true,
	"per_km": true, "per_km_charge": true,
}

// ResolveBaseAmount resolves the base amount for a request in priority
// order: technician-specific pricing, then the amount already stored on the
// request, then the platform service matrix. Returns nil when no positive
// amount can be derived.
func ResolveBaseAmount(req *models.ServiceRequest, tech *models.Technician, cfg *models.PlatformPricingConfig) *float64 {
	domain := canon.DomainOfServiceType(req.ServiceType)
	vehicle := canon.VehicleFamily(req.VehicleType)
	if vehicle == "" || !canon.IsKnownVehicle(vehicle) {
		vehicle = canon.VehicleOfServiceType(req.ServiceType)
	}

	if tech != nil {
		if amount, ok := TechnicianAmount(tech, domain, vehicle); ok {
			v := Round2(amount)
			return &v
		}
	}

	if req.Amount > 0 {
		v := Round2(req.Amount)
		return &v
	}

	if cfg != nil {
		if amount := ServiceMatrixAmount(domain, vehicle, cfg); amount > 0 {
			v := Round2(amount)
			return &v
		}
	}
	return nil
}

// TechnicianAmount searches a technician's pricing and service_costs
// structures for an amount matching the canonical domain, preferring a
// vehicle-family-matched node over generic price keys.
func TechnicianAmount(tech *models.Technician, domain, vehicle string) (float64, bool) {
	for _, blob := range []models.JSONMap{tech.Pricing, tech.ServiceCosts} {
		if amount, ok := searchDomain(map[string]interface{}(blob), domain, vehicle, 0); ok {
			return amount, true
		}
	}
	return 0, false
}

// searchDomain walks the blob looking for a key whose canonical form equals
// the requested domain, then extracts an amount from that entry.
func searchDomain(node map[string]interface{}, domain, vehicle string, depth int) (float64, bool) {
	if node == nil || depth > maxTraversalDepth {
		return 0, false
	}

	for key, value := range node {
		if metadataKeys[strings.ToLower(key)] {
			continue
		}
		if canon.ServiceDomain(key) == domain {
			if amount, ok := extractAmount(value, vehicle, depth+1); ok {
				return amount, true
			}
		}
	}

	// No direct key matched; recurse into nested objects.
	for key, value := range node {
		if metadataKeys[strings.ToLower(key)] {
			continue
		}
		if child, ok := value.(map[string]interface{}); ok {
			if amount, ok := searchDomain(child, domain, vehicle, depth+1); ok {
				return amount, true
			}
		}
	}
	return 0, false
}

// extractAmount pulls a positive amount out of a matched entry. A bare
// number is the amount itself; an object prefers a vehicle-matched child,
// then the generic price keys, then any nested object.
func extractAmount(value interface{}, vehicle string, depth int) (float64, bool) {
	if depth > maxTraversalDepth {
		return 0, false
	}

	if n, ok := asNumber(value); ok && n > 0 {
		return n, true
	}

	obj, ok := value.(map[string]interface{})
	if !ok {
		return 0, false
	}

	// Vehicle-family-matched node first.
	if vehicle != "" {
		for key, child := range obj {
			if metadataKeys[strings.ToLower(key)] {
				continue
			}
			if canon.VehicleFamily(key) == vehicle {
				if amount, ok := extractAmount(child, vehicle, depth+1); ok {
					return amount, true
				}
			}
		}
	}

	// Generic price keys in preference order.
	for _, key := range priceKeys {
		if child, exists := obj[key]; exists {
			if n, ok := asNumber(child); ok && n > 0 {
				return n, true
			}
		}
	}

	// Last resort: any nested object.
	for key, child := range obj {
		if metadataKeys[strings.ToLower(key)] {
			continue
		}
		if nested, ok := child.(map[string]interface{}); ok {
			if amount, ok := extractAmount(nested, vehicle, depth+1); ok {
				return amount, true
			}
		}
	}
	return 0, false
}

// asNumber accepts JSON numbers and numeric strings.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(n, "₹"))
		s = strings.ReplaceAll(s, ",", "")
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
