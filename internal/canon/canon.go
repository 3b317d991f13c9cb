// Package canon canonicalizes free-form service and vehicle strings into the
// closed vocabularies every downstream decision compares against. Raw user
// input must not leak past this package into matching logic.
package canon

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Canonical service domains.
const (
	DomainTowing     = "towing"
	DomainFlatTire   = "flat-tire"
	DomainBattery    = "battery"
	DomainMechanical = "mechanical"
	DomainFuel       = "fuel"
	DomainLockout    = "lockout"
	DomainWinching   = "winching"
	DomainEVCharging = "ev-charging"
	DomainOther      = "other"
)

// Canonical vehicle families.
const (
	VehicleCar        = "car"
	VehicleBike       = "bike"
	VehicleCommercial = "commercial"
	VehicleEV         = "ev"
)

// Domains is the closed set of canonical service domains.
var Domains = []string{
	DomainTowing, DomainFlatTire, DomainBattery, DomainMechanical,
	DomainFuel, DomainLockout, DomainWinching, DomainEVCharging, DomainOther,
}

// Vehicles is the closed set of canonical vehicle families.
var Vehicles = []string{VehicleCar, VehicleBike, VehicleCommercial, VehicleEV}

// serviceAliases maps canonical domains to alias phrases. Aliases are stored
// in normalized form (lowercase, alphanumeric tokens separated by spaces).
var serviceAliases = map[string][]string{
	DomainTowing:     {"towing", "tow", "tow truck", "towing service", "flatbed", "vehicle towing", "car towing", "bike towing", "breakdown towing"},
	DomainFlatTire:   {"flat tire", "flat tyre", "puncture", "tire change", "tyre change", "tire repair", "tyre repair", "wheel change", "stepney"},
	DomainBattery:    {"battery", "jump start", "jumpstart", "battery boost", "dead battery", "battery replacement", "jump start service"},
	DomainMechanical: {"mechanical", "mechanic", "engine repair", "on site repair", "minor repair", "breakdown repair", "general repair"},
	DomainFuel:       {"fuel", "fuel delivery", "petrol", "diesel", "out of fuel", "emergency fuel", "gas delivery"},
	DomainLockout:    {"lockout", "lock out", "key lockout", "locked out", "car lockout", "key recovery", "unlock"},
	DomainWinching:   {"winching", "winch", "recovery", "ditch recovery", "stuck vehicle", "off road recovery", "mud recovery"},
	DomainEVCharging: {"ev charging", "electric charging", "mobile charging", "charging service", "ev charge", "portable charger"},
	DomainOther:      {"other", "misc", "general", "assistance", "roadside assistance"},
}

var vehicleAliases = map[string][]string{
	VehicleCar:        {"car", "cars", "sedan", "hatchback", "suv", "four wheeler", "4 wheeler", "jeep", "van"},
	VehicleBike:       {"bike", "bikes", "motorcycle", "motorbike", "scooter", "two wheeler", "2 wheeler", "moped"},
	VehicleCommercial: {"commercial", "truck", "lorry", "bus", "heavy vehicle", "commercial vehicle", "tempo", "trailer"},
	VehicleEV:         {"ev", "electric", "electric vehicle", "electric car", "electric bike", "e bike"},
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize lowercases the input and strips it to space-separated
// alphanumeric tokens.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlnum.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// Kebab returns the normalized form joined with hyphens. Used as the
// soft-fail representation for unmapped inputs; dispatch rejects these later.
func Kebab(s string) string {
	norm := Normalize(s)
	if norm == "" {
		return ""
	}
	return strings.ReplaceAll(norm, " ", "-")
}

// match resolves a normalized input against an alias table. Matching is
// ordered: exact equality, then alias-contained-in-input for aliases of at
// least 4 characters, then a 2-token overlap for multi-token inputs.
func match(norm string, aliases map[string][]string, order []string) (string, bool) {
	if norm == "" {
		return "", false
	}

	// Pass 1: exact equality of normalized forms.
	for _, canonical := range order {
		for _, alias := range aliases[canonical] {
			if norm == alias {
				return canonical, true
			}
		}
	}

	// Pass 2: alias phrase contained in the input (aliases >= 4 chars only,
	// to keep "ev" and "tow" from matching inside unrelated words).
	for _, canonical := range order {
		for _, alias := range aliases[canonical] {
			if len(alias) >= 4 && containsPhrase(norm, alias) {
				return canonical, true
			}
		}
	}

	// Pass 3: token overlap between multi-token inputs and multi-token aliases.
	inTokens := strings.Fields(norm)
	if len(inTokens) < 2 {
		return "", false
	}
	for _, canonical := range order {
		for _, alias := range aliases[canonical] {
			alTokens := strings.Fields(alias)
			if len(alTokens) < 2 {
				continue
			}
			if tokenOverlap(inTokens, alTokens) >= 2 {
				return canonical, true
			}
		}
	}

	return "", false
}

// containsPhrase reports whether phrase occurs in s on token boundaries.
func containsPhrase(s, phrase string) bool {
	return strings.Contains(" "+s+" ", " "+phrase+" ") || strings.Contains(s, phrase)
}

func tokenOverlap(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	n := 0
	for _, t := range b {
		if set[t] {
			n++
			set[t] = false
		}
	}
	return n
}

// ServiceDomain canonicalizes a free-form service string. Unmapped inputs
// fail soft to their kebab-cased form.
func ServiceDomain(input string) string {
	norm := Normalize(input)
	if canonical, ok := match(norm, serviceAliases, Domains); ok {
		return canonical
	}
	return Kebab(input)
}

// VehicleFamily canonicalizes a free-form vehicle string. Unmapped inputs
// fail soft to their kebab-cased form.
func VehicleFamily(input string) string {
	norm := Normalize(input)
	if canonical, ok := match(norm, vehicleAliases, Vehicles); ok {
		return canonical
	}
	return Kebab(input)
}

// IsKnownDomain reports membership in the closed service vocabulary.
func IsKnownDomain(domain string) bool {
	for _, d := range Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// IsKnownVehicle reports membership in the closed vehicle vocabulary.
func IsKnownVehicle(vehicle string) bool {
	for _, v := range Vehicles {
		if v == vehicle {
			return true
		}
	}
	return false
}

// ServiceType builds the canonical "{vehicle}-{domain}" request service type.
func ServiceType(vehicle, domain string) string {
	return vehicle + "-" + domain
}

// DomainOfServiceType extracts the canonical domain from a stored service
// type such as "car-towing". It tolerates bare domains and raw input.
func DomainOfServiceType(serviceType string) string {
	if i := strings.IndexByte(serviceType, '-'); i > 0 {
		if IsKnownVehicle(serviceType[:i]) {
			return ServiceDomain(serviceType[i+1:])
		}
	}
	return ServiceDomain(serviceType)
}

// VehicleOfServiceType extracts the canonical vehicle family from a stored
// service type, falling back to canonicalizing the whole string.
func VehicleOfServiceType(serviceType string) string {
	if i := strings.IndexByte(serviceType, '-'); i > 0 {
		if IsKnownVehicle(serviceType[:i]) {
			return serviceType[:i]
		}
	}
	return VehicleFamily(serviceType)
}

// ParseVehicleTypes extracts canonical vehicle families from the
// heterogeneous shapes technician profiles store them in: a list of names, a
// map of enable flags, or a JSON string encoding either.
func ParseVehicleTypes(raw interface{}) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		family := VehicleFamily(s)
		if IsKnownVehicle(family) && !seen[family] {
			seen[family] = true
			out = append(out, family)
		}
	}

	switch v := raw.(type) {
	case nil:
		return nil
	case []string:
		for _, s := range v {
			add(s)
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case map[string]interface{}:
		for key, val := range v {
			if enabled, ok := val.(bool); ok && !enabled {
				continue
			}
			add(key)
		}
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
			var decoded interface{}
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				return ParseVehicleTypes(decoded)
			}
		}
		for _, part := range strings.FieldsFunc(trimmed, func(r rune) bool { return r == ',' || r == ';' }) {
			add(part)
		}
	}
	return out
}

// ServiceDomainsFromCosts extracts canonical service domains from the keys
// of a technician's cost structure.
func ServiceDomainsFromCosts(costs map[string]interface{}) []string {
	seen := make(map[string]bool)
	var out []string
	for key := range costs {
		domain := ServiceDomain(key)
		if IsKnownDomain(domain) && !seen[domain] {
			seen[domain] = true
			out = append(out, domain)
		}
	}
	return out
}
