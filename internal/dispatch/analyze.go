// Package dispatch implements candidate analysis, offer fan-out, and the
// atomic acceptance race at the heart of the marketplace.
package dispatch

import (
	"github.com/resq-labs/resq-core/internal/canon"
	"github.com/resq-labs/resq-core/internal/geo"
	"github.com/resq-labs/resq-core/internal/models"
)

// Reason is a rejection reason code. The set is closed; clients and the
// admin surface switch on these.
type Reason string

const (
	ReasonInvalidJobLocation    Reason = "invalid_job_location"
	ReasonNotApproved           Reason = "not_approved"
	ReasonInactive              Reason = "inactive"
	ReasonUnavailable           Reason = "unavailable"
	ReasonMissingLocation       Reason = "missing_location"
	ReasonServiceProfileMissing Reason = "service_profile_missing"
	ReasonServiceMismatch       Reason = "service_mismatch"
	ReasonVehicleProfileMissing Reason = "vehicle_profile_missing"
	ReasonVehicleMismatch       Reason = "vehicle_mismatch"
	ReasonOutOfRange            Reason = "out_of_range"
	ReasonInvalidServiceDomain  Reason = "invalid_service_domain"
	ReasonInvalidVehicleType    Reason = "invalid_vehicle_type"
)

// Criteria records what the analysis compared against.
type Criteria struct {
	Domain      string     `json:"domain"`
	Vehicle     string     `json:"vehicle"`
	RadiusKm    float64    `json:"radius_km"`
	JobLocation *geo.Point `json:"job_location,omitempty"`
}

// Verdict is one technician's eligibility result.
type Verdict struct {
	Technician *models.Technician `json:"technician"`
	Eligible   bool               `json:"eligible"`
	Reasons    []Reason           `json:"reasons,omitempty"`
	DistanceKm float64            `json:"distance_km"`
}

// Analysis is the full eligibility report for a request.
type Analysis struct {
	Criteria     Criteria       `json:"criteria"`
	Verdicts     []Verdict      `json:"analysis"`
	ReasonCounts map[Reason]int `json:"reason_counts"`
}

// AnalyzeTechnicians produces an eligibility verdict per technician. A
// technician is eligible iff no rejection reason applies.
func AnalyzeTechnicians(req *models.ServiceRequest, techs []models.Technician, radiusKm float64) *Analysis {
	domain := canon.DomainOfServiceType(req.ServiceType)
	vehicle := canon.VehicleFamily(req.VehicleType)
	if !canon.IsKnownVehicle(vehicle) {
		vehicle = canon.VehicleOfServiceType(req.ServiceType)
	}

	jobLoc, jobLocOK := req.Location()
	domainOK := canon.IsKnownDomain(domain)
	vehicleOK := canon.IsKnownVehicle(vehicle)

	analysis := &Analysis{
		Criteria:     Criteria{Domain: domain, Vehicle: vehicle, RadiusKm: radiusKm},
		ReasonCounts: make(map[Reason]int),
	}
	if jobLocOK {
		loc := jobLoc
		analysis.Criteria.JobLocation = &loc
	}

	for i := range techs {
		tech := &techs[i]
		verdict := Verdict{Technician: tech}

		if !jobLocOK {
			verdict.Reasons = append(verdict.Reasons, ReasonInvalidJobLocation)
		}
		if !domainOK {
			verdict.Reasons = append(verdict.Reasons, ReasonInvalidServiceDomain)
		}
		if !vehicleOK {
			verdict.Reasons = append(verdict.Reasons, ReasonInvalidVehicleType)
		}

		if tech.ApprovalStatus != models.ApprovalApproved {
			verdict.Reasons = append(verdict.Reasons, ReasonNotApproved)
		}
		if !tech.IsActive {
			verdict.Reasons = append(verdict.Reasons, ReasonInactive)
		}
		if !tech.IsAvailable {
			verdict.Reasons = append(verdict.Reasons, ReasonUnavailable)
		}

		techLoc, techLocOK := tech.Location()
		if !techLocOK {
			verdict.Reasons = append(verdict.Reasons, ReasonMissingLocation)
		}

		if domainOK {
			domains := technicianDomains(tech)
			if len(domains) == 0 {
				verdict.Reasons = append(verdict.Reasons, ReasonServiceProfileMissing)
			} else if !domains[domain] {
				verdict.Reasons = append(verdict.Reasons, ReasonServiceMismatch)
			}
		}

		if vehicleOK {
			families := canon.ParseVehicleTypes(tech.VehicleTypes.Raw)
			if len(families) == 0 {
				verdict.Reasons = append(verdict.Reasons, ReasonVehicleProfileMissing)
			} else if !containsString(families, vehicle) {
				verdict.Reasons = append(verdict.Reasons, ReasonVehicleMismatch)
			}
		}

		if jobLocOK && techLocOK {
			verdict.DistanceKm = geo.HaversineKm(techLoc, jobLoc)
			// service_area_range 0 means unlimited; otherwise the tighter of
			// the technician's range and the global radius applies.
			limit := radiusKm
			if tech.ServiceAreaRangeKm > 0 && float64(tech.ServiceAreaRangeKm) < limit {
				limit = float64(tech.ServiceAreaRangeKm)
			}
			if limit > 0 && verdict.DistanceKm > limit {
				verdict.Reasons = append(verdict.Reasons, ReasonOutOfRange)
			}
		}

		verdict.Eligible = len(verdict.Reasons) == 0
		for _, r := range verdict.Reasons {
			analysis.ReasonCounts[r]++
		}
		analysis.Verdicts = append(analysis.Verdicts, verdict)
	}

	return analysis
}

// technicianDomains collects the canonical domains a technician serves:
// primary service type, specialties, and domains extracted from the cost
// structures.
func technicianDomains(tech *models.Technician) map[string]bool {
	domains := make(map[string]bool)
	add := func(raw string) {
		d := canon.ServiceDomain(raw)
		if canon.IsKnownDomain(d) {
			domains[d] = true
		}
	}

	if tech.ServiceType != "" {
		add(tech.ServiceType)
	}
	if list, ok := tech.Specialties.Raw.([]interface{}); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}
	for _, d := range canon.ServiceDomainsFromCosts(map[string]interface{}(tech.Pricing)) {
		domains[d] = true
	}
	for _, d := range canon.ServiceDomainsFromCosts(map[string]interface{}(tech.ServiceCosts)) {
		domains[d] = true
	}
	return domains
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
