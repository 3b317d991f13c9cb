package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/resq-labs/resq-core/internal/geo"
	"github.com/resq-labs/resq-core/internal/metrics"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/pricing"
	"github.com/resq-labs/resq-core/internal/routing"
	"github.com/resq-labs/resq-core/internal/store"
)

// Notifier is the push surface the engine needs. The realtime hub satisfies
// it; pushes are hints only and never affect persisted state.
type Notifier interface {
	NotifyUser(userID int64, event string, payload interface{})
	NotifyTechnician(techID int64, event string, payload interface{})
	NotifyRequest(requestID int64, event string, payload interface{})
}

// Candidate is an eligible technician ranked for dispatch.
type Candidate struct {
	Technician models.Technician `json:"technician"`
	DistanceKm float64           `json:"distance_km"`
	EtaSeconds float64           `json:"eta_seconds"`
	EtaSource  string            `json:"eta_source"` // routing | haversine
}

// Config tunes the engine.
type Config struct {
	RadiusKm       float64
	EtaMatrixLimit int
	OfferTTL       time.Duration
}

// Engine runs candidate selection, offer fan-out, and acceptance.
type Engine struct {
	store   *store.Store
	pricing *pricing.ConfigCache
	routing *routing.Client
	hub     Notifier
	log     zerolog.Logger

	radiusKm float64
	etaLimit int
	offerTTL time.Duration
}

// NewEngine wires the engine.
func NewEngine(st *store.Store, cache *pricing.ConfigCache, rt *routing.Client, hub Notifier, cfg Config, log zerolog.Logger) *Engine {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = 50
	}
	if cfg.EtaMatrixLimit <= 0 {
		cfg.EtaMatrixLimit = 25
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 20 * time.Second
	}
	return &Engine{
		store:    st,
		pricing:  cache,
		routing:  rt,
		hub:      hub,
		log:      log.With().Str("component", "dispatch").Logger(),
		radiusKm: cfg.RadiusKm,
		etaLimit: cfg.EtaMatrixLimit,
		offerTTL: cfg.OfferTTL,
	}
}

// OfferTTLSeconds is exposed for offer payloads.
func (e *Engine) OfferTTLSeconds() int { return int(e.offerTTL.Seconds()) }

// Analyze loads the technician set and reports eligibility for a request.
func (e *Engine) Analyze(ctx context.Context, req *models.ServiceRequest, radiusKm float64) (*Analysis, error) {
	if radiusKm <= 0 {
		radiusKm = e.radiusKm
	}
	techs, err := e.store.ListTechnicians(ctx)
	if err != nil {
		return nil, fmt.Errorf("list technicians: %w", err)
	}
	return AnalyzeTechnicians(req, techs, radiusKm), nil
}

// FindTopTechnicians returns eligible technicians ranked by ETA. The top
// slice of the distance ranking is enriched with routed travel times; the
// rest keep the Haversine-derived fallback.
func (e *Engine) FindTopTechnicians(ctx context.Context, req *models.ServiceRequest, radiusKm float64) ([]Candidate, error) {
	analysis, err := e.Analyze(ctx, req, radiusKm)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, verdict := range analysis.Verdicts {
		if !verdict.Eligible {
			continue
		}
		candidates = append(candidates, Candidate{
			Technician: *verdict.Technician,
			DistanceKm: verdict.DistanceKm,
			EtaSeconds: geo.FallbackEtaSeconds(verdict.DistanceKm),
			EtaSource:  "haversine",
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})

	e.enrichWithRoutedETAs(ctx, req, candidates)

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EtaSeconds < candidates[j].EtaSeconds
	})
	return candidates, nil
}

// enrichWithRoutedETAs replaces the fallback ETA of the nearest candidates
// with routed travel times. Any failure keeps the fallback; routing is never
// load-bearing.
func (e *Engine) enrichWithRoutedETAs(ctx context.Context, req *models.ServiceRequest, candidates []Candidate) {
	if e.routing == nil || !e.routing.Enabled() || len(candidates) == 0 {
		return
	}
	jobLoc, ok := req.Location()
	if !ok {
		return
	}

	limit := e.etaLimit
	if limit > len(candidates) {
		limit = len(candidates)
	}

	origins := make([]geo.Point, 0, limit)
	for i := 0; i < limit; i++ {
		loc, _ := candidates[i].Technician.Location()
		origins = append(origins, loc)
	}

	etas, err := e.routing.Table(ctx, origins, jobLoc)
	if err != nil {
		e.log.Warn().Err(err).Int64("request_id", req.ID).Msg("routing enrichment failed, keeping haversine ETAs")
		return
	}

	for i := 0; i < limit; i++ {
		if etas[i].DurationSeconds <= 0 {
			continue
		}
		candidates[i].EtaSeconds = etas[i].DurationSeconds
		if etas[i].DistanceKm > 0 {
			candidates[i].DistanceKm = etas[i].DistanceKm
		}
		candidates[i].EtaSource = "routing"
	}
}

// DispatchJob creates pending offers for candidates not already offered and
// pushes the offer to each technician. Offer rows are persisted before any
// push: a technician observing a push will find the offer in the database.
func (e *Engine) DispatchJob(ctx context.Context, req *models.ServiceRequest, candidates []Candidate) ([]Candidate, error) {
	existing, err := e.store.ListOffersByRequest(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	offered := make(map[int64]bool, len(existing))
	for _, offer := range existing {
		offered[offer.TechnicianID] = true
	}

	var fresh []Candidate
	var freshIDs []int64
	for _, c := range candidates {
		if offered[c.Technician.ID] {
			continue
		}
		fresh = append(fresh, c)
		freshIDs = append(freshIDs, c.Technician.ID)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	if err := e.store.InsertOffers(ctx, req.ID, freshIDs, e.offerTTL); err != nil {
		return nil, fmt.Errorf("insert offers: %w", err)
	}
	metrics.OffersCreated.Add(float64(len(fresh)))

	cfg, err := e.pricing.Get(ctx, false)
	if err != nil {
		// Offers exist; pushes still go out without technician-specific
		// amounts rather than failing dispatch.
		e.log.Error().Err(err).Msg("pricing config unavailable during dispatch")
	}

	for i := range fresh {
		c := &fresh[i]
		payload := map[string]interface{}{
			"requestId":   req.ID,
			"serviceType": req.ServiceType,
			"vehicleType": req.VehicleType,
			"address":     req.Address,
			"lat":         req.Lat,
			"lng":         req.Lng,
			"distanceKm":  pricing.Round2(c.DistanceKm),
			"etaSeconds":  c.EtaSeconds,
			"expiresIn":   e.OfferTTLSeconds(),
		}
		if cfg != nil {
			if amount := pricing.ResolveBaseAmount(req, &c.Technician, cfg); amount != nil {
				payload["amount"] = *amount
			}
		}
		e.hub.NotifyTechnician(c.Technician.ID, "job_offer", payload)
		e.hub.NotifyTechnician(c.Technician.ID, "job:list_update", map[string]interface{}{"requestId": req.ID})
		metrics.PushEvents.WithLabelValues("job_offer").Inc()
	}

	e.log.Info().Int64("request_id", req.ID).Int("offers", len(fresh)).Msg("dispatched job offers")
	return fresh, nil
}

// Dispatch is the full pipeline: rank candidates, then fan offers out.
func (e *Engine) Dispatch(ctx context.Context, req *models.ServiceRequest, radiusKm float64) ([]Candidate, error) {
	candidates, err := e.FindTopTechnicians(ctx, req, radiusKm)
	if err != nil {
		return nil, err
	}
	return e.DispatchJob(ctx, req, candidates)
}
