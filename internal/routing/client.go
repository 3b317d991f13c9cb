// Package routing talks to an OSRM-compatible routing service to enrich
// dispatch candidates with road distance and duration. Failures are
// transient by contract: callers fall back to Haversine estimates.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/resq-labs/resq-core/internal/geo"
)

// ETA is a routed travel estimate to the job site.
type ETA struct {
	DistanceKm      float64
	DurationSeconds float64
}

// Config configures the routing client.
type Config struct {
	// URL is the base URL of the routing service. Empty disables routing
	// and callers keep their Haversine fallback.
	URL string

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	// Timeout bounds each call. Routing is latency-sensitive enrichment,
	// not correctness; the default is 3s.
	Timeout time.Duration
}

// Client calls the routing service's table endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a routing client; a nil config or empty URL yields a
// disabled client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 3 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{url: strings.TrimSuffix(config.URL, "/"), httpClient: httpClient}
}

// Enabled reports whether a routing service is configured.
func (c *Client) Enabled() bool { return c.url != "" }

// tableResponse is the OSRM table API shape we consume.
type tableResponse struct {
	Code      string      `json:"code"`
	Durations [][]float64 `json:"durations"`
	Distances [][]float64 `json:"distances"`
}

// Table returns one ETA per origin for travel to the destination. The call
// is all-or-nothing: any failure returns an error and the caller falls back.
func (c *Client) Table(ctx context.Context, origins []geo.Point, dest geo.Point) ([]ETA, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("routing service not configured")
	}
	if len(origins) == 0 {
		return nil, nil
	}

	// OSRM wants lng,lat pairs: all origins first, destination last.
	coords := make([]string, 0, len(origins)+1)
	sources := make([]string, 0, len(origins))
	for i, p := range origins {
		coords = append(coords, fmt.Sprintf("%f,%f", p.Lng, p.Lat))
		sources = append(sources, fmt.Sprintf("%d", i))
	}
	coords = append(coords, fmt.Sprintf("%f,%f", dest.Lng, dest.Lat))

	url := fmt.Sprintf("%s/table/v1/driving/%s?sources=%s&destinations=%d&annotations=duration,distance",
		c.url, strings.Join(coords, ";"), strings.Join(sources, ";"), len(origins))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create routing request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("routing request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read routing response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("routing service returned %d: %s", resp.StatusCode, string(body))
	}

	var table tableResponse
	if err := json.Unmarshal(body, &table); err != nil {
		return nil, fmt.Errorf("decode routing response: %w", err)
	}
	if table.Code != "Ok" {
		return nil, fmt.Errorf("routing service error: %s", table.Code)
	}
	if len(table.Durations) != len(origins) {
		return nil, fmt.Errorf("routing service returned %d rows for %d origins", len(table.Durations), len(origins))
	}

	etas := make([]ETA, len(origins))
	for i := range origins {
		if len(table.Durations[i]) == 0 {
			return nil, fmt.Errorf("routing service returned empty row %d", i)
		}
		etas[i].DurationSeconds = table.Durations[i][0]
		if len(table.Distances) > i && len(table.Distances[i]) > 0 {
			etas[i].DistanceKm = table.Distances[i][0] / 1000.0
		}
	}
	return etas, nil
}
