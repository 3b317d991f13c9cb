package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resq-labs/resq-core/internal/geo"
)

func TestTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/table/v1/driving/")
		assert.Equal(t, "0;1", r.URL.Query().Get("sources"))
		w.Write([]byte(`{"code":"Ok","durations":[[420.5],[611.2]],"distances":[[3200.0],[5100.0]]}`))
	}))
	defer srv.Close()

	c := NewClient(&Config{URL: srv.URL})
	etas, err := c.Table(context.Background(),
		[]geo.Point{{Lat: 11.01, Lng: 76.92}, {Lat: 11.05, Lng: 76.95}},
		geo.Point{Lat: 11.0, Lng: 76.9})
	require.NoError(t, err)
	require.Len(t, etas, 2)
	assert.Equal(t, 420.5, etas[0].DurationSeconds)
	assert.InDelta(t, 3.2, etas[0].DistanceKm, 1e-9)
	assert.Equal(t, 611.2, etas[1].DurationSeconds)
}

func TestTable_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute"}`))
	}))
	defer srv.Close()

	c := NewClient(&Config{URL: srv.URL})
	_, err := c.Table(context.Background(), []geo.Point{{Lat: 1, Lng: 1}}, geo.Point{Lat: 2, Lng: 2})
	assert.Error(t, err)
}

func TestTable_Disabled(t *testing.T) {
	c := NewClient(nil)
	assert.False(t, c.Enabled())
	_, err := c.Table(context.Background(), []geo.Point{{Lat: 1, Lng: 1}}, geo.Point{})
	assert.Error(t, err)
}

func TestTable_RowMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"Ok","durations":[[420.5]]}`))
	}))
	defer srv.Close()

	c := NewClient(&Config{URL: srv.URL})
	_, err := c.Table(context.Background(),
		[]geo.Point{{Lat: 1, Lng: 1}, {Lat: 1.1, Lng: 1.1}}, geo.Point{Lat: 2, Lng: 2})
	assert.Error(t, err)
}
