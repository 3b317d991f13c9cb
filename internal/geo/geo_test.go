package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineKm(t *testing.T) {
	// Coimbatore city centre to a point ~2.4km away (the happy-path seed).
	a := Point{Lat: 11.0, Lng: 76.9}
	b := Point{Lat: 11.01, Lng: 76.92}
	d := HaversineKm(a, b)
	assert.InDelta(t, 2.45, d, 0.1)

	// Symmetry and identity.
	assert.Equal(t, HaversineKm(a, b), HaversineKm(b, a))
	assert.Zero(t, HaversineKm(a, a))
}

func TestPointValid(t *testing.T) {
	assert.True(t, Point{Lat: 11.0, Lng: 76.9}.Valid())
	assert.False(t, Point{}.Valid())
	assert.False(t, Point{Lat: 91, Lng: 0.1}.Valid())
	assert.False(t, Point{Lat: 0.1, Lng: 181}.Valid())
}

func TestFallbackEtaSeconds(t *testing.T) {
	// 30 km at 30 km/h is an hour.
	assert.InDelta(t, 3600, FallbackEtaSeconds(30), 1e-9)
}
