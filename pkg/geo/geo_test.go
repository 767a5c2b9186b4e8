package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMZeroForSamePoint(t *testing.T) {
	p := Point{Latitude: -6.2088, Longitude: 106.8456}
	assert.InDelta(t, 0, DistanceM(p, p), 0.001)
}

func TestDistanceMKnownPair(t *testing.T) {
	// Jakarta Monas to Istiqlal Mosque, roughly 700m apart.
	monas := Point{Latitude: -6.1754, Longitude: 106.8272}
	istiqlal := Point{Latitude: -6.1702, Longitude: 106.8311}
	d := DistanceM(monas, istiqlal)
	assert.InDelta(t, 720, d, 80)
}

func TestWithinRadius(t *testing.T) {
	center := Point{Latitude: -6.2000, Longitude: 106.8000}
	// ~55m east at this latitude.
	near := Point{Latitude: -6.2000, Longitude: 106.8005}
	far := Point{Latitude: -6.2100, Longitude: 106.8000}

	assert.True(t, WithinRadius(center, near, 100))
	assert.False(t, WithinRadius(center, near, 10))
	assert.False(t, WithinRadius(center, far, 100))
}
