package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMeters(t *testing.T) {
	t.Run("should return zero for identical points", func(t *testing.T) {
		assert.Equal(t, 0.0, DistanceMeters(-13.5170, -71.9785, -13.5170, -71.9785))
	})

	t.Run("should match known city distance", func(t *testing.T) {
		// Jakarta (-6.2, 106.816) to Bandung (-6.9175, 107.6191) ~ 115-120 km
		d := DistanceMeters(-6.2, 106.816, -6.9175, 107.6191)
		assert.Greater(t, d, 100_000.0)
		assert.Less(t, d, 140_000.0)
	})

	t.Run("should resolve sub-threshold displacements", func(t *testing.T) {
		// One ten-thousandth of a degree of longitude near Cusco is a
		// little under 11 meters.
		d := DistanceMeters(-13.5170, -71.9785, -13.5170, -71.9786)
		assert.InDelta(t, 10.8, d, 0.3)
	})

	t.Run("should be symmetric", func(t *testing.T) {
		a := DistanceMeters(-13.5170, -71.9785, -13.5171, -71.9786)
		b := DistanceMeters(-13.5171, -71.9786, -13.5170, -71.9785)
		assert.InDelta(t, a, b, 1e-9)
	})
}
