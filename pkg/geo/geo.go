// Package geo provides great-circle distance math for the displacement
// filter.
package geo

import "math"

// EarthRadiusMeters is the mean earth radius used by the Haversine
// formula.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between two
// coordinates using the Haversine formula:
//
//	d = 2R·asin(√(sin²(Δφ/2) + cosφ1·cosφ2·sin²(Δλ/2)))
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(a))
}
