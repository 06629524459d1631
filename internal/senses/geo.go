// ABOUTME: Great-circle distance and geofence containment
// ABOUTME: Haversine on a spherical Earth; accurate to well under a metre at geofence scales

package senses

import "math"

// earthRadiusMeters is the mean Earth radius.
const earthRadiusMeters = 6371008.8

// Haversine returns the great-circle distance in metres between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	dφ := (lat2 - lat1) * math.Pi / 180
	dλ := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dφ/2)*math.Sin(dφ/2) +
		math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Geofence is a named circular region.
type Geofence struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	RadiusM float64 `json:"radius_m"`
}

// Contains reports whether the point lies within the fence (boundary inclusive).
func (g Geofence) Contains(lat, lon float64) bool {
	return Haversine(g.Lat, g.Lon, lat, lon) <= g.RadiusM
}

func validCoordinates(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lon) &&
		lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
