package verification

import (
	"math"

	"github.com/jakechorley/carevisit/pkg/core/model"
)

// EarthRadiusMeters is the IUGG mean Earth radius
const EarthRadiusMeters = 6371008.8

// MetersPerMile converts statute miles to meters
const MetersPerMile = 1609.344

// Miles converts a distance in miles to meters
func Miles(mi float64) float64 {
	return mi * MetersPerMile
}

// DistanceMeters returns the great-circle (haversine) distance between two coordinates
func DistanceMeters(a, b model.Coordinates) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// OffsetNorth returns the point the given number of meters due north of c.
// Used to build clock events at a known distance from a location.
func OffsetNorth(c model.Coordinates, meters float64) model.Coordinates {
	return model.Coordinates{
		Latitude:  c.Latitude + (meters/EarthRadiusMeters)*180/math.Pi,
		Longitude: c.Longitude,
	}
}
