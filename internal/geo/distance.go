package geo

import (
	"fmt"
	"math"

	"pgonotify/internal/encounter"
)

// EarthRadiusKm is the mean earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0088

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// ValidateCoordinate rejects non-finite and out-of-range coordinates.
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v", encounter.ErrInvalidCoordinate, lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v", encounter.ErrInvalidCoordinate, lon)
	}
	return nil
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

// DistanceKm returns the haversine great-circle distance between a and b.
// Inputs are assumed valid; see ValidateCoordinate.
func DistanceKm(a, b Point) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)
	sLat := math.Sin(dLat / 2)
	sLon := math.Sin(dLon / 2)
	h := sLat*sLat + math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*sLon*sLon
	// Guard against rounding pushing h slightly above 1 for antipodal points.
	h = math.Min(1, h)
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}
