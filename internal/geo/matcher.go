package geo

import (
	"fmt"

	"pgonotify/internal/encounter"
)

// Match is a spot within range of an encounter.
type Match struct {
	Spot       encounter.Spot
	DistanceKm float64
}

// MatchingSpots returns the spots strictly closer than maxKm to the
// encounter, in input order. Duplicate spots are passed through.
func MatchingSpots(e encounter.Encounter, spots []encounter.Spot, maxKm float64) ([]encounter.Spot, error) {
	matches, err := Matches(e, spots, maxKm)
	if err != nil {
		return nil, err
	}
	out := make([]encounter.Spot, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Spot)
	}
	return out, nil
}

// Matches is MatchingSpots with the computed distance attached to each result.
func Matches(e encounter.Encounter, spots []encounter.Spot, maxKm float64) ([]Match, error) {
	if err := ValidateCoordinate(e.Latitude, e.Longitude); err != nil {
		return nil, fmt.Errorf("encounter %s: %w", e.ID, err)
	}
	at := Point{Lat: e.Latitude, Lon: e.Longitude}

	var out []Match
	for _, s := range spots {
		if err := ValidateCoordinate(s.Latitude, s.Longitude); err != nil {
			return nil, fmt.Errorf("spot %q: %w", s.Name, err)
		}
		d := DistanceKm(Point{Lat: s.Latitude, Lon: s.Longitude}, at)
		if d < maxKm {
			out = append(out, Match{Spot: s, DistanceKm: d})
		}
	}
	return out, nil
}
