package search

import (
	"math"

	"github.com/vyrodovalexey/lostfound/internal/model"
)

// Recommendation defaults.
const (
	DefaultSimilarRadiusKm = 0.5
	DefaultSimilarLimit    = 3
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two coordinates
// using the haversine formula.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Similar returns up to limit items that share target's category and were
// reported less than radiusKm away, in collection order. target itself is
// never included, nor is any item with out-of-range coordinates.
func Similar(items []model.Item, target model.Item, radiusKm float64, limit int) []model.Item {
	if limit <= 0 || target.ValidateLocation() != nil {
		return []model.Item{}
	}

	out := make([]model.Item, 0, limit)

	for i := range items {
		item := items[i]
		if item.ID == target.ID || item.Category != target.Category || item.ValidateLocation() != nil {
			continue
		}

		d := DistanceKm(item.Latitude, item.Longitude, target.Latitude, target.Longitude)
		if d >= radiusKm {
			continue
		}

		out = append(out, item)
		if len(out) == limit {
			break
		}
	}

	return out
}
