package tracking

import (
	"context"
	"math"
	"strings"
)

const earthRadiusMeters = 6371008.8

// UnknownLocation подставляется, когда геокодер не дал ответа.
const UnknownLocation = "unknown location"

// DistanceMeters считает расстояние по большому кругу (haversine).
func DistanceMeters(a, b Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// StreetLabel возвращает название улицы или UnknownLocation.
// Ошибки геокодера не пробрасываются.
func StreetLabel(ctx context.Context, g Geocoder, c Coordinate) string {
	if g == nil {
		return UnknownLocation
	}
	street, err := g.ReverseGeocode(ctx, c)
	if err != nil {
		return UnknownLocation
	}
	street = strings.TrimSpace(street)
	if street == "" {
		return UnknownLocation
	}
	return street
}

// mergeCoords дописывает только точки новее последней сохраненной,
// поэтому повторное слияние того же буфера ничего не дублирует.
func mergeCoords(existing, samples []Coordinate) ([]Coordinate, int) {
	out := append([]Coordinate(nil), existing...)
	last := int64(math.MinInt64)
	if len(out) > 0 {
		last = out[len(out)-1].Timestamp
	}
	added := 0
	for _, s := range samples {
		if s.Timestamp <= last {
			continue
		}
		out = append(out, s)
		last = s.Timestamp
		added++
	}
	if out == nil {
		out = []Coordinate{}
	}
	return out, added
}
