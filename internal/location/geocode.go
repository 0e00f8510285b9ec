package location

import (
	"context"
	"errors"

	"triplog/internal/tracking"
)

var errNoPlace = errors.New("no known place nearby")

// Place — именованная точка локального справочника улиц.
type Place struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// Gazetteer — офлайн обратный геокодер: ближайшее место в радиусе.
type Gazetteer struct {
	places       []Place
	radiusMeters float64
}

// NewGazetteer создает справочник; radius <= 0 означает 250 м.
func NewGazetteer(places []Place, radiusMeters float64) *Gazetteer {
	if radiusMeters <= 0 {
		radiusMeters = 250
	}
	return &Gazetteer{places: append([]Place(nil), places...), radiusMeters: radiusMeters}
}

func (g *Gazetteer) ReverseGeocode(ctx context.Context, c tracking.Coordinate) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	best, bestDist := "", g.radiusMeters
	for _, p := range g.places {
		d := tracking.DistanceMeters(c, tracking.Coordinate{Latitude: p.Latitude, Longitude: p.Longitude})
		if d <= bestDist {
			best, bestDist = p.Name, d
		}
	}
	if best == "" {
		return "", errNoPlace
	}
	return best, nil
}
