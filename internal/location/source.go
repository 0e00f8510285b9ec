package location

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"triplog/internal/tracking"
)

// ErrUnavailable — источник геолокации больше не выдает точки.
var ErrUnavailable = errors.New("location service unavailable")

const metersPerDegree = 111320.0

// Simulator двигается от начальной точки с постоянным курсом и шагом.
// Используется на стенде без GPS-приемника.
type Simulator struct {
	mu         sync.Mutex
	lat, lon   float64
	headingRad float64
	stepMeters float64
	now        func() time.Time
}

// NewSimulator создает симулятор; heading в градусах от севера.
func NewSimulator(lat, lon, headingDeg, stepMeters float64) *Simulator {
	return &Simulator{
		lat:        lat,
		lon:        lon,
		headingRad: headingDeg * math.Pi / 180,
		stepMeters: stepMeters,
		now:        time.Now,
	}
}

func (s *Simulator) Current(ctx context.Context, accuracy tracking.Accuracy) (tracking.Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return tracking.Coordinate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := tracking.Coordinate{Latitude: s.lat, Longitude: s.lon, Timestamp: s.now().UnixMilli()}
	dLat := s.stepMeters * math.Cos(s.headingRad) / metersPerDegree
	dLon := s.stepMeters * math.Sin(s.headingRad) / (metersPerDegree * math.Cos(s.lat*math.Pi/180))
	s.lat += dLat
	s.lon += dLon
	return c, nil
}

// Replay выдает заранее записанные точки по порядку, затем ErrUnavailable.
type Replay struct {
	mu    sync.Mutex
	fixes []tracking.Coordinate
	next  int
}

// NewReplay создает источник из записанного трека.
func NewReplay(fixes ...tracking.Coordinate) *Replay {
	return &Replay{fixes: append([]tracking.Coordinate(nil), fixes...)}
}

func (r *Replay) Current(ctx context.Context, accuracy tracking.Accuracy) (tracking.Coordinate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.fixes) {
		return tracking.Coordinate{}, ErrUnavailable
	}
	c := r.fixes[r.next]
	r.next++
	return c, nil
}

// Remaining возвращает число невыданных точек.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fixes) - r.next
}
