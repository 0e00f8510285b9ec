package tracking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"triplog/internal/storage"
)

var errBoom = errors.New("boom")

type memStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID]Historic
	samples  []Coordinate
	appended []Coordinate
	lastSync time.Time

	failCreate error
	failUpdate error
	failDelete error
	failAll    error
	failClear  error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]Historic)}
}

func (m *memStore) Create(ctx context.Context, h Historic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	m.records[h.ID] = h.Clone()
	return nil
}

func (m *memStore) Read(ctx context.Context, id uuid.UUID) (Historic, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.records[id]
	if !ok {
		return Historic{}, false, nil
	}
	return h.Clone(), true, nil
}

func (m *memStore) Update(ctx context.Context, id uuid.UUID, mutate func(*Historic) error) (Historic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate != nil {
		return Historic{}, m.failUpdate
	}
	h, ok := m.records[id]
	if !ok {
		return Historic{}, storage.ErrNotFound
	}
	next := h.Clone()
	if err := mutate(&next); err != nil {
		return Historic{}, err
	}
	m.records[id] = next.Clone()
	return next, nil
}

func (m *memStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return m.failDelete
	}
	if _, ok := m.records[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *memStore) FindOpen(ctx context.Context) (Historic, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.records {
		if h.Open() {
			return h.Clone(), true, nil
		}
	}
	return Historic{}, false, nil
}

func (m *memStore) List(ctx context.Context, q HistoryQuery) ([]Historic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Historic
	for _, h := range m.records {
		if q.UserID != "" && h.UserID != q.UserID {
			continue
		}
		if q.Status != "" && h.Status != q.Status {
			continue
		}
		if !q.UpdatedAfter.IsZero() && !h.UpdatedAt.After(q.UpdatedAfter) {
			continue
		}
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memStore) Append(ctx context.Context, c Coordinate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, c)
	m.appended = append(m.appended, c)
	return nil
}

func (m *memStore) All(ctx context.Context) ([]Coordinate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	return append([]Coordinate(nil), m.samples...), nil
}

func (m *memStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failClear != nil {
		return m.failClear
	}
	m.samples = nil
	return nil
}

func (m *memStore) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples), nil
}

func (m *memStore) LastSync(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync, nil
}

func (m *memStore) SetLastSync(ctx context.Context, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSync = ts
	return nil
}

func (m *memStore) bufferLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func (m *memStore) appendedCopy() []Coordinate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Coordinate(nil), m.appended...)
}

// manualScheduler запоминает тик и вызывает его по требованию теста.
type manualScheduler struct {
	mu       sync.Mutex
	tick     func(ctx context.Context)
	running  bool
	starts   int
	stops    int
	startErr error
}

func (s *manualScheduler) Start(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.tick = tick
	s.running = true
	s.starts++
	return nil
}

func (s *manualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.stops++
}

// fire вызывает последний тик даже после Stop: так выглядит доставка,
// которая уже была в пути в момент остановки.
func (s *manualScheduler) fire() {
	s.mu.Lock()
	tick := s.tick
	s.mu.Unlock()
	if tick != nil {
		tick(context.Background())
	}
}

func (s *manualScheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type scriptedSource struct {
	mu    sync.Mutex
	fixes []Coordinate
	next  int
	err   error
}

func (s *scriptedSource) push(fixes ...Coordinate) {
	s.mu.Lock()
	s.fixes = append(s.fixes, fixes...)
	s.mu.Unlock()
}

func (s *scriptedSource) Current(ctx context.Context, accuracy Accuracy) (Coordinate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Coordinate{}, s.err
	}
	if s.next >= len(s.fixes) {
		return Coordinate{}, errors.New("no fix")
	}
	c := s.fixes[s.next]
	s.next++
	return c, nil
}

type fakePermission struct {
	mu      sync.Mutex
	granted bool
}

func (p *fakePermission) HasForegroundPermission(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted, nil
}

func (p *fakePermission) RequestForegroundPermission(ctx context.Context) (bool, error) {
	return p.HasForegroundPermission(ctx)
}

func (p *fakePermission) set(granted bool) {
	p.mu.Lock()
	p.granted = granted
	p.mu.Unlock()
}

type fakeGeocoder struct {
	street string
	err    error
}

func (g fakeGeocoder) ReverseGeocode(ctx context.Context, c Coordinate) (string, error) {
	return g.street, g.err
}

// testClock выдает строго возрастающее время.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type session struct {
	ctrl   *Controller
	store  *memStore
	sched  *manualScheduler
	source *scriptedSource
	perms  *fakePermission
	errs   chan error
}

func newSession(geo Geocoder) *session {
	s := &session{
		store:  newMemStore(),
		sched:  &manualScheduler{},
		source: &scriptedSource{},
		perms:  &fakePermission{granted: true},
		errs:   make(chan error, 16),
	}
	clock := newTestClock()
	sampler := NewSampler(SamplerDeps{
		Buffer:      s.store,
		Source:      s.source,
		Permissions: s.perms,
		Scheduler:   s.sched,
		Now:         clock.Now,
		OnError: func(err error) {
			select {
			case s.errs <- err:
			default:
			}
		},
	})
	s.ctrl = NewController(Deps{
		Store:    s.store,
		Marker:   s.store,
		Sampler:  sampler,
		Geocoder: geo,
		Sampling: DefaultSamplerConfig(),
		Now:      clock.Now,
	})
	return s
}

func coord(lat, lon float64, ts int64) Coordinate {
	return Coordinate{Latitude: lat, Longitude: lon, Timestamp: ts}
}
