package tracking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultSampleInterval — период опроса геолокации по умолчанию.
const DefaultSampleInterval = time.Second

// SamplerConfig задает режим фонового опроса.
type SamplerConfig struct {
	Accuracy             Accuracy
	Interval             time.Duration
	DistanceFilterMeters float64
}

// DefaultSamplerConfig возвращает максимальную точность и период 1с.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{Accuracy: AccuracyHighest, Interval: DefaultSampleInterval}
}

func (c SamplerConfig) withDefaults() SamplerConfig {
	if c.Accuracy == "" {
		c.Accuracy = AccuracyHighest
	}
	if c.Interval <= 0 {
		c.Interval = DefaultSampleInterval
	}
	if c.DistanceFilterMeters < 0 {
		c.DistanceFilterMeters = 0
	}
	return c
}

// SamplerDeps собирает зависимости Sampler.
type SamplerDeps struct {
	Buffer      SampleBuffer
	Source      LocationSource
	Permissions PermissionProvider
	Scheduler   TaskScheduler
	Logger      *slog.Logger
	Now         func() time.Time
	// OnError получает ошибки ErrSampler в отдельной горутине, вне тика:
	// из него можно вызывать Stop и Discard. Порядок доставки не гарантирован.
	OnError func(error)
}

// Sampler периодически снимает позицию и дописывает ее в буфер.
//
// Тики и слив буфера сериализуются через mu: тик, начавшийся до слива,
// попадает в слив целиком, а тик после остановки отбрасывается.
// lifecycle упорядочивает Start/Stop/Drain между собой и никогда не
// удерживается тиком, поэтому Scheduler.Stop может ждать завершения тика.
type Sampler struct {
	buffer  SampleBuffer
	source  LocationSource
	perms   PermissionProvider
	sched   TaskScheduler
	logger  *slog.Logger
	now     func() time.Time
	onError func(error)

	lifecycle sync.Mutex

	mu      sync.Mutex
	running bool
	gen     uint64
	cfg     SamplerConfig
	last    Coordinate
	hasLast bool
	lastErr error
	subs    map[int]chan Coordinate
	nextSub int
}

// NewSampler создает остановленный Sampler.
func NewSampler(deps SamplerDeps) *Sampler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Sampler{
		buffer:  deps.Buffer,
		source:  deps.Source,
		perms:   deps.Permissions,
		sched:   deps.Scheduler,
		logger:  logger.With("component", "sampler"),
		now:     now,
		onError: deps.OnError,
		cfg:     DefaultSamplerConfig(),
		subs:    make(map[int]chan Coordinate),
	}
}

// Start запускает опрос. Повторный вызов на работающем Sampler ничего не делает.
func (s *Sampler) Start(ctx context.Context, cfg SamplerConfig) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return nil
	}

	if s.perms == nil {
		return fmt.Errorf("%w: no permission provider", ErrPermission)
	}
	granted, err := s.perms.HasForegroundPermission(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	if !granted {
		return ErrPermission
	}

	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.running = true
	s.gen++
	gen := s.gen
	s.cfg = cfg
	s.lastErr = nil
	s.mu.Unlock()

	// Задача живет дольше запроса, который ее запустил.
	taskCtx := context.WithoutCancel(ctx)
	if err := s.sched.Start(taskCtx, cfg.Interval, func(tickCtx context.Context) { s.tick(tickCtx, gen) }); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("%w: start task: %v", ErrSampler, err)
	}
	s.logger.Info("sampler started", "interval", cfg.Interval.String(), "accuracy", string(cfg.Accuracy), "distance_filter_m", cfg.DistanceFilterMeters)
	return nil
}

// Stop прекращает опрос; безопасен при повторном вызове.
func (s *Sampler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning {
		return
	}
	s.sched.Stop()
	s.logger.Info("sampler stopped")
}

// Drain передает весь буфер в commit. Буфер очищается только после
// успешного commit; при closeTrip Sampler в этот же момент
// останавливается, так что ни одна точка не теряется и не дублируется.
func (s *Sampler) Drain(ctx context.Context, commit func([]Coordinate) error, closeTrip bool) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	samples, err := s.buffer.All(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: read buffer: %w", ErrPersistence, err)
	}
	if err := commit(samples); err != nil {
		s.mu.Unlock()
		return err
	}
	wasRunning := s.running
	if closeTrip {
		s.running = false
		s.hasLast = false
	}
	clearErr := s.buffer.Clear(ctx)
	s.mu.Unlock()

	if clearErr != nil {
		// Слияние идемпотентно: оставшиеся точки старше сохраненных и будут пропущены.
		s.logger.Error("clear buffer after commit", "err", clearErr, "samples", len(samples))
	}
	if closeTrip && wasRunning {
		s.sched.Stop()
		s.logger.Info("sampler stopped", "drained", len(samples))
	}
	return nil
}

// Discard останавливает опрос и очищает буфер без сохранения.
func (s *Sampler) Discard(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.hasLast = false
	err := s.buffer.Clear(ctx)
	s.mu.Unlock()

	if wasRunning {
		s.sched.Stop()
		s.logger.Info("sampler stopped", "discarded", true)
	}
	if err != nil {
		return fmt.Errorf("%w: clear buffer: %w", ErrPersistence, err)
	}
	return nil
}

// Running сообщает, идет ли опрос.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastFix возвращает последнюю принятую точку текущей сессии.
func (s *Sampler) LastFix() (Coordinate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// LastError возвращает последнюю ошибку источника, nil после успешной точки.
func (s *Sampler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe выдает канал принятых точек. Медленный подписчик теряет точки,
// но не тормозит опрос.
func (s *Sampler) Subscribe() (<-chan Coordinate, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Coordinate, 16)
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Sampler) tick(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.mu.Unlock()

	fix, err := s.source.Current(ctx, cfg.Accuracy)
	if err != nil {
		s.fail(gen, fmt.Errorf("%w: location unavailable: %w", ErrSampler, err))
		return
	}
	if fix.Timestamp == 0 {
		fix.Timestamp = s.now().UnixMilli()
	}

	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.hasLast {
		if fix.Timestamp <= s.last.Timestamp {
			s.mu.Unlock()
			return
		}
		if cfg.DistanceFilterMeters > 0 && DistanceMeters(s.last, fix) < cfg.DistanceFilterMeters {
			s.mu.Unlock()
			return
		}
	}
	if err := s.buffer.Append(ctx, fix); err != nil {
		s.mu.Unlock()
		s.fail(gen, fmt.Errorf("%w: append sample: %w", ErrSampler, err))
		return
	}
	s.last = fix
	s.hasLast = true
	s.lastErr = nil
	for _, ch := range s.subs {
		select {
		case ch <- fix:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Sampler) fail(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Warn("sample failed", "err", err)
	if s.onError != nil {
		// Stop ждет завершения тика, поэтому обработчик не может выполняться в нем.
		go s.onError(err)
	}
}
