package tracking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"triplog/internal/storage"
)

// Deps собирает зависимости Controller.
type Deps struct {
	Store    Store
	Marker   SyncMarker
	Sampler  *Sampler
	Geocoder Geocoder
	Sampling SamplerConfig
	Logger   *slog.Logger
	Now      func() time.Time
}

// Controller ведет жизненный цикл поездки: выезд -> прибытие.
//
// Один Controller соответствует одной сессии устройства: у него свой
// Sampler и свой буфер, поэтому одновременно открыта не более чем одна
// поездка, а тесты могут создавать независимые сессии.
type Controller struct {
	store    Store
	marker   SyncMarker
	sampler  *Sampler
	geocoder Geocoder
	sampling SamplerConfig
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// Location — последняя точка с подписью улицы.
type Location struct {
	Coordinate Coordinate `json:"coordinate"`
	Street     string     `json:"street"`
}

// NewController создает контроллер сессии.
func NewController(deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:    deps.Store,
		marker:   deps.Marker,
		sampler:  deps.Sampler,
		geocoder: deps.Geocoder,
		sampling: deps.Sampling,
		logger:   logger.With("component", "trips"),
		now:      func() time.Time { return now().UTC() },
	}
}

// Sampler возвращает Sampler сессии.
func (c *Controller) Sampler() *Sampler { return c.sampler }

// StartTrip регистрирует выезд и запускает фоновый опрос.
//
// Если разрешения на геолокацию нет, запись все равно сохраняется и
// возвращается вместе с ошибкой ErrPermission; опрос можно запустить
// позже через ResumeSampling.
func (c *Controller) StartTrip(ctx context.Context, plate, description, userID string) (Historic, error) {
	normalized, err := ValidatePlate(plate)
	if err != nil {
		return Historic{}, err
	}
	desc, err := ValidateDescription(description)
	if err != nil {
		return Historic{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return Historic{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	open, ok, err := c.store.FindOpen(ctx)
	if err != nil {
		return Historic{}, fmt.Errorf("%w: find open trip: %w", ErrPersistence, err)
	}
	if ok {
		return Historic{}, fmt.Errorf("%w: %w: %s", ErrValidation, ErrTripInProgress, open.ID)
	}
	// Остатки буфера не должны попасть в новую поездку.
	if err := c.sampler.Discard(ctx); err != nil {
		return Historic{}, err
	}

	h := NewHistoric(userID, normalized, desc, c.now())
	if err := c.store.Create(ctx, h); err != nil {
		return Historic{}, fmt.Errorf("%w: create trip: %w", ErrPersistence, err)
	}
	c.logger.Info("departure registered", "trip_id", h.ID.String(), "user_id", userID, "license_plate", h.LicensePlate)

	if err := c.sampler.Start(ctx, c.sampling); err != nil {
		c.logger.Warn("sampler not started", "trip_id", h.ID.String(), "err", err)
		return h, err
	}
	return h, nil
}

// RegisterArrival переносит буфер в запись и закрывает поездку.
// Опрос останавливается и буфер очищается только после фиксации.
func (c *Controller) RegisterArrival(ctx context.Context, id uuid.UUID) (Historic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.readOpen(ctx, id); err != nil {
		return Historic{}, err
	}

	var updated Historic
	err := c.sampler.Drain(ctx, func(samples []Coordinate) error {
		h, err := c.store.Update(ctx, id, func(r *Historic) error {
			if !r.Open() {
				return storage.ErrNotFound
			}
			r.Coords, _ = mergeCoords(r.Coords, samples)
			r.Status = StatusArrival
			r.UpdatedAt = c.now()
			return nil
		})
		if err != nil {
			return err
		}
		updated = h
		return nil
	}, true)
	if err != nil {
		return Historic{}, c.mapStoreErr(id, "register arrival", err)
	}
	c.logger.Info("arrival registered", "trip_id", id.String(), "coords", len(updated.Coords))
	return updated, nil
}

// CancelTrip отменяет открытую поездку: остановка опроса, очистка буфера,
// удаление записи. При сбое удаления запись остается для повтора.
func (c *Controller) CancelTrip(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.readOpen(ctx, id); err != nil {
		return err
	}
	if err := c.sampler.Discard(ctx); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return c.mapStoreErr(id, "delete trip", err)
	}
	c.logger.Info("trip cancelled", "trip_id", id.String())
	return nil
}

// IsPendingSync сравнивает updated_at записи с маркером синхронизации.
// Удаленное хранилище не опрашивается.
func (c *Controller) IsPendingSync(ctx context.Context, h Historic) (bool, error) {
	last, err := c.marker.LastSync(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: read last sync: %w", ErrPersistence, err)
	}
	return PendingSync(h, last), nil
}

// LastSync возвращает маркер последней синхронизации.
func (c *Controller) LastSync(ctx context.Context) (time.Time, error) {
	last, err := c.marker.LastSync(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: read last sync: %w", ErrPersistence, err)
	}
	return last, nil
}

// ConfirmSync принимает подтверждение репликации. Маркер двигается только
// вперед: более старое или равное подтверждение игнорируется (moved=false).
func (c *Controller) ConfirmSync(ctx context.Context, syncedAt time.Time) (time.Time, bool, error) {
	if syncedAt.IsZero() {
		return time.Time{}, false, fmt.Errorf("%w: synced_at is required", ErrValidation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.marker.LastSync(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: read last sync: %w", ErrPersistence, err)
	}
	if !syncedAt.After(last) {
		return last, false, nil
	}
	syncedAt = syncedAt.UTC()
	if err := c.marker.SetLastSync(ctx, syncedAt); err != nil {
		c.logger.Error("set last sync failed", "err", err)
		return last, false, fmt.Errorf("%w: set last sync: %w", ErrPersistence, err)
	}
	c.logger.Info("sync confirmed", "synced_at", syncedAt.Format(time.RFC3339Nano))
	return syncedAt, true, nil
}

// Unsynced возвращает поездки, измененные после последней синхронизации.
// Фильтр применяется в хранилище до limit.
func (c *Controller) Unsynced(ctx context.Context, limit int) ([]Historic, error) {
	last, err := c.LastSync(ctx)
	if err != nil {
		return nil, err
	}
	return c.History(ctx, HistoryQuery{Limit: limit, UpdatedAfter: last})
}

// Get читает поездку; отсутствие не считается ошибкой.
func (c *Controller) Get(ctx context.Context, id uuid.UUID) (Historic, bool, error) {
	h, ok, err := c.store.Read(ctx, id)
	if err != nil {
		return Historic{}, false, fmt.Errorf("%w: read trip: %w", ErrPersistence, err)
	}
	return h, ok, nil
}

// OpenTrip возвращает текущую незавершенную поездку.
func (c *Controller) OpenTrip(ctx context.Context) (Historic, bool, error) {
	h, ok, err := c.store.FindOpen(ctx)
	if err != nil {
		return Historic{}, false, fmt.Errorf("%w: find open trip: %w", ErrPersistence, err)
	}
	return h, ok, nil
}

// History возвращает поездки от новых к старым.
func (c *Controller) History(ctx context.Context, q HistoryQuery) ([]Historic, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, q.Status)
	}
	items, err := c.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: list trips: %w", ErrPersistence, err)
	}
	return items, nil
}

// ResumeSampling перезапускает опрос для открытой поездки, например
// после выдачи разрешения или перезапуска процесса.
func (c *Controller) ResumeSampling(ctx context.Context) (Historic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok, err := c.store.FindOpen(ctx)
	if err != nil {
		return Historic{}, fmt.Errorf("%w: find open trip: %w", ErrPersistence, err)
	}
	if !ok {
		return Historic{}, fmt.Errorf("%w: no open trip", ErrNotFound)
	}
	if err := c.sampler.Start(ctx, c.sampling); err != nil {
		return h, err
	}
	return h, nil
}

// SamplingAction — итог сверки опроса с хранилищем.
type SamplingAction string

const (
	SamplingKept      SamplingAction = "kept"
	SamplingResumed   SamplingAction = "resumed"
	SamplingDiscarded SamplingAction = "discarded"
)

// ReconcileSampling сверяет опрос с хранилищем. Поездку могут открыть или
// закрыть другие процессы над той же базой: открытая поездка без опроса
// запускает его, работающий опрос без открытой поездки останавливается
// с очисткой буфера.
func (c *Controller) ReconcileSampling(ctx context.Context) (Historic, SamplingAction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	open, ok, err := c.store.FindOpen(ctx)
	if err != nil {
		return Historic{}, SamplingKept, fmt.Errorf("%w: find open trip: %w", ErrPersistence, err)
	}
	running := c.sampler.Running()
	switch {
	case ok && !running:
		if err := c.sampler.Start(ctx, c.sampling); err != nil {
			return open, SamplingKept, err
		}
		c.logger.Info("sampling resumed", "trip_id", open.ID.String())
		return open, SamplingResumed, nil
	case !ok && running:
		if err := c.sampler.Discard(ctx); err != nil {
			return Historic{}, SamplingDiscarded, err
		}
		c.logger.Info("sampling stopped, no open trip")
		return Historic{}, SamplingDiscarded, nil
	}
	return open, SamplingKept, nil
}

// Flush переносит накопленные точки в открытую поездку, не закрывая ее.
func (c *Controller) Flush(ctx context.Context) (Historic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	open, ok, err := c.store.FindOpen(ctx)
	if err != nil {
		return Historic{}, fmt.Errorf("%w: find open trip: %w", ErrPersistence, err)
	}
	if !ok {
		return Historic{}, fmt.Errorf("%w: no open trip", ErrNotFound)
	}

	result := open
	err = c.sampler.Drain(ctx, func(samples []Coordinate) error {
		if len(samples) == 0 {
			return nil
		}
		h, err := c.store.Update(ctx, open.ID, func(r *Historic) error {
			if !r.Open() {
				return storage.ErrNotFound
			}
			var added int
			r.Coords, added = mergeCoords(r.Coords, samples)
			if added > 0 {
				r.UpdatedAt = c.now()
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = h
		return nil
	}, false)
	if err != nil {
		return Historic{}, c.mapStoreErr(open.ID, "flush samples", err)
	}
	return result, nil
}

// CurrentLocation возвращает последнюю принятую точку и название улицы.
func (c *Controller) CurrentLocation(ctx context.Context) (Location, bool) {
	fix, ok := c.sampler.LastFix()
	if !ok {
		return Location{}, false
	}
	return Location{Coordinate: fix, Street: StreetLabel(ctx, c.geocoder, fix)}, true
}

func (c *Controller) readOpen(ctx context.Context, id uuid.UUID) (Historic, error) {
	h, ok, err := c.store.Read(ctx, id)
	if err != nil {
		return Historic{}, fmt.Errorf("%w: read trip: %w", ErrPersistence, err)
	}
	if !ok || !h.Open() {
		return Historic{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h, nil
}

func (c *Controller) mapStoreErr(id uuid.UUID, op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrNotFound):
		return err
	default:
		c.logger.Error(op+" failed", "trip_id", id.String(), "err", err)
		return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
	}
}
