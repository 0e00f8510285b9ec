package tracking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// HistoryQuery задает фильтры списка поездок.
type HistoryQuery struct {
	UserID string
	Status Status
	// UpdatedAfter оставляет записи с updated_at строго позже; нулевое — без фильтра.
	UpdatedAfter time.Time
	Limit        int
}

// Store хранит записи Historic. Каждая мутация выполняется в одной
// транзакции: изменения видны целиком или не видны вовсе.
// Read на отсутствующем id возвращает ok=false без ошибки;
// Update и Delete возвращают ошибку, удовлетворяющую errors.Is(err, storage.ErrNotFound).
type Store interface {
	Create(ctx context.Context, h Historic) error
	Read(ctx context.Context, id uuid.UUID) (Historic, bool, error)
	Update(ctx context.Context, id uuid.UUID, mutate func(*Historic) error) (Historic, error)
	Delete(ctx context.Context, id uuid.UUID) error
	FindOpen(ctx context.Context) (Historic, bool, error)
	List(ctx context.Context, q HistoryQuery) ([]Historic, error)
}

// SampleBuffer — буфер точек текущей поездки вне основной записи.
type SampleBuffer interface {
	Append(ctx context.Context, c Coordinate) error
	All(ctx context.Context) ([]Coordinate, error)
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// SyncMarker хранит момент последней подтвержденной репликации.
// Нулевое время означает "никогда".
type SyncMarker interface {
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, ts time.Time) error
}

// Accuracy — запрошенная точность геолокации.
type Accuracy string

const (
	AccuracyHighest  Accuracy = "highest"
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
)

// LocationSource выдает текущую позицию устройства.
type LocationSource interface {
	Current(ctx context.Context, accuracy Accuracy) (Coordinate, error)
}

// PermissionProvider сообщает, выдано ли разрешение на геолокацию.
type PermissionProvider interface {
	HasForegroundPermission(ctx context.Context) (bool, error)
	RequestForegroundPermission(ctx context.Context) (bool, error)
}

// TaskScheduler запускает фоновую задачу с фиксированным периодом,
// переживающую уход приложения в фон. Stop идемпотентен.
type TaskScheduler interface {
	Start(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) error
	Stop()
}

// Geocoder переводит координату в название улицы.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, c Coordinate) (string, error)
}
