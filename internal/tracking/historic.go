package tracking

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status описывает этап использования автомобиля.
type Status string

const (
	StatusDeparture Status = "departure"
	StatusArrival   Status = "arrival"
)

// Valid проверяет, что статус известен.
func (s Status) Valid() bool {
	return s == StatusDeparture || s == StatusArrival
}

// Coordinate фиксирует одну точку трека. Timestamp в миллисекундах epoch.
type Coordinate struct {
	Latitude  float64 `json:"latitude" cbor:"1,keyasint"`
	Longitude float64 `json:"longitude" cbor:"2,keyasint"`
	Timestamp int64   `json:"timestamp" cbor:"3,keyasint"`
}

// Time возвращает момент захвата точки.
func (c Coordinate) Time() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// Historic хранит одну поездку: от выезда до прибытия.
type Historic struct {
	ID           uuid.UUID    `json:"id"`
	UserID       string       `json:"user_id"`
	LicensePlate string       `json:"license_plate"`
	Description  string       `json:"description"`
	Status       Status       `json:"status"`
	Coords       []Coordinate `json:"coords"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewHistoric создает запись выезда с новым идентификатором.
func NewHistoric(userID, plate, description string, now time.Time) Historic {
	now = now.UTC()
	return Historic{
		ID:           uuid.New(),
		UserID:       userID,
		LicensePlate: strings.ToUpper(plate),
		Description:  description,
		Status:       StatusDeparture,
		Coords:       []Coordinate{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Open сообщает, что поездка еще не завершена.
func (h Historic) Open() bool { return h.Status == StatusDeparture }

// Clone возвращает копию без общего слайса координат.
func (h Historic) Clone() Historic {
	out := h
	out.Coords = append([]Coordinate(nil), h.Coords...)
	if out.Coords == nil {
		out.Coords = []Coordinate{}
	}
	return out
}

var (
	// LLL NNNN: старый формат.
	plateLegacy = regexp.MustCompile(`^[A-Z]{3}[0-9]{4}$`)
	// LLL NLNN: формат Mercosul.
	plateMercosul = regexp.MustCompile(`^[A-Z]{3}[0-9][A-Z][0-9]{2}$`)
)

// ValidatePlate проверяет номер без учета регистра и возвращает
// нормализованную форму в верхнем регистре без разделителей.
func ValidatePlate(plate string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(plate))
	if len(p) == 8 && (p[3] == '-' || p[3] == ' ') {
		p = p[:3] + p[4:]
	}
	if plateLegacy.MatchString(p) || plateMercosul.MatchString(p) {
		return p, nil
	}
	return "", fmt.Errorf("%w: invalid license plate %q", ErrValidation, plate)
}

// ValidateDescription отклоняет пустую цель поездки.
func ValidateDescription(description string) (string, error) {
	d := strings.TrimSpace(description)
	if d == "" {
		return "", fmt.Errorf("%w: description is required", ErrValidation)
	}
	return d, nil
}

// PendingSync сообщает, что локальное изменение новее последней
// подтвержденной синхронизации.
func PendingSync(h Historic, lastSync time.Time) bool {
	return h.UpdatedAt.After(lastSync)
}
