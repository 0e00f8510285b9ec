package tracking

import "errors"

var (
	// ErrValidation: неверный номер или пустая цель, состояние не меняется.
	ErrValidation = errors.New("validation error")
	// ErrPermission: нет доступа к геолокации.
	ErrPermission = errors.New("location permission denied")
	// ErrNotFound: поездка отсутствует или уже закрыта.
	ErrNotFound = errors.New("trip not found")
	// ErrPersistence: транзакция хранилища не выполнена, изменения откатились.
	ErrPersistence = errors.New("persistence error")
	// ErrSampler: источник геолокации недоступен, поездка остается открытой.
	ErrSampler = errors.New("sampler error")
	// ErrTripInProgress: уже есть открытая поездка.
	ErrTripInProgress = errors.New("trip already in progress")
)
