package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound возвращается при изменении отсутствующей записи.
var ErrNotFound = errors.New("record not found")

// AuditEvent фиксирует действия операторов над поездками.
type AuditEvent struct {
	Subject   string
	Action    string
	Source    string
	Status    string
	RequestID string
	Payload   []byte
	TS        time.Time
}

// AuditQuery задает фильтры выборки аудита.
type AuditQuery struct {
	From    time.Time
	To      time.Time
	Subject string
	Limit   int
}

// AuditLog пишет и читает журнал аудита.
type AuditLog interface {
	SaveAudit(ctx context.Context, ev AuditEvent) error
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
}
