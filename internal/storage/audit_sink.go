package storage

import "context"

// AuditWriter позволяет передавать хранилище туда, где нужен только приемник аудита.
type AuditWriter interface {
	Write(ctx context.Context, ev AuditEvent) error
}

// DiscardAudit игнорирует события; используется, когда журнал не нужен.
type DiscardAudit struct{}

func (DiscardAudit) Write(context.Context, AuditEvent) error { return nil }
