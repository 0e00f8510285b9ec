package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed — сообщение подтверждения не удалось разобрать.
var ErrMalformed = errors.New("malformed sync confirmation")

// Confirmation — сигнал слоя репликации: все изменения до SyncedAt
// доставлены на сервер.
type Confirmation struct {
	SyncedAt time.Time
}

type confirmationWire struct {
	SyncedAt   string `json:"synced_at"`
	SyncedAtMS int64  `json:"synced_at_ms"`
}

// DecodeConfirmation разбирает {"synced_at": "<RFC3339>"} или
// {"synced_at_ms": <epoch ms>}. При наличии обоих полей побеждает synced_at.
func DecodeConfirmation(body []byte) (Confirmation, error) {
	var wire confirmationWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return Confirmation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s := strings.TrimSpace(wire.SyncedAt); s != "" {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Confirmation{}, fmt.Errorf("%w: synced_at: %v", ErrMalformed, err)
		}
		return Confirmation{SyncedAt: ts.UTC()}, nil
	}
	if wire.SyncedAtMS > 0 {
		return Confirmation{SyncedAt: time.UnixMilli(wire.SyncedAtMS).UTC()}, nil
	}
	return Confirmation{}, fmt.Errorf("%w: synced_at is missing", ErrMalformed)
}

// Confirmer двигает маркер синхронизации; реализуется tracking.Controller.
type Confirmer interface {
	ConfirmSync(ctx context.Context, syncedAt time.Time) (time.Time, bool, error)
}

// Apply передает подтверждение в Confirmer. Маркер никогда не движется назад.
func Apply(ctx context.Context, c Confirmer, conf Confirmation) (time.Time, bool, error) {
	return c.ConfirmSync(ctx, conf.SyncedAt)
}
