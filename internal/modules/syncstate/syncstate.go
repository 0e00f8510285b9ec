// Package syncstate отдает состояние маркера синхронизации и принимает
// подтверждения от оператора.
package syncstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"triplog/internal/core"
	"triplog/internal/modules/trip"
	"triplog/internal/tracking"
)

// Module реализует команды sync status|confirm.
type Module struct {
	ctrl *tracking.Controller
}

func New(ctrl *tracking.Controller) *Module {
	return &Module{ctrl: ctrl}
}

func (m *Module) Name() string { return "sync" }

func (m *Module) Init(ctx context.Context) error {
	if m.ctrl == nil {
		return errors.New("trip controller is nil")
	}
	return nil
}

func (m *Module) Execute(ctx context.Context, cmd string, args []string) (core.Response, error) {
	switch cmd {
	case "status":
		return m.status(ctx)
	case "confirm":
		return m.confirm(ctx, args)
	default:
		return core.Response{Status: "error", ErrorCode: "unknown_command"}, fmt.Errorf("command %s not supported", cmd)
	}
}

func (m *Module) status(ctx context.Context) (core.Response, error) {
	last, err := m.ctrl.LastSync(ctx)
	if err != nil {
		return core.Fail(trip.ErrorCode(err), err), err
	}
	pending, err := m.ctrl.Unsynced(ctx, 500)
	if err != nil {
		return core.Fail(trip.ErrorCode(err), err), err
	}
	ids := make([]string, 0, len(pending))
	for _, h := range pending {
		ids = append(ids, h.ID.String())
	}
	data := map[string]interface{}{
		"pending":     len(pending),
		"pending_ids": ids,
		"last_sync":   nil,
	}
	if !last.IsZero() {
		data["last_sync"] = last.Format(time.RFC3339Nano)
	}
	return core.OK(data), nil
}

// confirm <RFC3339 | epoch ms>
func (m *Module) confirm(ctx context.Context, args []string) (core.Response, error) {
	if len(args) != 1 {
		err := fmt.Errorf("%w: confirm <RFC3339|epoch_ms>", tracking.ErrValidation)
		return core.Fail("bad_arguments", err), err
	}
	ts, err := ParseSyncTime(args[0])
	if err != nil {
		return core.Fail(trip.ErrorCode(err), err), err
	}
	marker, moved, err := m.ctrl.ConfirmSync(ctx, ts)
	if err != nil {
		return core.Fail(trip.ErrorCode(err), err), err
	}
	return core.OK(map[string]interface{}{
		"last_sync": marker.Format(time.RFC3339Nano),
		"moved":     moved,
	}), nil
}

// ParseSyncTime разбирает RFC3339 или миллисекунды epoch.
func ParseSyncTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, fmt.Errorf("%w: synced_at must be positive", tracking.ErrValidation)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad synced_at %q", tracking.ErrValidation, v)
	}
	return ts.UTC(), nil
}
