package trip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"triplog/internal/core"
	"triplog/internal/tracking"
)

var errUsage = errors.New("invalid usage")

// View — поездка в ответе транспорта.
type View struct {
	tracking.Historic
	PendingSync bool  `json:"pending_sync"`
	Sampling    *bool `json:"sampling,omitempty"`
}

// Module предоставляет команды жизненного цикла поездки.
type Module struct {
	ctrl *tracking.Controller
}

// New создает модуль поверх контроллера сессии.
func New(ctrl *tracking.Controller) *Module {
	return &Module{ctrl: ctrl}
}

func (m *Module) Name() string { return "trip" }

func (m *Module) Init(ctx context.Context) error {
	if m.ctrl == nil {
		return errors.New("trip controller is nil")
	}
	return nil
}

func (m *Module) Execute(ctx context.Context, cmd string, args []string) (core.Response, error) {
	switch cmd {
	case "start":
		return m.start(ctx, args)
	case "arrive":
		return m.arrive(ctx, args)
	case "cancel":
		return m.cancel(ctx, args)
	case "show":
		return m.show(ctx, args)
	case "list":
		return m.list(ctx, args)
	case "current":
		return m.current(ctx)
	case "flush":
		return m.flush(ctx)
	case "resume":
		return m.resume(ctx)
	default:
		return core.Response{Status: "error", ErrorCode: "unknown_command"}, fmt.Errorf("command %s not supported", cmd)
	}
}

// start <plate> <user> <description...>
func (m *Module) start(ctx context.Context, args []string) (core.Response, error) {
	if len(args) < 3 {
		return usage("start <plate> <user> <description...>")
	}
	h, err := m.ctrl.StartTrip(ctx, args[0], strings.Join(args[2:], " "), args[1])
	if err != nil {
		if errors.Is(err, tracking.ErrPermission) && h.ID != uuid.Nil {
			resp := core.Fail(ErrorCode(err), err)
			resp.Data = m.view(ctx, h, false)
			return resp, err
		}
		return core.Fail(ErrorCode(err), err), err
	}
	return core.OK(m.view(ctx, h, true)), nil
}

func (m *Module) arrive(ctx context.Context, args []string) (core.Response, error) {
	id, resp, err := parseID(args, "arrive <id>")
	if err != nil {
		return resp, err
	}
	h, err := m.ctrl.RegisterArrival(ctx, id)
	if err != nil {
		return core.Fail(ErrorCode(err), err), err
	}
	return core.OK(m.view(ctx, h, false)), nil
}

func (m *Module) cancel(ctx context.Context, args []string) (core.Response, error) {
	id, resp, err := parseID(args, "cancel <id>")
	if err != nil {
		return resp, err
	}
	if err := m.ctrl.CancelTrip(ctx, id); err != nil {
		return core.Fail(ErrorCode(err), err), err
	}
	return core.OK(map[string]string{"id": id.String(), "result": "cancelled"}), nil
}

func (m *Module) show(ctx context.Context, args []string) (core.Response, error) {
	id, resp, err := parseID(args, "show <id>")
	if err != nil {
		return resp, err
	}
	h, ok, err := m.ctrl.Get(ctx, id)
	if err != nil {
		return core.Fail(ErrorCode(err), err), err
	}
	if !ok {
		err := fmt.Errorf("%w: %s", tracking.ErrNotFound, id)
		return core.Fail(ErrorCode(err), err), err
	}
	return core.OK(m.view(ctx, h, h.Open() && m.ctrl.Sampler().Running())), nil
}

// list [status] [limit]
func (m *Module) list(ctx context.Context, args []string) (core.Response, error) {
	var q tracking.HistoryQuery
	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			q.Limit = n
			continue
		}
		q.Status = tracking.Status(strings.ToLower(arg))
	}
	items, err := m.ctrl.History(ctx, q)
	if err != nil {
		return core.Fail(ErrorCode(err), err), err
	}
	last, err := m.ctrl.LastSync(ctx)
	if err != nil {
		return core.Fail(ErrorCode(err), err), err
	}
	views := make([]View, 0, len(items))
	for _, h := range items {
		views = append(views, View{Historic: h, PendingSync: tracking.PendingSync(h, last)})
	}
	return core.OK(map[string]interface{}{"items": views}), nil
}

func (m *Module) current(ctx context.Context) (core.Response, error) {
	h, ok, err := m.ctrl.OpenTrip(ctx)
	if err != nil {
		return core.Fail(ErrorCode(err), err), err
	}
	if !ok {
		err := fmt.Errorf("%w: no open trip", tracking.ErrNotFound)
		return core.Fail(ErrorCode(err), err), err
	}
	sampler := m.ctrl.Sampler()
	data := map[string]interface{}{
		"trip": m.view(ctx, h, sampler.Running()),
	}
	if loc, ok := m.ctrl.CurrentLocation(ctx); ok {
		data["location"] = loc
	}
	if err := sampler.LastError(); err != nil {
		data["sampler_error"] = err.Error()
	}
	return core.OK(data), nil
}

func (m *Module) flush(ctx context.Context) (core.Response, error) {
	h, err := m.ctrl.Flush(ctx)
	if err != nil {
		return core.Fail(ErrorCode(err), err), err
	}
	return core.OK(m.view(ctx, h, m.ctrl.Sampler().Running())), nil
}

func (m *Module) resume(ctx context.Context) (core.Response, error) {
	h, err := m.ctrl.ResumeSampling(ctx)
	if err != nil {
		resp := core.Fail(ErrorCode(err), err)
		if h.ID != uuid.Nil {
			resp.Data = m.view(ctx, h, false)
		}
		return resp, err
	}
	return core.OK(m.view(ctx, h, true)), nil
}

func (m *Module) view(ctx context.Context, h tracking.Historic, sampling bool) View {
	pending, err := m.ctrl.IsPendingSync(ctx, h)
	if err != nil {
		// Маркер недоступен: считаем запись несинхронизированной.
		pending = true
	}
	return View{Historic: h, PendingSync: pending, Sampling: &sampling}
}

// ErrorCode переводит ошибку контроллера в код ответа транспорта.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errUsage):
		return "bad_arguments"
	case errors.Is(err, tracking.ErrTripInProgress):
		return "trip_in_progress"
	case errors.Is(err, tracking.ErrValidation):
		return "invalid_argument"
	case errors.Is(err, tracking.ErrPermission):
		return "permission_denied"
	case errors.Is(err, tracking.ErrNotFound):
		return "not_found"
	case errors.Is(err, tracking.ErrPersistence):
		return "persistence_failed"
	case errors.Is(err, tracking.ErrSampler):
		return "sampler_failed"
	default:
		return "internal"
	}
}

func parseID(args []string, form string) (uuid.UUID, core.Response, error) {
	if len(args) != 1 {
		resp, err := usage(form)
		return uuid.Nil, resp, err
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		err = fmt.Errorf("%w: bad trip id %q", tracking.ErrValidation, args[0])
		return uuid.Nil, core.Fail(ErrorCode(err), err), err
	}
	return id, core.Response{}, nil
}

func usage(form string) (core.Response, error) {
	err := fmt.Errorf("%w: %s", errUsage, form)
	return core.Fail(ErrorCode(err), err), err
}
