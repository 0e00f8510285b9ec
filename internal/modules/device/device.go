package device

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"triplog/internal/core"
	"triplog/internal/tracking"
)

// Module сообщает состояние бортового устройства: узел и опрос геолокации.
type Module struct {
	deviceID string
	sampler  *tracking.Sampler
}

func New(deviceID string, sampler *tracking.Sampler) *Module {
	return &Module{deviceID: deviceID, sampler: sampler}
}

func (m *Module) Name() string { return "device" }

func (m *Module) Init(ctx context.Context) error { //nolint:revive // инициализация пока тривиальна
	return nil
}

func (m *Module) Execute(ctx context.Context, cmd string, args []string) (core.Response, error) {
	switch cmd {
	case "status":
		return m.status(ctx)
	case "sampler":
		return core.OK(m.samplerState()), nil
	default:
		return core.Response{Status: "error", ErrorCode: "unknown_command"}, fmt.Errorf("command %s not supported", cmd)
	}
}

func (m *Module) status(ctx context.Context) (core.Response, error) {
	hInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return core.Response{Status: "error", ErrorCode: "host_info_failed"}, fmt.Errorf("host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return core.Response{Status: "error", ErrorCode: "mem_info_failed"}, fmt.Errorf("memory info: %w", err)
	}
	ld, err := load.AvgWithContext(ctx)
	if err != nil {
		return core.Response{Status: "error", ErrorCode: "load_info_failed"}, fmt.Errorf("load info: %w", err)
	}
	resp := map[string]interface{}{
		"device_id":    m.deviceID,
		"hostname":     hInfo.Hostname,
		"platform":     hInfo.Platform,
		"uptime_sec":   hInfo.Uptime,
		"boot_time":    time.Unix(int64(hInfo.BootTime), 0).UTC().Format(time.RFC3339),
		"mem_used_pct": vm.UsedPercent,
		"load1":        ld.Load1,
		"sampler":      m.samplerState(),
	}
	return core.OK(resp), nil
}

func (m *Module) samplerState() map[string]interface{} {
	state := map[string]interface{}{"running": false}
	if m.sampler == nil {
		return state
	}
	state["running"] = m.sampler.Running()
	if fix, ok := m.sampler.LastFix(); ok {
		state["last_fix"] = fix
		state["last_fix_age_sec"] = int64(time.Since(fix.Time()).Seconds())
	}
	if err := m.sampler.LastError(); err != nil {
		state["last_error"] = err.Error()
	}
	return state
}
