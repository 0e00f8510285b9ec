package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"triplog/internal/config"
	"triplog/internal/core"
	"triplog/internal/location"
	"triplog/internal/modules/device"
	"triplog/internal/modules/syncstate"
	"triplog/internal/modules/trip"
	"triplog/internal/storage"
	"triplog/internal/storage/sqlite"
	"triplog/internal/tracking"
	"triplog/internal/transports/common"
	"triplog/internal/transports/replication"
	"triplog/internal/transports/web"
)

// App агрегирует зависимости ядра.
type App struct {
	Registry   *core.Registry
	Transports *core.TransportManager
	Authorizer core.Authorizer
	Store      *sqlite.Store
	Controller *tracking.Controller
	Sampler    *tracking.Sampler
	// CLI — пайплайн команд локального оператора.
	CLI    *common.Service
	Config config.Config

	logger *slog.Logger
	// lastReconcileErr гасит повтор одной и той же ошибки на каждом тике сверки.
	lastReconcileErr string
}

// NewApp строит приложение: хранилище, опрос геолокации, модули и транспорты.
func NewApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	st, err := sqlite.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	deviceID := cfg.Agent.DeviceID
	sampler := tracking.NewSampler(tracking.SamplerDeps{
		Buffer: st,
		Source: location.NewSimulator(
			cfg.Location.Simulator.Latitude,
			cfg.Location.Simulator.Longitude,
			cfg.Location.Simulator.HeadingDeg,
			cfg.Location.Simulator.StepM,
		),
		Permissions: location.NewStaticPermission(cfg.Location.PermissionGranted),
		Scheduler:   core.NewScheduler(),
		Logger:      logger,
		OnError: func(err error) {
			auditSamplerError(st, deviceID, err, logger)
		},
	})

	deps := tracking.Deps{
		Store:   st,
		Marker:  st,
		Sampler: sampler,
		Sampling: tracking.SamplerConfig{
			Accuracy:             tracking.Accuracy(cfg.Sampler.Accuracy),
			Interval:             time.Duration(cfg.Sampler.IntervalMS) * time.Millisecond,
			DistanceFilterMeters: cfg.Sampler.DistanceFilterM,
		},
		Logger: logger,
	}
	if len(cfg.Location.Places) > 0 {
		deps.Geocoder = location.NewGazetteer(cfg.Location.Places, cfg.Location.GeocodeRadiusM)
	}
	ctrl := tracking.NewController(deps)

	r := core.NewRegistry()
	for _, p := range []core.CommandProvider{
		trip.New(ctrl),
		syncstate.New(ctrl),
		device.New(cfg.Agent.DeviceID, sampler),
	} {
		if err := r.Register(ctx, p); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("register %s module: %w", p.Name(), err)
		}
	}

	authz := core.NewAllowlistAuthorizer(cfg.Security.AuthAllowlist, cfg.Security.SyncSubjects...)
	transports := core.NewTransportManager()
	limiter := common.NewRateLimiter(cfg.Security.RateLimit, time.Second, time.Now)

	if cfg.Web.Enabled {
		tokens := make([]web.TokenEntry, 0, len(cfg.Web.Auth.Tokens))
		for _, token := range cfg.Web.Auth.Tokens {
			tokens = append(tokens, web.TokenEntry{
				ID:          token.ID,
				TokenSHA256: token.TokenSHA256,
				Subject:     token.Subject,
				Roles:       token.Roles,
				Enabled:     token.Enabled,
			})
		}
		webAdapter := web.NewAdapter(web.Deps{
			Registry:   r,
			Authorizer: authz,
			Sampler:    sampler,
			Audit:      st,
			Limiter:    limiter,
			Logger:     logger,
		}, web.Config{
			ListenAddr:               cfg.Web.ListenAddr,
			ReadTimeout:              time.Duration(cfg.Web.ReadTimeoutMS) * time.Millisecond,
			WriteTimeout:             time.Duration(cfg.Web.WriteTimeoutMS) * time.Millisecond,
			RequestTimeout:           time.Duration(cfg.Web.RequestTimeoutMS) * time.Millisecond,
			ShutdownTimeout:          time.Duration(cfg.Web.ShutdownTimeoutS) * time.Second,
			MaxRequestBody:           cfg.Web.MaxBodyBytes,
			StreamPingInterval:       time.Duration(cfg.Web.StreamPingInterval) * time.Second,
			AllowLegacySubjectHeader: cfg.Web.Auth.AllowLegacySubjectHeader,
			Tokens:                   tokens,
			CORSAllowedOrigins:       cfg.Web.CORS.AllowedOrigins,
			CORSAllowedMethods:       cfg.Web.CORS.AllowedMethods,
			CORSAllowedHeaders:       cfg.Web.CORS.AllowedHeaders,
		})
		if err := transports.Register(webAdapter); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("register web transport: %w", err)
		}
	}
	if cfg.Replication.Enabled {
		consumer := replication.NewConsumer(replication.Config{
			URL:        cfg.Replication.URL,
			Exchange:   cfg.Replication.Exchange,
			Queue:      cfg.Replication.Queue,
			RoutingKey: cfg.Replication.RoutingKey,
			Prefetch:   cfg.Replication.Prefetch,
		}, ctrl, logger)
		if err := transports.Register(consumer); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("register replication transport: %w", err)
		}
	}

	return &App{
		Registry:   r,
		Transports: transports,
		Authorizer: authz,
		Store:      st,
		Controller: ctrl,
		Sampler:    sampler,
		CLI: &common.Service{
			Source:     "cli",
			Registry:   r,
			Authorizer: authz,
			AuditSink:  st,
		},
		Config: cfg,
		logger: logger,
	}, nil
}

// Close останавливает опрос и высвобождает хранилище.
func (a *App) Close() error {
	if a.Sampler != nil {
		a.Sampler.Stop()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

// Serve запускает транспорты и держит опрос в согласии с базой: поездку
// могут открыть или закрыть CLI-команды из других процессов. Буфер
// периодически переносится в открытую поездку до отмены ctx.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Transports.StartAll(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Transports.StopAll(stopCtx)
	}()

	reconciler := core.NewScheduler()
	if err := reconciler.Start(ctx, a.reconcileInterval(), a.reconcile); err != nil {
		return fmt.Errorf("start reconcile: %w", err)
	}

	interval := time.Duration(a.Config.Sampler.FlushIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	err := core.Run(ctx, interval, func(jobCtx context.Context) {
		a.flush(jobCtx)
	})

	// Последний перенос: точки, снятые до остановки, не теряются.
	reconciler.Stop()
	a.Sampler.Stop()
	flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a.flush(flushCtx)
	return err
}

func (a *App) reconcileInterval() time.Duration {
	if a.Config.Sampler.ReconcileIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(a.Config.Sampler.ReconcileIntervalMS) * time.Millisecond
}

func (a *App) reconcile(ctx context.Context) {
	h, _, err := a.Controller.ReconcileSampling(ctx)
	if err == nil {
		a.lastReconcileErr = ""
		return
	}
	if msg := err.Error(); msg != a.lastReconcileErr {
		a.lastReconcileErr = msg
		a.logger.Warn("open trip found, sampling not resumed", "trip_id", h.ID.String(), "err", err)
	}
}

func (a *App) flush(ctx context.Context) {
	h, err := a.Controller.Flush(ctx)
	switch {
	case err == nil:
		a.logger.Debug("buffer flushed", "trip_id", h.ID.String(), "coords", len(h.Coords))
	case errors.Is(err, tracking.ErrNotFound):
	default:
		a.logger.Error("flush failed", "err", err)
	}
}

// auditSamplerError пишет сбой опроса в аудит как предупреждение.
func auditSamplerError(sink storage.AuditWriter, deviceID string, sampleErr error, logger *slog.Logger) {
	payload, _ := json.Marshal(map[string]string{"error": sampleErr.Error()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sink.Write(ctx, storage.AuditEvent{
		Subject:   deviceID,
		Action:    "sampler:tick",
		Source:    "sampler",
		Status:    "warning",
		RequestID: common.NewRequestID(),
		Payload:   payload,
	})
	if err != nil {
		logger.Debug("audit sampler error", "err", err)
	}
}
