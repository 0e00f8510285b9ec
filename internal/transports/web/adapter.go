package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"triplog/internal/core"
	"triplog/internal/storage"
	"triplog/internal/tracking"
	"triplog/internal/transports/common"
)

type contextKey string

const (
	ctxRequestID  contextKey = "request_id"
	ctxSubjectID  contextKey = "subject_id"
	ctxRoles      contextKey = "roles"
	ctxAuthMethod contextKey = "auth_method"
	ctxExecuteReq contextKey = "execute_req"
)

// TokenEntry описывает web bearer-токен.
type TokenEntry struct {
	ID          string
	TokenSHA256 string
	Subject     string
	Roles       []string
	Enabled     bool
}

// Config определяет параметры HTTP-транспорта.
type Config struct {
	ListenAddr               string
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	ShutdownTimeout          time.Duration
	RequestTimeout           time.Duration
	MaxRequestBody           int64
	StreamPingInterval       time.Duration
	AllowLegacySubjectHeader bool
	Tokens                   []TokenEntry
	CORSAllowedOrigins       []string
	CORSAllowedMethods       []string
	CORSAllowedHeaders       []string
}

// Deps собирает зависимости web transport.
type Deps struct {
	Registry   *core.Registry
	Authorizer core.Authorizer
	// Sampler питает поток точек /v1/trips/current/stream.
	Sampler *tracking.Sampler
	Audit   storage.AuditLog
	Limiter *common.RateLimiter
	Logger  *slog.Logger
}

// Adapter реализует web transport поверх net/http.
type Adapter struct {
	registry   *core.Registry
	authorizer core.Authorizer
	sampler    *tracking.Sampler
	audit      storage.AuditLog
	limiter    *common.RateLimiter
	logger     *slog.Logger
	cfg        Config

	tokensByHash map[string]TokenEntry
	corsOrigins  map[string]struct{}
	upgrader     websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
}

// NewAdapter создает web transport.
func NewAdapter(deps Deps, cfg Config) *Adapter {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = 1 << 20
	}
	if cfg.StreamPingInterval <= 0 {
		cfg.StreamPingInterval = 15 * time.Second
	}
	if len(cfg.CORSAllowedMethods) == 0 {
		cfg.CORSAllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(cfg.CORSAllowedHeaders) == 0 {
		cfg.CORSAllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
	}

	tokensByHash := make(map[string]TokenEntry, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		h := strings.ToLower(strings.TrimSpace(token.TokenSHA256))
		if len(h) != 64 {
			continue
		}
		tokensByHash[h] = token
	}

	corsOrigins := make(map[string]struct{}, len(cfg.CORSAllowedOrigins))
	for _, origin := range cfg.CORSAllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			corsOrigins[trimmed] = struct{}{}
		}
	}

	audit := deps.Audit
	if audit == nil {
		audit = nopAudit{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Adapter{
		registry:     deps.Registry,
		authorizer:   deps.Authorizer,
		sampler:      deps.Sampler,
		audit:        audit,
		limiter:      deps.Limiter,
		logger:       logger.With("component", "web"),
		cfg:          cfg,
		tokensByHash: tokensByHash,
		corsOrigins:  corsOrigins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin уже проверен corsMiddleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (a *Adapter) Name() string { return "web" }

// Start запускает HTTP server и останавливает его при отмене контекста.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.server != nil {
		a.mu.Unlock()
		return errors.New("web transport already started")
	}
	srv := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      a.routes(),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
	}
	a.server = srv
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("web server failed", "err", err)
			a.writeAudit(context.Background(), "", "web:serve", "error", map[string]string{"error": err.Error()}, "")
		}
	}()
	a.logger.Info("web transport started", "addr", a.cfg.ListenAddr)
	return nil
}

// Stop завершает HTTP server.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (a *Adapter) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /v1/health", http.HandlerFunc(a.handleHealth))

	protected := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}), a.timeoutMiddleware(), a.authSubjectMiddleware())
	mux.Handle("GET /v1/", protected)
	mux.Handle("POST /v1/", protected)
	mux.Handle("DELETE /v1/", protected)

	// api оборачивает обработчик стандартной цепочкой для действия module/command.
	api := func(h http.HandlerFunc, module, command string, extra ...middleware) http.Handler {
		mws := []middleware{a.timeoutMiddleware(), a.authSubjectMiddleware()}
		mws = append(mws, extra...)
		mws = append(mws, a.authorizeActionMiddleware(module, command), a.rateLimitMiddleware())
		return chain(h, mws...)
	}

	mux.Handle("GET /v1/me", api(a.handleMe, "web", "me"))
	mux.Handle("GET /v1/modules", api(a.handleModules, "web", "modules"))
	mux.Handle("POST /v1/commands/execute", chain(http.HandlerFunc(a.handleExecute),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.maxBodyMiddleware(),
		a.authorizeExecuteMiddleware(),
		a.rateLimitMiddleware(),
	))

	mux.Handle("POST /v1/trips", api(a.handleStartTrip, "trip", "start", a.maxBodyMiddleware()))
	mux.Handle("GET /v1/trips", api(a.handleListTrips, "trip", "list"))
	mux.Handle("GET /v1/trips/current", api(a.handleCurrentTrip, "trip", "current"))
	mux.Handle("POST /v1/trips/current/sampling", api(a.handleResumeSampling, "trip", "resume"))
	mux.Handle("POST /v1/trips/current/flush", api(a.handleFlush, "trip", "flush"))
	mux.Handle("GET /v1/trips/{id}", api(a.handleShowTrip, "trip", "show"))
	mux.Handle("POST /v1/trips/{id}/arrival", api(a.handleArrival, "trip", "arrive"))
	mux.Handle("DELETE /v1/trips/{id}", api(a.handleCancelTrip, "trip", "cancel"))

	// Поток живет дольше RequestTimeout, поэтому без timeoutMiddleware.
	mux.Handle("GET /v1/trips/current/stream", chain(http.HandlerFunc(a.handleStream),
		a.authSubjectMiddleware(),
		a.authorizeActionMiddleware("trip", "stream"),
	))

	mux.Handle("GET /v1/sync", api(a.handleSyncStatus, "sync", "status"))
	mux.Handle("POST /v1/sync/confirm", api(a.handleSyncConfirm, "sync", "confirm", a.maxBodyMiddleware()))

	mux.Handle("GET /v1/audit", api(a.handleAudit, "audit", "read"))

	return chain(mux, a.requestIDMiddleware(), a.corsMiddleware())
}

func (a *Adapter) requestIDMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get("X-Request-ID"))
			if requestID == "" {
				requestID = common.NewRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), ctxRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) corsMiddleware() middleware {
	allowMethods := strings.Join(a.cfg.CORSAllowedMethods, ", ")
	allowHeaders := strings.Join(a.cfg.CORSAllowedHeaders, ", ")

	isMethodAllowed := func(method string) bool {
		for _, m := range a.cfg.CORSAllowedMethods {
			if strings.EqualFold(strings.TrimSpace(m), method) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := a.corsOrigins[origin]; !ok {
				writeError(w, r, http.StatusForbidden, "cors_denied")
				return
			}

			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)

			if r.Method == http.MethodOptions {
				preflight := strings.TrimSpace(r.Header.Get("Access-Control-Request-Method"))
				if preflight != "" && !isMethodAllowed(preflight) {
					writeError(w, r, http.StatusForbidden, "cors_method_denied")
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) timeoutMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) authSubjectMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, roles, authMethod, code := a.resolveSubject(r)
			if code != "" {
				writeError(w, r, http.StatusUnauthorized, code)
				return
			}
			ctx := context.WithValue(r.Context(), ctxSubjectID, subjectID)
			ctx = context.WithValue(ctx, ctxRoles, roles)
			ctx = context.WithValue(ctx, ctxAuthMethod, authMethod)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) resolveSubject(r *http.Request) (string, []string, string, string) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[7:])
		if token == "" {
			return "", nil, "", "invalid_token"
		}
		sum := sha256.Sum256([]byte(token))
		entry, ok := a.tokensByHash[hex.EncodeToString(sum[:])]
		if !ok || !entry.Enabled || entry.Subject == "" {
			return "", nil, "", "invalid_token"
		}
		return entry.Subject, append([]string(nil), entry.Roles...), "bearer", ""
	}

	if a.cfg.AllowLegacySubjectHeader {
		if subjectID := strings.TrimSpace(r.Header.Get("X-Subject-ID")); subjectID != "" {
			return subjectID, nil, "legacy_header", ""
		}
	}
	return "", nil, "", "auth_required"
}

func (a *Adapter) maxBodyMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBody)
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorizeActionMiddleware(module, command string) middleware {
	auditAction := "web:" + module + "_" + command
	action := core.Action{Module: module, Command: command}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID := subjectIDFromContext(r.Context())
			if subjectID == "" {
				writeError(w, r, http.StatusUnauthorized, "auth_required")
				return
			}
			if err := a.authorizer.Authorize(core.Subject{Source: "web", ID: subjectID}, action); err != nil {
				writeError(w, r, http.StatusForbidden, "access_denied")
				a.writeAudit(r.Context(), subjectID, auditAction, "denied", map[string]string{"auth_method": authMethodFromContext(r.Context())}, requestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorizeExecuteMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID := subjectIDFromContext(r.Context())
			if subjectID == "" {
				writeError(w, r, http.StatusUnauthorized, "auth_required")
				return
			}

			var req executeRequest
			if code, status := decodeJSONBody(r, &req); code != "" {
				writeError(w, r, status, code)
				a.writeAudit(r.Context(), subjectID, "web:execute", "error", map[string]string{"error_code": code, "auth_method": authMethodFromContext(r.Context())}, requestIDFromContext(r.Context()))
				return
			}
			if req.Module == "" || req.Command == "" {
				writeError(w, r, http.StatusBadRequest, "bad_command")
				return
			}

			action := core.Action{Module: req.Module, Command: req.Command}
			if err := a.authorizer.Authorize(core.Subject{Source: "web", ID: subjectID}, action); err != nil {
				writeError(w, r, http.StatusForbidden, "access_denied")
				a.writeAudit(r.Context(), subjectID, "web:execute", "denied", map[string]string{"module": req.Module, "command": req.Command, "auth_method": authMethodFromContext(r.Context())}, requestIDFromContext(r.Context()))
				return
			}

			ctx := context.WithValue(r.Context(), ctxExecuteReq, req)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) rateLimitMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		if a.limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.limiter.Allow("web:" + subjectIDFromContext(r.Context())) {
				writeError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func sanitizeRequestID(v string) string {
	id := strings.TrimSpace(v)
	if id == "" || len(id) > 64 {
		return ""
	}
	for _, ch := range id {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			continue
		}
		switch ch {
		case '-', '_', '.', ':':
			continue
		default:
			return ""
		}
	}
	return id
}

func requestIDFromContext(ctx context.Context) string {
	v, ok := ctx.Value(ctxRequestID).(string)
	if !ok || v == "" {
		return common.NewRequestID()
	}
	return v
}

func subjectIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubjectID).(string)
	return v
}

func rolesFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(ctxRoles).([]string)
	return v
}

func authMethodFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxAuthMethod).(string)
	return v
}

type nopAudit struct{}

func (nopAudit) SaveAudit(context.Context, storage.AuditEvent) error { return nil }
func (nopAudit) QueryAudit(context.Context, storage.AuditQuery) ([]storage.AuditEvent, error) {
	return nil, nil
}
