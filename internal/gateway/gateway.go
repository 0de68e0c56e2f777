// Package gateway exposes the dispatch engine: the worker websocket channel,
// the front-end session channel and the control-plane HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-dispatch/internal/audit"
	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/continuation"
	"github.com/basket/go-dispatch/internal/dispatch"
	"github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/basket/go-dispatch/internal/session"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultHelloTimeout = 10 * time.Second
	defaultMemoryWait   = 10 * time.Second
	writeTimeout        = 10 * time.Second
)

// Store is the persistence the gateway reads directly.
type Store interface {
	Ping(ctx context.Context) error
	LookupCredential(ctx context.Context, tokenHash string) (protocol.WorkerRecord, error)
	TouchWorker(ctx context.Context, orgID, workerID string, at time.Time) error
	ListSessionEventsFrom(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]protocol.SessionEvent, error)
}

type Config struct {
	Engine   *dispatch.Engine
	Sessions *session.Multiplexer
	Store    Store
	// Queue backs the continuation endpoints. Optional.
	Queue   continuation.Queue
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	ServiceTokens  []string
	FrontendTokens map[string]string
	AllowOrigins   []string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	Fingerprint    string
	Version        string

	HelloTimeout time.Duration
	MemoryWait   time.Duration
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	auth    *TokenAuth
	limiter *RateLimiter
	schemas *schemas
	memory  *correlator

	startedAt   time.Time
	draining    atomic.Bool
	fingerprint atomic.Pointer[string]

	mu        sync.Mutex
	frontends map[*frontend]struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.MemoryWait <= 0 {
		cfg.MemoryWait = defaultMemoryWait
	}
	sch, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		auth:      NewTokenAuth(cfg.ServiceTokens, cfg.FrontendTokens),
		limiter:   NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.Metrics, cfg.Logger),
		schemas:   sch,
		memory:    newCorrelator(),
		startedAt: time.Now(),
		frontends: make(map[*frontend]struct{}),
	}
	fp := cfg.Fingerprint
	s.fingerprint.Store(&fp)
	return s, nil
}

// Start runs the background loops until ctx ends.
func (s *Server) Start(ctx context.Context) {
	sub := s.cfg.Bus.SubscribeBuffered(bus.TopicDispatchResolved, 256)
	go s.watchTurns(ctx, sub)
	go s.watchConfig(ctx, s.cfg.Bus.SubscribeBuffered(bus.TopicConfigReloaded, 4))
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

// watchConfig keeps the reported fingerprint in step with hot reloads.
func (s *Server) watchConfig(ctx context.Context, sub *bus.Subscription) {
	defer s.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if reloaded, isReload := ev.Payload.(bus.ConfigReloaded); isReload {
				fp := reloaded.Fingerprint
				s.fingerprint.Store(&fp)
			}
		}
	}
}

// Fingerprint is the fingerprint of the config currently applied.
func (s *Server) Fingerprint() string { return *s.fingerprint.Load() }

// SetTokens swaps the accepted service and front-end tokens.
func (s *Server) SetTokens(serviceTokens []string, frontendTokens map[string]string) {
	s.auth.Set(serviceTokens, frontendTokens)
}

// BeginDrain makes the gateway refuse new connections and dispatches.
func (s *Server) BeginDrain() {
	s.draining.Store(true)
}

func (s *Server) Draining() bool { return s.draining.Load() }

// CloseFrontends closes every front-end connection and returns how many
// were open.
func (s *Server) CloseFrontends(reason string) int {
	s.mu.Lock()
	all := make([]*frontend, 0, len(s.frontends))
	for f := range s.frontends {
		all = append(all, f)
	}
	s.mu.Unlock()
	for _, f := range all {
		f.close(reason)
	}
	return len(all)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /v1/workers/connect", s.handleWorkerConnect)
	mux.HandleFunc("GET /v1/sessions/connect", s.handleSessionConnect)

	mux.Handle("POST /v1/dispatch", s.service(s.handleDispatch))
	mux.Handle("POST /v1/dispatch-async", s.service(s.handleDispatchAsync))
	mux.Handle("GET /v1/results/{requestId}", s.service(s.handleResult))
	mux.Handle("GET /v1/workers", s.service(s.handleWorkers))
	mux.Handle("POST /v1/workers/{workerId}/memory/sync", s.service(s.handleMemorySync))
	mux.Handle("POST /v1/workers/{workerId}/memory/query", s.service(s.handleMemoryQuery))
	mux.Handle("GET /v1/continuations", s.service(s.handleContinuations))
	mux.Handle("POST /v1/continuations/{jobId}/ack", s.service(s.handleContinuationAck))

	events := corsMiddleware(s.cfg.AllowOrigins)(http.HandlerFunc(s.handleSessionEvents))
	mux.Handle("GET /v1/sessions/{sessionId}/events", events)
	mux.Handle("OPTIONS /v1/sessions/{sessionId}/events", events)
	return mux
}

// service wraps a control-plane handler with body limit, service token
// auth and rate limiting.
func (s *Server) service(h http.HandlerFunc) http.Handler {
	authed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Service(r) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		h(w, r)
	})
	return sizeLimitMiddleware(s.cfg.MaxBodyBytes)(s.limiter.Wrap(authed))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.cfg.Store == nil || s.cfg.Store.Ping(ctx) == nil
	status := "ok"
	if s.draining.Load() {
		status = "draining"
	}
	payload := map[string]any{
		"healthy":            dbOK && status == "ok",
		"status":             status,
		"db_ok":              dbOK,
		"workers":            s.cfg.Engine.Registry().Count(),
		"pending":            s.cfg.Engine.PendingCount(),
		"selection_policy":   string(s.cfg.Engine.Registry().Policy()),
		"config_fingerprint": s.Fingerprint(),
		"audit_denies":       audit.DenyCount(),
		"version":            s.cfg.Version,
		"uptime_seconds":     int64(time.Since(s.startedAt).Seconds()),
	}
	code := http.StatusOK
	if !dbOK || status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func marshalPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return raw
}
