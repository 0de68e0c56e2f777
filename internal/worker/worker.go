// Package worker is the outbound side of the worker channel: it dials the
// gateway, advertises capacity, executes work and session turns, and keeps
// terminal results until the gateway acknowledges them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-dispatch/internal/backend"
	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultHeartbeat   = 15 * time.Second
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
	defaultSessionIdle = 10 * time.Minute
	writeTimeout       = 10 * time.Second
	readLimit          = 4 << 20
)

var errNotConnected = errors.New("not connected")

// State is the connection loop state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MemoryStore answers memory-sync and memory-query frames.
type MemoryStore interface {
	Sync(ctx context.Context, entries []protocol.MemoryEntry) (int, error)
	Query(ctx context.Context, query string, limit int) ([]protocol.MemoryEntry, error)
}

type Config struct {
	GatewayURL string
	Token      string
	WorkerID   string
	Version    string
	// Kinds defaults to the kinds registered in Backends.
	Kinds       []protocol.WorkKind
	Connectors  []string
	Labels      []string
	MaxInFlight int

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	PendingAckMax     int
	// SessionIdleTimeout is how long a session without a running turn is
	// remembered. A session-open after that reports session-opened again.
	SessionIdleTimeout time.Duration

	Backends *backend.Set
	// Agent runs session turns. Nil rejects them.
	Agent  backend.Agent
	Memory MemoryStore

	HTTPClient *http.Client
	Logger     *slog.Logger
	// OnState observes every state transition.
	OnState func(State)
}

type Worker struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32
	slots chan struct{}
	acks  *ackBuffer
	jobs  sync.WaitGroup

	mu       sync.Mutex
	link     *link
	running  map[string]struct{}
	sessions map[string]*sessionState
}

func New(cfg Config) (*Worker, error) {
	if cfg.GatewayURL == "" {
		return nil, errors.New("gateway url is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("worker token is required")
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}
	if cfg.Backends == nil {
		cfg.Backends = backend.NewSet()
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = cfg.Backends.Kinds()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = defaultSessionIdle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		logger:   logger.With("worker_id", cfg.WorkerID),
		slots:    make(chan struct{}, cfg.MaxInFlight),
		acks:     newAckBuffer(cfg.PendingAckMax),
		running:  make(map[string]struct{}),
		sessions: make(map[string]*sessionState),
	}, nil
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	if State(w.state.Swap(int32(s))) == s {
		return
	}
	if w.cfg.OnState != nil {
		w.cfg.OnState(s)
	}
}

// InFlight is the number of executions and turns holding a slot.
func (w *Worker) InFlight() int {
	return len(w.slots)
}

// PendingAcks is the number of results not yet acknowledged.
func (w *Worker) PendingAcks() int {
	return w.acks.len()
}

// Run connects and reconnects until ctx is cancelled, then waits for running
// work to observe the cancellation.
func (w *Worker) Run(ctx context.Context) error {
	bo := NewBackoff(w.cfg.BackoffBase, w.cfg.BackoffMax)
	defer func() {
		w.setState(StateDisconnected)
		w.jobs.Wait()
	}()
	for {
		w.setState(StateConnecting)
		connected, err := w.connect(ctx)
		w.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
		}
		delay := bo.Next()
		w.logger.Warn("gateway connection lost", "error", err, "retry_in", delay.String(), "attempt", bo.Attempt())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// connect runs one connection until it fails. connected reports whether the
// hello went out.
func (w *Worker) connect(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	conn, _, err := websocket.Dial(dialCtx, w.cfg.GatewayURL, &websocket.DialOptions{
		HTTPClient: w.cfg.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + w.cfg.Token}},
	})
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(readLimit)
	l := &link{conn: conn}
	defer func() {
		w.mu.Lock()
		if w.link == l {
			w.link = nil
		}
		w.mu.Unlock()
		_ = conn.CloseNow()
	}()

	hello, err := protocol.NewMessage(protocol.TypeHello, "", w.advertisement())
	if err != nil {
		return false, err
	}
	if err := l.send(ctx, hello); err != nil {
		return false, fmt.Errorf("send hello: %w", err)
	}
	w.mu.Lock()
	w.link = l
	w.mu.Unlock()
	w.setState(StateConnected)
	w.logger.Info("connected to gateway", "url", w.cfg.GatewayURL, "kinds", w.cfg.Kinds, "max_in_flight", w.cfg.MaxInFlight)

	// Results finished while disconnected, or never acknowledged, go out again.
	for _, msg := range w.acks.snapshot() {
		if err := l.send(ctx, msg); err != nil {
			return true, fmt.Errorf("resend result: %w", err)
		}
	}

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go w.heartbeat(connCtx, l)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, "worker shutting down")
			}
			return true, err
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			w.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) heartbeat(ctx context.Context, l *link) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := protocol.NewMessage(protocol.TypeHeartbeat, "", w.advertisement())
			if err != nil {
				continue
			}
			if err := l.send(ctx, msg); err != nil {
				w.logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (w *Worker) advertisement() protocol.Advertisement {
	return protocol.Advertisement{
		WorkerID:    w.cfg.WorkerID,
		Version:     w.cfg.Version,
		Kinds:       w.cfg.Kinds,
		Connectors:  w.cfg.Connectors,
		MaxInFlight: w.cfg.MaxInFlight,
		Labels:      w.cfg.Labels,
		InFlight:    w.InFlight(),
		AuthStatus:  "ok",
	}
}

func (w *Worker) handle(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeExecute:
		w.handleExecute(ctx, msg)
	case protocol.TypeExecuteAck:
		if w.acks.remove(msg.RequestID) {
			w.logger.Debug("result acknowledged", "request_id", msg.RequestID)
		}
	case protocol.TypeSessionOpen:
		w.handleSessionOpen(ctx, msg)
	case protocol.TypeSessionTurn:
		w.handleSessionTurn(ctx, msg)
	case protocol.TypeSessionCancel:
		w.handleSessionCancel(msg)
	case protocol.TypeMemorySync, protocol.TypeMemoryQuery:
		w.jobs.Add(1)
		go func() {
			defer w.jobs.Done()
			w.handleMemory(ctx, msg)
		}()
	default:
		w.logger.Debug("dropping unknown frame", "type", msg.Type)
	}
}

// send writes msg on the current connection.
func (w *Worker) send(ctx context.Context, msg protocol.Message) error {
	w.mu.Lock()
	l := w.link
	w.mu.Unlock()
	if l == nil {
		return errNotConnected
	}
	return l.send(ctx, msg)
}

// link is one gateway connection. Writes are serialized.
type link struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (l *link) send(ctx context.Context, msg protocol.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, l.conn, msg)
}
