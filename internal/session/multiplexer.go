// Package session fans interactive session events out to live front-end
// subscribers. Events are appended to the durable log first, then announced
// on the bus; each subscriber's forwarder back-fills from the log whenever it
// notices a gap, so delivery is ordered and gap-free even when the bus drops
// notifications for a slow consumer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/protocol"
)

const (
	DefaultReplayLimit = 100
	defaultBuffer      = 64
	defaultResync      = 2 * time.Second
	backfillPage       = 200
)

var (
	// ErrForbidden is returned when a session belongs to another organization.
	ErrForbidden = errors.New("session belongs to another organization")
	// ErrTurnInProgress is returned by BeginTurn while a turn is active.
	ErrTurnInProgress = errors.New("turn already in progress")
)

// Log is the durable, sequenced session event log.
type Log interface {
	AppendSessionEvent(ctx context.Context, ev protocol.SessionEvent) (protocol.SessionEvent, error)
	SessionOwner(ctx context.Context, sessionID string) (string, error)
	ListSessionEventsFrom(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]protocol.SessionEvent, error)
	ListSessionEventsTail(ctx context.Context, sessionID string, limit int) ([]protocol.SessionEvent, error)
	SessionEventBounds(ctx context.Context, sessionID string) (minSeq, maxSeq int64, err error)
}

// Sink receives events for one subscriber, in sequence order.
type Sink interface {
	Deliver(ctx context.Context, ev protocol.SessionEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev protocol.SessionEvent) error

func (f SinkFunc) Deliver(ctx context.Context, ev protocol.SessionEvent) error { return f(ctx, ev) }

type Config struct {
	Log     Log
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Logger  *slog.Logger
	// ReplayLimit bounds the tail replayed on join. Default 100.
	ReplayLimit int
	// Buffer is the per-subscriber notification buffer.
	Buffer int
	// Resync is how often an idle forwarder checks the log for events it
	// never heard about.
	Resync time.Duration
}

type Multiplexer struct {
	log         Log
	bus         *bus.Bus
	metrics     *otel.Metrics
	logger      *slog.Logger
	replayLimit int
	buffer      int
	resync      time.Duration

	mu    sync.Mutex
	subs  map[string]int
	turns map[string]string
	pins  map[string]string
}

func New(cfg Config) *Multiplexer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = DefaultReplayLimit
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Resync <= 0 {
		cfg.Resync = defaultResync
	}
	return &Multiplexer{
		log:         cfg.Log,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		replayLimit: cfg.ReplayLimit,
		buffer:      cfg.Buffer,
		resync:      cfg.Resync,
		subs:        make(map[string]int),
		turns:       make(map[string]string),
		pins:        make(map[string]string),
	}
}

// Publish appends ev to the log and notifies live subscribers. The returned
// event carries its assigned sequence number.
func (m *Multiplexer) Publish(ctx context.Context, ev protocol.SessionEvent) (protocol.SessionEvent, error) {
	stored, err := m.log.AppendSessionEvent(ctx, ev)
	if errors.Is(err, persistence.ErrSessionOwner) {
		return ev, ErrForbidden
	}
	if err != nil {
		return ev, fmt.Errorf("append session event: %w", err)
	}
	m.metrics.IncSessionEvent(ctx, stored.Type)
	if dropped := m.bus.Publish(bus.SessionTopic(stored.SessionID), stored); dropped > 0 {
		m.logger.Debug("session notification dropped", "session_id", stored.SessionID, "seq", stored.Seq, "dropped", dropped)
	}
	return stored, nil
}

// Authorize reports ErrForbidden when sessionID is owned by a different
// organization. Unknown sessions are claimable by anyone.
func (m *Multiplexer) Authorize(ctx context.Context, orgID, sessionID string) error {
	owner, err := m.log.SessionOwner(ctx, sessionID)
	if err != nil {
		return err
	}
	if owner != "" && owner != orgID {
		return ErrForbidden
	}
	return nil
}

// Subscription is one live subscriber. Close stops its forwarder.
type Subscription struct {
	SessionID string

	m      *Multiplexer
	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Done is closed when the forwarder exits.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is the reason the forwarder stopped, nil after Close.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Join registers sink for sessionID, replays the persisted tail and then
// streams live events until ctx ends, the sink fails or Close is called.
func (m *Multiplexer) Join(ctx context.Context, orgID, sessionID string, sink Sink) (*Subscription, error) {
	if err := m.Authorize(ctx, orgID, sessionID); err != nil {
		return nil, err
	}

	// Subscribe before reading the tail so nothing published in between is
	// lost; duplicates are filtered by sequence.
	busSub := m.bus.SubscribeBuffered(bus.SessionTopic(sessionID), m.buffer)
	tail, err := m.log.ListSessionEventsTail(ctx, sessionID, m.replayLimit)
	if err != nil {
		m.bus.Unsubscribe(busSub)
		return nil, fmt.Errorf("replay session tail: %w", err)
	}

	fctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		SessionID: sessionID,
		m:         m,
		sub:       busSub,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	var hwm int64
	for _, ev := range tail {
		if err := sink.Deliver(fctx, ev); err != nil {
			cancel()
			m.bus.Unsubscribe(busSub)
			return nil, fmt.Errorf("replay session event %d: %w", ev.Seq, err)
		}
		hwm = ev.Seq
	}
	if len(tail) == 0 {
		_, hwm, err = m.log.SessionEventBounds(ctx, sessionID)
		if err != nil {
			cancel()
			m.bus.Unsubscribe(busSub)
			return nil, err
		}
	}

	m.mu.Lock()
	m.subs[sessionID]++
	m.mu.Unlock()

	go s.forward(fctx, sink, hwm)
	return s, nil
}

func (s *Subscription) forward(ctx context.Context, sink Sink, hwm int64) {
	m := s.m
	defer func() {
		m.bus.Unsubscribe(s.sub)
		m.mu.Lock()
		if m.subs[s.SessionID]--; m.subs[s.SessionID] <= 0 {
			delete(m.subs, s.SessionID)
		}
		m.mu.Unlock()
		close(s.done)
	}()

	ticker := time.NewTicker(m.resync)
	defer ticker.Stop()

	var err error
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.Ch():
			if !ok {
				return
			}
			stored, isEvent := ev.Payload.(protocol.SessionEvent)
			if !isEvent || stored.Seq <= hwm {
				continue
			}
			if stored.Seq > hwm+1 {
				if hwm, err = s.backfill(ctx, sink, hwm, stored.Seq-1); err != nil {
					s.err = err
					return
				}
			}
			if stored.Seq == hwm+1 {
				if err := sink.Deliver(ctx, stored); err != nil {
					s.err = err
					return
				}
				hwm = stored.Seq
			}
		case <-ticker.C:
			_, maxSeq, berr := m.log.SessionEventBounds(ctx, s.SessionID)
			if berr != nil || maxSeq <= hwm {
				continue
			}
			if hwm, err = s.backfill(ctx, sink, hwm, maxSeq); err != nil {
				s.err = err
				return
			}
		}
	}
}

// backfill delivers logged events in (hwm, upTo] and returns the new mark.
func (s *Subscription) backfill(ctx context.Context, sink Sink, hwm, upTo int64) (int64, error) {
	for hwm < upTo {
		page, err := s.m.log.ListSessionEventsFrom(ctx, s.SessionID, hwm, backfillPage)
		if err != nil {
			return hwm, fmt.Errorf("backfill session events: %w", err)
		}
		if len(page) == 0 {
			return hwm, nil
		}
		for _, ev := range page {
			if ev.Seq > upTo {
				return hwm, nil
			}
			if err := sink.Deliver(ctx, ev); err != nil {
				return hwm, err
			}
			hwm = ev.Seq
		}
	}
	return hwm, nil
}

// Subscribers returns the number of live subscribers of sessionID.
func (m *Multiplexer) Subscribers(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[sessionID]
}
