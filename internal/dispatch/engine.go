// Package dispatch routes work requests to connected workers and tracks each
// one until exactly one outcome resolves it: a worker result, a disconnect,
// the deadline, a send failure or gateway shutdown.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-dispatch/internal/audit"
	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/continuation"
	"github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/basket/go-dispatch/internal/registry"
	"github.com/basket/go-dispatch/internal/resultstore"
	"github.com/basket/go-dispatch/internal/selector"
	"github.com/basket/go-dispatch/internal/shared"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultTimeout    = 60 * time.Second
	DefaultMaxTimeout = 5 * time.Minute
	// HardMaxTimeout caps any configured maximum.
	HardMaxTimeout = 10 * time.Minute
)

var errAlreadyResolved = errors.New("request already resolved")

// Authority is the worker authorization record lookup.
type Authority interface {
	WorkerRecord(ctx context.Context, orgID, workerID string) (protocol.WorkerRecord, error)
}

// Publisher queues continuations for the control plane.
type Publisher interface {
	PublishResult(ctx context.Context, orgID string, meta *protocol.DispatchMeta, entry protocol.ResultEntry) error
	PublishEvent(ctx context.Context, orgID, requestID string, ev continuation.Event) error
}

type Config struct {
	Registry      *registry.Registry
	Results       *resultstore.Results
	Authority     Authority
	Continuations Publisher
	Bus           *bus.Bus
	Metrics       *otel.Metrics
	Tracer        trace.Tracer
	Logger        *slog.Logger

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	StaleAfter     time.Duration
}

type Engine struct {
	registry  *registry.Registry
	results   *resultstore.Results
	authority Authority
	publisher Publisher
	bus       *bus.Bus
	metrics   *otel.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	maxTimeout     time.Duration
	defaultTimeout atomic.Int64
	staleAfter     atomic.Int64

	mu sync.Mutex
	// pending is keyed by protocol.OrgRequestID.
	pending map[string]*pending
	closed  bool
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.MaxTimeout > HardMaxTimeout {
		cfg.MaxTimeout = HardMaxTimeout
	}
	e := &Engine{
		registry:   cfg.Registry,
		results:    cfg.Results,
		authority:  cfg.Authority,
		publisher:  cfg.Continuations,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
		maxTimeout: cfg.MaxTimeout,
		pending:    make(map[string]*pending),
	}
	e.SetDefaultTimeout(cfg.DefaultTimeout)
	e.SetStaleAfter(cfg.StaleAfter)
	return e
}

// SetDefaultTimeout applies to requests without an explicit deadline.
func (e *Engine) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	if d > e.maxTimeout {
		d = e.maxTimeout
	}
	e.defaultTimeout.Store(int64(d))
}

// SetStaleAfter sets the heartbeat age beyond which workers are pruned at
// selection time. Zero disables lazy pruning.
func (e *Engine) SetStaleAfter(d time.Duration) {
	e.staleAfter.Store(int64(d))
}

func (e *Engine) timeoutFor(req Request) time.Duration {
	d := req.Timeout()
	if d <= 0 {
		d = time.Duration(e.defaultTimeout.Load())
	}
	if d > e.maxTimeout {
		d = e.maxTimeout
	}
	return d
}

// Dispatch routes req and blocks until it resolves. The returned error is
// non-nil only when ctx ends first; the request keeps running and its
// outcome is still cached.
func (e *Engine) Dispatch(ctx context.Context, req Request) (protocol.ResultEntry, error) {
	if err := req.Validate(); err != nil {
		return protocol.Failure(req.ID(), protocol.ErrMalformedRequest, err.Error()), nil
	}
	ctx, span := otel.StartSpan(ctx, e.tracer, "dispatch.sync",
		otel.AttrOrgID.String(req.OrgID),
		otel.AttrRequestID.String(req.ID()),
		otel.AttrWorkKind.String(string(req.Kind)),
	)
	defer span.End()

	p, _, entry := e.launch(ctx, req, nil)
	if entry != nil {
		span.SetAttributes(otel.AttrOutcome.String("cached"))
		return *entry, nil
	}
	select {
	case <-p.done:
		span.SetAttributes(otel.AttrWorkerID.String(p.entry.WorkerID), otel.AttrOutcome.String(outcome(p.entry)))
		if p.entry.Status == protocol.StatusFailed {
			span.SetStatus(codes.Error, string(p.entry.Code()))
		}
		return p.entry, nil
	case <-ctx.Done():
		return protocol.ResultEntry{}, ctx.Err()
	}
}

// DispatchAsync routes req, records its DispatchMeta and returns once a
// worker has been chosen. The outcome reaches the control plane through the
// continuation queue.
func (e *Engine) DispatchAsync(ctx context.Context, req Request) (AsyncOutcome, error) {
	id := req.ID()
	if err := req.Validate(); err != nil {
		f := protocol.Failure(id, protocol.ErrMalformedRequest, err.Error())
		return AsyncOutcome{RequestID: id, Status: AsyncRejected, Result: &f}, nil
	}
	ctx, span := otel.StartSpan(ctx, e.tracer, "dispatch.async",
		otel.AttrOrgID.String(req.OrgID),
		otel.AttrRequestID.String(id),
		otel.AttrWorkKind.String(string(req.Kind)),
	)
	defer span.End()

	meta := &protocol.DispatchMeta{
		RequestID:  id,
		OrgID:      req.OrgID,
		WorkflowID: req.WorkflowID,
		RunID:      req.RunID,
		NodeID:     req.NodeID,
		Attempt:    req.Attempt,
		SessionID:  req.SessionID,
		CreatedAt:  time.Now().UTC(),
	}
	p, _, entry := e.launch(ctx, req, meta)
	if entry != nil {
		return asyncFromEntry(id, *entry), nil
	}
	select {
	case <-p.assigned:
	case <-ctx.Done():
		// An assignment that raced the cancellation still stands.
		select {
		case <-p.assigned:
		default:
			return AsyncOutcome{}, ctx.Err()
		}
	}
	select {
	case <-p.done:
		return asyncFromEntry(id, p.entry), nil
	default:
	}
	e.mu.Lock()
	workerID := p.workerID
	e.mu.Unlock()
	span.SetAttributes(otel.AttrWorkerID.String(workerID))
	return AsyncOutcome{RequestID: id, Status: AsyncDispatched, WorkerID: workerID}, nil
}

func asyncFromEntry(id string, entry protocol.ResultEntry) AsyncOutcome {
	status := AsyncCached
	if entry.Error != nil && !entry.Code().Cacheable() {
		status = AsyncRejected
	}
	return AsyncOutcome{RequestID: id, Status: status, WorkerID: entry.WorkerID, Result: &entry}
}

// launch returns a cached entry, a joined pending request, or a new pending
// request whose work has been sent.
func (e *Engine) launch(ctx context.Context, req Request, meta *protocol.DispatchMeta) (*pending, bool, *protocol.ResultEntry) {
	id, key := req.ID(), req.key()
	if entry, ok, err := e.results.GetEntry(ctx, req.OrgID, id); err != nil {
		e.logger.Warn("results store read failed", "request_id", id, "error", err)
	} else if ok {
		return nil, false, &entry
	}

	e.mu.Lock()
	if p, ok := e.pending[key]; ok {
		e.mu.Unlock()
		e.logger.Debug("joined pending dispatch", "request_id", id)
		return p, true, nil
	}
	if e.closed {
		e.mu.Unlock()
		f := protocol.Failure(id, protocol.ErrGatewayShutdown, "gateway is shutting down")
		return nil, false, &f
	}
	p := newPending(id, req, meta, time.Now())
	e.pending[key] = p
	e.mu.Unlock()
	e.metrics.AddInFlight(ctx, 1)

	w, err := e.selectWorker(ctx, req)
	if err != nil {
		e.finish(ctx, p, protocol.Failure(id, protocol.ErrNoWorkerAvailable, err.Error()))
		return p, false, nil
	}

	if meta != nil {
		if err := e.results.PutMeta(ctx, *meta); err != nil {
			e.logger.Warn("dispatch meta write failed", "request_id", id, "error", err)
		}
	}

	timeout := e.timeoutFor(req)
	e.mu.Lock()
	if p.claimed {
		e.mu.Unlock()
		e.registry.DecInFlight(w.OrgID, w.WorkerID, w.ConnID)
		return p, false, nil
	}
	p.workerID = w.WorkerID
	p.connID = w.ConnID
	p.timer = time.AfterFunc(timeout, func() { e.expire(p, timeout) })
	e.mu.Unlock()
	p.markAssigned()

	if err := e.send(ctx, w, req, id, timeout); err != nil {
		e.logger.Warn("dispatch send failed", "request_id", id, "worker_id", w.WorkerID, "error", err)
		e.finish(ctx, p, protocol.Failure(id, protocol.ErrWorkerDisconnected, "send failed: "+err.Error()))
		return p, false, nil
	}
	e.logger.Info("dispatched", "request_id", id, "org_id", req.OrgID, "worker_id", w.WorkerID,
		"kind", req.Kind, "timeout_ms", timeout.Milliseconds(), "trace_id", shared.TraceID(ctx))
	return p, false, nil
}

func (e *Engine) send(ctx context.Context, w registry.Worker, req Request, id string, timeout time.Duration) error {
	if w.Conn == nil {
		return errors.New("worker has no connection")
	}
	ctx, span := otel.StartProducerSpan(ctx, e.tracer, "dispatch.send",
		otel.AttrRequestID.String(id), otel.AttrWorkerID.String(w.WorkerID))
	defer span.End()

	if req.Turn != nil {
		open, err := protocol.NewMessage(protocol.TypeSessionOpen, id, protocol.SessionOpen{OrgID: req.OrgID, Config: req.Turn.Config})
		if err != nil {
			return err
		}
		open.SessionID = req.SessionID
		if err := w.Conn.Send(ctx, open); err != nil {
			return err
		}
		turn, err := protocol.NewMessage(protocol.TypeSessionTurn, id, protocol.SessionTurn{Input: req.Turn.Input, DeadlineMs: timeout.Milliseconds()})
		if err != nil {
			return err
		}
		turn.SessionID = req.SessionID
		return w.Conn.Send(ctx, turn)
	}

	msg, err := protocol.NewMessage(protocol.TypeExecute, id, protocol.Execute{
		Kind:        req.Kind,
		ConnectorID: req.ConnectorID,
		Payload:     req.Payload,
		Secrets:     req.Secrets,
		DeadlineMs:  timeout.Milliseconds(),
	})
	if err != nil {
		return err
	}
	msg.SessionID = req.SessionID
	return w.Conn.Send(ctx, msg)
}

// selectWorker refreshes labels when needed, acquires a worker and
// re-validates it against its authorization record. A failed re-validation
// evicts the worker and retries once.
func (e *Engine) selectWorker(ctx context.Context, req Request) (registry.Worker, error) {
	requirements := selector.Requirements{Kind: req.Kind, ConnectorID: req.ConnectorID, Selector: req.Selector}
	for attempt := 0; attempt < 2; attempt++ {
		if req.Selector.NeedsLabels() {
			e.RefreshLabels(ctx, req.OrgID)
		}
		w, err := e.registry.Acquire(req.OrgID, requirements, time.Now(), time.Duration(e.staleAfter.Load()))
		if err != nil {
			return registry.Worker{}, err
		}
		if err := e.revalidate(ctx, w, req.Selector); err != nil {
			e.registry.DecInFlight(w.OrgID, w.WorkerID, w.ConnID)
			e.logger.Warn("worker failed re-validation", "org_id", w.OrgID, "worker_id", w.WorkerID, "error", err)
			continue
		}
		return w, nil
	}
	return registry.Worker{}, selector.ErrNoWorker
}

func (e *Engine) revalidate(ctx context.Context, w registry.Worker, sel protocol.Selector) error {
	if e.authority == nil {
		return nil
	}
	rec, err := e.authority.WorkerRecord(ctx, w.OrgID, w.WorkerID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		e.evict(w, "authorization record missing")
		return fmt.Errorf("authorization record missing")
	case err != nil:
		return fmt.Errorf("authorization lookup: %w", err)
	case rec.Revoked:
		e.evict(w, "credential revoked")
		return fmt.Errorf("credential revoked")
	case rec.OrgID != w.OrgID:
		e.evict(w, "organization mismatch")
		return fmt.Errorf("organization mismatch")
	}
	if !rec.Labels.Matches(sel) {
		e.registry.SetLabels(w.OrgID, w.WorkerID, rec.Labels)
		return fmt.Errorf("labels no longer match selector")
	}
	return nil
}

func (e *Engine) evict(w registry.Worker, reason string) {
	audit.Record(audit.DecisionDeny, "dispatch.revalidate", reason, w.OrgID+"/"+w.WorkerID)
	if _, ok := e.registry.Evict(w.OrgID, w.WorkerID, registry.ReasonRevoked); ok {
		e.metrics.AddConnectedWorkers(context.Background(), w.OrgID, -1)
		if e.bus != nil {
			e.bus.Publish(bus.TopicWorkerEvicted, bus.WorkerEvent{OrgID: w.OrgID, WorkerID: w.WorkerID, ConnID: w.ConnID, Reason: reason})
		}
	}
	e.failWorker(w.OrgID, w.WorkerID, w.ConnID, protocol.ErrWorkerDisconnected, "worker evicted: "+reason)
}

// RefreshLabels reloads authoritative labels for every connected worker of
// orgID and evicts workers whose credential is gone or revoked.
func (e *Engine) RefreshLabels(ctx context.Context, orgID string) {
	if e.authority == nil {
		return
	}
	for _, w := range e.registry.Workers(orgID) {
		rec, err := e.authority.WorkerRecord(ctx, w.OrgID, w.WorkerID)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			e.evict(w, "authorization record missing")
		case err != nil:
			e.logger.Warn("label refresh failed", "org_id", w.OrgID, "worker_id", w.WorkerID, "error", err)
		case rec.Revoked:
			e.evict(w, "credential revoked")
		default:
			e.registry.SetLabels(w.OrgID, w.WorkerID, rec.Labels)
		}
	}
}

// RefreshAllLabels runs RefreshLabels for every organization with workers.
func (e *Engine) RefreshAllLabels(ctx context.Context) {
	for _, orgID := range e.registry.Orgs() {
		e.RefreshLabels(ctx, orgID)
	}
}

func (e *Engine) expire(p *pending, timeout time.Duration) {
	e.mu.Lock()
	workerID := p.workerID
	e.mu.Unlock()
	e.logger.Warn("dispatch deadline exceeded", "request_id", p.id, "worker_id", workerID, "timeout_ms", timeout.Milliseconds())
	e.finish(context.Background(), p, protocol.Failure(p.id, protocol.ErrExecutionTimeout,
		fmt.Sprintf("no result within %s", timeout)))
}

// finish is the single resolution path. The first caller claims p; later
// callers get errAlreadyResolved. Cacheable outcomes are written to the
// results store before p leaves the pending map and its waiters wake.
func (e *Engine) finish(ctx context.Context, p *pending, entry protocol.ResultEntry) (protocol.ResultEntry, error) {
	e.mu.Lock()
	if p.claimed {
		e.mu.Unlock()
		return protocol.ResultEntry{}, errAlreadyResolved
	}
	p.claimed = true
	workerID, connID, timer := p.workerID, p.connID, p.timer
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	entry.RequestID = p.id
	if entry.WorkerID == "" {
		entry.WorkerID = workerID
	}
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = time.Now().UTC()
	}

	cacheable := entry.Error == nil || entry.Code().Cacheable()
	var storeErr error
	if cacheable {
		canonical, _, err := e.results.PutEntry(ctx, p.orgID, entry)
		if err != nil {
			storeErr = fmt.Errorf("cache result: %w", err)
			e.logger.Error("result cache write failed", "request_id", p.id, "error", err)
		} else {
			entry = canonical
		}
	}

	e.mu.Lock()
	if e.pending[p.key] == p {
		delete(e.pending, p.key)
	}
	e.mu.Unlock()
	if workerID != "" {
		e.registry.DecInFlight(p.orgID, workerID, connID)
	}

	p.entry = entry
	p.markAssigned()
	close(p.done)

	e.metrics.AddInFlight(ctx, -1)
	e.metrics.RecordResolution(ctx, p.orgID, string(p.kind), outcome(entry), time.Since(p.startedAt))
	if e.bus != nil {
		e.bus.Publish(bus.TopicDispatchResolved, bus.ResolvedEvent{
			RequestID: p.id,
			OrgID:     p.orgID,
			WorkerID:  workerID,
			SessionID: p.sessionID,
			Entry:     entry,
		})
	}
	if cacheable && storeErr == nil && e.publisher != nil {
		_ = e.publisher.PublishResult(ctx, p.orgID, p.meta, entry)
	}
	return entry, storeErr
}

func outcome(entry protocol.ResultEntry) string {
	if entry.Error != nil {
		return string(entry.Error.Code)
	}
	return string(entry.Status)
}

// HandleResult records a worker's terminal report. A nil return means the
// outcome is durable or deliberately dropped, and the worker may forget it.
// A report for a live request from any worker other than the assigned one
// is dropped so it cannot pre-empt the real outcome.
func (e *Engine) HandleResult(ctx context.Context, orgID, workerID string, entry protocol.ResultEntry) error {
	entry.WorkerID = workerID
	e.mu.Lock()
	p, ok := e.pending[protocol.OrgRequestID(orgID, entry.RequestID)]
	live := ok && !p.claimed
	matched := live && p.workerID == workerID
	e.mu.Unlock()

	if live && !matched {
		e.logger.Warn("dropping result from non-assigned worker", "request_id", entry.RequestID,
			"org_id", orgID, "worker_id", workerID)
		audit.RecordContext(ctx, audit.DecisionDeny, "dispatch.result", "non-assigned worker for "+entry.RequestID, orgID+"/"+workerID)
		return nil
	}
	if matched {
		_, err := e.finish(ctx, p, entry)
		if !errors.Is(err, errAlreadyResolved) {
			return err
		}
	}
	return e.handleOrphan(ctx, orgID, workerID, entry)
}

// handleOrphan stores a result nobody is waiting for. The first writer wins,
// so a late reply after a timeout leaves the timeout in place, and the
// canonical entry is republished under the same job id.
func (e *Engine) handleOrphan(ctx context.Context, orgID, workerID string, entry protocol.ResultEntry) error {
	meta, hasMeta, err := e.results.GetMeta(ctx, orgID, entry.RequestID)
	if err != nil {
		e.logger.Warn("dispatch meta read failed", "request_id", entry.RequestID, "error", err)
	}
	canonical, stored, err := e.results.PutEntry(ctx, orgID, entry)
	if err != nil {
		return fmt.Errorf("cache orphan result: %w", err)
	}
	e.metrics.IncOrphan(ctx, orgID)
	e.logger.Info("orphan result", "request_id", entry.RequestID, "org_id", orgID, "worker_id", workerID, "stored", stored)
	if e.bus != nil {
		e.bus.Publish(bus.TopicDispatchOrphan, bus.ResolvedEvent{RequestID: entry.RequestID, OrgID: orgID, WorkerID: workerID, Entry: canonical})
	}
	if e.publisher != nil {
		var metaPtr *protocol.DispatchMeta
		if hasMeta {
			metaPtr = &meta
		}
		_ = e.publisher.PublishResult(ctx, orgID, metaPtr, canonical)
	}
	return nil
}

// HandleEvent forwards a streamed progress event as a continuation.
func (e *Engine) HandleEvent(ctx context.Context, orgID, workerID, requestID string, seq int64, ev protocol.ExecuteEvent) {
	e.mu.Lock()
	p, ok := e.pending[protocol.OrgRequestID(orgID, requestID)]
	foreign := ok && p.workerID != workerID
	e.mu.Unlock()
	if foreign {
		e.logger.Warn("dropping event from non-assigned worker", "request_id", requestID, "worker_id", workerID)
		return
	}
	if e.publisher == nil {
		return
	}
	_ = e.publisher.PublishEvent(ctx, orgID, requestID, continuation.Event{
		Seq:   seq,
		Type:  ev.Type,
		Level: ev.Level,
		Data:  ev.Data,
	})
}

// HandleDisconnect removes the connection and fails every request it was
// running. Requests on a newer connection of the same worker are untouched.
func (e *Engine) HandleDisconnect(orgID, workerID, connID string) int {
	if e.registry.Remove(orgID, workerID, connID) {
		e.metrics.AddConnectedWorkers(context.Background(), orgID, -1)
		if e.bus != nil {
			e.bus.Publish(bus.TopicWorkerDisconnected, bus.WorkerEvent{OrgID: orgID, WorkerID: workerID, ConnID: connID, Reason: "disconnected"})
		}
	}
	return e.failWorker(orgID, workerID, connID, protocol.ErrWorkerDisconnected, "worker connection closed")
}

func (e *Engine) failWorker(orgID, workerID, connID string, code protocol.ErrorCode, msg string) int {
	e.mu.Lock()
	var victims []*pending
	for _, p := range e.pending {
		if !p.claimed && p.orgID == orgID && p.workerID == workerID && p.connID == connID {
			victims = append(victims, p)
		}
	}
	e.mu.Unlock()

	n := 0
	for _, p := range victims {
		if _, err := e.finish(context.Background(), p, protocol.Failure(p.id, code, msg)); !errors.Is(err, errAlreadyResolved) {
			n++
		}
	}
	return n
}

// Shutdown refuses new work and resolves every pending request with
// gateway_shutdown. It returns the number of requests resolved.
func (e *Engine) Shutdown() int {
	e.mu.Lock()
	e.closed = true
	victims := make([]*pending, 0, len(e.pending))
	for _, p := range e.pending {
		if !p.claimed {
			victims = append(victims, p)
		}
	}
	e.mu.Unlock()

	n := 0
	for _, p := range victims {
		if _, err := e.finish(context.Background(), p, protocol.Failure(p.id, protocol.ErrGatewayShutdown, "gateway is shutting down")); !errors.Is(err, errAlreadyResolved) {
			n++
		}
	}
	return n
}

// Result returns the cached outcome of a request.
func (e *Engine) Result(ctx context.Context, orgID, requestID string) (protocol.ResultEntry, bool, error) {
	return e.results.GetEntry(ctx, orgID, requestID)
}

// IsPending reports whether a request of orgID is still unresolved,
// assigned or not.
func (e *Engine) IsPending(orgID, requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, found := e.pending[protocol.OrgRequestID(orgID, requestID)]
	return found && !p.claimed
}

// PendingWorker reports which worker is executing a pending request.
func (e *Engine) PendingWorker(orgID, requestID string) (workerID string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, found := e.pending[protocol.OrgRequestID(orgID, requestID)]
	if !found || p.claimed || p.workerID == "" {
		return "", false
	}
	return p.workerID, true
}

func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Registry exposes the connection registry the engine routes over.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Wait blocks until requestID of orgID has a cached outcome or timeout elapses. It
// subscribes before reading the store so a resolution between the two is
// not missed.
func (e *Engine) Wait(ctx context.Context, orgID, requestID string, timeout time.Duration) (protocol.ResultEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ch <-chan bus.Event
	if e.bus != nil {
		sub := e.bus.SubscribeBuffered("dispatch.", 64)
		defer e.bus.Unsubscribe(sub)
		ch = sub.Ch()
	}

	if entry, ok, err := e.results.GetEntry(ctx, orgID, requestID); err != nil || ok {
		return entry, ok, err
	}

	// Slow poll as a fallback for results written by another gateway.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return protocol.ResultEntry{}, false, nil
			}
			return protocol.ResultEntry{}, false, ctx.Err()
		case ev := <-ch:
			resolved, ok := ev.Payload.(bus.ResolvedEvent)
			if !ok || resolved.RequestID != requestID || resolved.OrgID != orgID {
				continue
			}
			if resolved.Entry.Error != nil && !resolved.Entry.Code().Cacheable() {
				return resolved.Entry, true, nil
			}
			entry, found, err := e.results.GetEntry(ctx, orgID, requestID)
			if err != nil || found {
				return entry, found, err
			}
			return resolved.Entry, true, nil
		case <-ticker.C:
			if entry, ok, err := e.results.GetEntry(ctx, orgID, requestID); err != nil || ok {
				return entry, ok, err
			}
		}
	}
}
