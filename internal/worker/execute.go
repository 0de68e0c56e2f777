package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/basket/go-dispatch/internal/backend"
	"github.com/basket/go-dispatch/internal/protocol"
)

func (w *Worker) handleExecute(ctx context.Context, msg protocol.Message) {
	id := msg.RequestID
	if id == "" {
		return
	}
	if w.duplicate(ctx, id) {
		return
	}
	var ex protocol.Execute
	if err := msg.Decode(&ex); err != nil {
		w.finish(ctx, id, protocol.ExecuteResult{Status: protocol.StatusFailed, Error: err.Error()})
		return
	}
	if !w.begin(id) {
		return
	}
	w.ack(ctx, id)

	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		res := w.execute(ctx, id, ex)
		w.finish(ctx, id, res)
	}()
}

// duplicate handles an execute for an id that is running or buffered. A
// buffered result is resent instead of running the work again.
func (w *Worker) duplicate(ctx context.Context, id string) bool {
	if buffered, ok := w.acks.get(id); ok {
		w.logger.Info("duplicate execute, resending result", "request_id", id)
		_ = w.send(ctx, buffered)
		return true
	}
	w.mu.Lock()
	_, running := w.running[id]
	w.mu.Unlock()
	if running {
		w.logger.Info("duplicate execute for running request", "request_id", id)
		w.ack(ctx, id)
	}
	return running
}

func (w *Worker) begin(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.running[id]; ok {
		return false
	}
	w.running[id] = struct{}{}
	return true
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.send(ctx, protocol.Message{Type: protocol.TypeExecuteReceived, RequestID: id}); err != nil {
		w.logger.Debug("execute-received not sent", "request_id", id, "error", err)
	}
}

// acquire takes an in-flight slot, giving up when ctx ends.
func (w *Worker) acquire(ctx context.Context) bool {
	select {
	case w.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) release() {
	<-w.slots
}

func withDeadline(ctx context.Context, deadlineMs int64) (context.Context, context.CancelFunc) {
	if deadlineMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(deadlineMs)*time.Millisecond)
}

func (w *Worker) execute(ctx context.Context, id string, ex protocol.Execute) protocol.ExecuteResult {
	ctx, cancel := withDeadline(ctx, ex.DeadlineMs)
	defer cancel()
	if !w.acquire(ctx) {
		return protocol.ExecuteResult{Status: protocol.StatusFailed, Error: "no execution slot before deadline"}
	}
	defer w.release()

	start := time.Now()
	var seq atomic.Int64
	emit := func(ev protocol.ExecuteEvent) {
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		msg := protocol.Message{Type: protocol.TypeExecuteEvent, RequestID: id, Seq: seq.Add(1), Payload: raw}
		_ = w.send(ctx, msg)
	}
	out, err := w.cfg.Backends.Execute(ctx, backend.Job{
		RequestID:   id,
		Kind:        ex.Kind,
		ConnectorID: ex.ConnectorID,
		Payload:     ex.Payload,
		Secrets:     ex.Secrets,
	}, emit)
	w.logger.Info("execution finished", "request_id", id, "kind", ex.Kind, "elapsed_ms", time.Since(start).Milliseconds(), "ok", err == nil)
	if err != nil {
		return protocol.ExecuteResult{Status: protocol.StatusFailed, Output: out, Error: err.Error()}
	}
	return protocol.ExecuteResult{Status: protocol.StatusSucceeded, Output: out}
}

// finish buffers the terminal result until it is acknowledged and sends it
// when connected.
func (w *Worker) finish(ctx context.Context, id string, res protocol.ExecuteResult) {
	msg, err := protocol.NewMessage(protocol.TypeExecuteResult, id, res)
	if err != nil {
		w.logger.Error("encode result", "request_id", id, "error", err)
		return
	}
	if evicted := w.acks.add(msg); evicted != "" {
		w.logger.Warn("pending-ack buffer full, dropped oldest result", "request_id", evicted)
	}
	w.mu.Lock()
	delete(w.running, id)
	w.mu.Unlock()
	// A cancelled worker context still flushes the result on this connection.
	if err := w.send(context.WithoutCancel(ctx), msg); err != nil {
		w.logger.Debug("result buffered for resend", "request_id", id, "error", err)
	}
}

func (w *Worker) handleMemory(ctx context.Context, msg protocol.Message) {
	var reply protocol.Message
	var err error
	if msg.Type == protocol.TypeMemorySync {
		reply, err = protocol.NewMessage(protocol.TypeMemorySyncResult, msg.RequestID, w.memorySync(ctx, msg))
	} else {
		reply, err = protocol.NewMessage(protocol.TypeMemoryQueryResult, msg.RequestID, w.memoryQuery(ctx, msg))
	}
	if err != nil {
		return
	}
	if err := w.send(ctx, reply); err != nil {
		w.logger.Debug("memory reply not sent", "request_id", msg.RequestID, "error", err)
	}
}

func (w *Worker) memorySync(ctx context.Context, msg protocol.Message) protocol.MemorySyncResult {
	if w.cfg.Memory == nil {
		return protocol.MemorySyncResult{Error: "memory store not configured"}
	}
	var req protocol.MemorySync
	if err := msg.Decode(&req); err != nil {
		return protocol.MemorySyncResult{Error: err.Error()}
	}
	n, err := w.cfg.Memory.Sync(ctx, req.Entries)
	if err != nil {
		return protocol.MemorySyncResult{Error: err.Error()}
	}
	return protocol.MemorySyncResult{Stored: n}
}

func (w *Worker) memoryQuery(ctx context.Context, msg protocol.Message) protocol.MemoryQueryResult {
	res := protocol.MemoryQueryResult{Entries: []protocol.MemoryEntry{}}
	if w.cfg.Memory == nil {
		res.Error = "memory store not configured"
		return res
	}
	var req protocol.MemoryQuery
	if err := msg.Decode(&req); err != nil {
		res.Error = err.Error()
		return res
	}
	entries, err := w.cfg.Memory.Query(ctx, req.Query, req.Limit)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if entries != nil {
		res.Entries = entries
	}
	return res
}
