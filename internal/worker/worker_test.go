package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-dispatch/internal/backend"
	"github.com/basket/go-dispatch/internal/memory"
	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const testToken = "gdw_testtoken0000000000"

// fakeGateway accepts worker connections and exposes their frames.
type fakeGateway struct {
	ts     *httptest.Server
	conns  chan *gwConn
	dials  atomic.Int32
	reject atomic.Bool
}

type gwConn struct {
	conn *websocket.Conn
	in   chan protocol.Message
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{conns: make(chan *gwConn, 8)}
	g.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.dials.Add(1)
		if g.reject.Load() || r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := &gwConn{conn: conn, in: make(chan protocol.Message, 64)}
		g.conns <- c
		for {
			var msg protocol.Message
			if err := wsjson.Read(context.Background(), conn, &msg); err != nil {
				close(c.in)
				return
			}
			c.in <- msg
		}
	}))
	t.Cleanup(g.ts.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.ts.URL, "http")
}

func (g *fakeGateway) accept(t *testing.T) *gwConn {
	t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not connect")
		return nil
	}
}

func (c *gwConn) send(t *testing.T, typ protocol.MessageType, requestID, sessionID string, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(typ, requestID, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	msg.SessionID = sessionID
	if err := wsjson.Write(context.Background(), c.conn, msg); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// next returns the next frame that is not a heartbeat or execute-received.
func (c *gwConn) next(t *testing.T) protocol.Message {
	t.Helper()
	for {
		select {
		case msg, ok := <-c.in:
			if !ok {
				t.Fatal("worker connection closed")
			}
			if msg.Type == protocol.TypeHeartbeat || msg.Type == protocol.TypeExecuteReceived {
				continue
			}
			return msg
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a frame")
			return protocol.Message{}
		}
	}
}

func (c *gwConn) expect(t *testing.T, typ protocol.MessageType) protocol.Message {
	t.Helper()
	msg := c.next(t)
	if msg.Type != typ {
		t.Fatalf("frame = %s (%s), want %s", msg.Type, msg.Payload, typ)
	}
	return msg
}

type funcBackend func(ctx context.Context, job backend.Job, emit backend.Emit) (json.RawMessage, error)

func (f funcBackend) Execute(ctx context.Context, job backend.Job, emit backend.Emit) (json.RawMessage, error) {
	return f(ctx, job, emit)
}

func startWorker(t *testing.T, g *fakeGateway, mutate func(*Config)) *Worker {
	t.Helper()
	cfg := Config{
		GatewayURL:        g.url(),
		Token:             testToken,
		WorkerID:          "w1",
		Version:           "test",
		MaxInFlight:       2,
		HeartbeatInterval: time.Hour,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		Backends:          backend.NewSet(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func echoBackend(calls *atomic.Int32) funcBackend {
	return func(_ context.Context, job backend.Job, emit backend.Emit) (json.RawMessage, error) {
		if calls != nil {
			calls.Add(1)
		}
		emit(protocol.ExecuteEvent{Type: "progress", Level: protocol.LevelInfo})
		emit(protocol.ExecuteEvent{Type: "progress", Level: protocol.LevelInfo})
		return job.Payload, nil
	}
}

func TestWorker_HelloExecuteAck(t *testing.T) {
	g := newFakeGateway(t)
	w := startWorker(t, g, func(c *Config) {
		c.Backends.Register(protocol.KindConnectorAction, echoBackend(nil))
		c.Connectors = []string{"crm"}
	})
	c := g.accept(t)

	hello := c.expect(t, protocol.TypeHello)
	var adv protocol.Advertisement
	if err := hello.Decode(&adv); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if adv.WorkerID != "w1" || adv.MaxInFlight != 2 || len(adv.Kinds) != 1 || adv.Kinds[0] != protocol.KindConnectorAction {
		t.Fatalf("advertisement = %+v", adv)
	}
	waitUntil(t, "connected state", func() bool { return w.State() == StateConnected })

	c.send(t, protocol.TypeExecute, "r:n:1", "", protocol.Execute{Kind: protocol.KindConnectorAction, ConnectorID: "crm", Payload: json.RawMessage(`{"x":1}`), DeadlineMs: 1000})
	for want := int64(1); want <= 2; want++ {
		ev := c.expect(t, protocol.TypeExecuteEvent)
		if ev.RequestID != "r:n:1" || ev.Seq != want {
			t.Fatalf("event = %s seq %d, want seq %d", ev.RequestID, ev.Seq, want)
		}
	}
	res := c.expect(t, protocol.TypeExecuteResult)
	var er protocol.ExecuteResult
	if err := res.Decode(&er); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if er.Status != protocol.StatusSucceeded || string(er.Output) != `{"x":1}` {
		t.Fatalf("result = %+v", er)
	}
	if w.PendingAcks() != 1 {
		t.Fatalf("pending acks = %d, want 1 before ack", w.PendingAcks())
	}
	c.send(t, protocol.TypeExecuteAck, "r:n:1", "", nil)
	waitUntil(t, "ack to clear buffer", func() bool { return w.PendingAcks() == 0 })
}

func TestWorker_UnsupportedKindFails(t *testing.T) {
	g := newFakeGateway(t)
	startWorker(t, g, nil)
	c := g.accept(t)
	c.expect(t, protocol.TypeHello)

	c.send(t, protocol.TypeExecute, "r:n:1", "", protocol.Execute{Kind: protocol.KindShellExec})
	var er protocol.ExecuteResult
	if err := c.expect(t, protocol.TypeExecuteResult).Decode(&er); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if er.Status != protocol.StatusFailed || !strings.Contains(er.Error, "unsupported") {
		t.Fatalf("result = %+v", er)
	}
}

func TestWorker_ResendsUnackedResultAfterReconnect(t *testing.T) {
	g := newFakeGateway(t)
	var calls atomic.Int32
	w := startWorker(t, g, func(c *Config) {
		c.Backends.Register(protocol.KindShellExec, echoBackend(&calls))
	})
	c := g.accept(t)
	c.expect(t, protocol.TypeHello)
	c.send(t, protocol.TypeExecute, "r:n:1", "", protocol.Execute{Kind: protocol.KindShellExec, Payload: json.RawMessage(`"out"`)})
	c.expect(t, protocol.TypeExecuteEvent)
	c.expect(t, protocol.TypeExecuteEvent)
	c.expect(t, protocol.TypeExecuteResult)

	_ = c.conn.Close(websocket.StatusGoingAway, "restart")

	c2 := g.accept(t)
	c2.expect(t, protocol.TypeHello)
	resent := c2.expect(t, protocol.TypeExecuteResult)
	if resent.RequestID != "r:n:1" {
		t.Fatalf("resent request id = %q", resent.RequestID)
	}
	c2.send(t, protocol.TypeExecuteAck, "r:n:1", "", nil)
	waitUntil(t, "ack", func() bool { return w.PendingAcks() == 0 })
	if calls.Load() != 1 {
		t.Fatalf("backend calls = %d, want 1", calls.Load())
	}
}

func TestWorker_DuplicateExecuteResendsBufferedResult(t *testing.T) {
	g := newFakeGateway(t)
	var calls atomic.Int32
	startWorker(t, g, func(c *Config) {
		c.Backends.Register(protocol.KindShellExec, echoBackend(&calls))
	})
	c := g.accept(t)
	c.expect(t, protocol.TypeHello)

	exec := protocol.Execute{Kind: protocol.KindShellExec, Payload: json.RawMessage(`"once"`)}
	c.send(t, protocol.TypeExecute, "r:n:1", "", exec)
	c.expect(t, protocol.TypeExecuteEvent)
	c.expect(t, protocol.TypeExecuteEvent)
	first := c.expect(t, protocol.TypeExecuteResult)

	c.send(t, protocol.TypeExecute, "r:n:1", "", exec)
	again := c.expect(t, protocol.TypeExecuteResult)
	if string(again.Payload) != string(first.Payload) {
		t.Fatalf("resent payload = %s, want %s", again.Payload, first.Payload)
	}
	if calls.Load() != 1 {
		t.Fatalf("backend calls = %d, want 1", calls.Load())
	}
}

func TestWorker_BoundsInFlight(t *testing.T) {
	g := newFakeGateway(t)
	release := make(chan struct{})
	var cur, peak atomic.Int32
	startWorker(t, g, func(c *Config) {
		c.MaxInFlight = 1
		c.Backends.Register(protocol.KindShellExec, funcBackend(func(ctx context.Context, job backend.Job, _ backend.Emit) (json.RawMessage, error) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			defer cur.Add(-1)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return json.RawMessage(`null`), nil
		}))
	})
	c := g.accept(t)
	c.expect(t, protocol.TypeHello)
	c.send(t, protocol.TypeExecute, "r:a:1", "", protocol.Execute{Kind: protocol.KindShellExec})
	c.send(t, protocol.TypeExecute, "r:b:1", "", protocol.Execute{Kind: protocol.KindShellExec})
	waitUntil(t, "first execution", func() bool { return cur.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)

	c.expect(t, protocol.TypeExecuteResult)
	c.expect(t, protocol.TypeExecuteResult)
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestWorker_DeadlineCancelsExecution(t *testing.T) {
	g := newFakeGateway(t)
	startWorker(t, g, func(c *Config) {
		c.Backends.Register(protocol.KindShellExec, funcBackend(func(ctx context.Context, _ backend.Job, _ backend.Emit) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	})
	c := g.accept(t)
	c.expect(t, protocol.TypeHello)
	c.send(t, protocol.TypeExecute, "r:n:1", "", protocol.Execute{Kind: protocol.KindShellExec, DeadlineMs: 50})
	var er protocol.ExecuteResult
	if err := c.expect(t, protocol.TypeExecuteResult).Decode(&er); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if er.Status != protocol.StatusFailed {
		t.Fatalf("status = %s, want failed", er.Status)
	}
}

func TestWorker_SessionTurnStreams(t *testing.T) {
	g := newFakeGateway(t)
	startWorker(t, g, func(c *Config) { c.Agent = backend.Echo{} })
	c := g.accept(t)
	c.expect(t, protocol.TypeHello)

	c.send(t, protocol.TypeSessionOpen, "s1:turn-t1:1", "s1", protocol.SessionOpen{OrgID: "acme"})
	c.send(t, protocol.TypeSessionTurn, "s1:turn-t1:1", "s1", protocol.SessionTurn{Input: "hello world", DeadlineMs: 1000})

	if m := c.expect(t, protocol.TypeSessionOpened); m.SessionID != "s1" {
		t.Fatalf("session-opened = %+v", m)
	}
	var text string
	for i := 0; i < 2; i++ {
		var d protocol.TurnDelta
		if err := c.expect(t, protocol.TypeTurnDelta).Decode(&d); err != nil {
			t.Fatalf("decode delta: %v", err)
		}
		text += d.Text
	}
	if text != "hello world" {
		t.Fatalf("deltas = %q", text)
	}
	var final protocol.TurnFinal
	if err := c.expect(t, protocol.TypeTurnFinal).Decode(&final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if final.Output != "hello world" {
		t.Fatalf("final = %q", final.Output)
	}
	res := c.expect(t, protocol.TypeExecuteResult)
	if res.RequestID != "s1:turn-t1:1" {
		t.Fatalf("result id = %q", res.RequestID)
	}

	// A second turn on the same session does not reopen it.
	c.send(t, protocol.TypeSessionOpen, "s1:turn-t2:1", "s1", protocol.SessionOpen{OrgID: "acme"})
	c.send(t, protocol.TypeSessionTurn, "s1:turn-t2:1", "s1", protocol.SessionTurn{Input: "again"})
	c.expect(t, protocol.TypeTurnDelta)
}

func TestWorker_ForgetsIdleSessions(t *testing.T) {
	g := newFakeGateway(t)
	w := startWorker(t, g, func(c *Config) {
		c.Agent = backend.Echo{}
		c.SessionIdleTimeout = time.Millisecond
	})
	c := g.accept(t)
	c.expect(t, protocol.TypeHello)

	c.send(t, protocol.TypeSessionOpen, "s1:turn-t1:1", "s1", protocol.SessionOpen{OrgID: "acme"})
	c.send(t, protocol.TypeSessionTurn, "s1:turn-t1:1", "s1", protocol.SessionTurn{Input: "hi", DeadlineMs: 1000})
	c.expect(t, protocol.TypeExecuteResult)
	time.Sleep(10 * time.Millisecond)

	c.send(t, protocol.TypeSessionOpen, "s2:turn-t1:1", "s2", protocol.SessionOpen{OrgID: "acme"})
	if m := c.expect(t, protocol.TypeSessionOpened); m.SessionID != "s2" {
		t.Fatalf("session-opened = %+v, want s2", m)
	}
	w.mu.Lock()
	_, kept := w.sessions["s1"]
	n := len(w.sessions)
	w.mu.Unlock()
	if kept || n != 1 {
		t.Fatalf("sessions = %d (s1 kept = %v), want only s2", n, kept)
	}
}

// blockingAgent runs until its context ends.
type blockingAgent struct{ started chan struct{} }

func (a blockingAgent) Turn(ctx context.Context, _ string, _ string, _ func(string)) (string, error) {
	a.started <- struct{}{}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestWorker_CancelSendsOnlyFailedResult(t *testing.T) {
	g := newFakeGateway(t)
	agent := blockingAgent{started: make(chan struct{}, 1)}
	startWorker(t, g, func(c *Config) { c.Agent = agent })
	c := g.accept(t)
	c.expect(t, protocol.TypeHello)

	c.send(t, protocol.TypeSessionOpen, "s1:turn-t1:1", "s1", protocol.SessionOpen{OrgID: "acme"})
	c.send(t, protocol.TypeSessionTurn, "s1:turn-t1:1", "s1", protocol.SessionTurn{Input: "long"})
	c.expect(t, protocol.TypeSessionOpened)
	<-agent.started

	c.send(t, protocol.TypeSessionCancel, "s1:turn-t1:1", "s1", nil)
	msg := c.next(t)
	if msg.Type != protocol.TypeExecuteResult {
		t.Fatalf("frame after cancel = %s, want execute-result only", msg.Type)
	}
	var er protocol.ExecuteResult
	if err := msg.Decode(&er); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if er.Status != protocol.StatusFailed || er.Error != "turn canceled" {
		t.Fatalf("result = %+v", er)
	}
}

func TestWorker_SecondConcurrentTurnRejected(t *testing.T) {
	g := newFakeGateway(t)
	agent := blockingAgent{started: make(chan struct{}, 1)}
	startWorker(t, g, func(c *Config) { c.Agent = agent })
	c := g.accept(t)
	c.expect(t, protocol.TypeHello)

	c.send(t, protocol.TypeSessionTurn, "s1:turn-t1:1", "s1", protocol.SessionTurn{Input: "one"})
	<-agent.started
	c.send(t, protocol.TypeSessionTurn, "s1:turn-t2:1", "s1", protocol.SessionTurn{Input: "two"})

	te := c.expect(t, protocol.TypeTurnError)
	if te.RequestID != "s1:turn-t2:1" {
		t.Fatalf("turn-error for %q", te.RequestID)
	}
	res := c.expect(t, protocol.TypeExecuteResult)
	if res.RequestID != "s1:turn-t2:1" {
		t.Fatalf("result for %q", res.RequestID)
	}
}

func TestWorker_MemoryRoundTrip(t *testing.T) {
	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	g := newFakeGateway(t)
	startWorker(t, g, func(c *Config) { c.Memory = store })
	c := g.accept(t)
	c.expect(t, protocol.TypeHello)

	c.send(t, protocol.TypeMemorySync, "m1", "", protocol.MemorySync{Entries: []protocol.MemoryEntry{{Key: "lang", Content: "Go"}}})
	synced := c.expect(t, protocol.TypeMemorySyncResult)
	var sr protocol.MemorySyncResult
	if err := synced.Decode(&sr); err != nil || synced.RequestID != "m1" || sr.Stored != 1 {
		t.Fatalf("sync result = %+v (%s), err %v", sr, synced.RequestID, err)
	}

	c.send(t, protocol.TypeMemoryQuery, "m2", "", protocol.MemoryQuery{Query: "lang"})
	var qr protocol.MemoryQueryResult
	if err := c.expect(t, protocol.TypeMemoryQueryResult).Decode(&qr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(qr.Entries) != 1 || qr.Entries[0].Content != "Go" {
		t.Fatalf("query result = %+v", qr)
	}
}

func TestWorker_StateMachineRetriesRejectedDial(t *testing.T) {
	g := newFakeGateway(t)
	g.reject.Store(true)

	var mu sync.Mutex
	var states []State
	startWorker(t, g, func(c *Config) {
		c.OnState = func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}
	})
	waitUntil(t, "several dial attempts", func() bool { return g.dials.Load() >= 3 })

	g.reject.Store(false)
	g.accept(t).expect(t, protocol.TypeHello)

	mu.Lock()
	defer mu.Unlock()
	if states[0] != StateConnecting || states[1] != StateDisconnected {
		t.Fatalf("first transitions = %v", states[:2])
	}
	for i, s := range states {
		if s == StateConnected && (i == 0 || states[i-1] != StateConnecting) {
			t.Fatalf("connected not preceded by connecting: %v", states)
		}
	}
}

func TestNew_RequiresIdentity(t *testing.T) {
	if _, err := New(Config{GatewayURL: "ws://x", Token: "t"}); err == nil {
		t.Fatal("expected error without worker id")
	}
	if _, err := New(Config{WorkerID: "w", Token: "t"}); err == nil {
		t.Fatal("expected error without gateway url")
	}
}

func TestBackoff_DoublesCapsAndResets(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	b.rand = func() float64 { return 1 }
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Fatalf("delay %d = %v, want %v", i, got, w*time.Millisecond)
		}
	}
	b.Reset()
	b.rand = func() float64 { return 0 }
	if got := b.Next(); got != 50*time.Millisecond {
		t.Fatalf("jittered first delay = %v, want 50ms", got)
	}
}

func TestAckBuffer_EvictsOldestAndKeepsOrder(t *testing.T) {
	b := newAckBuffer(2)
	b.add(protocol.Message{RequestID: "a"})
	b.add(protocol.Message{RequestID: "b"})
	if evicted := b.add(protocol.Message{RequestID: "c"}); evicted != "a" {
		t.Fatalf("evicted = %q, want a", evicted)
	}
	if evicted := b.add(protocol.Message{RequestID: "c", Seq: 9}); evicted != "" {
		t.Fatalf("replacing evicted %q", evicted)
	}
	snap := b.snapshot()
	if len(snap) != 2 || snap[0].RequestID != "b" || snap[1].Seq != 9 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !b.remove("b") || b.remove("b") {
		t.Fatal("remove should succeed once")
	}
	if _, ok := b.get("c"); !ok || b.len() != 1 {
		t.Fatal("c should remain buffered")
	}
}
