package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/coder/websocket"
)

func (h *harness) connectFrontend(t *testing.T) *peer {
	t.Helper()
	return dial(t, h.wsURL("/v1/sessions/connect"), frontendToken)
}

func nextEvent(t *testing.T, p *peer) protocol.SessionEvent {
	t.Helper()
	msg := p.expect(t, protocol.TypeSessionEvent)
	var ev protocol.SessionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatalf("decode session event: %v", err)
	}
	if ev.Seq != msg.Seq {
		t.Fatalf("envelope seq %d != event seq %d", msg.Seq, ev.Seq)
	}
	return ev
}

func agentWorker(t *testing.T, h *harness) *peer {
	return h.connectWorker(t, "acme", "w1", protocol.Advertisement{
		Kinds:       []protocol.WorkKind{protocol.KindAgentRun},
		MaxInFlight: 2,
	})
}

func TestSessionTurn_StreamsWorkerOutput(t *testing.T) {
	h := newHarness(t)
	w := agentWorker(t, h)
	fe := h.connectFrontend(t)

	fe.send(t, protocol.TypeJoinSession, "", "s1", 0, nil)
	fe.send(t, protocol.TypeSendTurn, "t1", "s1", 0, protocol.SendTurn{Input: "hi"})

	open := w.expect(t, protocol.TypeSessionOpen)
	if open.SessionID != "s1" || open.RequestID != "s1:turn-t1:1" {
		t.Fatalf("session-open = %+v", open)
	}
	turn := w.expect(t, protocol.TypeSessionTurn)
	var st protocol.SessionTurn
	if err := turn.Decode(&st); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	if st.Input != "hi" {
		t.Fatalf("input = %q, want hi", st.Input)
	}

	id := open.RequestID
	w.send(t, protocol.TypeSessionOpened, id, "s1", 0, nil)
	w.send(t, protocol.TypeTurnDelta, id, "s1", 0, protocol.TurnDelta{Text: "hel"})
	w.send(t, protocol.TypeTurnFinal, id, "s1", 0, protocol.TurnFinal{Output: "hello"})
	w.send(t, protocol.TypeExecuteResult, id, "", 0, protocol.ExecuteResult{
		Status: protocol.StatusSucceeded,
		Output: json.RawMessage(`"hello"`),
	})

	want := []string{protocol.EventTurnStarted, protocol.EventSessionOpened, protocol.EventTurnDelta, protocol.EventTurnFinal}
	for i, typ := range want {
		ev := nextEvent(t, fe)
		if ev.Type != typ || ev.Seq != int64(i+1) {
			t.Fatalf("event %d = %s seq %d, want %s seq %d", i, ev.Type, ev.Seq, typ, i+1)
		}
	}
	waitUntil(t, "turn release", func() bool {
		_, active := h.sessions.ActiveTurn("s1")
		return !active
	})
	if got := h.sessions.Pinned("s1"); got != "w1" {
		t.Fatalf("pinned = %q, want w1", got)
	}
}

func TestSessionTurn_SecondTurnRejectedWhileRunning(t *testing.T) {
	h := newHarness(t)
	w := agentWorker(t, h)
	fe := h.connectFrontend(t)

	fe.send(t, protocol.TypeSendTurn, "t1", "s1", 0, protocol.SendTurn{Input: "first"})
	w.expect(t, protocol.TypeSessionTurn)

	fe.send(t, protocol.TypeSendTurn, "t2", "s1", 0, protocol.SendTurn{Input: "second"})
	msg := fe.expect(t, protocol.TypeSessionError)
	var se protocol.SessionError
	if err := msg.Decode(&se); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if se.Code != "turn_in_progress" {
		t.Fatalf("code = %q, want turn_in_progress", se.Code)
	}
}

func TestSessionTurn_MissedResolutionDoesNotBlockNextTurn(t *testing.T) {
	h := newHarness(t)
	w := agentWorker(t, h)
	fe := h.connectFrontend(t)
	fe.send(t, protocol.TypeJoinSession, "", "s1", 0, nil)

	// The earlier turn timed out but its dispatch.resolved never reached the
	// session watcher.
	stale := "s1:turn-t0:1"
	if err := h.sessions.BeginTurn("s1", stale); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	timeout := protocol.Failure(stale, protocol.ErrExecutionTimeout, "no result within 1s")
	if err := h.engine.HandleResult(context.Background(), "acme", "w1", timeout); err != nil {
		t.Fatalf("HandleResult: %v", err)
	}

	fe.send(t, protocol.TypeSendTurn, "t1", "s1", 0, protocol.SendTurn{Input: "again"})
	turn := w.expect(t, protocol.TypeSessionTurn)
	if turn.RequestID != "s1:turn-t1:1" {
		t.Fatalf("turn request id = %q, want s1:turn-t1:1", turn.RequestID)
	}

	ev := nextEvent(t, fe)
	if ev.Type != protocol.EventTurnError || ev.RequestID != stale {
		t.Fatalf("first event = %s for %s, want turn.error for the stale turn", ev.Type, ev.RequestID)
	}
	if ev = nextEvent(t, fe); ev.Type != protocol.EventTurnStarted || ev.RequestID != "s1:turn-t1:1" {
		t.Fatalf("second event = %s for %s, want turn.started", ev.Type, ev.RequestID)
	}
}

func TestSessionTurn_DisconnectBecomesTurnError(t *testing.T) {
	h := newHarness(t)
	w := agentWorker(t, h)
	fe := h.connectFrontend(t)

	fe.send(t, protocol.TypeJoinSession, "", "s1", 0, nil)
	fe.send(t, protocol.TypeSendTurn, "t1", "s1", 0, protocol.SendTurn{Input: "hi"})
	w.expect(t, protocol.TypeSessionTurn)
	_ = w.conn.Close(websocket.StatusNormalClosure, "crash")

	if ev := nextEvent(t, fe); ev.Type != protocol.EventTurnStarted {
		t.Fatalf("first event = %s, want turn.started", ev.Type)
	}
	ev := nextEvent(t, fe)
	if ev.Type != protocol.EventTurnError {
		t.Fatalf("event = %s, want turn.error", ev.Type)
	}
	var te protocol.TurnError
	if err := json.Unmarshal(ev.Payload, &te); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if te.Code != protocol.ErrWorkerDisconnected {
		t.Fatalf("code = %q, want worker_disconnected", te.Code)
	}
	waitUntil(t, "turn release", func() bool {
		_, active := h.sessions.ActiveTurn("s1")
		return !active
	})
	if got := h.sessions.Pinned("s1"); got != "" {
		t.Fatalf("pinned = %q, want cleared after disconnect", got)
	}
}

func TestSessionTurn_NoWorkerBecomesTurnError(t *testing.T) {
	h := newHarness(t)
	fe := h.connectFrontend(t)

	fe.send(t, protocol.TypeJoinSession, "", "s1", 0, nil)
	fe.send(t, protocol.TypeSendTurn, "t1", "s1", 0, protocol.SendTurn{Input: "hi"})

	nextEvent(t, fe)
	ev := nextEvent(t, fe)
	if ev.Type != protocol.EventTurnError {
		t.Fatalf("event = %s, want turn.error", ev.Type)
	}
	// Exactly one turn.error is recorded.
	events, err := h.store.ListSessionEventsFrom(context.Background(), "s1", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	errorsSeen := 0
	for _, e := range events {
		if e.Type == protocol.EventTurnError {
			errorsSeen++
		}
	}
	if errorsSeen != 1 {
		t.Fatalf("turn.error events = %d, want 1", errorsSeen)
	}
}

func TestSessionTurn_CancelForwardsToWorker(t *testing.T) {
	h := newHarness(t)
	w := agentWorker(t, h)
	fe := h.connectFrontend(t)

	fe.send(t, protocol.TypeJoinSession, "", "s1", 0, nil)
	fe.send(t, protocol.TypeSendTurn, "t1", "s1", 0, protocol.SendTurn{Input: "long job"})
	turn := w.expect(t, protocol.TypeSessionTurn)

	fe.send(t, protocol.TypeCancelTurn, "", "s1", 0, nil)
	cancel := w.expect(t, protocol.TypeSessionCancel)
	if cancel.RequestID != turn.RequestID {
		t.Fatalf("cancel request id = %q, want %q", cancel.RequestID, turn.RequestID)
	}
	nextEvent(t, fe)
	if ev := nextEvent(t, fe); ev.Type != protocol.EventTurnCanceled {
		t.Fatalf("event = %s, want turn.canceled", ev.Type)
	}
	if _, active := h.sessions.ActiveTurn("s1"); active {
		t.Fatal("turn still active after cancel")
	}
}

func TestSessionJoin_ForeignSessionForbidden(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sessions.Publish(context.Background(), protocol.SessionEvent{
		OrgID: "other", SessionID: "s9", Type: protocol.EventTurnStarted, Level: protocol.LevelInfo,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fe := h.connectFrontend(t)
	fe.send(t, protocol.TypeJoinSession, "", "s9", 0, nil)
	msg := fe.expect(t, protocol.TypeSessionError)
	var se protocol.SessionError
	if err := msg.Decode(&se); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if se.Code != "forbidden" {
		t.Fatalf("code = %q, want forbidden", se.Code)
	}

	resp, _ := h.get(t, "/v1/sessions/s9/events", frontendToken)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("history status = %d, want 403", resp.StatusCode)
	}
}

func TestSessionEvents_PagesHistory(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		if _, err := h.sessions.Publish(context.Background(), protocol.SessionEvent{
			OrgID: "acme", SessionID: "s1", Type: protocol.EventTurnDelta, Level: protocol.LevelInfo,
		}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	resp, body := h.get(t, "/v1/sessions/s1/events?after=1&limit=10", frontendToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var page struct {
		Events []protocol.SessionEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Events) != 2 || page.Events[0].Seq != 2 || page.Events[1].Seq != 3 {
		t.Fatalf("events = %+v, want seq 2 and 3", page.Events)
	}

	if resp, _ = h.get(t, "/v1/sessions/s1/events", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
}
