package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
)

// sessionState tracks the one turn a session may run at a time.
type sessionState struct {
	orgID    string
	active   string
	cancel   context.CancelFunc
	canceled bool
	// idleSince is set while no turn runs.
	idleSince time.Time
}

// pruneSessionsLocked forgets sessions idle for longer than the configured
// timeout. Caller holds w.mu.
func (w *Worker) pruneSessionsLocked(now time.Time) {
	for sid, st := range w.sessions {
		if st.active == "" && now.Sub(st.idleSince) > w.cfg.SessionIdleTimeout {
			delete(w.sessions, sid)
		}
	}
}

func (w *Worker) handleSessionOpen(ctx context.Context, msg protocol.Message) {
	sid := msg.SessionID
	if sid == "" {
		return
	}
	var open protocol.SessionOpen
	if err := msg.Decode(&open); err != nil {
		w.logger.Debug("dropping malformed session-open", "session_id", sid, "error", err)
		return
	}
	now := time.Now()
	w.mu.Lock()
	w.pruneSessionsLocked(now)
	st, exists := w.sessions[sid]
	if !exists {
		st = &sessionState{idleSince: now}
		w.sessions[sid] = st
	}
	st.orgID = open.OrgID
	w.mu.Unlock()
	if exists {
		return
	}
	w.logger.Info("session opened", "session_id", sid, "org_id", open.OrgID)
	if err := w.send(ctx, protocol.Message{Type: protocol.TypeSessionOpened, RequestID: msg.RequestID, SessionID: sid}); err != nil {
		w.logger.Debug("session-opened not sent", "session_id", sid, "error", err)
	}
}

func (w *Worker) handleSessionTurn(ctx context.Context, msg protocol.Message) {
	id, sid := msg.RequestID, msg.SessionID
	if id == "" || sid == "" {
		return
	}
	if w.duplicate(ctx, id) {
		return
	}
	var turn protocol.SessionTurn
	if err := msg.Decode(&turn); err != nil {
		w.rejectTurn(ctx, id, sid, err.Error())
		return
	}
	if w.cfg.Agent == nil {
		w.rejectTurn(ctx, id, sid, "this worker does not run agent turns")
		return
	}

	turnCtx, cancel := withDeadline(ctx, turn.DeadlineMs)
	w.mu.Lock()
	w.pruneSessionsLocked(time.Now())
	st, ok := w.sessions[sid]
	if !ok {
		st = &sessionState{}
		w.sessions[sid] = st
	}
	if st.active != "" {
		w.mu.Unlock()
		cancel()
		w.rejectTurn(ctx, id, sid, "a turn is already running in this session")
		return
	}
	st.active, st.cancel, st.canceled = id, cancel, false
	w.running[id] = struct{}{}
	w.mu.Unlock()
	w.ack(ctx, id)

	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		w.runTurn(ctx, turnCtx, st, id, sid, turn.Input)
	}()
}

func (w *Worker) runTurn(ctx, turnCtx context.Context, st *sessionState, id, sid, input string) {
	var (
		output string
		err    error
	)
	if w.acquire(turnCtx) {
		output, err = w.cfg.Agent.Turn(turnCtx, sid, input, func(text string) {
			msg, merr := protocol.NewMessage(protocol.TypeTurnDelta, id, protocol.TurnDelta{Text: text})
			if merr != nil {
				return
			}
			msg.SessionID = sid
			_ = w.send(ctx, msg)
		})
		w.release()
	} else {
		err = turnCtx.Err()
	}

	w.mu.Lock()
	canceled, cancel, orgID := st.canceled, st.cancel, st.orgID
	st.active, st.cancel, st.canceled = "", nil, false
	st.idleSince = time.Now()
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.logger.Info("turn finished", "org_id", orgID, "session_id", sid, "request_id", id, "canceled", canceled, "ok", err == nil)

	switch {
	case canceled:
		// The gateway already recorded turn.canceled; only the result goes back.
		w.finish(ctx, id, protocol.ExecuteResult{Status: protocol.StatusFailed, Error: "turn canceled"})
	case err != nil:
		w.sendTurnError(ctx, id, sid, err.Error())
		w.finish(ctx, id, protocol.ExecuteResult{Status: protocol.StatusFailed, Error: err.Error()})
	default:
		if msg, merr := protocol.NewMessage(protocol.TypeTurnFinal, id, protocol.TurnFinal{Output: output}); merr == nil {
			msg.SessionID = sid
			_ = w.send(ctx, msg)
		}
		raw, _ := json.Marshal(output)
		w.finish(ctx, id, protocol.ExecuteResult{Status: protocol.StatusSucceeded, Output: raw})
	}
}

func (w *Worker) rejectTurn(ctx context.Context, id, sid, reason string) {
	w.sendTurnError(ctx, id, sid, reason)
	w.finish(ctx, id, protocol.ExecuteResult{Status: protocol.StatusFailed, Error: reason})
}

func (w *Worker) sendTurnError(ctx context.Context, id, sid, reason string) {
	msg, err := protocol.NewMessage(protocol.TypeTurnError, id, protocol.TurnError{Code: protocol.ErrWorkerExecutionFailed, Message: reason})
	if err != nil {
		return
	}
	msg.SessionID = sid
	_ = w.send(ctx, msg)
}

func (w *Worker) handleSessionCancel(msg protocol.Message) {
	w.mu.Lock()
	st, ok := w.sessions[msg.SessionID]
	if !ok || st.active == "" || (msg.RequestID != "" && msg.RequestID != st.active) {
		w.mu.Unlock()
		return
	}
	st.canceled = true
	cancel, active := st.cancel, st.active
	w.mu.Unlock()
	w.logger.Info("turn canceled", "session_id", msg.SessionID, "request_id", active)
	if cancel != nil {
		cancel()
	}
}
