package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/dispatch"
	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/basket/go-dispatch/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Codes carried by session-error frames.
const (
	sessionErrForbidden      = "forbidden"
	sessionErrTurnInProgress = "turn_in_progress"
	sessionErrMalformed      = "malformed_request"
	sessionErrInternal       = "internal"
)

// frontend is one browser or client connection on the session channel.
type frontend struct {
	conn  *websocket.Conn
	orgID string

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*session.Subscription
}

func (f *frontend) write(ctx context.Context, msg protocol.Message) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, f.conn, msg)
}

func (f *frontend) sendError(ctx context.Context, sessionID, requestID, code, message string) {
	msg, err := protocol.NewMessage(protocol.TypeSessionError, requestID, protocol.SessionError{Code: code, Message: message})
	if err != nil {
		return
	}
	msg.SessionID = sessionID
	_ = f.write(ctx, msg)
}

// Deliver implements session.Sink.
func (f *frontend) Deliver(ctx context.Context, ev protocol.SessionEvent) error {
	return f.write(ctx, protocol.Message{
		Type:      protocol.TypeSessionEvent,
		RequestID: ev.RequestID,
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Payload:   marshalPayload(ev),
	})
}

func (f *frontend) close(reason string) {
	_ = f.conn.Close(websocket.StatusGoingAway, reason)
}

func (f *frontend) closeSubs() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[string]*session.Subscription)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "gateway is draining"})
		return
	}
	orgID, ok := s.auth.Frontend(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	conn.SetReadLimit(s.cfg.MaxBodyBytes)
	f := &frontend{conn: conn, orgID: orgID, subs: make(map[string]*session.Subscription)}

	s.mu.Lock()
	s.frontends[f] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("front-end connected", "org_id", orgID)
	defer func() {
		s.mu.Lock()
		delete(s.frontends, f)
		s.mu.Unlock()
		f.closeSubs()
		_ = conn.CloseNow()
		s.logger.Info("front-end disconnected", "org_id", orgID)
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			f.sendError(ctx, "", "", sessionErrMalformed, err.Error())
			continue
		}
		s.handleFrontendFrame(ctx, f, msg)
	}
}

func (s *Server) handleFrontendFrame(ctx context.Context, f *frontend, msg protocol.Message) {
	sid := strings.TrimSpace(msg.SessionID)
	if sid == "" || strings.Contains(sid, ":") {
		f.sendError(ctx, sid, msg.RequestID, sessionErrMalformed, "sessionId is required and must not contain ':'")
		return
	}
	switch msg.Type {
	case protocol.TypeJoinSession:
		s.joinSession(ctx, f, sid)
	case protocol.TypeSendTurn:
		s.sendTurn(ctx, f, sid, msg)
	case protocol.TypeResetPinnedWorker:
		if err := s.cfg.Sessions.Authorize(ctx, f.orgID, sid); err != nil {
			f.sendError(ctx, sid, msg.RequestID, codeFor(err), err.Error())
			return
		}
		s.cfg.Sessions.ResetPin(sid)
	case protocol.TypeCancelTurn:
		s.cancelTurn(ctx, f, sid, msg.RequestID)
	default:
		f.sendError(ctx, sid, msg.RequestID, sessionErrMalformed, "unknown message type "+string(msg.Type))
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, session.ErrForbidden):
		return sessionErrForbidden
	case errors.Is(err, session.ErrTurnInProgress):
		return sessionErrTurnInProgress
	default:
		return sessionErrInternal
	}
}

func (s *Server) joinSession(ctx context.Context, f *frontend, sid string) {
	f.mu.Lock()
	if sub, ok := f.subs[sid]; ok {
		select {
		case <-sub.Done():
			delete(f.subs, sid)
		default:
			f.mu.Unlock()
			return
		}
	}
	f.mu.Unlock()

	sub, err := s.cfg.Sessions.Join(ctx, f.orgID, sid, f)
	if err != nil {
		f.sendError(ctx, sid, "", codeFor(err), err.Error())
		return
	}
	f.mu.Lock()
	f.subs[sid] = sub
	f.mu.Unlock()
}

// turnRequest builds the agent.run dispatch of one session turn. The turn id
// becomes the node id so a client resend maps to the same request id.
func turnRequest(orgID, sid, turnID, input, pinned string) dispatch.Request {
	return dispatch.Request{
		OrgID:     orgID,
		RunID:     sid,
		NodeID:    "turn-" + turnID,
		Attempt:   1,
		Kind:      protocol.KindAgentRun,
		Payload:   marshalPayload(protocol.SessionTurn{Input: input}),
		Selector:  protocol.Selector{AgentID: pinned},
		SessionID: sid,
		Turn:      &dispatch.Turn{Input: input},
	}
}

func (s *Server) sendTurn(ctx context.Context, f *frontend, sid string, msg protocol.Message) {
	var turn protocol.SendTurn
	if err := decodeStrict(s.schemas.sendTurn, msg.Payload, &turn); err != nil {
		f.sendError(ctx, sid, msg.RequestID, sessionErrMalformed, err.Error())
		return
	}
	if err := s.cfg.Sessions.Authorize(ctx, f.orgID, sid); err != nil {
		f.sendError(ctx, sid, msg.RequestID, codeFor(err), err.Error())
		return
	}
	turnID := strings.ReplaceAll(strings.TrimSpace(msg.RequestID), ":", "-")
	if turnID == "" {
		turnID = uuid.NewString()
	}
	req := turnRequest(f.orgID, sid, turnID, turn.Input, s.cfg.Sessions.Pinned(sid))
	id := req.ID()
	err := s.cfg.Sessions.BeginTurn(sid, id)
	if errors.Is(err, session.ErrTurnInProgress) && s.releaseStaleTurn(ctx, f.orgID, sid) {
		err = s.cfg.Sessions.BeginTurn(sid, id)
	}
	if err != nil {
		f.sendError(ctx, sid, id, codeFor(err), err.Error())
		return
	}

	if _, err := s.cfg.Sessions.Publish(ctx, protocol.SessionEvent{
		OrgID:     f.orgID,
		SessionID: sid,
		Type:      protocol.EventTurnStarted,
		Level:     protocol.LevelInfo,
		RequestID: id,
		Payload:   marshalPayload(turn),
	}); err != nil {
		s.cfg.Sessions.EndTurn(sid, id)
		f.sendError(ctx, sid, id, codeFor(err), err.Error())
		return
	}

	out, err := s.cfg.Engine.DispatchAsync(ctx, req)
	if err != nil {
		// A turn that is still pending is released by watchTurns.
		if !s.cfg.Engine.IsPending(f.orgID, id) {
			s.cfg.Sessions.EndTurn(sid, id)
		}
		return
	}
	switch out.Status {
	case dispatch.AsyncDispatched:
		if out.WorkerID != "" {
			s.cfg.Sessions.PinTurn(sid, id, out.WorkerID)
		}
	case dispatch.AsyncRejected:
		if out.Result.Code() == protocol.ErrNoWorkerAvailable {
			s.cfg.Sessions.ResetPin(sid)
		}
		s.failTurn(ctx, f.orgID, sid, id, *out.Result)
	case dispatch.AsyncCached:
		s.cfg.Sessions.EndTurn(sid, id)
	}
}

// releaseStaleTurn frees the active turn of sid when the engine has already
// resolved it, which happens when watchTurns missed the resolution.
func (s *Server) releaseStaleTurn(ctx context.Context, orgID, sid string) bool {
	active, running := s.cfg.Sessions.ActiveTurn(sid)
	if !running {
		return true
	}
	if s.cfg.Engine.IsPending(orgID, active) {
		return false
	}
	entry, found, err := s.cfg.Engine.Result(ctx, orgID, active)
	if err != nil || !found {
		return false
	}
	s.logger.Warn("releasing turn with a missed resolution", "session_id", sid, "request_id", active)
	if entry.Error != nil {
		s.failTurn(ctx, orgID, sid, active, entry)
	} else {
		s.cfg.Sessions.EndTurn(sid, active)
	}
	return true
}

// failTurn records a turn.error event and releases the turn, once.
func (s *Server) failTurn(ctx context.Context, orgID, sid, requestID string, entry protocol.ResultEntry) {
	if !s.cfg.Sessions.EndTurn(sid, requestID) {
		return
	}
	te := protocol.TurnError{Code: entry.Code()}
	if entry.Error != nil {
		te.Message = entry.Error.Message
	}
	if _, err := s.cfg.Sessions.Publish(ctx, protocol.SessionEvent{
		OrgID:     orgID,
		SessionID: sid,
		Type:      protocol.EventTurnError,
		Level:     protocol.LevelError,
		RequestID: requestID,
		Payload:   marshalPayload(te),
	}); err != nil {
		s.logger.Warn("turn error not recorded", "session_id", sid, "request_id", requestID, "error", err)
	}
}

func (s *Server) cancelTurn(ctx context.Context, f *frontend, sid, requestID string) {
	if err := s.cfg.Sessions.Authorize(ctx, f.orgID, sid); err != nil {
		f.sendError(ctx, sid, requestID, codeFor(err), err.Error())
		return
	}
	active, ok := s.cfg.Sessions.ActiveTurn(sid)
	if !ok {
		return
	}
	orgID := f.orgID
	workerID, ok := s.cfg.Engine.PendingWorker(orgID, active)
	if !ok {
		return
	}
	if !s.cfg.Sessions.EndTurn(sid, active) {
		return
	}
	if worker, found := s.cfg.Engine.Registry().Get(orgID, workerID); found && worker.Conn != nil {
		cancel := protocol.Message{Type: protocol.TypeSessionCancel, RequestID: active, SessionID: sid}
		if err := worker.Conn.Send(ctx, cancel); err != nil {
			s.logger.Warn("session-cancel send failed", "worker_id", workerID, "request_id", active, "error", err)
		}
	}
	if _, err := s.cfg.Sessions.Publish(ctx, protocol.SessionEvent{
		OrgID:     f.orgID,
		SessionID: sid,
		Type:      protocol.EventTurnCanceled,
		Level:     protocol.LevelWarn,
		RequestID: active,
	}); err != nil {
		s.logger.Warn("turn cancel not recorded", "session_id", sid, "error", err)
	}
}

// watchTurns converts timeouts and disconnects of session turns into
// turn.error events.
func (s *Server) watchTurns(ctx context.Context, sub *bus.Subscription) {
	defer s.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			resolved, isResolved := ev.Payload.(bus.ResolvedEvent)
			if !isResolved || resolved.SessionID == "" {
				continue
			}
			if active, running := s.cfg.Sessions.ActiveTurn(resolved.SessionID); !running || active != resolved.RequestID {
				continue
			}
			if resolved.Entry.Error == nil {
				s.cfg.Sessions.EndTurn(resolved.SessionID, resolved.RequestID)
				continue
			}
			s.failTurn(ctx, resolved.OrgID, resolved.SessionID, resolved.RequestID, resolved.Entry)
			// After EndTurn, so a concurrent PinTurn for this request is a no-op
			// or gets cleared here.
			if resolved.Entry.Code() == protocol.ErrWorkerDisconnected {
				s.cfg.Sessions.ResetPin(resolved.SessionID)
			}
		}
	}
}
