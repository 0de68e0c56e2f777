package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/audit"
	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/basket/go-dispatch/internal/registry"
	"github.com/basket/go-dispatch/internal/session"
	"github.com/basket/go-dispatch/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// workerConn is the registry.Conn of one worker websocket. Writes are
// serialized; the read loop owns reads.
type workerConn struct {
	conn   *websocket.Conn
	connID string
	mu     sync.Mutex
}

func (c *workerConn) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *workerConn) Close(reason string) error {
	code := websocket.StatusPolicyViolation
	if reason == registry.ReasonShutdown || reason == registry.ReasonStale {
		code = websocket.StatusGoingAway
	}
	return c.conn.Close(code, reason)
}

// workerSession is the authenticated identity behind one worker socket.
type workerSession struct {
	orgID    string
	workerID string
	connID   string
	conn     *workerConn
}

func (s *Server) handleWorkerConnect(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "gateway is draining"})
		return
	}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	token := ExtractToken(r)
	if token == "" {
		audit.RecordContext(ctx, audit.DecisionDeny, "worker.connect", "missing credential", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing credential"})
		return
	}
	hash := persistence.HashToken(token)
	rec, err := s.cfg.Store.LookupCredential(ctx, hash)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		audit.RecordContext(ctx, audit.DecisionDeny, "worker.connect", "unknown credential", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unknown credential"})
		return
	case err != nil:
		s.logger.Error("credential lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "credential lookup failed"})
		return
	case rec.Revoked:
		audit.RecordContext(ctx, audit.DecisionDeny, "worker.connect", "credential revoked", rec.OrgID+"/"+rec.WorkerID)
		writeJSON(w, http.StatusForbidden, errorBody{Error: "credential revoked"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	adv, err := s.readHello(ctx, conn)
	if err != nil {
		s.logger.Warn("worker handshake failed", "org_id", rec.OrgID, "worker_id", rec.WorkerID, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}
	if adv.WorkerID != "" && adv.WorkerID != rec.WorkerID {
		audit.RecordContext(ctx, audit.DecisionDeny, "worker.connect", "hello worker id "+adv.WorkerID+" does not match credential", rec.OrgID+"/"+rec.WorkerID)
		_ = conn.Close(websocket.StatusPolicyViolation, "worker id does not match credential")
		return
	}

	ws := &workerSession{
		orgID:    rec.OrgID,
		workerID: rec.WorkerID,
		connID:   shared.NewConnID(),
	}
	ws.conn = &workerConn{conn: conn, connID: ws.connID}
	s.register(ctx, ws, rec, hash, adv)
	defer func() {
		failed := s.cfg.Engine.HandleDisconnect(ws.orgID, ws.workerID, ws.connID)
		s.logger.Info("worker disconnected", "org_id", ws.orgID, "worker_id", ws.workerID, "conn_id", ws.connID, "failed_requests", failed)
		_ = conn.CloseNow()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Debug("worker read ended", "worker_id", ws.workerID, "error", err)
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			s.logger.Debug("dropping malformed worker frame", "worker_id", ws.workerID, "error", err)
			continue
		}
		s.handleWorkerFrame(ctx, ws, msg)
	}
}

func (s *Server) readHello(ctx context.Context, conn *websocket.Conn) (protocol.Advertisement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HelloTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return protocol.Advertisement{}, err
		}
		msg, err := protocol.Parse(data)
		if err != nil || msg.Type != protocol.TypeHello {
			continue
		}
		var adv protocol.Advertisement
		if err := msg.Decode(&adv); err != nil {
			return protocol.Advertisement{}, err
		}
		return adv, nil
	}
}

func (s *Server) register(ctx context.Context, ws *workerSession, rec protocol.WorkerRecord, hash string, adv protocol.Advertisement) {
	now := time.Now()
	worker := registry.ApplyAdvertisement(registry.Worker{
		OrgID:          ws.orgID,
		WorkerID:       ws.workerID,
		ConnID:         ws.connID,
		CredentialHash: hash,
		Labels:         rec.Labels,
		ConnectedAt:    now,
		LastHeartbeat:  now,
		Conn:           ws.conn,
	}, adv)

	if old := s.cfg.Engine.Registry().Register(worker); old != nil {
		s.logger.Info("worker connection superseded", "org_id", ws.orgID, "worker_id", ws.workerID, "old_conn_id", old.ConnID)
		if old.Conn != nil {
			_ = old.Conn.Close(registry.ReasonSuperseded)
		}
	} else {
		s.cfg.Metrics.AddConnectedWorkers(ctx, ws.orgID, 1)
	}
	audit.RecordContext(ctx, audit.DecisionAllow, "worker.connect", "credential accepted", ws.orgID+"/"+ws.workerID)
	s.cfg.Bus.Publish(bus.TopicWorkerConnected, bus.WorkerEvent{OrgID: ws.orgID, WorkerID: ws.workerID, ConnID: ws.connID})
	s.touchRecord(ctx, ws, now)
	s.logger.Info("worker connected", "org_id", ws.orgID, "worker_id", ws.workerID, "conn_id", ws.connID,
		"kinds", worker.Kinds, "max_in_flight", worker.MaxInFlight, "version", worker.Version)
}

// touchRecord persists last_seen_at. Failures are logged only.
func (s *Server) touchRecord(ctx context.Context, ws *workerSession, at time.Time) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.cfg.Store.TouchWorker(ctx, ws.orgID, ws.workerID, at); err != nil {
		s.logger.Debug("heartbeat persistence failed", "worker_id", ws.workerID, "error", err)
	}
}

func (s *Server) handleWorkerFrame(ctx context.Context, ws *workerSession, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeHeartbeat:
		var adv protocol.Advertisement
		if err := msg.Decode(&adv); err != nil {
			s.logger.Debug("dropping malformed heartbeat", "worker_id", ws.workerID, "error", err)
			return
		}
		now := time.Now()
		if err := s.cfg.Engine.Registry().Touch(ws.orgID, ws.workerID, ws.connID, adv, now); err != nil {
			s.logger.Debug("heartbeat for unregistered connection", "worker_id", ws.workerID, "conn_id", ws.connID)
			return
		}
		s.touchRecord(ctx, ws, now)

	case protocol.TypeExecuteReceived:
		s.logger.Debug("execute received", "worker_id", ws.workerID, "request_id", msg.RequestID)

	case protocol.TypeExecuteResult:
		if msg.RequestID == "" {
			return
		}
		var res protocol.ExecuteResult
		if err := msg.Decode(&res); err != nil {
			s.logger.Debug("dropping malformed result", "worker_id", ws.workerID, "error", err)
			return
		}
		entry := protocol.FromExecuteResult(msg.RequestID, ws.workerID, res)
		if err := s.cfg.Engine.HandleResult(ctx, ws.orgID, ws.workerID, entry); err != nil {
			// No ack: the worker keeps the result and resends it.
			s.logger.Warn("result not recorded", "worker_id", ws.workerID, "request_id", msg.RequestID, "error", err)
			return
		}
		ack := protocol.Message{Type: protocol.TypeExecuteAck, RequestID: msg.RequestID}
		if err := ws.conn.Send(ctx, ack); err != nil {
			s.logger.Debug("execute-ack send failed", "worker_id", ws.workerID, "request_id", msg.RequestID, "error", err)
		}

	case protocol.TypeExecuteEvent:
		if msg.RequestID == "" {
			return
		}
		var ev protocol.ExecuteEvent
		if err := msg.Decode(&ev); err != nil {
			return
		}
		s.cfg.Engine.HandleEvent(ctx, ws.orgID, ws.workerID, msg.RequestID, msg.Seq, ev)

	case protocol.TypeSessionOpened, protocol.TypeTurnDelta, protocol.TypeTurnFinal, protocol.TypeTurnError:
		s.handleTurnFrame(ctx, ws, msg)

	case protocol.TypeMemorySyncResult, protocol.TypeMemoryQueryResult:
		if !s.memory.resolve(msg.RequestID, ws.orgID, ws.workerID, msg) {
			s.logger.Debug("memory reply without waiter", "worker_id", ws.workerID, "request_id", msg.RequestID)
		}

	default:
		s.logger.Debug("dropping unknown worker frame", "worker_id", ws.workerID, "type", msg.Type)
	}
}

var turnEventTypes = map[protocol.MessageType]struct {
	event string
	level string
	ends  bool
}{
	protocol.TypeSessionOpened: {protocol.EventSessionOpened, protocol.LevelInfo, false},
	protocol.TypeTurnDelta:     {protocol.EventTurnDelta, protocol.LevelInfo, false},
	protocol.TypeTurnFinal:     {protocol.EventTurnFinal, protocol.LevelInfo, true},
	protocol.TypeTurnError:     {protocol.EventTurnError, protocol.LevelError, true},
}

// handleTurnFrame turns a worker's session output into a session event. Only
// the worker executing the turn may write to the session.
func (s *Server) handleTurnFrame(ctx context.Context, ws *workerSession, msg protocol.Message) {
	if msg.SessionID == "" || msg.RequestID == "" {
		return
	}
	workerID, ok := s.cfg.Engine.PendingWorker(ws.orgID, msg.RequestID)
	if !ok || workerID != ws.workerID {
		s.logger.Debug("dropping turn output for a request this worker does not hold",
			"worker_id", ws.workerID, "request_id", msg.RequestID, "session_id", msg.SessionID)
		return
	}
	mapped := turnEventTypes[msg.Type]
	_, err := s.cfg.Sessions.Publish(ctx, protocol.SessionEvent{
		OrgID:     ws.orgID,
		SessionID: msg.SessionID,
		Type:      mapped.event,
		Level:     mapped.level,
		RequestID: msg.RequestID,
		Payload:   msg.Payload,
	})
	switch {
	case errors.Is(err, session.ErrForbidden):
		s.logger.Warn("worker wrote to a foreign session", "worker_id", ws.workerID, "session_id", msg.SessionID)
		return
	case err != nil:
		s.logger.Warn("session event not recorded", "session_id", msg.SessionID, "error", err)
	}
	if mapped.ends {
		s.cfg.Sessions.EndTurn(msg.SessionID, msg.RequestID)
	}
}
