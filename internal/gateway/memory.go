package gateway

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/google/uuid"
)

// correlator pairs memory requests sent to a worker with its replies.
type correlator struct {
	mu      sync.Mutex
	waiters map[string]*memoryWaiter
}

type memoryWaiter struct {
	orgID    string
	workerID string
	ch       chan protocol.Message
}

func newCorrelator() *correlator {
	return &correlator{waiters: make(map[string]*memoryWaiter)}
}

func (c *correlator) register(id, orgID, workerID string) <-chan protocol.Message {
	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.waiters[id] = &memoryWaiter{orgID: orgID, workerID: workerID, ch: ch}
	c.mu.Unlock()
	return ch
}

func (c *correlator) cancel(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// resolve hands msg to the waiter of id if it came from the addressed worker.
func (c *correlator) resolve(id, orgID, workerID string, msg protocol.Message) bool {
	c.mu.Lock()
	w, ok := c.waiters[id]
	if ok && (w.orgID != orgID || w.workerID != workerID) {
		ok = false
	}
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- msg
	return true
}

type memorySyncBody struct {
	OrgID   string                 `json:"orgId"`
	Entries []protocol.MemoryEntry `json:"entries"`
}

type memoryQueryBody struct {
	OrgID string `json:"orgId"`
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) handleMemorySync(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var body memorySyncBody
	if err := decodeStrict(s.schemas.memorySync, raw, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var out protocol.MemorySyncResult
	status := s.memoryRoundTrip(r.Context(), w, body.OrgID, r.PathValue("workerId"),
		protocol.TypeMemorySync, protocol.MemorySync{Entries: body.Entries}, &out)
	if status == 0 {
		return
	}
	writeJSON(w, status, out)
}

func (s *Server) handleMemoryQuery(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var body memoryQueryBody
	if err := decodeStrict(s.schemas.memoryQuery, raw, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var out protocol.MemoryQueryResult
	status := s.memoryRoundTrip(r.Context(), w, body.OrgID, r.PathValue("workerId"),
		protocol.TypeMemoryQuery, protocol.MemoryQuery{Query: body.Query, Limit: body.Limit}, &out)
	if status == 0 {
		return
	}
	if out.Entries == nil {
		out.Entries = []protocol.MemoryEntry{}
	}
	writeJSON(w, status, out)
}

// memoryRoundTrip sends one memory frame and decodes the reply into out.
// It returns 0 after writing an error response itself.
func (s *Server) memoryRoundTrip(ctx context.Context, w http.ResponseWriter, orgID, workerID string, t protocol.MessageType, payload, out any) int {
	worker, ok := s.cfg.Engine.Registry().Get(orgID, workerID)
	if !ok || worker.Conn == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "worker not connected"})
		return 0
	}
	id := uuid.NewString()
	msg, err := protocol.NewMessage(t, id, payload)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return 0
	}
	reply := s.memory.register(id, orgID, workerID)
	defer s.memory.cancel(id)

	if err := worker.Conn.Send(ctx, msg); err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "send to worker: " + err.Error()})
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MemoryWait)
	defer cancel()
	select {
	case m := <-reply:
		if err := m.Decode(out); err != nil {
			writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
			return 0
		}
		return http.StatusOK
	case <-ctx.Done():
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "worker did not reply"})
		return 0
	}
}
