package worker

import (
	"sync"

	"github.com/basket/go-dispatch/internal/protocol"
)

// ackBuffer holds terminal results until the gateway acknowledges them.
// When full the oldest result is evicted.
type ackBuffer struct {
	mu    sync.Mutex
	order []string
	msgs  map[string]protocol.Message
	cap   int
}

func newAckBuffer(capacity int) *ackBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &ackBuffer{msgs: make(map[string]protocol.Message), cap: capacity}
}

// add stores msg under its request id and returns the id of an evicted
// result, if any.
func (b *ackBuffer) add(msg protocol.Message) (evicted string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.msgs[msg.RequestID]; ok {
		b.msgs[msg.RequestID] = msg
		return ""
	}
	if len(b.order) >= b.cap {
		evicted = b.order[0]
		b.order = b.order[1:]
		delete(b.msgs, evicted)
	}
	b.order = append(b.order, msg.RequestID)
	b.msgs[msg.RequestID] = msg
	return evicted
}

func (b *ackBuffer) get(id string) (protocol.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.msgs[id]
	return msg, ok
}

func (b *ackBuffer) remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.msgs[id]; !ok {
		return false
	}
	delete(b.msgs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// snapshot returns the buffered results oldest first.
func (b *ackBuffer) snapshot() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Message, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.msgs[id])
	}
	return out
}

func (b *ackBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
