package dispatch

import (
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
)

// pending tracks one in-flight request. Fields below the mutex comment are
// guarded by Engine.mu; entry is written once before done is closed.
type pending struct {
	id        string
	key       string
	orgID     string
	sessionID string
	kind      protocol.WorkKind
	meta      *protocol.DispatchMeta
	startedAt time.Time

	assigned     chan struct{}
	assignedOnce sync.Once
	done         chan struct{}
	entry        protocol.ResultEntry

	// guarded by Engine.mu
	workerID string
	connID   string
	timer    *time.Timer
	claimed  bool
}

func newPending(id string, req Request, meta *protocol.DispatchMeta, now time.Time) *pending {
	return &pending{
		id:        id,
		key:       req.key(),
		orgID:     req.OrgID,
		sessionID: req.SessionID,
		kind:      req.Kind,
		meta:      meta,
		startedAt: now,
		assigned:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (p *pending) markAssigned() {
	p.assignedOnce.Do(func() { close(p.assigned) })
}
