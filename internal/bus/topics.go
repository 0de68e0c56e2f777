package bus

import "github.com/basket/go-dispatch/internal/protocol"

// Dispatch lifecycle topics.
const (
	TopicDispatchResolved = "dispatch.resolved"
	TopicDispatchOrphan   = "dispatch.orphan"
)

// Worker connection topics.
const (
	TopicWorkerConnected    = "worker.connected"
	TopicWorkerDisconnected = "worker.disconnected"
	TopicWorkerEvicted      = "worker.evicted"
)

// TopicConfigReloaded carries a ConfigReloaded payload after hot reload.
const TopicConfigReloaded = "config.reloaded"

const sessionTopicPrefix = "session."

// SessionTopic is the topic carrying persisted events of one session.
func SessionTopic(sessionID string) string {
	return sessionTopicPrefix + sessionID + ".event"
}

// ResolvedEvent is published exactly once per resolved pending request.
type ResolvedEvent struct {
	RequestID string
	OrgID     string
	WorkerID  string
	SessionID string
	Entry     protocol.ResultEntry
}

// WorkerEvent is published on connect, disconnect and eviction.
type WorkerEvent struct {
	OrgID    string
	WorkerID string
	ConnID   string
	Reason   string
}

// ConfigReloaded names the settings that changed on reload.
type ConfigReloaded struct {
	Fingerprint string
	Changed     []string
}
