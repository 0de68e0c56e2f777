// Package protocol defines the frames exchanged between the gateway, its
// workers and front-end clients, plus the closed value sets validated at the
// boundary.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates frames on every duplex channel.
type MessageType string

// Worker -> gateway.
const (
	TypeHello             MessageType = "hello"
	TypeHeartbeat         MessageType = "heartbeat"
	TypeExecuteReceived   MessageType = "execute-received"
	TypeExecuteResult     MessageType = "execute-result"
	TypeExecuteEvent      MessageType = "execute-event"
	TypeSessionOpened     MessageType = "session-opened"
	TypeTurnDelta         MessageType = "turn-delta"
	TypeTurnFinal         MessageType = "turn-final"
	TypeTurnError         MessageType = "turn-error"
	TypeMemorySyncResult  MessageType = "memory-sync-result"
	TypeMemoryQueryResult MessageType = "memory-query-result"
)

// Gateway -> worker.
const (
	TypeExecute       MessageType = "execute"
	TypeExecuteAck    MessageType = "execute-ack"
	TypeSessionOpen   MessageType = "session-open"
	TypeSessionTurn   MessageType = "session-turn"
	TypeSessionCancel MessageType = "session-cancel"
	TypeMemorySync    MessageType = "memory-sync"
	TypeMemoryQuery   MessageType = "memory-query"
)

// Front-end channel.
const (
	TypeJoinSession       MessageType = "join-session"
	TypeSendTurn          MessageType = "send-turn"
	TypeResetPinnedWorker MessageType = "reset-pinned-worker"
	TypeCancelTurn        MessageType = "cancel-turn"
	TypeSessionEvent      MessageType = "session-event"
	TypeSessionError      MessageType = "session-error"
)

// ErrMalformedFrame is returned by Parse for frames that cannot be routed.
var ErrMalformedFrame = errors.New("malformed frame")

// Message is the envelope of every frame. RequestID is stable across resend
// and acknowledge for execution-related messages.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with payload marshaled as JSON.
func NewMessage(t MessageType, requestID string, payload any) (Message, error) {
	msg := Message{Type: t, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Parse decodes one frame. Frames without a type are malformed.
func Parse(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return msg, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, m.Type, err)
	}
	return nil
}

// Advertisement is carried by hello and heartbeat frames.
type Advertisement struct {
	WorkerID    string     `json:"workerId"`
	Version     string     `json:"version,omitempty"`
	Kinds       []WorkKind `json:"kinds"`
	Connectors  []string   `json:"connectors,omitempty"`
	MaxInFlight int        `json:"maxInFlight"`
	// Labels are self-reported and never used for routing decisions.
	Labels     []string `json:"labels,omitempty"`
	InFlight   int      `json:"inFlight,omitempty"`
	AuthStatus string   `json:"authStatus,omitempty"`
}

type Execute struct {
	Kind        WorkKind          `json:"kind"`
	ConnectorID string            `json:"connectorId,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Secrets     map[string]string `json:"secrets,omitempty"`
	DeadlineMs  int64             `json:"deadlineMs"`
}

// ExecuteEvent is a streamed progress event. Its per-request sequence number
// travels in the envelope Seq field.
type ExecuteEvent struct {
	Type  string          `json:"type"`
	Level string          `json:"level,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ExecuteResult struct {
	Status ResultStatus    `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type SessionOpen struct {
	OrgID  string          `json:"orgId,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

type SessionTurn struct {
	Input      string `json:"input"`
	DeadlineMs int64  `json:"deadlineMs,omitempty"`
}

type TurnDelta struct {
	Text string `json:"text"`
}

type TurnFinal struct {
	Output string `json:"output"`
}

type TurnError struct {
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
}

type MemoryEntry struct {
	Key     string   `json:"key"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

type MemorySync struct {
	Entries []MemoryEntry `json:"entries"`
}

type MemorySyncResult struct {
	Stored int    `json:"stored"`
	Error  string `json:"error,omitempty"`
}

type MemoryQuery struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type MemoryQueryResult struct {
	Entries []MemoryEntry `json:"entries"`
	Error   string        `json:"error,omitempty"`
}

// SendTurn is the front-end request to start a turn; the optional envelope
// RequestID lets a client resend without starting a second turn.
type SendTurn struct {
	Input string `json:"input"`
}

type SessionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
