package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode is the closed vocabulary of caller-visible dispatch failures.
type ErrorCode string

const (
	ErrNoWorkerAvailable     ErrorCode = "no_worker_available"
	ErrWorkerDisconnected    ErrorCode = "worker_disconnected"
	ErrExecutionTimeout      ErrorCode = "execution_timeout"
	ErrWorkerExecutionFailed ErrorCode = "worker_execution_failed"
	ErrGatewayShutdown       ErrorCode = "gateway_shutdown"
	ErrMalformedRequest      ErrorCode = "malformed_request"
)

// Cacheable reports whether a synthetic failure with this code is written to
// the results store. Capacity and shutdown failures are not, so a retry of the
// same attempt can still run.
func (c ErrorCode) Cacheable() bool {
	switch c {
	case ErrNoWorkerAvailable, ErrGatewayShutdown, ErrMalformedRequest:
		return false
	default:
		return true
	}
}

type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

type ResultStatus string

const (
	StatusSucceeded ResultStatus = "succeeded"
	StatusFailed    ResultStatus = "failed"
)

// ResultEntry is the terminal outcome of one request id. Once cached it is
// never overwritten.
type ResultEntry struct {
	RequestID   string          `json:"requestId"`
	Status      ResultStatus    `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	WorkerID    string          `json:"workerId,omitempty"`
	Synthetic   bool            `json:"synthetic,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// Failure builds a synthetic failed entry.
func Failure(requestID string, code ErrorCode, message string) ResultEntry {
	return ResultEntry{
		RequestID:   requestID,
		Status:      StatusFailed,
		Error:       &ErrorInfo{Code: code, Message: message},
		Synthetic:   true,
		CompletedAt: time.Now().UTC(),
	}
}

// FromExecuteResult converts a worker's terminal report.
func FromExecuteResult(requestID, workerID string, r ExecuteResult) ResultEntry {
	entry := ResultEntry{
		RequestID:   requestID,
		Status:      r.Status,
		Output:      r.Output,
		WorkerID:    workerID,
		CompletedAt: time.Now().UTC(),
	}
	if r.Status != StatusSucceeded {
		entry.Status = StatusFailed
		entry.Error = &ErrorInfo{Code: ErrWorkerExecutionFailed, Message: r.Error}
	}
	return entry
}

// Code returns the error code, or "" for a success.
func (e ResultEntry) Code() ErrorCode {
	if e.Error == nil {
		return ""
	}
	return e.Error.Code
}

// RequestID derives the idempotency key for one logical step.
func RequestID(runID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, nodeID, attempt)
}

// OrgRequestID qualifies a request id with its organization. Request ids are
// unique only within one organization, so every shared key is built from it.
func OrgRequestID(orgID, requestID string) string {
	return orgID + ":" + requestID
}

// ValidateOrgID rejects organization ids that would make OrgRequestID
// ambiguous.
func ValidateOrgID(orgID string) error {
	switch {
	case strings.TrimSpace(orgID) == "":
		return errors.New("organization id is required")
	case strings.ContainsAny(orgID, ":/"):
		return fmt.Errorf("organization id %q must not contain ':' or '/'", orgID)
	}
	return nil
}

// DispatchMeta maps a request id back to the record that owns its result.
type DispatchMeta struct {
	RequestID  string    `json:"requestId"`
	OrgID      string    `json:"orgId"`
	WorkflowID string    `json:"workflowId,omitempty"`
	RunID      string    `json:"runId"`
	NodeID     string    `json:"nodeId"`
	Attempt    int       `json:"attempt"`
	SessionID  string    `json:"sessionId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Session event types.
const (
	EventSessionOpened = "session.opened"
	EventTurnStarted   = "turn.started"
	EventTurnDelta     = "turn.delta"
	EventTurnFinal     = "turn.final"
	EventTurnError     = "turn.error"
	EventTurnCanceled  = "turn.canceled"
)

// Event severity levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// SessionEvent is one immutable entry of a session log. Seq is assigned by the
// event log, starts at 1 and has no gaps.
type SessionEvent struct {
	OrgID     string          `json:"orgId"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Level     string          `json:"level"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
