package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/go-dispatch/internal/dispatch"
	"github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/basket/go-dispatch/internal/registry"
	"github.com/basket/go-dispatch/internal/session"
	"github.com/basket/go-dispatch/internal/shared"
	"go.opentelemetry.io/otel/codes"
)

const maxResultWait = 60 * time.Second

// readRequest validates and decodes a dispatch body. On failure it returns
// a malformed_request entry carrying whatever id could be derived.
func (s *Server) readRequest(r *http.Request) (dispatch.Request, *protocol.ResultEntry) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		f := protocol.Failure("", protocol.ErrMalformedRequest, "read body: "+err.Error())
		return dispatch.Request{}, &f
	}
	var req dispatch.Request
	if err := decodeStrict(s.schemas.dispatch, raw, &req); err != nil {
		f := protocol.Failure(req.ID(), protocol.ErrMalformedRequest, err.Error())
		return req, &f
	}
	return req, nil
}

func (s *Server) requestContext(r *http.Request, name string, req dispatch.Request) (context.Context, func(entry *protocol.ResultEntry)) {
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	ctx = shared.WithOrgID(ctx, req.OrgID)
	ctx = shared.WithRequestID(ctx, req.ID())
	ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, name,
		otel.AttrOrgID.String(req.OrgID),
		otel.AttrRequestID.String(req.ID()),
	)
	return ctx, func(entry *protocol.ResultEntry) {
		if entry != nil && entry.Error != nil {
			span.SetStatus(codes.Error, string(entry.Error.Code))
		}
		span.End()
	}
}

// statusFor maps an outcome to the HTTP status of the dispatch endpoints.
func statusFor(entry protocol.ResultEntry) int {
	switch entry.Code() {
	case protocol.ErrMalformedRequest:
		return http.StatusBadRequest
	case protocol.ErrNoWorkerAvailable, protocol.ErrGatewayShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, bad := s.readRequest(r)
	if bad != nil {
		writeJSON(w, http.StatusBadRequest, bad)
		return
	}
	if s.draining.Load() {
		f := protocol.Failure(req.ID(), protocol.ErrGatewayShutdown, "gateway is draining")
		writeJSON(w, http.StatusServiceUnavailable, f)
		return
	}
	ctx, end := s.requestContext(r, "http.dispatch", req)
	entry, err := s.cfg.Engine.Dispatch(ctx, req)
	if err != nil {
		end(nil)
		// The caller went away; the request keeps running and its outcome
		// is cached for GET /v1/results.
		s.logger.Info("dispatch caller gone", "request_id", req.ID(), "error", err)
		return
	}
	end(&entry)
	writeJSON(w, statusFor(entry), entry)
}

func (s *Server) handleDispatchAsync(w http.ResponseWriter, r *http.Request) {
	req, bad := s.readRequest(r)
	if bad != nil {
		writeJSON(w, http.StatusBadRequest, dispatch.AsyncOutcome{RequestID: bad.RequestID, Status: dispatch.AsyncRejected, Result: bad})
		return
	}
	if s.draining.Load() {
		f := protocol.Failure(req.ID(), protocol.ErrGatewayShutdown, "gateway is draining")
		writeJSON(w, http.StatusServiceUnavailable, dispatch.AsyncOutcome{RequestID: req.ID(), Status: dispatch.AsyncRejected, Result: &f})
		return
	}
	ctx, end := s.requestContext(r, "http.dispatch_async", req)
	out, err := s.cfg.Engine.DispatchAsync(ctx, req)
	end(out.Result)
	if err != nil {
		s.logger.Info("async dispatch caller gone", "request_id", req.ID(), "error", err)
		return
	}
	switch out.Status {
	case dispatch.AsyncDispatched:
		writeJSON(w, http.StatusCreated, out)
	case dispatch.AsyncCached:
		writeJSON(w, http.StatusOK, out)
	default:
		writeJSON(w, statusFor(*out.Result), out)
	}
}

// handleResult serves the cached outcome of one request. Request ids repeat
// across organizations, so the orgId query parameter is required.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("requestId")
	orgID := r.URL.Query().Get("orgId")
	if err := protocol.ValidateOrgID(orgID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "orgId: " + err.Error()})
		return
	}
	var (
		entry protocol.ResultEntry
		found bool
		err   error
	)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, perr := time.ParseDuration(raw)
		if perr != nil || wait < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "wait must be a duration such as 5s"})
			return
		}
		entry, found, err = s.cfg.Engine.Wait(r.Context(), orgID, id, min(wait, maxResultWait))
	} else {
		entry, found, err = s.cfg.Engine.Result(r.Context(), orgID, id)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"requestId": id, "status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// WorkerView is the JSON shape of one connected worker.
type WorkerView struct {
	OrgID          string              `json:"orgId"`
	WorkerID       string              `json:"workerId"`
	Version        string              `json:"version,omitempty"`
	Kinds          []protocol.WorkKind `json:"kinds"`
	Connectors     []string            `json:"connectors,omitempty"`
	MaxInFlight    int                 `json:"maxInFlight"`
	InFlight       int                 `json:"inFlight"`
	Labels         protocol.Labels     `json:"labels"`
	ReportedLabels []string            `json:"reportedLabels,omitempty"`
	ConnectedAt    time.Time           `json:"connectedAt"`
	LastHeartbeat  time.Time           `json:"lastHeartbeat"`
	LastDispatch   time.Time           `json:"lastDispatch,omitempty"`
}

// FleetView is the body of GET /v1/workers.
type FleetView struct {
	Orgs            map[string][]WorkerView `json:"orgs"`
	Pending         int                     `json:"pending"`
	SelectionPolicy string                  `json:"selectionPolicy"`
	Draining        bool                    `json:"draining"`
}

func viewOf(w registry.Worker) WorkerView {
	return WorkerView{
		OrgID:          w.OrgID,
		WorkerID:       w.WorkerID,
		Version:        w.Version,
		Kinds:          w.Kinds,
		Connectors:     w.Connectors,
		MaxInFlight:    w.MaxInFlight,
		InFlight:       w.InFlight,
		Labels:         w.Labels,
		ReportedLabels: w.ReportedLabels,
		ConnectedAt:    w.ConnectedAt,
		LastHeartbeat:  w.LastHeartbeat,
		LastDispatch:   w.LastDispatch,
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	reg := s.cfg.Engine.Registry()
	view := FleetView{
		Orgs:            make(map[string][]WorkerView),
		Pending:         s.cfg.Engine.PendingCount(),
		SelectionPolicy: string(reg.Policy()),
		Draining:        s.draining.Load(),
	}
	orgFilter := r.URL.Query().Get("orgId")
	for orgID, workers := range reg.Snapshot() {
		if orgFilter != "" && orgID != orgFilter {
			continue
		}
		for _, wk := range workers {
			view.Orgs[orgID] = append(view.Orgs[orgID], viewOf(wk))
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleContinuations(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "continuation queue not configured"})
		return
	}
	limit := queryInt(r, "limit", 100)
	jobs, err := s.cfg.Queue.Pending(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleContinuationAck(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "continuation queue not configured"})
		return
	}
	jobID := r.PathValue("jobId")
	acked, err := s.cfg.Queue.Ack(r.Context(), jobID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	if !acked {
		writeJSON(w, http.StatusNotFound, map[string]any{"jobId": jobID, "acked": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "acked": true})
}

// handleSessionEvents pages persisted history for a front-end client.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.auth.Frontend(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	sessionID := r.PathValue("sessionId")
	if err := s.cfg.Sessions.Authorize(r.Context(), orgID, sessionID); err != nil {
		if errors.Is(err, session.ErrForbidden) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	after := int64(queryInt(r, "after", 0))
	limit := min(queryInt(r, "limit", 100), 1000)
	events, err := s.cfg.Store.ListSessionEventsFrom(r.Context(), sessionID, after, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	if events == nil {
		events = []protocol.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "events": events})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
