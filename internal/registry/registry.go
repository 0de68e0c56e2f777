// Package registry tracks live worker connections per organization. Every
// mutation and every selection goes through one mutex so the in-flight
// counters seen by the selector are never stale.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/basket/go-dispatch/internal/selector"
)

var ErrNotFound = errors.New("worker not connected")

// Close reasons passed to Conn.Close.
const (
	ReasonStale      = "stale"
	ReasonSuperseded = "superseded"
	ReasonRevoked    = "revoked"
	ReasonShutdown   = "shutdown"
)

// Conn is the gateway side of one worker connection.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Close(reason string) error
}

// Worker is one connected worker. Values returned by the registry are
// copies; mutate through registry methods only.
type Worker struct {
	OrgID          string
	WorkerID       string
	ConnID         string
	CredentialHash string
	Version        string

	Kinds       []protocol.WorkKind
	Connectors  []string
	MaxInFlight int

	// Labels are authoritative and come from the authorization record.
	Labels protocol.Labels
	// ReportedLabels are what the worker claims about itself. Informational.
	ReportedLabels []string

	ConnectedAt   time.Time
	LastHeartbeat time.Time
	LastDispatch  time.Time
	InFlight      int

	Conn Conn `json:"-"`
}

func (w *Worker) candidate() selector.Candidate {
	return selector.Candidate{
		WorkerID:     w.WorkerID,
		Kinds:        w.Kinds,
		Connectors:   w.Connectors,
		MaxInFlight:  w.MaxInFlight,
		InFlight:     w.InFlight,
		Labels:       w.Labels,
		LastDispatch: w.LastDispatch,
	}
}

type Config struct {
	Policy selector.Policy
	Logger *slog.Logger
}

type Registry struct {
	mu      sync.Mutex
	orgs    map[string]map[string]*Worker
	cursors map[string]int
	policy  selector.Policy
	logger  *slog.Logger
}

func New(cfg Config) *Registry {
	if cfg.Policy == "" {
		cfg.Policy = selector.PolicyLeastInFlight
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		orgs:    make(map[string]map[string]*Worker),
		cursors: make(map[string]int),
		policy:  cfg.Policy,
		logger:  cfg.Logger,
	}
}

// SetPolicy changes the selection policy for subsequent Acquire calls.
func (r *Registry) SetPolicy(p selector.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

func (r *Registry) Policy() selector.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// Register adds w. If the worker id is already connected, the old entry is
// replaced and returned so the caller can close its connection.
func (r *Registry) Register(w Worker) (superseded *Worker) {
	if w.MaxInFlight <= 0 {
		w.MaxInFlight = 1
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = w.ConnectedAt
	}
	w.InFlight = 0

	r.mu.Lock()
	defer r.mu.Unlock()
	org := r.orgs[w.OrgID]
	if org == nil {
		org = make(map[string]*Worker)
		r.orgs[w.OrgID] = org
	}
	if old, ok := org[w.WorkerID]; ok {
		cp := *old
		superseded = &cp
	}
	stored := w
	org[w.WorkerID] = &stored
	return superseded
}

// Remove deletes the worker only if connID still identifies its current
// connection. It reports whether anything was removed.
func (r *Registry) Remove(orgID, workerID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	org := r.orgs[orgID]
	w, ok := org[workerID]
	if !ok || (connID != "" && w.ConnID != connID) {
		return false
	}
	r.deleteLocked(orgID, workerID)
	return true
}

// Evict removes the worker regardless of connection and closes it.
func (r *Registry) Evict(orgID, workerID, reason string) (Worker, bool) {
	r.mu.Lock()
	w, ok := r.orgs[orgID][workerID]
	var cp Worker
	if ok {
		cp = *w
		r.deleteLocked(orgID, workerID)
	}
	r.mu.Unlock()

	if !ok {
		return Worker{}, false
	}
	r.logger.Warn("worker evicted", "org_id", orgID, "worker_id", workerID, "reason", reason)
	if cp.Conn != nil {
		_ = cp.Conn.Close(reason)
	}
	return cp, true
}

func (r *Registry) deleteLocked(orgID, workerID string) {
	org := r.orgs[orgID]
	delete(org, workerID)
	if len(org) == 0 {
		delete(r.orgs, orgID)
		delete(r.cursors, orgID)
	}
}

// Get returns a copy of one worker.
func (r *Registry) Get(orgID, workerID string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.orgs[orgID][workerID]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Touch records a heartbeat and applies the advertised capabilities.
func (r *Registry) Touch(orgID, workerID, connID string, adv protocol.Advertisement, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.orgs[orgID][workerID]
	if !ok || w.ConnID != connID {
		return ErrNotFound
	}
	w.LastHeartbeat = now
	applyAdvertisement(w, adv)
	return nil
}

func applyAdvertisement(w *Worker, adv protocol.Advertisement) {
	if len(adv.Kinds) > 0 {
		kinds := make([]protocol.WorkKind, 0, len(adv.Kinds))
		for _, k := range adv.Kinds {
			if k.Valid() {
				kinds = append(kinds, k)
			}
		}
		w.Kinds = kinds
	}
	w.Connectors = slices.Clone(adv.Connectors)
	if adv.MaxInFlight > 0 {
		w.MaxInFlight = adv.MaxInFlight
	}
	if adv.Version != "" {
		w.Version = adv.Version
	}
	w.ReportedLabels = slices.Clone(adv.Labels)
}

// ApplyAdvertisement converts a hello advertisement into a Worker.
func ApplyAdvertisement(w Worker, adv protocol.Advertisement) Worker {
	applyAdvertisement(&w, adv)
	return w
}

// SetLabels replaces the authoritative labels of a connected worker.
func (r *Registry) SetLabels(orgID, workerID string, labels protocol.Labels) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.orgs[orgID][workerID]
	if !ok {
		return false
	}
	w.Labels = labels
	return true
}

// Acquire selects a worker for req and counts the dispatch against it in the
// same critical section. Stale workers of the organization are pruned first.
func (r *Registry) Acquire(orgID string, req selector.Requirements, now time.Time, staleAfter time.Duration) (Worker, error) {
	var stale []Worker
	defer func() { r.closeStale(stale) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if staleAfter > 0 {
		stale = r.pruneOrgLocked(orgID, now, staleAfter)
	}
	org := r.orgs[orgID]
	if len(org) == 0 {
		return Worker{}, selector.ErrNoWorker
	}
	candidates := make([]selector.Candidate, 0, len(org))
	for _, w := range org {
		candidates = append(candidates, w.candidate())
	}
	chosen, cursor, err := selector.Select(candidates, req, r.policy, r.cursors[orgID])
	if err != nil {
		return Worker{}, err
	}
	r.cursors[orgID] = cursor
	w := org[chosen.WorkerID]
	w.InFlight++
	w.LastDispatch = now
	return *w, nil
}

// IncInFlight counts one more dispatch against the connection.
func (r *Registry) IncInFlight(orgID, workerID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.orgs[orgID][workerID]
	if !ok || w.ConnID != connID {
		return false
	}
	w.InFlight++
	return true
}

// DecInFlight releases one dispatch. The counter never goes below zero and
// a superseded connection does not touch its replacement.
func (r *Registry) DecInFlight(orgID, workerID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.orgs[orgID][workerID]
	if !ok || w.ConnID != connID {
		return
	}
	if w.InFlight > 0 {
		w.InFlight--
	}
}

// PruneStale removes every worker whose last heartbeat is older than
// threshold and closes its connection.
func (r *Registry) PruneStale(now time.Time, threshold time.Duration) []Worker {
	r.mu.Lock()
	var stale []Worker
	for orgID := range r.orgs {
		stale = append(stale, r.pruneOrgLocked(orgID, now, threshold)...)
	}
	r.mu.Unlock()
	r.closeStale(stale)
	return stale
}

func (r *Registry) pruneOrgLocked(orgID string, now time.Time, threshold time.Duration) []Worker {
	var stale []Worker
	for id, w := range r.orgs[orgID] {
		if now.Sub(w.LastHeartbeat) > threshold {
			stale = append(stale, *w)
			r.deleteLocked(orgID, id)
		}
	}
	return stale
}

func (r *Registry) closeStale(stale []Worker) {
	for _, w := range stale {
		r.logger.Warn("worker pruned", "org_id", w.OrgID, "worker_id", w.WorkerID, "reason", ReasonStale,
			"last_heartbeat", w.LastHeartbeat)
		if w.Conn != nil {
			_ = w.Conn.Close(ReasonStale)
		}
	}
}

// Workers returns copies of the connected workers of one organization in
// worker id order.
func (r *Registry) Workers(orgID string) []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.orgs[orgID]))
	for _, w := range r.orgs[orgID] {
		out = append(out, *w)
	}
	slices.SortFunc(out, func(a, b Worker) int { return strings.Compare(a.WorkerID, b.WorkerID) })
	return out
}

// Orgs lists organizations with at least one connected worker.
func (r *Registry) Orgs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.orgs))
	for orgID := range r.orgs {
		out = append(out, orgID)
	}
	slices.Sort(out)
	return out
}

// Snapshot returns every connected worker grouped by organization.
func (r *Registry) Snapshot() map[string][]Worker {
	out := make(map[string][]Worker)
	for _, orgID := range r.Orgs() {
		if ws := r.Workers(orgID); len(ws) > 0 {
			out[orgID] = ws
		}
	}
	return out
}

// Count returns the number of connected workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, org := range r.orgs {
		n += len(org)
	}
	return n
}

// CloseAll removes and closes every connection.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	var all []Worker
	for _, org := range r.orgs {
		for _, w := range org {
			all = append(all, *w)
		}
	}
	r.orgs = make(map[string]map[string]*Worker)
	r.cursors = make(map[string]int)
	r.mu.Unlock()

	for _, w := range all {
		if w.Conn != nil {
			_ = w.Conn.Close(reason)
		}
	}
	return len(all)
}
