package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-dispatch/internal/gateway"
	"github.com/basket/go-dispatch/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

func fleet(workers ...gateway.WorkerView) gateway.FleetView {
	f := gateway.FleetView{Orgs: map[string][]gateway.WorkerView{}, SelectionPolicy: "least-in-flight"}
	for _, w := range workers {
		f.Orgs[w.OrgID] = append(f.Orgs[w.OrgID], w)
	}
	return f
}

func TestView_RendersWorkersPerOrg(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := fleet(
		gateway.WorkerView{OrgID: "acme", WorkerID: "w-b", Kinds: []protocol.WorkKind{protocol.KindShellExec}, MaxInFlight: 2, InFlight: 2, Version: "1.2.0", LastHeartbeat: now.Add(-3 * time.Second)},
		gateway.WorkerView{OrgID: "acme", WorkerID: "w-a", Kinds: []protocol.WorkKind{protocol.KindAgentRun}, MaxInFlight: 4, InFlight: 1},
		gateway.WorkerView{OrgID: "beta", WorkerID: "w-c", MaxInFlight: 1},
	)
	f.Pending = 3
	f.Draining = true
	m := model{snap: Snapshot{Fleet: f, FetchedAt: now}, feed: NewActivityFeed(), now: func() time.Time { return now }}
	view := m.View()

	for _, want := range []string{"policy: least-in-flight", "pending: 3", "workers: 3", "DRAINING", "acme", "beta", "shell.exec", "2/2", "1/4", "3s ago", "1.2.0"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Index(view, "w-a") > strings.Index(view, "w-b") {
		t.Fatalf("workers not sorted by id:\n%s", view)
	}
	if strings.Index(view, "acme") > strings.Index(view, "beta") {
		t.Fatalf("orgs not sorted:\n%s", view)
	}
}

func TestView_EmptyFleetAndError(t *testing.T) {
	m := model{
		snap: Snapshot{Err: errors.New("fetch fleet: dial tcp: connection refused")},
		feed: NewActivityFeed(),
		now:  time.Now,
	}
	view := m.View()
	if !strings.Contains(view, "no workers connected") {
		t.Fatalf("view = %q, want empty fleet notice", view)
	}
	if !strings.Contains(view, "Connection refused") {
		t.Fatalf("view = %q, want humanized error", view)
	}
}

func TestModel_KeysAndTick(t *testing.T) {
	calls := 0
	provider := func() Snapshot {
		calls++
		return Snapshot{Fleet: fleet(gateway.WorkerView{OrgID: "o", WorkerID: "w"}), FetchedAt: time.Now()}
	}
	m := model{provider: provider, interval: time.Second, feed: NewActivityFeed(), now: time.Now}

	if cmd := m.Init(); cmd == nil {
		t.Fatal("Init returned nil cmd")
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}); cmd == nil {
		t.Fatal("q did not quit")
	}
	updated, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("tick did not reschedule")
	}
	if got := workerCount(updated.(model).snap.Fleet); got != 1 {
		t.Fatalf("workers after tick = %d, want 1", got)
	}
	updated.(model).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	if calls != 2 {
		t.Fatalf("provider calls = %d, want 2", calls)
	}
}

func TestActivityFeed_Diff(t *testing.T) {
	at := time.Now()
	t0 := at.Add(-time.Minute)
	prev := fleet(
		gateway.WorkerView{OrgID: "o", WorkerID: "gone", ConnectedAt: t0},
		gateway.WorkerView{OrgID: "o", WorkerID: "busy", ConnectedAt: t0, MaxInFlight: 2, InFlight: 1},
		gateway.WorkerView{OrgID: "o", WorkerID: "flap", ConnectedAt: t0},
	)
	next := fleet(
		gateway.WorkerView{OrgID: "o", WorkerID: "busy", ConnectedAt: t0, MaxInFlight: 2, InFlight: 2},
		gateway.WorkerView{OrgID: "o", WorkerID: "flap", ConnectedAt: at},
		gateway.WorkerView{OrgID: "o", WorkerID: "new", ConnectedAt: at, Kinds: []protocol.WorkKind{protocol.KindShellExec}},
	)
	next.Draining = true

	feed := NewActivityFeed()
	feed.Diff(prev, next, at)
	if feed.Len() != 5 {
		t.Fatalf("feed len = %d, want 5:\n%s", feed.Len(), feed.View())
	}
	view := feed.View()
	for _, want := range []string{"o/gone disconnected", "o/busy at capacity", "o/flap reconnected", "o/new connected (shell.exec)", "gateway draining"} {
		if !strings.Contains(view, want) {
			t.Errorf("feed missing %q:\n%s", want, view)
		}
	}

	feed.Diff(next, next, at)
	if feed.Len() != 5 {
		t.Fatalf("unchanged fleet added items: len = %d", feed.Len())
	}
}

func TestActivityFeed_KeepsMostRecent(t *testing.T) {
	feed := NewActivityFeed()
	for i := 0; i < 20; i++ {
		feed.Add(ActivityItem{Icon: "+", Message: "x", At: time.Now()})
	}
	if feed.Len() != 8 {
		t.Fatalf("len = %d, want 8", feed.Len())
	}
}

func TestFleetClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/workers" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer svc" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(fleet(gateway.WorkerView{OrgID: "o", WorkerID: "w1", MaxInFlight: 3}))
	}))
	defer srv.Close()

	view, err := FleetClient{BaseURL: srv.URL + "/", Token: "svc"}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(view.Orgs["o"]) != 1 || view.Orgs["o"][0].MaxInFlight != 3 {
		t.Fatalf("view = %+v", view)
	}

	if _, err := (FleetClient{BaseURL: srv.URL, Token: "bad"}).Fetch(context.Background()); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("bad token err = %v, want 401", err)
	}

	snap := FleetClient{BaseURL: srv.URL, Token: "svc"}.Provider(context.Background())()
	if snap.Err != nil || snap.FetchedAt.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, func() Snapshot { return Snapshot{} }, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
}

func TestHumanError(t *testing.T) {
	if got := humanError(nil); got != "" {
		t.Fatalf("humanError(nil) = %q", got)
	}
	if got := humanError(errors.New("a: b: boom")); got != "Boom" {
		t.Fatalf("humanError = %q, want Boom", got)
	}
	if got := humanError(errors.New("plain")); got != "plain" {
		t.Fatalf("humanError = %q, want plain", got)
	}
	if got := humanError(fmt.Errorf("poll: %w", &StatusError{Code: 401})); !strings.HasPrefix(got, "Unauthorized") {
		t.Fatalf("humanError(401) = %q, want auth hint", got)
	}
	if got := humanError(fmt.Errorf("fetch fleet: %w", context.DeadlineExceeded)); got != "Gateway did not answer in time" {
		t.Fatalf("humanError(timeout) = %q", got)
	}
}
