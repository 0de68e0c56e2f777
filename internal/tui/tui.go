// Package tui renders the fleet dashboard behind `dispatchd top`.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/gateway"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is one poll of the gateway.
type Snapshot struct {
	Fleet     gateway.FleetView
	Err       error
	FetchedAt time.Time
}

type StatusProvider func() Snapshot

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	orgStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	headStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	fullStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

type model struct {
	provider StatusProvider
	interval time.Duration
	snap     Snapshot
	feed     *ActivityFeed
	now      func() time.Time
}

type tickMsg time.Time

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return m.tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			m = m.refresh()
		}
	case tickMsg:
		m = m.refresh()
		return m, m.tickCmd()
	}
	return m, nil
}

func (m model) refresh() model {
	next := m.provider()
	if next.Err == nil && m.snap.Err == nil && !m.snap.FetchedAt.IsZero() {
		m.feed.Diff(m.snap.Fleet, next.Fleet, next.FetchedAt)
	}
	m.snap = next
	return m
}

func (m model) View() string {
	var b strings.Builder
	f := m.snap.Fleet
	b.WriteString(titleStyle.Render("go-dispatch fleet"))
	fmt.Fprintf(&b, "  policy: %s  pending: %d  workers: %d", f.SelectionPolicy, f.Pending, workerCount(f))
	if f.Draining {
		b.WriteString("  " + warnStyle.Render("DRAINING"))
	}
	b.WriteString("\n")
	if m.snap.Err != nil {
		b.WriteString(errStyle.Render("gateway unreachable: "+humanError(m.snap.Err)) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(renderFleet(f, m.now()))
	if feed := m.feed.View(); feed != "" {
		b.WriteString("\n" + feed)
	}
	b.WriteString("\n" + dimStyle.Render("q quit  r refresh") + "\n")
	return b.String()
}

func workerCount(f gateway.FleetView) int {
	n := 0
	for _, ws := range f.Orgs {
		n += len(ws)
	}
	return n
}

// renderFleet lays out one table per organization, orgs and workers sorted
// by id.
func renderFleet(f gateway.FleetView, now time.Time) string {
	if len(f.Orgs) == 0 {
		return dimStyle.Render("no workers connected") + "\n"
	}
	orgs := make([]string, 0, len(f.Orgs))
	for org := range f.Orgs {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	var b strings.Builder
	for _, org := range orgs {
		workers := append([]gateway.WorkerView(nil), f.Orgs[org]...)
		sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
		b.WriteString(orgStyle.Render(org) + "\n")
		b.WriteString(headStyle.Render(fmt.Sprintf("  %-18s %-34s %-9s %-12s %-10s %s", "WORKER", "KINDS", "LOAD", "UTIL", "HEARTBEAT", "VERSION")) + "\n")
		for _, w := range workers {
			kinds := make([]string, len(w.Kinds))
			for i, k := range w.Kinds {
				kinds[i] = string(k)
			}
			load := fmt.Sprintf("%d/%d", w.InFlight, w.MaxInFlight)
			if w.MaxInFlight > 0 && w.InFlight >= w.MaxInFlight {
				load = fullStyle.Render(fmt.Sprintf("%-9s", load))
			} else {
				load = fmt.Sprintf("%-9s", load)
			}
			fmt.Fprintf(&b, "  %-18s %-34s %s %-12s %-10s %s\n",
				truncate(w.WorkerID, 18), truncate(strings.Join(kinds, ","), 34), load,
				utilBar(w.InFlight, w.MaxInFlight, 10), age(now, w.LastHeartbeat), w.Version)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func utilBar(inFlight, max, width int) string {
	if max <= 0 {
		return strings.Repeat("·", width)
	}
	filled := min(inFlight*width/max, width)
	return okStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("·", width-filled))
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String() + " ago"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// Run shows the dashboard until the user quits or ctx ends.
func Run(ctx context.Context, provider StatusProvider, interval time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer bestEffortResetTTY()
	if interval <= 0 {
		interval = time.Second
	}
	m := model{provider: provider, interval: interval, snap: provider(), feed: NewActivityFeed(), now: time.Now}
	p := tea.NewProgram(m, tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
