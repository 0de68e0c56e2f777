package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/gateway"
	"github.com/charmbracelet/lipgloss"
)

// ActivityItem is one observed fleet change.
type ActivityItem struct {
	Icon    string
	Message string
	At      time.Time
}

// ActivityFeed keeps the most recent fleet changes seen between polls.
type ActivityFeed struct {
	mu       sync.Mutex
	items    []ActivityItem
	maxItems int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 8}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[len(f.items)-f.maxItems:]
	}
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Diff records workers that appeared, disappeared, reconnected or reached
// capacity between two polls.
func (f *ActivityFeed) Diff(prev, next gateway.FleetView, at time.Time) {
	before := index(prev)
	after := index(next)
	for key, w := range after {
		old, seen := before[key]
		switch {
		case !seen:
			f.Add(ActivityItem{Icon: "+", Message: key + " connected " + kindsOf(w), At: at})
		case !old.ConnectedAt.Equal(w.ConnectedAt):
			f.Add(ActivityItem{Icon: "~", Message: key + " reconnected", At: at})
		case w.MaxInFlight > 0 && w.InFlight >= w.MaxInFlight && old.InFlight < old.MaxInFlight:
			f.Add(ActivityItem{Icon: "!", Message: key + " at capacity", At: at})
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			f.Add(ActivityItem{Icon: "-", Message: key + " disconnected", At: at})
		}
	}
	if next.Draining && !prev.Draining {
		f.Add(ActivityItem{Icon: "!", Message: "gateway draining", At: at})
	}
}

func index(f gateway.FleetView) map[string]gateway.WorkerView {
	out := make(map[string]gateway.WorkerView)
	for org, ws := range f.Orgs {
		for _, w := range ws {
			out[org+"/"+w.WorkerID] = w
		}
	}
	return out
}

func kindsOf(w gateway.WorkerView) string {
	kinds := make([]string, len(w.Kinds))
	for i, k := range w.Kinds {
		kinds[i] = string(k)
	}
	return "(" + strings.Join(kinds, ",") + ")"
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return ""
	}
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	item := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity ──") + "\n")
	for i := len(f.items) - 1; i >= 0; i-- {
		it := f.items[i]
		out.WriteString(item.Render(fmt.Sprintf("%s %s %s", it.At.Format("15:04:05"), it.Icon, it.Message)) + "\n")
	}
	return out.String()
}
