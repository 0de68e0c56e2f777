package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/audit"
	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/selector"
)

type policySetter interface {
	SetPolicy(p selector.Policy)
}

type timeoutSetter interface {
	SetDefaultTimeout(d time.Duration)
	SetStaleAfter(d time.Duration)
}

type tokenSetter interface {
	SetTokens(serviceTokens []string, frontendTokens map[string]string)
}

type levelSetter interface {
	SetLevel(level string)
}

type reloadTargets struct {
	Registry policySetter
	Engine   timeoutSetter
	Gateway  tokenSetter
	Levels   levelSetter
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// reloader holds the live config and pushes hot-reloadable settings into
// the running components. Settings outside Diff (bind address, stores)
// need a restart.
type reloader struct {
	mu      sync.RWMutex
	cfg     config.Config
	targets reloadTargets
}

func newReloader(cfg config.Config, targets reloadTargets) *reloader {
	if targets.Logger == nil {
		targets.Logger = slog.Default()
	}
	return &reloader{cfg: cfg, targets: targets}
}

func (r *reloader) Current() config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Apply installs next and returns the hot-reloadable settings that changed.
// Tokens and retention windows are always taken from next.
func (r *reloader) Apply(next config.Config) []string {
	r.mu.Lock()
	prev := r.cfg
	changed := prev.Diff(next)
	r.cfg = next
	r.mu.Unlock()

	t := r.targets
	if t.Registry != nil {
		t.Registry.SetPolicy(next.Policy())
	}
	if t.Engine != nil {
		t.Engine.SetDefaultTimeout(next.DefaultTimeout())
		t.Engine.SetStaleAfter(next.StaleAfter())
	}
	if t.Gateway != nil {
		t.Gateway.SetTokens(next.ServiceTokens, next.FrontendTokens)
	}
	if t.Levels != nil {
		t.Levels.SetLevel(next.LogLevel)
	}
	audit.SetFingerprint(next.Fingerprint())

	if restart := restartOnly(prev, next); len(restart) > 0 {
		t.Logger.Warn("config.yaml changes need a restart to take effect", "settings", restart)
	}
	t.Logger.Info("config.yaml hot-reloaded", "changed", changed, "fingerprint", next.Fingerprint())
	if t.Bus != nil {
		t.Bus.Publish(bus.TopicConfigReloaded, bus.ConfigReloaded{Fingerprint: next.Fingerprint(), Changed: changed})
	}
	return changed
}

func restartOnly(prev, next config.Config) []string {
	var out []string
	if prev.BindAddr != next.BindAddr {
		out = append(out, "bind_addr")
	}
	if prev.DBPath != next.DBPath {
		out = append(out, "db_path")
	}
	if prev.ResultsURL != next.ResultsURL {
		out = append(out, "results_url")
	}
	if prev.ContinuationURL != next.ContinuationURL {
		out = append(out, "continuation_url")
	}
	if prev.MaxTimeoutMs != next.MaxTimeoutMs {
		out = append(out, "max_timeout_ms")
	}
	return out
}
