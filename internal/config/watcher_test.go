package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/selector"
)

func TestWatcher_ReloadsOnConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	writeConfig(t, homeDir, "selection_policy: least-in-flight\n")

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher reports, in case notifications are
	// not ready immediately on this platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	body := []byte("selection_policy: round-robin\n")
	if err := os.WriteFile(config.ConfigPath(homeDir), body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if ev.Err != nil {
				t.Fatalf("reload error: %v", ev.Err)
			}
			if ev.Config.Policy() != selector.PolicyRoundRobin {
				t.Fatalf("reloaded policy = %q, want round-robin", ev.Config.Policy())
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(config.ConfigPath(homeDir), body, 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config reload")
		}
	}
}

func TestWatcher_ReportsInvalidConfig(t *testing.T) {
	homeDir := t.TempDir()
	writeConfig(t, homeDir, "log_level: info\n")

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	body := []byte("selection_policy: coin-flip\n")
	_ = os.WriteFile(config.ConfigPath(homeDir), body, 0o644)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Err == nil {
				t.Fatal("expected reload error for unknown policy")
			}
			return
		case <-tick.C:
			_ = os.WriteFile(config.ConfigPath(homeDir), body, 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for reload event")
		}
	}
}
