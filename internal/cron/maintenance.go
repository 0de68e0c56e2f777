package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/registry"
)

// Default maintenance schedules.
const (
	ExprPruneStale    = "* * * * *"
	ExprRefreshLabels = "*/5 * * * *"
	ExprRetention     = "17 3 * * *"
)

type StalePruner interface {
	PruneStale(now time.Time, threshold time.Duration) []registry.Worker
}

type LabelRefresher interface {
	RefreshAllLabels(ctx context.Context)
}

type RetentionRunner interface {
	RunRetention(ctx context.Context, policy persistence.RetentionPolicy, now time.Time) (persistence.RetentionResult, error)
}

// Maintenance wires the gateway's periodic jobs. Functions are read on
// every run so hot-reloaded settings apply without rebuilding the jobs.
type Maintenance struct {
	Registry   StalePruner
	Labels     LabelRefresher
	Store      RetentionRunner
	StaleAfter func() time.Duration
	Retention  func() persistence.RetentionPolicy
	Logger     *slog.Logger
	Now        func() time.Time
}

// Jobs returns prune-stale, refresh-labels and retention, skipping any
// whose dependency is missing.
func (m Maintenance) Jobs() []Job {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := m.Now
	if now == nil {
		now = time.Now
	}

	var jobs []Job
	if m.Registry != nil && m.StaleAfter != nil {
		jobs = append(jobs, Job{Name: "prune-stale", Expr: ExprPruneStale, Run: func(context.Context) error {
			threshold := m.StaleAfter()
			if threshold <= 0 {
				return nil
			}
			if pruned := m.Registry.PruneStale(now(), threshold); len(pruned) > 0 {
				logger.Info("stale prune complete", "pruned", len(pruned))
			}
			return nil
		}})
	}
	if m.Labels != nil {
		jobs = append(jobs, Job{Name: "refresh-labels", Expr: ExprRefreshLabels, Run: func(ctx context.Context) error {
			m.Labels.RefreshAllLabels(ctx)
			return nil
		}})
	}
	if m.Store != nil && m.Retention != nil {
		jobs = append(jobs, Job{Name: "retention", Expr: ExprRetention, Run: func(ctx context.Context) error {
			res, err := m.Store.RunRetention(ctx, m.Retention(), now())
			if err != nil {
				return err
			}
			logger.Info("retention complete",
				"session_events", res.PurgedSessionEvents,
				"continuations", res.PurgedContinuations,
				"audit_logs", res.PurgedAuditLogs,
				"cache_entries", res.PurgedCacheEntries,
			)
			return nil
		}})
	}
	return jobs
}
