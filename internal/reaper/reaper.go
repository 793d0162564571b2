package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"Forge/internal/metrics"
	"Forge/internal/runner"
	"Forge/internal/tags"
)

// Inventory is the slice of the runner inventory the reaper drives.
type Inventory interface {
	List(ctx context.Context, f runner.ListFilter) ([]runner.Record, error)
	Tag(ctx context.Context, instanceID string, kv map[string]string) error
	Terminate(ctx context.Context, instanceID string) error
}

// Reaper periodically sweeps owned instances that never registered a
// runner id within the boot budget. A late instance is flagged as an
// orphan on one pass and terminated on the next, so a slow
// registration write gets one full interval of grace.
type Reaper struct {
	inventory   Inventory
	environment string
	bootBudget  time.Duration
	interval    time.Duration
	dryRun      bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Options struct {
	Environment string
	BootBudget  time.Duration
	Interval    time.Duration
	DryRun      bool
}

// New creates a reaper over the given inventory. metrics may be nil.
func New(inv Inventory, opts Options, logger *slog.Logger, m *metrics.Metrics) *Reaper {
	return &Reaper{
		inventory:   inv,
		environment: opts.Environment,
		bootBudget:  opts.BootBudget,
		interval:    opts.Interval,
		dryRun:      opts.DryRun,
		logger:      logger.With("component", "reaper"),
		metrics:     m,
		now:         time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper starting", "interval", r.interval, "boot_budget", r.bootBudget)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
				r.observe("error")
			} else {
				r.observe("ok")
			}
		}
	}
}

// Sweep runs one pass: flag instances past the boot budget without a
// registered runner id, terminate ones already flagged.
func (r *Reaper) Sweep(ctx context.Context) error {
	records, err := r.inventory.List(ctx, runner.ListFilter{Environment: r.environment})
	if err != nil {
		return fmt.Errorf("listing runners: %w", err)
	}

	now := r.now()
	for _, rec := range records {
		if rec.RunnerID != "" {
			continue
		}
		if !runner.BootTimeExceeded(rec.LaunchTime, r.bootBudget, now) {
			continue
		}

		if rec.Orphan {
			r.logger.Warn("terminating orphaned runner",
				"instance_id", rec.InstanceID,
				"launch_time", rec.LaunchTime,
			)
			if r.dryRun {
				continue
			}
			if err := r.inventory.Terminate(ctx, rec.InstanceID); err != nil {
				return err
			}
			if r.metrics != nil {
				r.metrics.RunnersTerminated.Inc()
			}
			continue
		}

		r.logger.Info("flagging runner as orphan", "instance_id", rec.InstanceID)
		if r.dryRun {
			continue
		}
		if err := r.inventory.Tag(ctx, rec.InstanceID, map[string]string{tags.Orphan: "true"}); err != nil {
			return err
		}
		if r.metrics != nil {
			r.metrics.OrphansFlagged.Inc()
		}
	}

	return nil
}

func (r *Reaper) observe(status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ReaperRuns.WithLabelValues(status).Inc()
}
