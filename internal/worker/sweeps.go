package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/slipway-dev/slipway/internal/metrics"
	"github.com/slipway-dev/slipway/internal/project"
)

const sweepBudget = time.Minute

// StartSweeps schedules the periodic health refresh and idle detection.
// The returned cron must be stopped by the caller at shutdown.
func (w *Worker) StartSweeps() *cron.Cron {
	c := cron.New()
	c.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepBudget)
		defer cancel()
		w.RefreshSweep(ctx)
	})
	c.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepBudget)
		defer cancel()
		w.IdleSweep(ctx)
	})
	c.Start()
	return c
}

// RefreshSweep walks every non-terminal project: Ready projects get their
// health re-probed, and projects stuck mid-transition are nudged back onto
// their shard. The nudge is what recovers a project whose queued task was
// lost, without waiting for a daemon restart.
func (w *Worker) RefreshSweep(ctx context.Context) {
	projects, err := w.store.ListNonTerminal(ctx)
	if err != nil {
		w.log.Error("refresh sweep: list projects", "error", err)
		return
	}
	checked, nudged := 0, 0
	for _, p := range projects {
		switch {
		case p.State.Kind == project.Ready:
			if err := w.Submit(p.Name, project.IntentCheckHealth); err != nil {
				w.log.Warn("refresh sweep: submit", "project", p.Name, "error", err)
				continue
			}
			checked++
		case !p.State.IsQuiescent():
			w.nudge(p.Name)
			nudged++
		}
	}
	if checked > 0 || nudged > 0 {
		w.log.Debug("refresh sweep", "checked", checked, "nudged", nudged)
	}
}

// IdleSweep stops Ready projects that have seen no traffic past the idle
// threshold. Stopped projects resume on the next request.
func (w *Worker) IdleSweep(ctx context.Context) {
	cutoff := w.clock.Now().Add(-project.IdleThreshold)
	idle, err := w.store.ListIdleReady(ctx, cutoff)
	if err != nil {
		w.log.Error("idle sweep: list projects", "error", err)
		return
	}
	for _, p := range idle {
		if err := w.Submit(p.Name, project.IntentStop); err != nil {
			w.log.Warn("idle sweep: submit", "project", p.Name, "error", err)
			continue
		}
		metrics.IdleStops.Inc()
		w.log.Info("stopping idle project", "project", p.Name, "last_active", p.LastActive)
	}
}
