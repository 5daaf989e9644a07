package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// startJanitor registers the retention sweep with cron. A zero retention
// disables it.
func (o *Orchestrator) startJanitor(ctx context.Context) error {
	retention := o.cfg.Pipeline.Retention
	if retention <= 0 {
		slog.Info("Pipeline janitor disabled", "reason", "retention is zero")
		return nil
	}
	expr := o.cfg.Pipeline.JanitorSchedule
	if expr == "" {
		expr = "@every 1h"
	}
	c := cron.New()
	if _, err := c.AddFunc(expr, func() { o.Sweep(ctx, time.Now().Add(-retention)) }); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", expr, err)
	}
	c.Start()
	o.mu.Lock()
	o.cron = c
	o.mu.Unlock()
	slog.Info("Pipeline janitor started", "schedule", expr, "retention", retention.String())
	return nil
}

// Sweep deletes finished scans completed before cutoff and returns how many
// were removed.
func (o *Orchestrator) Sweep(ctx context.Context, cutoff time.Time) int {
	if ctx.Err() != nil {
		return 0
	}
	scans, err := o.store.Expired(ctx, cutoff)
	if err != nil {
		slog.Warn("janitor: listing expired scans", "error", err)
		return 0
	}
	removed := 0
	for _, s := range scans {
		if err := o.Delete(ctx, s.ID); err != nil {
			slog.Warn("janitor: deleting scan", "scan_id", s.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("janitor: removed expired scans", "count", removed, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return removed
}
