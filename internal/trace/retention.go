package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Sweeper deletes traces past the retention window on a cron schedule.
type Sweeper struct {
	svc           *Service
	schedule      string
	retentionDays int
}

// NewSweeper returns nil when retention is disabled.
func NewSweeper(svc *Service, schedule string, retentionDays int) *Sweeper {
	if svc == nil || !svc.enabled || retentionDays <= 0 {
		return nil
	}
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	if !gronx.New().IsValid(schedule) {
		slog.Warn("invalid trace retention schedule, sweeper disabled", "schedule", schedule)
		return nil
	}
	return &Sweeper{svc: svc, schedule: schedule, retentionDays: retentionDays}
}

// Run checks the schedule once a minute and sweeps when it is due.
// Returns when ctx is done. A nil *Sweeper returns immediately.
func (w *Sweeper) Run(ctx context.Context) {
	if w == nil {
		return
	}
	gron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(w.schedule, time.Now())
			if err != nil || !due {
				continue
			}
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -w.retentionDays)
	n, err := w.svc.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Warn("trace retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("trace retention sweep complete", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}
