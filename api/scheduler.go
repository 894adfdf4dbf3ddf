/*
scheduler.go - Automated recalculation scheduler

PURPOSE:
  Keeps rolling allocations current. Records created with auto_recalculate
  are recalculated once their period end has passed, extending the history
  window to today.

DESIGN:
  - Runs on a cron schedule (robfig/cron, standard 5-field or descriptors)
  - Fans out over every tenant the store knows about
  - Selects active, auto-recalculating records whose period ended before today
  - Recalculates each as actor "system"; the new version supersedes the old
  - One failing record never stops the run

CONFIGURATION:
  - RECALC_SCHEDULE: cron spec (default "@daily"); empty disables the scheduler

USAGE:
  scheduler := NewRecalculationScheduler(engine, store, "@daily", log)
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RecalculateAllocation endpoint (manual recalculation)
  - allocation/engine.go: Recalculate
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/generic"
)

const scheduledNotes = "scheduled recalculation"

// RecalculationScheduler handles automated recalculation of rolling allocations.
type RecalculationScheduler struct {
	Engine   *allocation.Engine
	Tenants  allocation.TenantLister
	Schedule string

	// Now is the scheduler clock; tests pin it.
	Now func() time.Time

	log  zerolog.Logger
	cron *cron.Cron
	mu   sync.Mutex
}

// RunSummary counts what one pass did.
type RunSummary struct {
	Checked      int `json:"checked"`
	Recalculated int `json:"recalculated"`
	Failed       int `json:"failed"`
}

// NewRecalculationScheduler creates a new scheduler.
func NewRecalculationScheduler(engine *allocation.Engine, tenants allocation.TenantLister, schedule string, log zerolog.Logger) *RecalculationScheduler {
	return &RecalculationScheduler{
		Engine:   engine,
		Tenants:  tenants,
		Schedule: schedule,
		Now:      time.Now,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the job and starts the cron runner. An empty schedule
// leaves the scheduler disabled.
func (rs *RecalculationScheduler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Schedule == "" {
		rs.log.Info().Msg("Scheduler disabled, not starting")
		return nil
	}
	if rs.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(rs.Schedule, rs.run); err != nil {
		return err
	}
	c.Start()
	rs.cron = c

	rs.log.Info().Str("schedule", rs.Schedule).Msg("Scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *RecalculationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cron == nil {
		return
	}
	<-rs.cron.Stop().Done()
	rs.cron = nil
	rs.log.Info().Msg("Scheduler stopped")
}

func (rs *RecalculationScheduler) run() {
	summary, err := rs.RunOnce(context.Background())
	if err != nil {
		rs.log.Error().Err(err).Msg("Recalculation run failed")
		return
	}
	rs.log.Info().
		Int("checked", summary.Checked).
		Int("recalculated", summary.Recalculated).
		Int("failed", summary.Failed).
		Msg("Recalculation run completed")
}

// RunOnce performs one pass over every tenant. It returns an error only when
// the tenants themselves cannot be listed.
func (rs *RecalculationScheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	var summary RunSummary

	tenants, err := rs.Tenants.Tenants(ctx)
	if err != nil {
		return summary, err
	}

	today := generic.FromTime(rs.Now())
	for _, tenant := range tenants {
		records, err := rs.Engine.List(ctx, tenant, allocation.Filter{
			Status:              allocation.StatusActive,
			AutoRecalculateOnly: true,
		})
		if err != nil {
			rs.log.Error().Err(err).Str("tenant_id", string(tenant)).Msg("Error listing allocations")
			continue
		}

		for _, rec := range records {
			if !rec.Period.End.Before(today) {
				continue
			}
			summary.Checked++

			res, err := rs.Engine.Recalculate(ctx, tenant, generic.ActorSystem, rec.ID, allocation.RecalculateOptions{
				PeriodEnd: &today,
				Notes:     scheduledNotes,
			})
			switch {
			case err != nil:
				summary.Failed++
				rs.log.Error().Err(err).
					Str("tenant_id", string(tenant)).
					Str("allocation_id", rec.ID).
					Msg("Scheduled recalculation failed")
			case !res.Success:
				summary.Failed++
				rs.log.Warn().
					Str("tenant_id", string(tenant)).
					Str("allocation_id", rec.ID).
					Str("reason", res.Error).
					Msg("Scheduled recalculation produced no allocation")
			default:
				summary.Recalculated++
				rs.log.Info().
					Str("tenant_id", string(tenant)).
					Str("allocation_id", rec.ID).
					Str("new_id", res.Record.ID).
					Int("version", res.Record.Version).
					Msg("Allocation recalculated")
			}
		}
	}
	return summary, nil
}
