// Package retention deletes finished executions older than the retention
// window together with their step results.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"browser-test-orchestrator/internal/clock"
	"browser-test-orchestrator/internal/config"
	"browser-test-orchestrator/internal/monitor"
	"browser-test-orchestrator/internal/storage"
)

// ErrInvalidDays is returned for a retention window below one day.
var ErrInvalidDays = errors.New("days_to_keep must be at least 1")

// Report is the outcome of one cleanup pass.
type Report struct {
	ExecutionsDeleted     int64     `json:"executions_deleted"`
	StepExecutionsDeleted int64     `json:"step_executions_deleted"`
	ActiveSkipped         int64     `json:"active_skipped"`
	Cutoff                time.Time `json:"cutoff"`
}

// Janitor applies the retention policy.
type Janitor struct {
	store   storage.Store
	cfg     config.RetentionConfig
	clock   clock.Clock
	metrics *monitor.Metrics
}

func NewJanitor(store storage.Store, cfg config.RetentionConfig, clk clock.Clock, metrics *monitor.Metrics) *Janitor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Janitor{store: store, cfg: cfg, clock: clk, metrics: metrics}
}

// Cleanup deletes executions created more than daysToKeep days ago. Only the
// creation time is considered. Executions still pending or running are kept
// and counted in ActiveSkipped; the timeout sweep finishes them first.
func (j *Janitor) Cleanup(ctx context.Context, daysToKeep int) (Report, error) {
	if daysToKeep < 1 {
		return Report{}, fmt.Errorf("%w, got %d", ErrInvalidDays, daysToKeep)
	}
	cutoff := j.clock.Now().AddDate(0, 0, -daysToKeep)
	rep := Report{Cutoff: cutoff}

	res, err := j.store.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		return rep, fmt.Errorf("retention cleanup: %w", err)
	}
	rep.ExecutionsDeleted = res.Executions
	rep.StepExecutionsDeleted = res.Steps
	rep.ActiveSkipped = res.ActiveSkipped

	if j.metrics != nil {
		j.metrics.RetentionDeleted.Add(float64(res.Executions))
	}
	if res.ActiveSkipped > 0 {
		log.Warn().
			Int64("active_skipped", res.ActiveSkipped).
			Time("cutoff", cutoff).
			Msg("expired executions still active, keeping them until they finish")
	}
	log.Info().
		Int64("executions_deleted", res.Executions).
		Int64("step_executions_deleted", res.Steps).
		Time("cutoff", cutoff).
		Msg("retention cleanup completed")
	return rep, nil
}

// Run cleans up on start and then once per interval until ctx is done. It
// returns immediately when retention is disabled.
func (j *Janitor) Run(ctx context.Context) error {
	if !j.cfg.Enabled {
		log.Info().Msg("retention disabled")
		return nil
	}
	interval := j.cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	log.Info().Int("days_to_keep", j.cfg.DaysToKeep).Dur("interval", interval).Msg("retention janitor started")
	j.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *Janitor) runOnce(ctx context.Context) {
	if _, err := j.Cleanup(ctx, j.cfg.DaysToKeep); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("retention cleanup failed, retrying next interval")
	}
}
