package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"browser-test-orchestrator/internal/monitor"
	"browser-test-orchestrator/internal/storage"
)

// Gate bounds the number of executions holding a slot. The store is the
// source of truth; the gate only keeps the last observed count for reporting.
type Gate struct {
	store   storage.Store
	limit   int
	inUse   atomic.Int64
	metrics *monitor.Metrics
}

// NewGate creates a gate admitting at most limit concurrent executions.
func NewGate(store storage.Store, limit int, metrics *monitor.Metrics) *Gate {
	if limit < 1 {
		limit = 1
	}
	g := &Gate{store: store, limit: limit, metrics: metrics}
	if metrics != nil {
		metrics.SlotLimit.Set(float64(limit))
	}
	return g
}

// Admit inserts exec as pending if a slot is free, atomically with the count.
func (g *Gate) Admit(ctx context.Context, exec *storage.Execution) error {
	err := g.store.AdmitExecution(ctx, exec, g.limit)
	switch {
	case err == nil:
		g.observe(g.inUse.Add(1))
		return nil
	case errors.Is(err, storage.ErrCapacity):
		if g.metrics != nil {
			g.metrics.AdmissionRejections.Inc()
		}
		return newError(ErrConcurrencyLimit, "admit", exec.ExecutionID, nil)
	case errors.Is(err, storage.ErrDuplicate):
		return newError(ErrConflict, "admit", exec.ExecutionID, fmt.Errorf("execution id already exists"))
	default:
		return newError(ErrPersistence, "admit", exec.ExecutionID, err)
	}
}

// Release records that one execution left the slot-holding states.
func (g *Gate) Release() {
	n := g.inUse.Add(-1)
	if n < 0 {
		g.inUse.CompareAndSwap(n, 0)
		n = 0
	}
	g.observe(n)
}

// Recover re-reads occupancy from the store, e.g. after a restart.
func (g *Gate) Recover(ctx context.Context) error {
	n, err := g.store.CountActiveExecutions(ctx)
	if err != nil {
		return newError(ErrPersistence, "recover", "", err)
	}
	g.inUse.Store(int64(n))
	g.observe(int64(n))
	log.Info().Int("active", n).Int("limit", g.limit).Msg("concurrency gate recovered")
	return nil
}

// InUse returns the last observed number of held slots.
func (g *Gate) InUse() int { return int(g.inUse.Load()) }

// Limit returns the configured maximum.
func (g *Gate) Limit() int { return g.limit }

func (g *Gate) observe(n int64) {
	if g.metrics != nil {
		g.metrics.ActiveExecutions.Set(float64(n))
	}
}
