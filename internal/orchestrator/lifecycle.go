// Package orchestrator owns the execution lifecycle: admission under the
// concurrency limit, dispatch to the worker, ingestion of worker callbacks,
// and the timeout sweep. The store is the single source of truth; every state
// change is one store transaction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"browser-test-orchestrator/internal/clock"
	"browser-test-orchestrator/internal/config"
	"browser-test-orchestrator/internal/events"
	"browser-test-orchestrator/internal/monitor"
	"browser-test-orchestrator/internal/steps"
	"browser-test-orchestrator/internal/storage"
	"browser-test-orchestrator/internal/worker"
)

//go:generate mockgen -destination=mock_dispatcher_test.go -package=orchestrator . Dispatcher

// Dispatcher queues a job for delivery to the worker.
type Dispatcher interface {
	Submit(job worker.Job) error
}

var validModes = map[string]bool{"headless": true, "headed": true}

// Manager drives executions through their states.
type Manager struct {
	cfg        config.OrchestratorConfig
	publicURL  string
	store      storage.Store
	gate       *Gate
	bus        events.Broadcaster
	dispatcher Dispatcher
	registry   *steps.Registry
	clock      clock.Clock
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	locks      stripedMutex
}

// NewManager wires a manager. metrics may be nil.
func NewManager(
	cfg config.OrchestratorConfig,
	publicURL string,
	store storage.Store,
	gate *Gate,
	bus events.Broadcaster,
	dispatcher Dispatcher,
	clk clock.Clock,
	metrics *monitor.Metrics,
) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		cfg:        cfg,
		publicURL:  publicURL,
		store:      store,
		gate:       gate,
		bus:        bus,
		dispatcher: dispatcher,
		registry:   steps.NewRegistry(),
		clock:      clk,
		metrics:    metrics,
		tracer:     monitor.NewTracer(),
	}
}

// Registry exposes the step registry used to validate test cases.
func (m *Manager) Registry() *steps.Registry { return m.registry }

// Start admits a new execution of req.TestCaseID and queues it for the worker.
// The returned execution is pending.
func (m *Manager) Start(ctx context.Context, req RunRequest) (*storage.Execution, error) {
	const op = "start execution"
	ctx, span := m.tracer.StartSpan(ctx, "start", monitor.AttrTestCaseID.Int64(req.TestCaseID))
	defer span.End()

	if req.TestCaseID <= 0 {
		return nil, validationf(op, "", "testcase_id is required")
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = "headless"
	}
	if !validModes[mode] {
		return nil, validationf(op, "", "mode %q must be headless or headed", req.Mode)
	}
	browser := strings.TrimSpace(req.Browser)
	if browser == "" {
		browser = "chromium"
	}

	tc, err := m.store.GetTestCase(ctx, req.TestCaseID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(ErrNotFound, op, "", fmt.Errorf("test case %d not found", req.TestCaseID))
	}
	if err != nil {
		return nil, newError(ErrPersistence, op, "", err)
	}
	if !tc.IsActive {
		return nil, newError(ErrNotFound, op, "", fmt.Errorf("test case %d is inactive", req.TestCaseID))
	}

	planned, err := m.registry.Plan(tc.Steps)
	if err != nil {
		return nil, newError(ErrValidation, op, "", fmt.Errorf("test case %d: %w", tc.ID, err))
	}

	exec := &storage.Execution{
		ExecutionID:  uuid.NewString(),
		TestCaseID:   tc.ID,
		TestCaseName: tc.Name,
		Status:       storage.StatusPending,
		Mode:         mode,
		Browser:      browser,
		StepsTotal:   len(planned),
		ExecutedBy:   req.ExecutedBy,
		CreatedAt:    m.clock.Now().Truncate(time.Millisecond),
	}
	span.SetAttributes(monitor.AttrExecID.String(exec.ExecutionID))

	if err := m.gate.Admit(ctx, exec); err != nil {
		monitor.Fail(span, err)
		return nil, err
	}

	job := worker.Job{
		ExecutionID: exec.ExecutionID,
		TestCase:    worker.TestCase{ID: tc.ID, Name: tc.Name, Steps: planned},
		Mode:        mode,
		Browser:     browser,
		Callback:    worker.CallbackURLs(m.publicURL, exec.ExecutionID),
	}
	if err := m.dispatcher.Submit(job); err != nil {
		if ferr := m.FailDispatch(ctx, exec.ExecutionID, err); ferr != nil {
			log.Error().Err(ferr).Str("execution_id", exec.ExecutionID).Msg("failed to release undispatched execution")
		}
		derr := newError(ErrDispatch, op, exec.ExecutionID, err)
		monitor.Fail(span, derr)
		return nil, derr
	}

	log.Info().
		Str("execution_id", exec.ExecutionID).
		Int64("testcase_id", tc.ID).
		Int("steps", len(planned)).
		Msg("execution admitted")
	return exec, nil
}

// FailDispatch moves a pending execution to error after the worker could not
// be reached. Executions that already left pending are left alone.
func (m *Manager) FailDispatch(ctx context.Context, executionID string, cause error) error {
	const op = "fail dispatch"
	if cause == nil {
		cause = errors.New("unknown error")
	}
	unlock := m.locks.lock(executionID)
	defer unlock()

	var before storage.Execution
	res, err := m.store.MutateExecution(ctx, executionID, func(cur *storage.Execution) (*storage.Mutation, error) {
		before = *cur
		if cur.Status != storage.StatusPending {
			return nil, nil
		}
		now := m.clock.Now()
		cur.Status = storage.StatusError
		cur.EndTime = &now
		cur.ErrorMessage = "dispatch to worker failed: " + cause.Error()
		return &storage.Mutation{Execution: cur}, nil
	})
	if err != nil {
		return m.storeError(op, executionID, err)
	}
	if res.Applied {
		m.recordError("dispatch")
		m.onTransition(ctx, &before, res.Execution, nil, false)
	}
	return nil
}

// SweepReport counts what one sweep changed.
type SweepReport struct {
	RunTimeouts      int
	DispatchTimeouts int
	Errors           int
}

// SweepTimeouts times out running executions past max_run_duration and
// pending ones the worker never started within dispatch_timeout. Each row is
// its own transaction; a row that fails is retried on the next sweep.
func (m *Manager) SweepTimeouts(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := m.clock.Now()

	phases := []struct {
		status storage.Status
		limit  time.Duration
		phase  string
	}{
		{storage.StatusRunning, m.cfg.MaxRunDuration, "run"},
		{storage.StatusPending, m.cfg.DispatchTimeout, "dispatch"},
	}
	for _, p := range phases {
		if p.limit <= 0 {
			continue
		}
		stale, err := m.store.ListStale(ctx, p.status, now.Add(-p.limit), m.cfg.SweepBatch)
		if err != nil {
			return report, newError(ErrPersistence, "sweep", "", err)
		}
		for i := range stale {
			applied, err := m.timeout(ctx, stale[i].ExecutionID, p.status, p.limit)
			switch {
			case err != nil:
				report.Errors++
				log.Warn().Err(err).Str("execution_id", stale[i].ExecutionID).Msg("timeout sweep failed for execution")
			case applied && p.phase == "run":
				report.RunTimeouts++
			case applied:
				report.DispatchTimeouts++
			}
			if applied && m.metrics != nil {
				m.metrics.Timeouts.WithLabelValues(p.phase).Inc()
			}
		}
	}

	if report.RunTimeouts+report.DispatchTimeouts+report.Errors > 0 {
		log.Info().
			Int("run_timeouts", report.RunTimeouts).
			Int("dispatch_timeouts", report.DispatchTimeouts).
			Int("errors", report.Errors).
			Msg("timeout sweep completed")
	}
	return report, nil
}

func (m *Manager) timeout(ctx context.Context, executionID string, expect storage.Status, limit time.Duration) (bool, error) {
	unlock := m.locks.lock(executionID)
	defer unlock()

	var before storage.Execution
	res, err := m.store.MutateExecution(ctx, executionID, func(cur *storage.Execution) (*storage.Mutation, error) {
		before = *cur
		// a callback may have won the race since the row was listed
		if cur.Status != expect {
			return nil, nil
		}
		now := m.clock.Now()
		if expect == storage.StatusRunning {
			if cur.StartTime == nil || now.Sub(*cur.StartTime) < limit {
				return nil, nil
			}
			cur.DurationMS = now.Sub(*cur.StartTime).Milliseconds()
			cur.ErrorMessage = fmt.Sprintf("execution exceeded max run duration of %s", limit)
		} else {
			if now.Sub(cur.CreatedAt) < limit {
				return nil, nil
			}
			cur.ErrorMessage = fmt.Sprintf("worker did not start execution within %s", limit)
		}
		cur.Status = storage.StatusTimeout
		cur.EndTime = &now
		return &storage.Mutation{Execution: cur}, nil
	})
	if err != nil {
		return false, m.storeError("timeout", executionID, err)
	}
	if res.Applied {
		m.onTransition(ctx, &before, res.Execution, nil, false)
	}
	return res.Applied, nil
}

// RunSweeper sweeps every sweep_interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", interval).
		Dur("max_run_duration", m.cfg.MaxRunDuration).
		Dur("dispatch_timeout", m.cfg.DispatchTimeout).
		Msg("timeout sweeper started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.SweepTimeouts(ctx); err != nil {
				log.Error().Err(err).Msg("timeout sweep failed")
			}
		}
	}
}

// onTransition publishes the events implied by a committed change from
// before to after and settles slot accounting. Callers hold the execution lock.
func (m *Manager) onTransition(ctx context.Context, before, after *storage.Execution, rows []storage.StepExecution, implicitStart bool) {
	if before.Status == storage.StatusPending && (after.Status == storage.StatusRunning || implicitStart) {
		e := events.New(events.KindExecutionStarted, after.ExecutionID)
		e.TestCaseID = after.TestCaseID
		e.Status = string(storage.StatusRunning)
		e.Data = map[string]any{
			"mode":        after.Mode,
			"browser":     after.Browser,
			"steps_total": after.StepsTotal,
		}
		m.publish(ctx, e)
	}

	for i := range rows {
		r := &rows[i]
		idx := r.StepIndex
		e := events.New(events.KindStepCompleted, after.ExecutionID)
		e.TestCaseID = after.TestCaseID
		e.StepIndex = &idx
		e.Action = r.Action
		e.Status = r.Status
		e.Data = map[string]any{"description": r.Description, "duration": r.DurationMS}
		if r.ErrorMessage != "" {
			e.Data["error_message"] = r.ErrorMessage
		}
		m.publish(ctx, e)
		if m.metrics != nil {
			m.metrics.StepsRecorded.WithLabelValues(r.Status).Inc()
		}
	}

	if after.Status.IsTerminal() && !before.Status.IsTerminal() {
		e := events.New(events.KindExecutionCompleted, after.ExecutionID)
		e.TestCaseID = after.TestCaseID
		e.Status = string(after.Status)
		e.Data = map[string]any{
			"duration":     after.DurationMS,
			"steps_total":  after.StepsTotal,
			"steps_passed": after.StepsPassed,
			"steps_failed": after.StepsFailed,
		}
		if after.ErrorMessage != "" {
			e.Data["error_message"] = after.ErrorMessage
		}
		m.publish(ctx, e)
		m.gate.Release()
		if m.metrics != nil {
			m.metrics.RecordCompletion(string(after.Status), float64(after.DurationMS)/1000)
		}
		log.Info().
			Str("execution_id", after.ExecutionID).
			Str("status", string(after.Status)).
			Int64("duration_ms", after.DurationMS).
			Msg("execution finished")
	}
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if err := m.bus.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("execution_id", e.ExecutionID).Str("type", string(e.Kind)).Msg("event publish failed")
		return
	}
	if m.metrics != nil {
		m.metrics.EventsPublished.WithLabelValues(string(e.Kind)).Inc()
	}
}

// storeError classifies an error returned from MutateExecution.
func (m *Manager) storeError(op, executionID string, err error) error {
	var oe *Error
	switch {
	case errors.As(err, &oe):
		return oe
	case errors.Is(err, storage.ErrNotFound):
		return newError(ErrNotFound, op, executionID, fmt.Errorf("execution %s not found", executionID))
	default:
		m.recordError("persistence")
		return newError(ErrPersistence, op, executionID, err)
	}
}

func (m *Manager) recordError(kind string) {
	if m.metrics != nil {
		m.metrics.RecordError(kind)
	}
}

const lockStripes = 64

// stripedMutex serializes work per execution id without unbounded growth.
type stripedMutex struct {
	stripes [lockStripes]sync.Mutex
}

func (s *stripedMutex) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
