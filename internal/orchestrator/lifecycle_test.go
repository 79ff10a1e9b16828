package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"browser-test-orchestrator/internal/clock"
	"browser-test-orchestrator/internal/config"
	"browser-test-orchestrator/internal/events"
	"browser-test-orchestrator/internal/steps"
	"browser-test-orchestrator/internal/storage"
	"browser-test-orchestrator/internal/worker"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store storage.Store
	bus   *events.Memory
	clock *clock.Manual
	gate  *Gate
	disp  *MockDispatcher
	mgr   *Manager
	ing   *Ingestor
	tc    *storage.TestCase
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewMemory(64)
	t.Cleanup(func() { _ = bus.Close() })

	f := &fixture{
		store: store,
		bus:   bus,
		clock: clock.NewManual(t0),
		gate:  NewGate(store, limit, nil),
		disp:  NewMockDispatcher(gomock.NewController(t)),
	}
	cfg := config.OrchestratorConfig{
		MaxConcurrent:   limit,
		MaxRunDuration:  30 * time.Minute,
		DispatchTimeout: 5 * time.Minute,
		SweepBatch:      100,
	}
	f.mgr = NewManager(cfg, "http://orchestrator:8080", store, f.gate, bus, f.disp, f.clock, nil)
	f.ing = NewIngestor(f.mgr)

	f.tc = &storage.TestCase{
		Name:     "search products",
		IsActive: true,
		Steps: []steps.Step{
			{Action: steps.KindNavigate, Params: map[string]any{"url": "https://shop.example.com"}},
			{Action: steps.KindInput, Params: map[string]any{"locate": "search box", "text": "shoes"}},
			{Action: steps.KindAssert, Description: "results are listed"},
		},
	}
	require.NoError(t, store.CreateTestCase(context.Background(), f.tc))
	return f
}

func (f *fixture) acceptDispatch() {
	f.disp.EXPECT().Submit(gomock.Any()).Return(nil).AnyTimes()
}

func (f *fixture) start(t *testing.T) *storage.Execution {
	t.Helper()
	exec, err := f.mgr.Start(context.Background(), RunRequest{TestCaseID: f.tc.ID})
	require.NoError(t, err)
	return exec
}

func (f *fixture) subscribe(t *testing.T, id string) events.Subscription {
	t.Helper()
	sub, err := f.bus.Subscribe(context.Background(), events.Filter{ExecutionID: id})
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func drain(sub events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func timePtr(v time.Time) *time.Time { return &v }

func successResult() ResultPayload {
	return ResultPayload{
		Status:      "success",
		StepsTotal:  intPtr(3),
		StepsPassed: intPtr(3),
		StepsFailed: intPtr(0),
		Duration:    floatPtr(4200.4),
		StepResults: []StepResult{
			{Action: "goto", Status: "success", Duration: floatPtr(1000)},
			{Action: "ai_input", Description: "type shoes", Status: "success", Duration: floatPtr(800)},
			{Action: "ai_assert", Status: "success", Duration: floatPtr(300)},
		},
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to storage.Status
		want     bool
	}{
		{storage.StatusPending, storage.StatusRunning, true},
		{storage.StatusPending, storage.StatusError, true},
		{storage.StatusPending, storage.StatusTimeout, true},
		{storage.StatusPending, storage.StatusSuccess, false},
		{storage.StatusRunning, storage.StatusSuccess, true},
		{storage.StatusRunning, storage.StatusFailed, true},
		{storage.StatusRunning, storage.StatusTimeout, true},
		{storage.StatusRunning, storage.StatusPending, false},
		{storage.StatusSuccess, storage.StatusFailed, false},
		{storage.StatusTimeout, storage.StatusSuccess, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStart_DispatchesPlannedSteps(t *testing.T) {
	f := newFixture(t, 3)
	var job worker.Job
	f.disp.EXPECT().Submit(gomock.Any()).DoAndReturn(func(j worker.Job) error {
		job = j
		return nil
	})

	exec := f.start(t)
	assert.Equal(t, storage.StatusPending, exec.Status)
	assert.Equal(t, 3, exec.StepsTotal)
	assert.Equal(t, "headless", exec.Mode)
	assert.Equal(t, t0, exec.CreatedAt)

	assert.Equal(t, exec.ExecutionID, job.ExecutionID)
	assert.Equal(t, "search products", job.TestCase.Name)
	require.Len(t, job.TestCase.Steps, 3)
	assert.Equal(t, `type "shoes" into search box`, job.TestCase.Steps[1].Instruction)
	assert.Equal(t, "http://orchestrator:8080/executions/"+exec.ExecutionID+"/start", job.Callback.StartURL)
	assert.Equal(t, 1, f.gate.InUse())
}

func TestStart_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t, 3)
	f.acceptDispatch()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, limited := 0, 0
	for i := 0; i < 21; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Start(context.Background(), RunRequest{TestCaseID: f.tc.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case IsConcurrencyLimit(err):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, admitted)
	assert.Equal(t, 18, limited)
	n, err := f.store.CountActiveExecutions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStart_SlotFreedByCompletion(t *testing.T) {
	f := newFixture(t, 1)
	f.acceptDispatch()
	ctx := context.Background()

	exec := f.start(t)
	_, err := f.mgr.Start(ctx, RunRequest{TestCaseID: f.tc.ID})
	require.True(t, IsConcurrencyLimit(err), "got %v", err)

	_, err = f.ing.HandleResult(ctx, exec.ExecutionID, successResult())
	require.NoError(t, err)
	assert.Equal(t, 0, f.gate.InUse())

	f.start(t)
}

func TestStart_Rejections(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.mgr.Start(ctx, RunRequest{TestCaseID: 999})
	assert.True(t, IsNotFound(err))

	_, err = f.mgr.Start(ctx, RunRequest{TestCaseID: f.tc.ID, Mode: "turbo"})
	assert.True(t, IsValidation(err))

	require.NoError(t, f.store.DeactivateTestCase(ctx, f.tc.ID))
	_, err = f.mgr.Start(ctx, RunRequest{TestCaseID: f.tc.ID})
	assert.True(t, IsNotFound(err))
}

func TestStart_QueueFullFailsExecution(t *testing.T) {
	f := newFixture(t, 3)
	f.disp.EXPECT().Submit(gomock.Any()).Return(worker.ErrQueueFull)
	ctx := context.Background()

	_, err := f.mgr.Start(ctx, RunRequest{TestCaseID: f.tc.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatch)
	assert.ErrorIs(t, err, worker.ErrQueueFull)

	list, _, err := f.store.ListExecutions(ctx, storage.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, storage.StatusError, list[0].Status)
	assert.Contains(t, list[0].ErrorMessage, "dispatch")
	assert.Equal(t, 0, f.gate.InUse())
}

func TestFailDispatch_IgnoresStartedExecution(t *testing.T) {
	f := newFixture(t, 3)
	f.acceptDispatch()
	ctx := context.Background()
	exec := f.start(t)

	_, err := f.ing.HandleStart(ctx, exec.ExecutionID, StartPayload{Status: "running", Mode: "headless"})
	require.NoError(t, err)
	require.NoError(t, f.mgr.FailDispatch(ctx, exec.ExecutionID, errors.New("late failure")))

	got, err := f.store.GetExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, got.Status)
}

func TestHandleStart(t *testing.T) {
	f := newFixture(t, 3)
	f.acceptDispatch()
	ctx := context.Background()
	exec := f.start(t)
	sub := f.subscribe(t, exec.ExecutionID)

	started := t0.Add(2 * time.Second)
	out, err := f.ing.HandleStart(ctx, exec.ExecutionID, StartPayload{
		Status: "running", Mode: "headed", Browser: "firefox", StartTime: &started, ExecutedBy: "ci",
	})
	require.NoError(t, err)
	assert.True(t, out.StatusUpdated)

	got, err := f.store.GetExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, got.Status)
	assert.Equal(t, "headed", got.Mode)
	assert.Equal(t, "firefox", got.Browser)
	require.NotNil(t, got.StartTime)
	assert.True(t, started.Equal(*got.StartTime))

	// replays are acknowledged without a second event
	out, err = f.ing.HandleStart(ctx, exec.ExecutionID, StartPayload{Status: "running", Mode: "headless"})
	require.NoError(t, err)
	assert.False(t, out.StatusUpdated)
	assert.Equal(t, []events.Kind{events.KindExecutionStarted}, kinds(drain(sub)))

	_, err = f.ing.HandleStart(ctx, exec.ExecutionID, StartPayload{Status: "done", Mode: "headless"})
	assert.True(t, IsValidation(err))
	_, err = f.ing.HandleStart(ctx, exec.ExecutionID, StartPayload{Status: "running"})
	assert.True(t, IsValidation(err))
	_, err = f.ing.HandleStart(ctx, "nope", StartPayload{Status: "running", Mode: "headless"})
	assert.True(t, IsNotFound(err))
}

func TestHandleResult_EventsAndSteps(t *testing.T) {
	f := newFixture(t, 3)
	f.acceptDispatch()
	ctx := context.Background()
	exec := f.start(t)
	sub := f.subscribe(t, exec.ExecutionID)

	_, err := f.ing.HandleStart(ctx, exec.ExecutionID, StartPayload{Status: "running", Mode: "headless"})
	require.NoError(t, err)

	out, err := f.ing.HandleResult(ctx, exec.ExecutionID, successResult())
	require.NoError(t, err)
	assert.Equal(t, 3, out.StepsCount)
	assert.False(t, out.Duplicate)
	assert.NotZero(t, out.DatabaseID)

	assert.Equal(t, []events.Kind{
		events.KindExecutionStarted,
		events.KindStepCompleted,
		events.KindStepCompleted,
		events.KindStepCompleted,
		events.KindExecutionCompleted,
	}, kinds(drain(sub)))

	got, err := f.store.GetExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, got.Status)
	assert.Equal(t, int64(4200), got.DurationMS)
	assert.Equal(t, 3, got.StepsPassed)

	rows, err := f.store.ListSteps(ctx, exec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "navigate", rows[0].Action)
	assert.Equal(t, "navigate step", rows[0].Description)
	assert.Equal(t, "input", rows[1].Action)
	assert.Equal(t, "type shoes", rows[1].Description)
	assert.Equal(t, 0, f.gate.InUse())
}

func TestHandleResult_ImplicitStart(t *testing.T) {
	f := newFixture(t, 3)
	f.acceptDispatch()
	ctx := context.Background()
	exec := f.start(t)
	sub := f.subscribe(t, exec.ExecutionID)

	f.clock.Advance(10 * time.Second)
	p := successResult()
	p.Duration = nil
	p.StartTime = timePtr(t0.Add(time.Second))
	_, err := f.ing.HandleResult(ctx, exec.ExecutionID, p)
	require.NoError(t, err)

	evs := drain(sub)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.KindExecutionStarted, evs[0].Kind)
	assert.Equal(t, events.KindExecutionCompleted, evs[len(evs)-1].Kind)

	got, err := f.store.GetExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, got.StartTime)
	assert.Equal(t, int64(9000), got.DurationMS, "derived from start and end")
}

func TestHandleResult_DuplicateAndConflict(t *testing.T) {
	f := newFixture(t, 3)
	f.acceptDispatch()
	ctx := context.Background()
	exec := f.start(t)

	_, err := f.ing.HandleResult(ctx, exec.ExecutionID, successResult())
	require.NoError(t, err)

	sub := f.subscribe(t, exec.ExecutionID)
	out, err := f.ing.HandleResult(ctx, exec.ExecutionID, successResult())
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Empty(t, drain(sub), "duplicates publish nothing")

	diverging := successResult()
	diverging.Status = "failed"
	diverging.StepsPassed = intPtr(2)
	diverging.StepsFailed = intPtr(1)
	_, err = f.ing.HandleResult(ctx, exec.ExecutionID, diverging)
	assert.True(t, IsConflict(err), "got %v", err)

	got, err := f.store.GetExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, got.Status)
	rows, err := f.store.ListSteps(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestHandleResult_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *ResultPayload)
	}{
		{"bad status", func(p *ResultPayload) { p.Status = "timeout" }},
		{"missing total", func(p *ResultPayload) { p.StepsTotal = nil }},
		{"negative failed", func(p *ResultPayload) { p.StepsFailed = intPtr(-1) }},
		{"counts exceed total", func(p *ResultPayload) { p.StepsFailed = intPtr(1) }},
		{"negative duration", func(p *ResultPayload) { p.Duration = floatPtr(-5) }},
		{"summary not object", func(p *ResultPayload) { p.ResultSummary = []byte(`[1,2]`) }},
		{"too many steps", func(p *ResultPayload) {
			p.StepResults = append(p.StepResults, StepResult{Action: "click", Status: "success"})
		}},
		{"gap in indices", func(p *ResultPayload) { p.StepResults[1].StepIndex = intPtr(2) }},
		{"repeated index", func(p *ResultPayload) { p.StepResults[1].StepIndex = intPtr(0) }},
		{"bad step status", func(p *ResultPayload) { p.StepResults[2].Status = "passed" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)
			f.acceptDispatch()
			ctx := context.Background()
			exec := f.start(t)

			p := successResult()
			tt.mutate(&p)
			_, err := f.ing.HandleResult(ctx, exec.ExecutionID, p)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)

			got, err := f.store.GetExecution(ctx, exec.ExecutionID)
			require.NoError(t, err)
			assert.Equal(t, storage.StatusPending, got.Status)
			rows, err := f.store.ListSteps(ctx, exec.ExecutionID)
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestHandleResult_LegacyStepsField(t *testing.T) {
	f := newFixture(t, 3)
	f.acceptDispatch()
	ctx := context.Background()
	exec := f.start(t)

	p := successResult()
	p.Steps, p.StepResults = p.StepResults, nil
	out, err := f.ing.HandleResult(ctx, exec.ExecutionID, p)
	require.NoError(t, err)
	assert.Equal(t, 3, out.StepsCount)
}

func TestHandleProgress(t *testing.T) {
	f := newFixture(t, 3)
	f.acceptDispatch()
	ctx := context.Background()
	exec := f.start(t)
	sub := f.subscribe(t, exec.ExecutionID)

	require.NoError(t, f.ing.HandleProgress(ctx, exec.ExecutionID, ProgressPayload{StepIndex: intPtr(1), Action: "input"}))
	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindStepStarted, evs[0].Kind)
	assert.Equal(t, 1, *evs[0].StepIndex)

	err := f.ing.HandleProgress(ctx, exec.ExecutionID, ProgressPayload{StepIndex: intPtr(3)})
	assert.True(t, IsValidation(err))
	err = f.ing.HandleProgress(ctx, exec.ExecutionID, ProgressPayload{})
	assert.True(t, IsValidation(err))

	_, err = f.ing.HandleResult(ctx, exec.ExecutionID, successResult())
	require.NoError(t, err)
	err = f.ing.HandleProgress(ctx, exec.ExecutionID, ProgressPayload{StepIndex: intPtr(0)})
	assert.True(t, IsConflict(err))
}

func TestSweepTimeouts(t *testing.T) {
	f := newFixture(t, 3)
	f.acceptDispatch()
	ctx := context.Background()

	running := f.start(t)
	_, err := f.ing.HandleStart(ctx, running.ExecutionID, StartPayload{Status: "running", Mode: "headless"})
	require.NoError(t, err)

	f.clock.Advance(4 * time.Minute)
	pending := f.start(t)

	f.clock.Advance(2 * time.Minute)
	report, err := f.mgr.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report, "nothing is overdue yet")

	f.clock.Advance(4 * time.Minute)
	sub := f.subscribe(t, pending.ExecutionID)
	report, err = f.mgr.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{DispatchTimeouts: 1}, report)
	assert.Equal(t, []events.Kind{events.KindExecutionCompleted}, kinds(drain(sub)))

	f.clock.Advance(21 * time.Minute)
	report, err = f.mgr.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{RunTimeouts: 1}, report)

	got, err := f.store.GetExecution(ctx, running.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusTimeout, got.Status)
	assert.Equal(t, (31 * time.Minute).Milliseconds(), got.DurationMS)
	assert.Equal(t, 0, f.gate.InUse())

	// a late result loses to the sweep
	_, err = f.ing.HandleResult(ctx, running.ExecutionID, successResult())
	assert.True(t, IsConflict(err))
}

func TestError_Formatting(t *testing.T) {
	err := newError(ErrNotFound, "get", "abc", errors.New("execution abc not found"))
	assert.Equal(t, "execution abc: get: execution abc not found", err.Error())
	assert.Equal(t, "execution abc not found", err.Message())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))

	bare := newError(ErrConcurrencyLimit, "admit", "", nil)
	assert.Equal(t, "too many concurrent executions", bare.Message())
	assert.ErrorIs(t, bare, ErrConcurrencyLimit)
}
