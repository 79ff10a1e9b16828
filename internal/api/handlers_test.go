package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"browser-test-orchestrator/internal/clock"
	"browser-test-orchestrator/internal/config"
	"browser-test-orchestrator/internal/events"
	"browser-test-orchestrator/internal/orchestrator"
	"browser-test-orchestrator/internal/stats"
	"browser-test-orchestrator/internal/storage"
	"browser-test-orchestrator/internal/worker"
)

// fakeDispatcher accepts every job and remembers it.
type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []worker.Job
	err  error
}

func (d *fakeDispatcher) Submit(job worker.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *fakeDispatcher) submitted() []worker.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]worker.Job(nil), d.jobs...)
}

type testEnv struct {
	srv   *httptest.Server
	disp  *fakeDispatcher
	store storage.Store
}

func newTestEnv(t *testing.T, limit int) *testEnv {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	bus := events.NewMemory(64)
	t.Cleanup(func() { _ = bus.Close() })

	cfg := config.DefaultConfig()
	cfg.Orchestrator.MaxConcurrent = limit
	cfg.Security.RateLimitRPS = 0

	disp := &fakeDispatcher{}
	clk := clock.RealClock{}
	gate := orchestrator.NewGate(store, limit, nil)
	mgr := orchestrator.NewManager(cfg.Orchestrator, "http://orchestrator.test", store, gate, bus, disp, clk, nil)

	h := NewHandlers(Deps{
		Store:    store,
		Manager:  mgr,
		Ingestor: orchestrator.NewIngestor(mgr),
		Catalog:  orchestrator.NewCatalog(store, mgr.Registry()),
		Stats:    stats.New(store, gate, clk, cfg.Orchestrator.MaxRunDuration),
		Bus:      bus,
		Slots:    gate,
		Clock:    clk,
	}, 50*time.Millisecond, nil)

	srv := httptest.NewServer(NewServer(cfg, h, nil).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, disp: disp, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func (e *testEnv) expect(t *testing.T, method, path string, body any, status int, out any) {
	t.Helper()
	resp, raw := e.do(t, method, path, body)
	if resp.StatusCode != status {
		t.Fatalf("%s %s: got status %d, want %d (body %s)", method, path, resp.StatusCode, status, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decoding %s: %v", method, path, raw, err)
		}
	}
}

func (e *testEnv) createTestCase(t *testing.T) int64 {
	t.Helper()
	var tc storage.TestCase
	e.expect(t, http.MethodPost, "/testcases", map[string]any{
		"name":     "checkout",
		"category": "shop",
		"steps": []map[string]any{
			{"action": "navigate", "params": map[string]any{"url": "https://shop.example.com"}},
			{"action": "ai_tap", "params": map[string]any{"locate": "buy button"}},
		},
	}, http.StatusCreated, &tc)
	if tc.ID == 0 {
		t.Fatal("created test case has no id")
	}
	return tc.ID
}

func (e *testEnv) run(t *testing.T, tcID int64) RunResponse {
	t.Helper()
	var out RunResponse
	e.expect(t, http.MethodPost, "/executions", map[string]any{"testcase_id": tcID}, http.StatusCreated, &out)
	return out
}

func successResult() map[string]any {
	return map[string]any{
		"status":       "success",
		"steps_total":  2,
		"steps_passed": 2,
		"steps_failed": 0,
		"duration":     1500,
		"step_results": []map[string]any{
			{"step_index": 0, "action": "goto", "status": "success", "duration": 700},
			{"step_index": 1, "action": "ai_tap", "status": "success", "duration": 800},
		},
	}
}

func TestExecutionLifecycle(t *testing.T) {
	env := newTestEnv(t, 1)
	tcID := env.createTestCase(t)

	run := env.run(t, tcID)
	if run.Status != storage.StatusPending || run.Mode != "headless" || run.Browser != "chromium" {
		t.Fatalf("unexpected run response %+v", run)
	}
	jobs := env.disp.submitted()
	if len(jobs) != 1 || jobs[0].ExecutionID != run.ExecutionID {
		t.Fatalf("dispatched jobs = %+v", jobs)
	}
	if got := jobs[0].TestCase.Steps[1].Action; got != "click" {
		t.Errorf("planned step action = %q, want click", got)
	}

	// the only slot is taken
	var limited ErrorResponse
	env.expect(t, http.MethodPost, "/executions", map[string]any{"testcase_id": tcID}, http.StatusTooManyRequests, &limited)
	if limited.Code != "CONCURRENCY_LIMIT" || limited.RequestID == "" {
		t.Errorf("unexpected limit error %+v", limited)
	}

	base := "/executions/" + run.ExecutionID
	var started StartResponse
	env.expect(t, http.MethodPost, base+"/start", map[string]any{"status": "running", "mode": "headless"}, http.StatusOK, &started)
	if !started.StatusUpdated {
		t.Error("first start callback should update the status")
	}
	env.expect(t, http.MethodPost, base+"/start", map[string]any{"status": "running", "mode": "headless"}, http.StatusOK, &started)
	if started.StatusUpdated {
		t.Error("repeated start callback should be a no-op")
	}

	env.expect(t, http.MethodPost, base+"/progress", map[string]any{"step_index": 0, "action": "goto"}, http.StatusAccepted, nil)

	var result ResultResponse
	env.expect(t, http.MethodPost, base+"/result", successResult(), http.StatusOK, &result)
	if result.StepsCount != 2 || result.Duplicate || result.DatabaseID == 0 {
		t.Errorf("unexpected result response %+v", result)
	}

	var detail ExecutionDetail
	env.expect(t, http.MethodGet, base, nil, http.StatusOK, &detail)
	if detail.Status != storage.StatusSuccess || detail.DurationMS != 1500 || len(detail.StepExecutions) != 2 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.StepExecutions[0].Action != "navigate" {
		t.Errorf("step action = %q, want navigate", detail.StepExecutions[0].Action)
	}

	env.expect(t, http.MethodPost, base+"/result", successResult(), http.StatusOK, &result)
	if !result.Duplicate {
		t.Error("identical result should be acknowledged as a duplicate")
	}
	failed := successResult()
	failed["status"] = "failed"
	failed["steps_passed"] = 1
	failed["steps_failed"] = 1
	var conflict ErrorResponse
	env.expect(t, http.MethodPost, base+"/result", failed, http.StatusConflict, &conflict)
	if conflict.Code != "CONFLICT" {
		t.Errorf("code = %q, want CONFLICT", conflict.Code)
	}

	// slot is free again
	env.run(t, tcID)

	var stat stats.TestCaseStat
	env.expect(t, http.MethodGet, fmt.Sprintf("/statistics/testcases/%d", tcID), nil, http.StatusOK, &stat)
	if stat.ExecutionCount != 2 || stat.SuccessCount != 1 || stat.SuccessRate != 50 {
		t.Errorf("unexpected stat %+v", stat)
	}

	var page Page[storage.Execution]
	env.expect(t, http.MethodGet, "/executions?status=success", nil, http.StatusOK, &page)
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ExecutionID != run.ExecutionID {
		t.Errorf("unexpected page %+v", page)
	}

	var report ExecutionReport
	env.expect(t, http.MethodGet, base+"/export", nil, http.StatusOK, &report)
	if report.ReportType != "single_execution" || report.Execution.ExecutionID != run.ExecutionID {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestErrorResponses(t *testing.T) {
	env := newTestEnv(t, 3)
	tcID := env.createTestCase(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown execution", http.MethodGet, "/executions/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"unknown test case", http.MethodPost, "/executions", map[string]any{"testcase_id": 999}, http.StatusNotFound, "NOT_FOUND"},
		{"empty body", http.MethodPost, "/executions", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"malformed body", http.MethodPost, "/executions", "{", http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad mode", http.MethodPost, "/executions", map[string]any{"testcase_id": tcID, "mode": "turbo"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad status filter", http.MethodGet, "/executions?status=done", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad page size", http.MethodGet, "/executions?size=500", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad days", http.MethodGet, "/dashboard/summary?days=0", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad bucket", http.MethodGet, "/reports/performance?bucket=year", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"reversed range", http.MethodGet, "/dashboard/failure-analysis?start_date=2026-05-10&end_date=2026-05-01", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad test case id", http.MethodGet, "/testcases/abc", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown statistics path", http.MethodGet, "/statistics/nothing", nil, http.StatusNotFound, "NOT_FOUND"},
		{"unknown path", http.MethodGet, "/nowhere", nil, http.StatusNotFound, "NOT_FOUND"},
		{"result for unknown execution", http.MethodPost, "/executions/nope/result", successResult(), http.StatusNotFound, "NOT_FOUND"},
		{"start with wrong status", http.MethodPost, "/executions/nope/start", map[string]any{"status": "success", "mode": "headless"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"progress without index", http.MethodPost, "/executions/nope/progress", map[string]any{}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out ErrorResponse
			env.expect(t, tt.method, tt.path, tt.body, tt.status, &out)
			if out.Code != tt.code {
				t.Errorf("code = %q, want %q", out.Code, tt.code)
			}
			if out.Message == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestDispatchUnavailable(t *testing.T) {
	env := newTestEnv(t, 3)
	tcID := env.createTestCase(t)
	env.disp.err = worker.ErrQueueFull

	var out ErrorResponse
	env.expect(t, http.MethodPost, "/executions", map[string]any{"testcase_id": tcID}, http.StatusServiceUnavailable, &out)
	if out.Code != "DISPATCH_UNAVAILABLE" {
		t.Errorf("code = %q, want DISPATCH_UNAVAILABLE", out.Code)
	}

	var page Page[storage.Execution]
	env.expect(t, http.MethodGet, "/executions?status=error", nil, http.StatusOK, &page)
	if page.Total != 1 {
		t.Errorf("failed dispatch should leave one errored execution, got %d", page.Total)
	}
}

func TestTestCaseEndpoints(t *testing.T) {
	env := newTestEnv(t, 3)
	tcID := env.createTestCase(t)
	path := fmt.Sprintf("/testcases/%d", tcID)

	var updated storage.TestCase
	env.expect(t, http.MethodPut, path, map[string]any{
		"name":     "checkout v2",
		"priority": 1,
		"steps": []map[string]any{
			{"action": "navigate", "params": map[string]any{"url": "https://shop.example.com/cart"}},
		},
	}, http.StatusOK, &updated)
	if updated.Name != "checkout v2" || updated.Priority != 1 || len(updated.Steps) != 1 {
		t.Errorf("unexpected update %+v", updated)
	}

	env.expect(t, http.MethodDelete, path, nil, http.StatusNoContent, nil)

	var page Page[storage.TestCase]
	env.expect(t, http.MethodGet, "/testcases", nil, http.StatusOK, &page)
	if page.Total != 0 || page.Items == nil {
		t.Errorf("deactivated test case should be hidden, got %+v", page)
	}
	env.expect(t, http.MethodGet, "/testcases?include_inactive=true", nil, http.StatusOK, &page)
	if page.Total != 1 {
		t.Errorf("include_inactive should list it, got %d", page.Total)
	}

	var out ErrorResponse
	env.expect(t, http.MethodPost, "/executions", map[string]any{"testcase_id": tcID}, http.StatusNotFound, &out)
	if out.Code != "NOT_FOUND" {
		t.Errorf("running an inactive test case: code = %q", out.Code)
	}
}

func TestDashboardEndpoints(t *testing.T) {
	env := newTestEnv(t, 3)
	tcID := env.createTestCase(t)
	run := env.run(t, tcID)
	env.expect(t, http.MethodPost, "/executions/"+run.ExecutionID+"/result", map[string]any{
		"status": "failed", "steps_total": 2, "steps_passed": 1, "steps_failed": 1,
		"error_message": `Element "Buy" not found after 5000ms`,
	}, http.StatusOK, nil)

	for _, path := range []string{
		"/statistics/testcases",
		"/dashboard/summary",
		"/dashboard/execution-chart?days=3",
		"/dashboard/top-testcases?limit=5",
		"/dashboard/health-check",
		"/dashboard/failure-analysis",
		"/reports/failure-analysis?days=30",
		"/reports/performance?bucket=hour",
	} {
		t.Run(path, func(t *testing.T) {
			var out map[string]any
			env.expect(t, http.MethodGet, path, nil, http.StatusOK, &out)
			if len(out) == 0 {
				t.Error("empty response object")
			}
		})
	}

	var chart stats.ExecutionChart
	env.expect(t, http.MethodGet, "/dashboard/execution-chart?days=3", nil, http.StatusOK, &chart)
	if len(chart.ChartData) != 3 {
		t.Errorf("chart should have one point per day, got %d", len(chart.ChartData))
	}
}

func TestExecutionsWorkbook(t *testing.T) {
	env := newTestEnv(t, 3)
	env.run(t, env.createTestCase(t))

	resp, raw := env.do(t, http.MethodGet, "/reports/executions.xlsx?days=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); ct != xlsxContentType {
		t.Errorf("content type = %q", ct)
	}
	// xlsx is a zip archive
	if !bytes.HasPrefix(raw, []byte("PK")) {
		t.Error("body is not a zip archive")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 2)
	var out HealthResponse
	env.expect(t, http.MethodGet, "/health", nil, http.StatusOK, &out)
	if out.Status != "ok" || !out.Database || out.MaxSlots != 2 || out.Worker != nil {
		t.Errorf("unexpected health %+v", out)
	}
}

func TestExecutionEventStream(t *testing.T) {
	env := newTestEnv(t, 3)
	run := env.run(t, env.createTestCase(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/executions/"+run.ExecutionID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	next := func(prefix string) string {
		t.Helper()
		for line := range lines {
			if strings.HasPrefix(line, prefix) {
				return strings.TrimPrefix(line, prefix)
			}
		}
		t.Fatalf("stream ended before %q", prefix)
		return ""
	}

	if ev := next("event: "); ev != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", ev)
	}

	env.expect(t, http.MethodPost, "/executions/"+run.ExecutionID+"/result", successResult(), http.StatusOK, nil)

	var kinds []string
	for {
		ev := next("event: ")
		kinds = append(kinds, ev)
		if ev == string(events.KindExecutionCompleted) {
			break
		}
	}
	want := []string{"execution_started", "step_completed", "step_completed", "execution_completed"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}

	// the server closes the stream after completion
	for range lines {
	}
}

func TestEventStreamFinishedExecution(t *testing.T) {
	env := newTestEnv(t, 3)
	run := env.run(t, env.createTestCase(t))
	env.expect(t, http.MethodPost, "/executions/"+run.ExecutionID+"/result", successResult(), http.StatusOK, nil)

	resp, raw := env.do(t, http.MethodGet, "/executions/"+run.ExecutionID+"/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := string(raw)
	if !strings.Contains(body, "event: snapshot") || strings.Count(body, "event: ") != 1 {
		t.Errorf("finished execution should get only a snapshot, got %q", body)
	}
}

func TestEventStreamUnencodableSnapshot(t *testing.T) {
	env := newTestEnv(t, 3)
	run := env.run(t, env.createTestCase(t))
	_, err := env.store.MutateExecution(context.Background(), run.ExecutionID, func(cur *storage.Execution) (*storage.Mutation, error) {
		cur.ResultSummary = []byte("{truncated")
		return &storage.Mutation{Execution: cur}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var e ErrorResponse
	env.expect(t, http.MethodGet, "/executions/"+run.ExecutionID+"/events", nil, http.StatusInternalServerError, &e)
	if e.Code != "INTERNAL" {
		t.Errorf("code = %q, want INTERNAL", e.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{storage.ErrNotFound, http.StatusNotFound},
		{stats.ErrInvalidQuery, http.StatusBadRequest},
		{&orchestrator.Error{Kind: orchestrator.ErrDispatch, Err: worker.ErrStopped}, http.StatusServiceUnavailable},
		{&orchestrator.Error{Kind: orchestrator.ErrDispatch, Err: fmt.Errorf("worker returned 500")}, http.StatusBadGateway},
		{&orchestrator.Error{Kind: orchestrator.ErrPersistence, Err: fmt.Errorf("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusFor(tt.err); got != tt.status {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}
