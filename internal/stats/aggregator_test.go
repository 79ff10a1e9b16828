package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browser-test-orchestrator/internal/clock"
	"browser-test-orchestrator/internal/steps"
	"browser-test-orchestrator/internal/storage"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeSlots struct{ inUse, limit int }

func (f fakeSlots) InUse() int { return f.inUse }
func (f fakeSlots) Limit() int { return f.limit }

type seed struct {
	t     *testing.T
	store storage.Store
	n     int
}

func newSeed(t *testing.T) *seed {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &seed{t: t, store: store}
}

func (s *seed) testCase(name, category string) int64 {
	s.t.Helper()
	tc := &storage.TestCase{
		Name:     name,
		Category: category,
		IsActive: true,
		Steps:    []steps.Step{{Action: steps.KindNavigate, Params: map[string]any{"url": "https://example.com"}}},
	}
	require.NoError(s.t, s.store.CreateTestCase(context.Background(), tc))
	return tc.ID
}

// run admits an execution created at and moves it to status. Pending and
// running keep their slot.
func (s *seed) run(tcID int64, at time.Time, status storage.Status, msg string, durMS int64) string {
	s.t.Helper()
	ctx := context.Background()
	s.n++
	id := fmt.Sprintf("exec-%03d", s.n)
	require.NoError(s.t, s.store.AdmitExecution(ctx, &storage.Execution{
		ExecutionID: id,
		TestCaseID:  tcID,
		Status:      storage.StatusPending,
		Mode:        "headless",
		Browser:     "chromium",
		StepsTotal:  1,
		CreatedAt:   at,
	}, 1000))
	if status == storage.StatusPending {
		return id
	}
	_, err := s.store.MutateExecution(ctx, id, func(cur *storage.Execution) (*storage.Mutation, error) {
		cur.Status = status
		cur.StartTime = &cur.CreatedAt
		if status.IsTerminal() {
			end := at.Add(time.Duration(durMS) * time.Millisecond)
			cur.EndTime = &end
			cur.DurationMS = durMS
			cur.ErrorMessage = msg
		}
		return &storage.Mutation{Execution: cur}, nil
	})
	require.NoError(s.t, err)
	return id
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 66.7, SuccessRate(2, 3))
	assert.Equal(t, 0.0, SuccessRate(0, 0))
	assert.Equal(t, 100.0, SuccessRate(4, 4))
	assert.Equal(t, 33.3, SuccessRate(1, 3))
}

func TestAggregator_TestCase(t *testing.T) {
	s := newSeed(t)
	login := s.testCase("login", "auth")
	idle := s.testCase("idle", "misc")

	s.run(login, now.Add(-3*time.Hour), storage.StatusSuccess, "", 1000)
	s.run(login, now.Add(-2*time.Hour), storage.StatusSuccess, "", 1200)
	s.run(login, now.Add(-1*time.Hour), storage.StatusFailed, "assertion failed", 900)
	s.run(login, now.Add(-time.Minute), storage.StatusRunning, "", 0)

	agg := New(s.store, nil, clock.NewManual(now), 30*time.Minute)
	ctx := context.Background()

	st, err := agg.TestCase(ctx, login)
	require.NoError(t, err)
	assert.Equal(t, 4, st.ExecutionCount)
	assert.Equal(t, 2, st.SuccessCount)
	assert.Equal(t, 1, st.FailureCount)
	// the running execution counts towards the total
	assert.Equal(t, 50.0, st.SuccessRate)
	require.NotNil(t, st.LastExecutionTime)
	assert.True(t, now.Add(-time.Minute).Equal(*st.LastExecutionTime))

	st, err = agg.TestCase(ctx, idle)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ExecutionCount)
	assert.Equal(t, 0.0, st.SuccessRate)
	assert.Nil(t, st.LastExecutionTime)

	_, err = agg.TestCase(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := agg.TestCases(ctx, storage.TestCaseStatsFilter{Category: "auth"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "login", all[0].Name)
}

func TestAggregator_TestCaseTwoOfThree(t *testing.T) {
	s := newSeed(t)
	tc := s.testCase("search", "")
	s.run(tc, now.Add(-3*time.Hour), storage.StatusSuccess, "", 100)
	s.run(tc, now.Add(-2*time.Hour), storage.StatusSuccess, "", 100)
	s.run(tc, now.Add(-1*time.Hour), storage.StatusFailed, "boom", 100)

	st, err := New(s.store, nil, clock.NewManual(now), 0).TestCase(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, 3, st.ExecutionCount)
	assert.InDelta(t, 66.7, st.SuccessRate, 0.1)
}

func TestAggregator_Dashboard(t *testing.T) {
	s := newSeed(t)
	a := s.testCase("a", "auth")
	b := s.testCase("b", "")

	s.run(a, now.Add(-time.Hour), storage.StatusSuccess, "", 500)
	s.run(b, now.Add(-time.Hour), storage.StatusTimeout, "timed out", 500)
	s.run(b, now.Add(-30*time.Minute), storage.StatusPending, "", 0)
	s.run(a, now.AddDate(0, 0, -10), storage.StatusSuccess, "", 500)

	agg := New(s.store, nil, clock.NewManual(now), 0)
	d, err := agg.Dashboard(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, DashboardSummary{
		TotalTestCases:    2,
		TotalExecutions:   3,
		SuccessExecutions: 1,
		FailedExecutions:  1,
		RunningExecutions: 1,
		SuccessRate:       33.3,
	}, d.Summary)
	assert.Len(t, d.RecentExecutions, 4)
	assert.Len(t, d.CategoryDistribution, 2)
	assert.Equal(t, 7, d.Period.Days)
}

func TestAggregator_ExecutionChartFillsDays(t *testing.T) {
	s := newSeed(t)
	tc := s.testCase("a", "")
	s.run(tc, now.Add(-time.Hour), storage.StatusSuccess, "", 100)
	s.run(tc, now.Add(-2*time.Hour), storage.StatusFailed, "boom", 100)

	agg := New(s.store, nil, clock.NewManual(now), 0)
	chart, err := agg.ExecutionChart(context.Background(), 3)
	require.NoError(t, err)

	require.Len(t, chart.ChartData, 3)
	assert.Equal(t, storage.DailyCount{Date: "2026-05-08"}, chart.ChartData[0])
	assert.Equal(t, storage.DailyCount{Date: "2026-05-09"}, chart.ChartData[1])
	assert.Equal(t, storage.DailyCount{Date: "2026-05-10", Total: 2, Success: 1, Failed: 1}, chart.ChartData[2])
}

func TestAggregator_FailureAnalysis(t *testing.T) {
	s := newSeed(t)
	tc := s.testCase("checkout", "shop")
	s.run(tc, now.Add(-5*time.Hour), storage.StatusFailed, `Element "#login" not found`, 100)
	s.run(tc, now.Add(-4*time.Hour), storage.StatusFailed, `Element "#signup" not found`, 100)
	s.run(tc, now.Add(-3*time.Hour), storage.StatusTimeout, "execution exceeded max run duration of 30m0s", 100)
	s.run(tc, now.Add(-2*time.Hour), storage.StatusSuccess, "", 100)

	agg := New(s.store, nil, clock.NewManual(now), 0)
	ctx := context.Background()

	fa, err := agg.FailureAnalysis(ctx, now.AddDate(0, 0, -1), now)
	require.NoError(t, err)
	assert.Equal(t, 3, fa.TotalFailures)
	assert.Equal(t, 75.0, fa.FailureRate)
	require.Len(t, fa.CommonFailures, 2)
	assert.Equal(t, ClassElementNotFound, fa.CommonFailures[0].Class)
	assert.Equal(t, `element "?" not found`, fa.CommonFailures[0].Prefix)
	assert.Equal(t, 2, fa.CommonFailures[0].Count)
	assert.True(t, now.Add(-4*time.Hour).Equal(fa.CommonFailures[0].LastSeen))
	assert.Equal(t, ClassTimeout, fa.CommonFailures[1].Class)
	assert.Equal(t, []FailureTrend{{Date: "2026-05-10", Count: 3}}, fa.FailureTrends)

	_, err = agg.FailureAnalysis(ctx, now, now.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, ErrInvalidQuery)

	fb, err := agg.FailureBreakdown(ctx, 7)
	require.NoError(t, err)
	require.Len(t, fb.FailureReasons, 2)
	assert.Equal(t, FailureReason{Class: ClassElementNotFound, Description: "Element could not be located", Count: 2}, fb.FailureReasons[0])
	require.Len(t, fb.FailureProneTestCases, 1)
	assert.Equal(t, 3, fb.FailureProneTestCases[0].Failures)
	assert.Equal(t, 4, fb.FailureProneTestCases[0].Executions)
}

func TestAggregator_Performance(t *testing.T) {
	s := newSeed(t)
	tc := s.testCase("a", "")
	s.run(tc, now.Add(-3*time.Hour), storage.StatusSuccess, "", 1000)
	s.run(tc, now.Add(-2*time.Hour), storage.StatusSuccess, "", 3000)

	agg := New(s.store, nil, clock.NewManual(now), 0)
	ctx := context.Background()

	p, err := agg.Performance(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, storage.BucketDay, p.Bucket)
	total := 0
	for _, b := range p.Buckets {
		total += b.Count
	}
	assert.Equal(t, 2, total)

	_, err = agg.Performance(ctx, 1, "week")
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestAggregator_InvalidDays(t *testing.T) {
	agg := New(newSeed(t).store, nil, clock.NewManual(now), 0)
	ctx := context.Background()

	for _, days := range []int{0, -1, 366} {
		_, err := agg.Dashboard(ctx, days)
		assert.ErrorIs(t, err, ErrInvalidQuery, "days=%d", days)
		_, err = agg.ExecutionChart(ctx, days)
		assert.ErrorIs(t, err, ErrInvalidQuery, "days=%d", days)
	}
	_, err := agg.TopTestCases(ctx, 7, 0)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestAggregator_Health(t *testing.T) {
	tests := []struct {
		name       string
		seed       func(s *seed, tc int64)
		slots      fakeSlots
		wantStatus string
		wantScore  int
	}{
		{
			name:       "idle",
			seed:       func(*seed, int64) {},
			slots:      fakeSlots{0, 3},
			wantStatus: HealthExcellent,
			wantScore:  100,
		},
		{
			name: "mostly passing",
			seed: func(s *seed, tc int64) {
				for i := 0; i < 4; i++ {
					s.run(tc, now.Add(-time.Hour), storage.StatusSuccess, "", 100)
				}
				s.run(tc, now.Add(-time.Hour), storage.StatusFailed, "boom", 100)
			},
			slots:      fakeSlots{0, 3},
			wantStatus: HealthGood,
			wantScore:  80,
		},
		{
			name: "stuck and saturated",
			seed: func(s *seed, tc int64) {
				s.run(tc, now.Add(-2*time.Hour), storage.StatusRunning, "", 0)
				s.run(tc, now.Add(-time.Hour), storage.StatusSuccess, "", 100)
			},
			slots:      fakeSlots{3, 3},
			wantStatus: HealthGood,
			wantScore:  80,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSeed(t)
			tt.seed(s, s.testCase("a", ""))
			agg := New(s.store, tt.slots, clock.NewManual(now), 30*time.Minute)

			h, err := agg.Health(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, h.Status)
			assert.Equal(t, tt.wantScore, h.Score)
			assert.Equal(t, tt.slots.limit, h.Metrics.MaxConcurrent)
			assert.True(t, now.Equal(h.CheckTime))
		})
	}
}
