// Package stats computes read-only aggregates over executions and their step
// results for the statistics, dashboard and report endpoints. Every figure is
// backed by one grouped store query.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"browser-test-orchestrator/internal/clock"
	"browser-test-orchestrator/internal/storage"
)

// ErrInvalidQuery reports out-of-range days, reversed ranges or unknown buckets.
var ErrInvalidQuery = errors.New("invalid statistics query")

const maxDays = 365

// SlotReporter exposes concurrency gate occupancy.
type SlotReporter interface {
	InUse() int
	Limit() int
}

// Aggregator answers statistics queries.
type Aggregator struct {
	store      storage.Store
	slots      SlotReporter
	clock      clock.Clock
	classifier *Classifier
	maxRun     time.Duration
}

// New creates an aggregator. maxRun is the run time after which a running
// execution counts as stuck in Health.
func New(store storage.Store, slots SlotReporter, clk clock.Clock, maxRun time.Duration) *Aggregator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Aggregator{
		store:      store,
		slots:      slots,
		clock:      clk,
		classifier: NewClassifier(),
		maxRun:     maxRun,
	}
}

// Period is the window an aggregate covers.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days,omitempty"`
}

// TestCaseStat is the per-test-case aggregate.
type TestCaseStat struct {
	TestCaseID        int64      `json:"testcase_id"`
	Name              string     `json:"name"`
	Category          string     `json:"category,omitempty"`
	ExecutionCount    int        `json:"execution_count"`
	SuccessCount      int        `json:"success_count"`
	FailureCount      int        `json:"failure_count"`
	SuccessRate       float64    `json:"success_rate"`
	LastExecutionTime *time.Time `json:"last_execution_time"`
}

// SuccessRate is success/total as a percentage rounded to one decimal.
// Executions still pending or running count towards total.
func SuccessRate(success, total int) float64 {
	if total <= 0 {
		return 0
	}
	return round1(float64(success) / float64(total) * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func toStat(s storage.TestCaseStats) TestCaseStat {
	return TestCaseStat{
		TestCaseID:        s.TestCaseID,
		Name:              s.Name,
		Category:          s.Category,
		ExecutionCount:    s.Executions,
		SuccessCount:      s.Successes,
		FailureCount:      s.Failures,
		SuccessRate:       SuccessRate(s.Successes, s.Executions),
		LastExecutionTime: s.LastExecution,
	}
}

// TestCase returns the aggregate for one test case. A test case without
// executions reports zero counts.
func (a *Aggregator) TestCase(ctx context.Context, id int64) (*TestCaseStat, error) {
	rows, err := a.store.TestCaseStats(ctx, storage.TestCaseStatsFilter{TestCaseID: id})
	if err != nil {
		return nil, fmt.Errorf("test case %d stats: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("test case %d: %w", id, storage.ErrNotFound)
	}
	st := toStat(rows[0])
	return &st, nil
}

// TestCases returns the aggregate for every test case matching filter.
func (a *Aggregator) TestCases(ctx context.Context, filter storage.TestCaseStatsFilter) ([]TestCaseStat, error) {
	rows, err := a.store.TestCaseStats(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("test case stats: %w", err)
	}
	out := make([]TestCaseStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, toStat(r))
	}
	return out, nil
}

type DashboardSummary struct {
	TotalTestCases    int     `json:"total_testcases"`
	TotalExecutions   int     `json:"total_executions"`
	SuccessExecutions int     `json:"success_executions"`
	FailedExecutions  int     `json:"failed_executions"`
	RunningExecutions int     `json:"running_executions"`
	SuccessRate       float64 `json:"success_rate"`
}

type Dashboard struct {
	Summary              DashboardSummary        `json:"summary"`
	RecentExecutions     []storage.Execution     `json:"recent_executions"`
	CategoryDistribution []storage.CategoryCount `json:"category_distribution"`
	Period               Period                  `json:"period"`
}

// Dashboard summarises the last days of activity.
func (a *Aggregator) Dashboard(ctx context.Context, days int) (*Dashboard, error) {
	period, err := a.period(days)
	if err != nil {
		return nil, err
	}
	sum, err := a.store.Summary(ctx, period.Start)
	if err != nil {
		return nil, fmt.Errorf("dashboard summary: %w", err)
	}
	recent, _, err := a.store.ListExecutions(ctx, storage.ExecutionFilter{Limit: 10})
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	cats, err := a.store.CategoryDistribution(ctx)
	if err != nil {
		return nil, fmt.Errorf("category distribution: %w", err)
	}
	if recent == nil {
		recent = []storage.Execution{}
	}
	return &Dashboard{
		Summary: DashboardSummary{
			TotalTestCases:    sum.TestCases,
			TotalExecutions:   sum.Total,
			SuccessExecutions: sum.Success,
			FailedExecutions:  sum.Failed,
			RunningExecutions: sum.Active,
			SuccessRate:       SuccessRate(sum.Success, sum.Total),
		},
		RecentExecutions:     recent,
		CategoryDistribution: cats,
		Period:               period,
	}, nil
}

type ExecutionChart struct {
	ChartData []storage.DailyCount `json:"chart_data"`
	Period    Period               `json:"period"`
}

// ExecutionChart returns one point per UTC day, including days without runs.
func (a *Aggregator) ExecutionChart(ctx context.Context, days int) (*ExecutionChart, error) {
	period, err := a.dayPeriod(days)
	if err != nil {
		return nil, err
	}
	counts, err := a.store.DailyCounts(ctx, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("execution chart: %w", err)
	}
	byDay := make(map[string]storage.DailyCount, len(counts))
	for _, c := range counts {
		byDay[c.Date] = c
	}
	data := make([]storage.DailyCount, 0, days)
	for d := period.Start; d.Before(period.End); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		c, ok := byDay[key]
		if !ok {
			c = storage.DailyCount{Date: key}
		}
		data = append(data, c)
	}
	return &ExecutionChart{ChartData: data, Period: period}, nil
}

type TopTestCases struct {
	TestCases []TestCaseStat `json:"testcases"`
	Period    Period         `json:"period"`
}

// TopTestCases ranks test cases by executions within the window.
func (a *Aggregator) TopTestCases(ctx context.Context, days, limit int) (*TopTestCases, error) {
	period, err := a.period(days)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 100 {
		return nil, fmt.Errorf("%w: limit must be between 1 and 100", ErrInvalidQuery)
	}
	rows, err := a.store.RankTestCases(ctx, period.Start, storage.RankByExecutions, limit)
	if err != nil {
		return nil, fmt.Errorf("top test cases: %w", err)
	}
	out := make([]TestCaseStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, toStat(r))
	}
	return &TopTestCases{TestCases: out, Period: period}, nil
}

// CommonFailure is one cluster of failures sharing a normalized message.
type CommonFailure struct {
	Class    FailureClass `json:"class"`
	Prefix   string       `json:"prefix"`
	Count    int          `json:"count"`
	LastSeen time.Time    `json:"last_seen"`
}

type FailureTrend struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type FailureAnalysis struct {
	TotalFailures  int             `json:"total_failures"`
	FailureRate    float64         `json:"failure_rate"`
	CommonFailures []CommonFailure `json:"common_failures"`
	FailureTrends  []FailureTrend  `json:"failure_trends"`
	Period         Period          `json:"period"`
}

const maxCommonFailures = 20

// FailureAnalysis clusters failed executions created in [from, to).
func (a *Aggregator) FailureAnalysis(ctx context.Context, from, to time.Time) (*FailureAnalysis, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: start date must precede end date", ErrInvalidQuery)
	}
	groups, err := a.store.FailureGroups(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failure groups: %w", err)
	}
	daily, err := a.store.DailyCounts(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failure trends: %w", err)
	}

	out := &FailureAnalysis{
		CommonFailures: a.cluster(groups),
		FailureTrends:  []FailureTrend{},
		Period:         Period{Start: from, End: to},
	}
	if len(out.CommonFailures) > maxCommonFailures {
		out.CommonFailures = out.CommonFailures[:maxCommonFailures]
	}

	total := 0
	for _, d := range daily {
		total += d.Total
		out.TotalFailures += d.Failed
		if d.Failed > 0 {
			out.FailureTrends = append(out.FailureTrends, FailureTrend{Date: d.Date, Count: d.Failed})
		}
	}
	if total > 0 {
		out.FailureRate = round1(float64(out.TotalFailures) / float64(total) * 100)
	}
	return out, nil
}

func (a *Aggregator) cluster(groups []storage.FailureGroup) []CommonFailure {
	type key struct {
		class  FailureClass
		prefix string
	}
	merged := make(map[key]*CommonFailure)
	for _, g := range groups {
		k := key{class: a.classifier.Classify(g.Message), prefix: Normalize(g.Message)}
		cf, ok := merged[k]
		if !ok {
			cf = &CommonFailure{Class: k.class, Prefix: k.prefix}
			merged[k] = cf
		}
		cf.Count += g.Count
		if g.LastSeen.After(cf.LastSeen) {
			cf.LastSeen = g.LastSeen
		}
	}

	out := make([]CommonFailure, 0, len(merged))
	for _, cf := range merged {
		out = append(out, *cf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Prefix < out[j].Prefix
	})
	return out
}

type FailureReason struct {
	Class       FailureClass `json:"class"`
	Description string       `json:"description"`
	Count       int          `json:"count"`
}

type FailureProneTestCase struct {
	TestCaseID int64  `json:"testcase_id"`
	Name       string `json:"name"`
	Failures   int    `json:"failures"`
	Executions int    `json:"executions"`
}

type FailureBreakdown struct {
	FailureReasons        []FailureReason        `json:"failure_reasons"`
	FailedSteps           []storage.ActionCount  `json:"failed_steps"`
	FailureProneTestCases []FailureProneTestCase `json:"failure_prone_testcases"`
	Period                Period                 `json:"period"`
}

// FailureBreakdown attributes failures of the last days to classes, step
// actions and test cases.
func (a *Aggregator) FailureBreakdown(ctx context.Context, days int) (*FailureBreakdown, error) {
	period, err := a.period(days)
	if err != nil {
		return nil, err
	}
	groups, err := a.store.FailureGroups(ctx, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("failure groups: %w", err)
	}
	actions, err := a.store.FailedStepActions(ctx, period.Start, 10)
	if err != nil {
		return nil, fmt.Errorf("failed steps: %w", err)
	}
	ranked, err := a.store.RankTestCases(ctx, period.Start, storage.RankByFailures, 10)
	if err != nil {
		return nil, fmt.Errorf("failure prone test cases: %w", err)
	}

	counts := make(map[FailureClass]int)
	for _, g := range groups {
		counts[a.classifier.Classify(g.Message)] += g.Count
	}
	reasons := make([]FailureReason, 0, len(counts))
	for class, n := range counts {
		reasons = append(reasons, FailureReason{Class: class, Description: a.classifier.Describe(class), Count: n})
	}
	sort.Slice(reasons, func(i, j int) bool {
		if reasons[i].Count != reasons[j].Count {
			return reasons[i].Count > reasons[j].Count
		}
		return reasons[i].Class < reasons[j].Class
	})

	prone := make([]FailureProneTestCase, 0, len(ranked))
	for _, r := range ranked {
		prone = append(prone, FailureProneTestCase{
			TestCaseID: r.TestCaseID,
			Name:       r.Name,
			Failures:   r.Failures,
			Executions: r.Executions,
		})
	}
	return &FailureBreakdown{
		FailureReasons:        reasons,
		FailedSteps:           actions,
		FailureProneTestCases: prone,
		Period:                period,
	}, nil
}

type Performance struct {
	Bucket  storage.Bucket              `json:"bucket"`
	Buckets []storage.PerformanceBucket `json:"buckets"`
	Period  Period                      `json:"period"`
}

// Performance returns duration trends of finished executions.
func (a *Aggregator) Performance(ctx context.Context, days int, bucket storage.Bucket) (*Performance, error) {
	if bucket == "" {
		bucket = storage.BucketDay
	}
	if bucket != storage.BucketDay && bucket != storage.BucketHour {
		return nil, fmt.Errorf("%w: bucket must be hour or day", ErrInvalidQuery)
	}
	period, err := a.period(days)
	if err != nil {
		return nil, err
	}
	buckets, err := a.store.Performance(ctx, period.Start, period.End, bucket)
	if err != nil {
		return nil, fmt.Errorf("performance: %w", err)
	}
	if buckets == nil {
		buckets = []storage.PerformanceBucket{}
	}
	return &Performance{Bucket: bucket, Buckets: buckets, Period: period}, nil
}

// Health status thresholds on the 0-100 score.
const (
	HealthExcellent = "excellent"
	HealthGood      = "good"
	HealthWarning   = "warning"
	HealthError     = "error"
)

type HealthMetrics struct {
	SuccessRate24h float64 `json:"success_rate_24h"`
	Finished24h    int     `json:"finished_24h"`
	Running        int     `json:"running"`
	SlotsInUse     int     `json:"slots_in_use"`
	MaxConcurrent  int     `json:"max_concurrent"`
	StuckRunning   int     `json:"stuck_running"`
}

type Health struct {
	Status    string        `json:"health_status"`
	Score     int           `json:"health_score"`
	CheckTime time.Time     `json:"check_time"`
	Metrics   HealthMetrics `json:"metrics"`
}

// Health scores the last 24 hours. The score starts at the success rate (100
// when nothing finished) and loses 10 points per stuck execution and 10 when
// every slot is taken.
func (a *Aggregator) Health(ctx context.Context) (*Health, error) {
	now := a.clock.Now()
	sum, err := a.store.Summary(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("health summary: %w", err)
	}

	stuck := 0
	if a.maxRun > 0 {
		rows, err := a.store.ListStale(ctx, storage.StatusRunning, now.Add(-a.maxRun), 100)
		if err != nil {
			return nil, fmt.Errorf("stuck executions: %w", err)
		}
		stuck = len(rows)
	}

	finished := sum.Success + sum.Failed
	m := HealthMetrics{
		SuccessRate24h: SuccessRate(sum.Success, finished),
		Finished24h:    finished,
		Running:        sum.Active,
		StuckRunning:   stuck,
	}
	if a.slots != nil {
		m.SlotsInUse = a.slots.InUse()
		m.MaxConcurrent = a.slots.Limit()
	}

	score := 100.0
	if finished > 0 {
		score = m.SuccessRate24h
	}
	score -= float64(10 * stuck)
	if m.MaxConcurrent > 0 && m.SlotsInUse >= m.MaxConcurrent {
		score -= 10
	}
	s := int(math.Round(math.Max(0, math.Min(100, score))))

	return &Health{
		Status:    healthStatus(s),
		Score:     s,
		CheckTime: now,
		Metrics:   m,
	}, nil
}

func healthStatus(score int) string {
	switch {
	case score >= 90:
		return HealthExcellent
	case score >= 75:
		return HealthGood
	case score >= 50:
		return HealthWarning
	default:
		return HealthError
	}
}

func validDays(days int) error {
	if days < 1 || days > maxDays {
		return fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidQuery, maxDays)
	}
	return nil
}

// period is the rolling window [now-days, now].
func (a *Aggregator) period(days int) (Period, error) {
	if err := validDays(days); err != nil {
		return Period{}, err
	}
	now := a.clock.Now()
	return Period{Start: now.AddDate(0, 0, -days), End: now, Days: days}, nil
}

// dayPeriod covers whole UTC days: today and the days-1 before it.
func (a *Aggregator) dayPeriod(days int) (Period, error) {
	if err := validDays(days); err != nil {
		return Period{}, err
	}
	today := a.clock.Now().UTC().Truncate(24 * time.Hour)
	return Period{Start: today.AddDate(0, 0, -(days - 1)), End: today.AddDate(0, 0, 1), Days: days}, nil
}
