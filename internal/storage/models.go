package storage

import (
	"encoding/json"
	"time"

	"browser-test-orchestrator/internal/steps"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusError, StatusTimeout:
		return true
	}
	return false
}

// HoldsSlot reports whether an execution in this state occupies a concurrency slot.
func (s Status) HoldsSlot() bool {
	return s == StatusPending || s == StatusRunning
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.HoldsSlot() || s.IsTerminal()
}

// Step statuses reported by the worker.
const (
	StepSuccess = "success"
	StepFailed  = "failed"
	StepSkipped = "skipped"
	StepError   = "error"
)

// TestCase is a named, ordered list of declarative steps.
type TestCase struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Steps       []steps.Step `json:"steps"`
	Tags        []string     `json:"tags"`
	Category    string       `json:"category"`
	Priority    int          `json:"priority"`
	CreatedBy   string       `json:"created_by"`
	IsActive    bool         `json:"is_active"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Execution is one run attempt of a test case. Durations are milliseconds.
type Execution struct {
	ID              int64           `json:"database_id"`
	ExecutionID     string          `json:"execution_id"`
	TestCaseID      int64           `json:"testcase_id"`
	TestCaseName    string          `json:"testcase_name,omitempty"`
	Status          Status          `json:"status"`
	Mode            string          `json:"mode"`
	Browser         string          `json:"browser"`
	StartTime       *time.Time      `json:"start_time,omitempty"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	DurationMS      int64           `json:"duration"`
	StepsTotal      int             `json:"steps_total"`
	StepsPassed     int             `json:"steps_passed"`
	StepsFailed     int             `json:"steps_failed"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorStack      string          `json:"error_stack,omitempty"`
	ResultSummary   json.RawMessage `json:"result_summary,omitempty"`
	ScreenshotsPath string          `json:"screenshots_path,omitempty"`
	LogsPath        string          `json:"logs_path,omitempty"`
	ExecutedBy      string          `json:"executed_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// StepExecution is the recorded outcome of one step. Never mutated after insert.
type StepExecution struct {
	ID             int64           `json:"id"`
	ExecutionID    string          `json:"execution_id"`
	StepIndex      int             `json:"step_index"`
	Action         string          `json:"action"`
	Description    string          `json:"description"`
	Status         string          `json:"status"`
	DurationMS     int64           `json:"duration"`
	ResultData     json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ScreenshotPath string          `json:"screenshot_path,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ExecutionFilter provides criteria for listing executions.
type ExecutionFilter struct {
	TestCaseID int64
	Status     Status
	ExecutedBy string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// TestCaseFilter provides criteria for listing test cases.
type TestCaseFilter struct {
	Category   string
	Search     string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// TestCaseStatsFilter narrows the per-test-case aggregate. Zero TestCaseID means all.
type TestCaseStatsFilter struct {
	TestCaseID int64
	Category   string
	ActiveOnly bool
}

// TestCaseStats is the per-test-case aggregate row.
type TestCaseStats struct {
	TestCaseID    int64
	Name          string
	Category      string
	Executions    int
	Finished      int
	Successes     int
	Failures      int
	LastExecution *time.Time
}

// ExecutionSummary aggregates execution counts since a point in time.
type ExecutionSummary struct {
	TestCases int
	Total     int
	Success   int
	Failed    int // failed, error and timeout
	Active    int // pending and running
}

// CategoryCount is one bucket of the category distribution.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// DailyCount is one day of execution outcomes (UTC).
type DailyCount struct {
	Date    string `json:"date"`
	Total   int    `json:"total"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
}

// FailureGroup is the count of failed executions sharing one error message.
type FailureGroup struct {
	Message  string
	Count    int
	LastSeen time.Time
}

// ActionCount counts failed steps per action.
type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// RankBy selects the ordering of RankTestCases.
type RankBy string

const (
	RankByExecutions RankBy = "executions"
	RankByFailures   RankBy = "failures"
)

// Bucket is the granularity of performance trends.
type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// PerformanceBucket summarises execution durations within one time bucket.
type PerformanceBucket struct {
	Start time.Time `json:"bucket_start"`
	Count int       `json:"count"`
	AvgMS float64   `json:"avg_ms"`
	P50MS float64   `json:"p50_ms"`
	P95MS float64   `json:"p95_ms"`
	MaxMS int64     `json:"max_ms"`
}

// PurgeResult reports what a retention pass removed.
type PurgeResult struct {
	Executions    int64
	Steps         int64
	ActiveSkipped int64
}
