package orchestrator

import (
	"encoding/json"
	"time"
)

// RunRequest asks for a new execution of a stored test case.
type RunRequest struct {
	TestCaseID int64  `json:"testcase_id"`
	Mode       string `json:"mode,omitempty"`
	Browser    string `json:"browser,omitempty"`
	ExecutedBy string `json:"executed_by,omitempty"`
}

// StartPayload is the worker's start notification.
type StartPayload struct {
	Status     string     `json:"status"`
	Mode       string     `json:"mode"`
	Browser    string     `json:"browser,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	StepsTotal *int       `json:"steps_total,omitempty"`
	ExecutedBy string     `json:"executed_by,omitempty"`
}

// StartOutcome reports whether the start notification changed the execution.
type StartOutcome struct {
	ExecutionID   string `json:"execution_id"`
	StatusUpdated bool   `json:"status_updated"`
}

// StepResult is one step outcome inside a result callback.
type StepResult struct {
	StepIndex      *int            `json:"step_index,omitempty"`
	Action         string          `json:"action"`
	Description    string          `json:"description,omitempty"`
	Status         string          `json:"status"`
	Duration       *float64        `json:"duration,omitempty"` // ms
	ResultData     json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ScreenshotPath string          `json:"screenshot_path,omitempty"`
}

// ResultPayload is the worker's final report.
type ResultPayload struct {
	Status          string          `json:"status"`
	StepsTotal      *int            `json:"steps_total"`
	StepsPassed     *int            `json:"steps_passed"`
	StepsFailed     *int            `json:"steps_failed"`
	Duration        *float64        `json:"duration,omitempty"` // ms
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorStack      string          `json:"error_stack,omitempty"`
	StartTime       *time.Time      `json:"start_time,omitempty"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	ResultSummary   json.RawMessage `json:"result_summary,omitempty"`
	ScreenshotsPath string          `json:"screenshots_path,omitempty"`
	LogsPath        string          `json:"logs_path,omitempty"`
	StepResults     []StepResult    `json:"step_results,omitempty"`
	Steps           []StepResult    `json:"steps,omitempty"` // older workers
}

func (p *ResultPayload) stepResults() []StepResult {
	if len(p.StepResults) == 0 {
		return p.Steps
	}
	return p.StepResults
}

// ResultOutcome acknowledges a result callback.
type ResultOutcome struct {
	DatabaseID  int64  `json:"database_id"`
	ExecutionID string `json:"execution_id"`
	StepsCount  int    `json:"steps_count"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// ProgressPayload announces that the worker began a step.
type ProgressPayload struct {
	StepIndex   *int   `json:"step_index"`
	Action      string `json:"action,omitempty"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
}
