package api

import (
	"time"

	"browser-test-orchestrator/internal/storage"
)

// RunResponse is returned when an execution is admitted.
type RunResponse struct {
	ExecutionID string         `json:"execution_id"`
	Status      storage.Status `json:"status"`
	TestCaseID  int64          `json:"testcase_id"`
	Mode        string         `json:"mode"`
	Browser     string         `json:"browser"`
	CreatedAt   time.Time      `json:"created_at"`
}

// StartResponse acknowledges a start callback.
type StartResponse struct {
	ExecutionID   string `json:"execution_id"`
	StatusUpdated bool   `json:"status_updated"`
}

// ResultResponse acknowledges a result callback.
type ResultResponse struct {
	DatabaseID  int64  `json:"database_id"`
	ExecutionID string `json:"execution_id"`
	StepsCount  int    `json:"steps_count"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// ProgressResponse acknowledges a progress callback.
type ProgressResponse struct {
	ExecutionID string `json:"execution_id"`
	Accepted    bool   `json:"accepted"`
}

// ExecutionDetail is an execution with its ordered step results.
type ExecutionDetail struct {
	storage.Execution
	StepExecutions []storage.StepExecution `json:"step_executions"`
}

// ExecutionReport is the single-execution export document.
type ExecutionReport struct {
	ReportType string          `json:"report_type"`
	ExportedAt time.Time       `json:"exported_at"`
	Execution  ExecutionDetail `json:"execution"`
}

// Page is one page of a listing.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
	Pages int `json:"pages"`
}

func newPage[T any](items []T, total, page, size int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if size > 0 {
		pages = (total + size - 1) / size
	}
	return Page[T]{Items: items, Total: total, Page: page, Size: size, Pages: pages}
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Database   bool   `json:"database"`
	Worker     *bool  `json:"worker,omitempty"`
	SlotsInUse int    `json:"slots_in_use"`
	MaxSlots   int    `json:"max_concurrent"`
	Uptime     string `json:"uptime"`
}
