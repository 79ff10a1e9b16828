// Package storage persists test cases, executions and step results. Postgres
// (pgx) is the production backend; SQLite (modernc) serves single-node and test
// deployments. Both implement Store with identical semantics.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"browser-test-orchestrator/internal/config"
)

var (
	// ErrNotFound is returned when a test case or execution does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrCapacity is returned by AdmitExecution when every slot is held.
	ErrCapacity = errors.New("storage: concurrency limit reached")

	// ErrDuplicate is returned when an execution_id already exists.
	ErrDuplicate = errors.New("storage: duplicate execution id")
)

// Mutation is the new state MutateExecution writes. Steps are inserted with
// (execution_id, step_index) conflicts ignored.
type Mutation struct {
	Execution *Execution
	Steps     []StepExecution
}

// MutateFunc derives a mutation from the locked current row. Returning a nil
// mutation leaves the row untouched; returning an error rolls back and the
// error is passed through unchanged. It runs inside the store transaction and
// must not call back into the store.
type MutateFunc func(current *Execution) (*Mutation, error)

// MutateResult describes the outcome of MutateExecution.
type MutateResult struct {
	Execution     *Execution
	StepsInserted int
	Applied       bool
}

// Store is the persistence boundary shared by every component.
type Store interface {
	CreateTestCase(ctx context.Context, tc *TestCase) error
	GetTestCase(ctx context.Context, id int64) (*TestCase, error)
	ListTestCases(ctx context.Context, filter TestCaseFilter) ([]TestCase, int, error)
	UpdateTestCase(ctx context.Context, tc *TestCase) error
	DeactivateTestCase(ctx context.Context, id int64) error

	// AdmitExecution inserts exec only if fewer than limit executions hold a
	// slot, as one atomic operation. It sets exec.ID.
	AdmitExecution(ctx context.Context, exec *Execution, limit int) error
	CountActiveExecutions(ctx context.Context) (int, error)
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, int, error)
	// ListStale returns executions in status whose clock started before the
	// cutoff: start_time for running, created_at for pending.
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Execution, error)
	// MutateExecution applies fn to the row under a row lock in one transaction.
	MutateExecution(ctx context.Context, executionID string, fn MutateFunc) (*MutateResult, error)

	ListSteps(ctx context.Context, executionID string) ([]StepExecution, error)
	ListStepsFor(ctx context.Context, executionIDs []string) (map[string][]StepExecution, error)

	TestCaseStats(ctx context.Context, filter TestCaseStatsFilter) ([]TestCaseStats, error)
	RankTestCases(ctx context.Context, since time.Time, by RankBy, limit int) ([]TestCaseStats, error)
	Summary(ctx context.Context, since time.Time) (ExecutionSummary, error)
	CategoryDistribution(ctx context.Context) ([]CategoryCount, error)
	DailyCounts(ctx context.Context, from, to time.Time) ([]DailyCount, error)
	FailureGroups(ctx context.Context, from, to time.Time) ([]FailureGroup, error)
	FailedStepActions(ctx context.Context, since time.Time, limit int) ([]ActionCount, error)
	Performance(ctx context.Context, from, to time.Time, bucket Bucket) ([]PerformanceBucket, error)

	// DeleteExecutionsBefore removes terminal executions created before cutoff
	// and their steps in one transaction. Non-terminal ones are counted, not deleted.
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error)

	Healthy(ctx context.Context) bool
	Close() error
}

// Open connects to the configured backend and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := NewPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite", "":
		db, err := NewSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		log.Info().Str("dsn", cfg.DSN).Msg("using SQLite store")
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q: must be postgres or sqlite", cfg.Driver)
	}
}

// Status sets shared by both dialects.
const (
	activeSQL   = `('pending', 'running')`
	terminalSQL = `('success', 'failed', 'error', 'timeout')`
	failureSQL  = `('failed', 'error', 'timeout')`
)

func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
