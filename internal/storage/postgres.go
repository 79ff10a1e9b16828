package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"browser-test-orchestrator/internal/config"
)

//go:embed schema/postgres.sql
var postgresSchema string

// admissionLockKey serializes admission across every orchestrator process
// sharing the database.
const admissionLockKey int64 = 0x0bec7e57

// PostgresStore wraps a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres creates a connection pool and applies the schema.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	pcfg.MaxConns = 25
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.MinConns = cfg.MinConns
	pcfg.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	for _, stmt := range splitStatements(postgresSchema) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	log.Info().Msg("connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *PostgresStore) Close() error {
	db.pool.Close()
	return nil
}

// Healthy checks database connectivity.
func (db *PostgresStore) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// --- test cases ---

const pgTestCaseColumns = `id, name, description, steps, tags, category, priority,
	created_by, is_active, created_at, updated_at`

func (db *PostgresStore) CreateTestCase(ctx context.Context, tc *TestCase) error {
	stepsJSON, tagsJSON, err := encodeTestCase(tc)
	if err != nil {
		return err
	}
	stampTestCase(tc)

	err = db.pool.QueryRow(ctx, `
		INSERT INTO test_cases (name, description, steps, tags, category, priority,
			created_by, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		tc.Name, tc.Description, stepsJSON, tagsJSON, tc.Category, tc.Priority,
		tc.CreatedBy, tc.IsActive, tc.CreatedAt, tc.UpdatedAt,
	).Scan(&tc.ID)
	if err != nil {
		return fmt.Errorf("inserting test case: %w", err)
	}
	return nil
}

func (db *PostgresStore) GetTestCase(ctx context.Context, id int64) (*TestCase, error) {
	tc, err := scanPGTestCase(db.pool.QueryRow(ctx,
		`SELECT `+pgTestCaseColumns+` FROM test_cases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("test case %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying test case %d: %w", id, err)
	}
	return tc, nil
}

const pgTestCaseWhere = `
	WHERE ($1::text = '' OR category = $1)
	  AND ($2::text = '' OR name ILIKE '%' || $2 || '%')
	  AND (NOT $3::boolean OR is_active)`

func (db *PostgresStore) ListTestCases(ctx context.Context, filter TestCaseFilter) ([]TestCase, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM test_cases`+pgTestCaseWhere,
		filter.Category, filter.Search, filter.ActiveOnly,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting test cases: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+pgTestCaseColumns+` FROM test_cases`+pgTestCaseWhere+`
		ORDER BY id DESC LIMIT $4 OFFSET $5`,
		filter.Category, filter.Search, filter.ActiveOnly,
		clampLimit(filter.Limit, 20, 500), filter.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("querying test cases: %w", err)
	}
	defer rows.Close()

	var out []TestCase
	for rows.Next() {
		tc, err := scanPGTestCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning test case row: %w", err)
		}
		out = append(out, *tc)
	}
	return out, total, rows.Err()
}

func (db *PostgresStore) UpdateTestCase(ctx context.Context, tc *TestCase) error {
	stepsJSON, tagsJSON, err := encodeTestCase(tc)
	if err != nil {
		return err
	}
	tc.UpdatedAt = time.Now().UTC()

	ct, err := db.pool.Exec(ctx, `
		UPDATE test_cases SET name = $2, description = $3, steps = $4, tags = $5,
			category = $6, priority = $7, is_active = $8, updated_at = $9
		WHERE id = $1`,
		tc.ID, tc.Name, tc.Description, stepsJSON, tagsJSON,
		tc.Category, tc.Priority, tc.IsActive, tc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating test case %d: %w", tc.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("test case %d: %w", tc.ID, ErrNotFound)
	}
	return nil
}

func (db *PostgresStore) DeactivateTestCase(ctx context.Context, id int64) error {
	ct, err := db.pool.Exec(ctx,
		`UPDATE test_cases SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivating test case %d: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("test case %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanPGTestCase(row pgx.Row) (*TestCase, error) {
	var tc TestCase
	var stepsJSON, tagsJSON []byte
	if err := row.Scan(
		&tc.ID, &tc.Name, &tc.Description, &stepsJSON, &tagsJSON, &tc.Category,
		&tc.Priority, &tc.CreatedBy, &tc.IsActive, &tc.CreatedAt, &tc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeTestCase(&tc, stepsJSON, tagsJSON); err != nil {
		return nil, err
	}
	tc.CreatedAt = tc.CreatedAt.UTC()
	tc.UpdatedAt = tc.UpdatedAt.UTC()
	return &tc, nil
}

// --- executions ---

const pgExecutionColumns = `e.id, e.execution_id, e.testcase_id, COALESCE(t.name, ''),
	e.status, e.mode, e.browser, e.start_time, e.end_time, e.duration_ms,
	e.steps_total, e.steps_passed, e.steps_failed, e.error_message, e.error_stack,
	e.result_summary, e.screenshots_path, e.logs_path, e.executed_by, e.created_at`

const pgExecutionFrom = ` FROM executions e LEFT JOIN test_cases t ON t.id = e.testcase_id`

func (db *PostgresStore) AdmitExecution(ctx context.Context, exec *Execution, limit int) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning admission: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockKey); err != nil {
		return fmt.Errorf("acquiring admission lock: %w", err)
	}

	var active int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE status IN `+activeSQL,
	).Scan(&active); err != nil {
		return fmt.Errorf("counting active executions: %w", err)
	}
	if active >= limit {
		return ErrCapacity
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO executions (execution_id, testcase_id, status, mode, browser,
			steps_total, executed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		exec.ExecutionID, exec.TestCaseID, string(exec.Status), exec.Mode, exec.Browser,
		exec.StepsTotal, exec.ExecutedBy, exec.CreatedAt,
	).Scan(&exec.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting execution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing admission: %w", err)
	}
	return nil
}

func (db *PostgresStore) CountActiveExecutions(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE status IN `+activeSQL,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active executions: %w", err)
	}
	return n, nil
}

func (db *PostgresStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := scanPGExecution(db.pool.QueryRow(ctx,
		`SELECT `+pgExecutionColumns+pgExecutionFrom+` WHERE e.execution_id = $1`, executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", executionID, err)
	}
	return exec, nil
}

const pgExecutionWhere = `
	WHERE ($1::bigint = 0 OR e.testcase_id = $1)
	  AND ($2::text = '' OR e.status = $2)
	  AND ($3::text = '' OR e.executed_by = $3)
	  AND ($4::timestamptz IS NULL OR e.created_at >= $4)
	  AND ($5::timestamptz IS NULL OR e.created_at < $5)`

func (db *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, int, error) {
	args := []any{filter.TestCaseID, string(filter.Status), filter.ExecutedBy, filter.Since, filter.Until}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions e`+pgExecutionWhere, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting executions: %w", err)
	}

	args = append(args, clampLimit(filter.Limit, 20, 1000), filter.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+pgExecutionColumns+pgExecutionFrom+pgExecutionWhere+`
		ORDER BY e.created_at DESC, e.id DESC LIMIT $6 OFFSET $7`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying executions: %w", err)
	}
	out, err := collectPGExecutions(rows)
	return out, total, err
}

func (db *PostgresStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Execution, error) {
	column := "e.created_at"
	if status == StatusRunning {
		column = "e.start_time"
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+pgExecutionColumns+pgExecutionFrom+`
		WHERE e.status = $1 AND `+column+` < $2
		ORDER BY `+column+` LIMIT $3`,
		string(status), before, clampLimit(limit, 100, 1000),
	)
	if err != nil {
		return nil, fmt.Errorf("querying stale executions: %w", err)
	}
	return collectPGExecutions(rows)
}

func (db *PostgresStore) MutateExecution(ctx context.Context, executionID string, fn MutateFunc) (*MutateResult, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning mutation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanPGExecution(tx.QueryRow(ctx,
		`SELECT `+pgExecutionColumns+pgExecutionFrom+`
		WHERE e.execution_id = $1 FOR UPDATE OF e`, executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("locking execution %s: %w", executionID, err)
	}

	m, err := fn(cloneExecution(cur))
	if err != nil {
		return nil, err
	}
	if m == nil || (m.Execution == nil && len(m.Steps) == 0) {
		return &MutateResult{Execution: cur}, nil
	}

	res := &MutateResult{Execution: cur}
	if next := m.Execution; next != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE executions SET status = $2, mode = $3, browser = $4, start_time = $5,
				end_time = $6, duration_ms = $7, steps_total = $8, steps_passed = $9,
				steps_failed = $10, error_message = $11, error_stack = $12,
				result_summary = $13, screenshots_path = $14, logs_path = $15, executed_by = $16
			WHERE execution_id = $1`,
			executionID, string(next.Status), next.Mode, next.Browser, next.StartTime,
			next.EndTime, next.DurationMS, next.StepsTotal, next.StepsPassed,
			next.StepsFailed, next.ErrorMessage, next.ErrorStack,
			nullableJSON(next.ResultSummary), next.ScreenshotsPath, next.LogsPath, next.ExecutedBy,
		); err != nil {
			return nil, fmt.Errorf("updating execution %s: %w", executionID, err)
		}
		updated := cloneExecution(next)
		updated.ID = cur.ID
		updated.ExecutionID = cur.ExecutionID
		updated.TestCaseName = cur.TestCaseName
		updated.CreatedAt = cur.CreatedAt
		res.Execution = updated
		res.Applied = true
	}

	if len(m.Steps) > 0 {
		batch := &pgx.Batch{}
		for _, s := range m.Steps {
			batch.Queue(`
				INSERT INTO step_executions (execution_id, step_index, action, description,
					status, duration_ms, result_data, error_message, screenshot_path, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (execution_id, step_index) DO NOTHING`,
				executionID, s.StepIndex, s.Action, s.Description, s.Status, s.DurationMS,
				nullableJSON(s.ResultData), s.ErrorMessage, s.ScreenshotPath, s.CreatedAt,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range m.Steps {
			ct, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return nil, fmt.Errorf("inserting step for %s: %w", executionID, err)
			}
			res.StepsInserted += int(ct.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return nil, fmt.Errorf("closing step batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing execution %s: %w", executionID, err)
	}
	return res, nil
}

func scanPGExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	var status string
	var summary []byte
	if err := row.Scan(
		&e.ID, &e.ExecutionID, &e.TestCaseID, &e.TestCaseName,
		&status, &e.Mode, &e.Browser, &e.StartTime, &e.EndTime, &e.DurationMS,
		&e.StepsTotal, &e.StepsPassed, &e.StepsFailed, &e.ErrorMessage, &e.ErrorStack,
		&summary, &e.ScreenshotsPath, &e.LogsPath, &e.ExecutedBy, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if len(summary) > 0 {
		e.ResultSummary = json.RawMessage(summary)
	}
	e.StartTime = utcPtr(e.StartTime)
	e.EndTime = utcPtr(e.EndTime)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func collectPGExecutions(rows pgx.Rows) ([]Execution, error) {
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		e, err := scanPGExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// --- steps ---

const pgStepColumns = `id, execution_id, step_index, action, description, status,
	duration_ms, result_data, error_message, screenshot_path, created_at`

func (db *PostgresStore) ListSteps(ctx context.Context, executionID string) ([]StepExecution, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+pgStepColumns+` FROM step_executions WHERE execution_id = $1 ORDER BY step_index`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("querying steps for %s: %w", executionID, err)
	}
	defer rows.Close()

	out := []StepExecution{}
	for rows.Next() {
		s, err := scanPGStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (db *PostgresStore) ListStepsFor(ctx context.Context, executionIDs []string) (map[string][]StepExecution, error) {
	out := make(map[string][]StepExecution, len(executionIDs))
	if len(executionIDs) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+pgStepColumns+` FROM step_executions
		WHERE execution_id = ANY($1) ORDER BY execution_id, step_index`, executionIDs)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanPGStep(rows)
		if err != nil {
			return nil, err
		}
		out[s.ExecutionID] = append(out[s.ExecutionID], *s)
	}
	return out, rows.Err()
}

func scanPGStep(row pgx.Row) (*StepExecution, error) {
	var s StepExecution
	var data []byte
	if err := row.Scan(
		&s.ID, &s.ExecutionID, &s.StepIndex, &s.Action, &s.Description, &s.Status,
		&s.DurationMS, &data, &s.ErrorMessage, &s.ScreenshotPath, &s.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning step row: %w", err)
	}
	if len(data) > 0 {
		s.ResultData = json.RawMessage(data)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

// --- statistics ---

func (db *PostgresStore) TestCaseStats(ctx context.Context, filter TestCaseStatsFilter) ([]TestCaseStats, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT t.id, t.name, t.category,
			COALESCE(s.total, 0), COALESCE(s.finished, 0),
			COALESCE(s.success, 0), COALESCE(s.failures, 0), s.last_run
		FROM test_cases t
		LEFT JOIN (
			SELECT testcase_id,
				COUNT(*) AS total,
				SUM(CASE WHEN status IN `+terminalSQL+` THEN 1 ELSE 0 END) AS finished,
				SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS success,
				SUM(CASE WHEN status IN `+failureSQL+` THEN 1 ELSE 0 END) AS failures,
				MAX(created_at) AS last_run
			FROM executions
			GROUP BY testcase_id
		) s ON s.testcase_id = t.id
		WHERE ($1::bigint = 0 OR t.id = $1)
		  AND ($2::text = '' OR t.category = $2)
		  AND (NOT $3::boolean OR t.is_active)
		ORDER BY t.id`,
		filter.TestCaseID, filter.Category, filter.ActiveOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("querying test case stats: %w", err)
	}
	return collectPGStats(rows)
}

func (db *PostgresStore) RankTestCases(ctx context.Context, since time.Time, by RankBy, limit int) ([]TestCaseStats, error) {
	having, order := "", "COUNT(*) DESC"
	if by == RankByFailures {
		having = `HAVING SUM(CASE WHEN e.status IN ` + failureSQL + ` THEN 1 ELSE 0 END) > 0`
		order = "failures DESC"
	}
	rows, err := db.pool.Query(ctx, `
		SELECT e.testcase_id, COALESCE(t.name, ''), COALESCE(t.category, ''),
			COUNT(*),
			SUM(CASE WHEN e.status IN `+terminalSQL+` THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.status IN `+failureSQL+` THEN 1 ELSE 0 END) AS failures,
			MAX(e.created_at)
		FROM executions e LEFT JOIN test_cases t ON t.id = e.testcase_id
		WHERE e.created_at >= $1
		GROUP BY e.testcase_id, t.name, t.category
		`+having+`
		ORDER BY `+order+`, e.testcase_id
		LIMIT $2`,
		since, clampLimit(limit, 10, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("ranking test cases: %w", err)
	}
	return collectPGStats(rows)
}

func collectPGStats(rows pgx.Rows) ([]TestCaseStats, error) {
	defer rows.Close()
	var out []TestCaseStats
	for rows.Next() {
		var s TestCaseStats
		if err := rows.Scan(&s.TestCaseID, &s.Name, &s.Category, &s.Executions,
			&s.Finished, &s.Successes, &s.Failures, &s.LastExecution); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		s.LastExecution = utcPtr(s.LastExecution)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *PostgresStore) Summary(ctx context.Context, since time.Time) (ExecutionSummary, error) {
	var s ExecutionSummary
	err := db.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM test_cases WHERE is_active),
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN `+failureSQL+` THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM executions WHERE status IN `+activeSQL+`)
		FROM executions WHERE created_at >= $1`, since,
	).Scan(&s.TestCases, &s.Total, &s.Success, &s.Failed, &s.Active)
	if err != nil {
		return s, fmt.Errorf("querying summary: %w", err)
	}
	return s, nil
}

func (db *PostgresStore) CategoryDistribution(ctx context.Context) ([]CategoryCount, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT COALESCE(NULLIF(category, ''), 'uncategorized') AS c, COUNT(*)
		FROM test_cases WHERE is_active
		GROUP BY c ORDER BY COUNT(*) DESC, c`)
	if err != nil {
		return nil, fmt.Errorf("querying categories: %w", err)
	}
	defer rows.Close()

	out := []CategoryCount{}
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning category row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *PostgresStore) DailyCounts(ctx context.Context, from, to time.Time) ([]DailyCount, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			COUNT(*),
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status IN `+failureSQL+` THEN 1 ELSE 0 END)
		FROM executions
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY day ORDER BY day`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying daily counts: %w", err)
	}
	defer rows.Close()

	out := []DailyCount{}
	for rows.Next() {
		var d DailyCount
		if err := rows.Scan(&d.Date, &d.Total, &d.Success, &d.Failed); err != nil {
			return nil, fmt.Errorf("scanning daily row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (db *PostgresStore) FailureGroups(ctx context.Context, from, to time.Time) ([]FailureGroup, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT error_message, COUNT(*), MAX(created_at)
		FROM executions
		WHERE status IN `+failureSQL+` AND created_at >= $1 AND created_at < $2
		GROUP BY error_message
		ORDER BY COUNT(*) DESC
		LIMIT 500`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying failure groups: %w", err)
	}
	defer rows.Close()

	var out []FailureGroup
	for rows.Next() {
		var g FailureGroup
		if err := rows.Scan(&g.Message, &g.Count, &g.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning failure row: %w", err)
		}
		g.LastSeen = g.LastSeen.UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

func (db *PostgresStore) FailedStepActions(ctx context.Context, since time.Time, limit int) ([]ActionCount, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT s.action, COUNT(*)
		FROM step_executions s JOIN executions e ON e.execution_id = s.execution_id
		WHERE s.status IN ('failed', 'error') AND e.created_at >= $1
		GROUP BY s.action
		ORDER BY COUNT(*) DESC, s.action
		LIMIT $2`, since, clampLimit(limit, 10, 100))
	if err != nil {
		return nil, fmt.Errorf("querying failed steps: %w", err)
	}
	defer rows.Close()

	out := []ActionCount{}
	for rows.Next() {
		var a ActionCount
		if err := rows.Scan(&a.Action, &a.Count); err != nil {
			return nil, fmt.Errorf("scanning action row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *PostgresStore) Performance(ctx context.Context, from, to time.Time, bucket Bucket) ([]PerformanceBucket, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT date_trunc($3::text, created_at AT TIME ZONE 'UTC') AS bucket,
			COUNT(*),
			AVG(duration_ms)::float8,
			percentile_cont(0.5) WITHIN GROUP (ORDER BY duration_ms),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms),
			MAX(duration_ms)
		FROM executions
		WHERE status IN `+terminalSQL+` AND duration_ms > 0
		  AND created_at >= $1 AND created_at < $2
		GROUP BY bucket ORDER BY bucket`, from, to, string(bucket))
	if err != nil {
		return nil, fmt.Errorf("querying performance: %w", err)
	}
	defer rows.Close()

	out := []PerformanceBucket{}
	for rows.Next() {
		var b PerformanceBucket
		if err := rows.Scan(&b.Start, &b.Count, &b.AvgMS, &b.P50MS, &b.P95MS, &b.MaxMS); err != nil {
			return nil, fmt.Errorf("scanning performance row: %w", err)
		}
		b.Start = b.Start.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- retention ---

func (db *PostgresStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	var res PurgeResult
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("beginning purge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE created_at < $1 AND status IN `+activeSQL, cutoff,
	).Scan(&res.ActiveSkipped); err != nil {
		return res, fmt.Errorf("counting active expired executions: %w", err)
	}

	ct, err := tx.Exec(ctx, `
		DELETE FROM step_executions WHERE execution_id IN (
			SELECT execution_id FROM executions
			WHERE created_at < $1 AND status IN `+terminalSQL+`)`, cutoff)
	if err != nil {
		return res, fmt.Errorf("deleting expired steps: %w", err)
	}
	res.Steps = ct.RowsAffected()

	ct, err = tx.Exec(ctx,
		`DELETE FROM executions WHERE created_at < $1 AND status IN `+terminalSQL, cutoff)
	if err != nil {
		return res, fmt.Errorf("deleting expired executions: %w", err)
	}
	res.Executions = ct.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return PurgeResult{}, fmt.Errorf("committing purge: %w", err)
	}
	return res, nil
}
