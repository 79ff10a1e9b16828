package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore implements Store on a single SQLite connection. Holding one
// connection makes every transaction, admission included, serial.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the database at dsn. ":memory:" gives a
// private in-memory database.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	for _, stmt := range splitStatements(sqliteSchema) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func toMS(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMS(*t)
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func nullableText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- test cases ---

const sqliteTestCaseColumns = `id, name, description, steps, tags, category, priority,
	created_by, is_active, created_at, updated_at`

func (s *SQLiteStore) CreateTestCase(ctx context.Context, tc *TestCase) error {
	stepsJSON, tagsJSON, err := encodeTestCase(tc)
	if err != nil {
		return err
	}
	stampTestCase(tc)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO test_cases (name, description, steps, tags, category, priority,
			created_by, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.Name, tc.Description, string(stepsJSON), string(tagsJSON), tc.Category,
		tc.Priority, tc.CreatedBy, tc.IsActive, toMS(tc.CreatedAt), toMS(tc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting test case: %w", err)
	}
	if tc.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading test case id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTestCase(ctx context.Context, id int64) (*TestCase, error) {
	tc, err := scanSQLiteTestCase(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTestCaseColumns+` FROM test_cases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("test case %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying test case %d: %w", id, err)
	}
	return tc, nil
}

func sqliteTestCaseWhere(f TestCaseFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.Search != "" {
		conds = append(conds, "name LIKE '%' || ? || '%'")
		args = append(args, f.Search)
	}
	if f.ActiveOnly {
		conds = append(conds, "is_active = 1")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteStore) ListTestCases(ctx context.Context, filter TestCaseFilter) ([]TestCase, int, error) {
	where, args := sqliteTestCaseWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_cases`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting test cases: %w", err)
	}

	args = append(args, clampLimit(filter.Limit, 20, 500), filter.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTestCaseColumns+` FROM test_cases`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying test cases: %w", err)
	}
	defer rows.Close()

	var out []TestCase
	for rows.Next() {
		tc, err := scanSQLiteTestCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning test case row: %w", err)
		}
		out = append(out, *tc)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) UpdateTestCase(ctx context.Context, tc *TestCase) error {
	stepsJSON, tagsJSON, err := encodeTestCase(tc)
	if err != nil {
		return err
	}
	tc.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE test_cases SET name = ?, description = ?, steps = ?, tags = ?,
			category = ?, priority = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		tc.Name, tc.Description, string(stepsJSON), string(tagsJSON),
		tc.Category, tc.Priority, tc.IsActive, toMS(tc.UpdatedAt), tc.ID,
	)
	if err != nil {
		return fmt.Errorf("updating test case %d: %w", tc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("test case %d: %w", tc.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeactivateTestCase(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_cases SET is_active = 0, updated_at = ? WHERE id = ?`, toMS(time.Now()), id)
	if err != nil {
		return fmt.Errorf("deactivating test case %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("test case %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanSQLiteTestCase(row rowScanner) (*TestCase, error) {
	var tc TestCase
	var stepsJSON, tagsJSON string
	var created, updated int64
	if err := row.Scan(
		&tc.ID, &tc.Name, &tc.Description, &stepsJSON, &tagsJSON, &tc.Category,
		&tc.Priority, &tc.CreatedBy, &tc.IsActive, &created, &updated,
	); err != nil {
		return nil, err
	}
	tc.CreatedAt = fromMS(created)
	tc.UpdatedAt = fromMS(updated)
	if err := decodeTestCase(&tc, []byte(stepsJSON), []byte(tagsJSON)); err != nil {
		return nil, err
	}
	return &tc, nil
}

// --- executions ---

const sqliteExecutionColumns = `e.id, e.execution_id, e.testcase_id, COALESCE(t.name, ''),
	e.status, e.mode, e.browser, e.start_time, e.end_time, e.duration_ms,
	e.steps_total, e.steps_passed, e.steps_failed, e.error_message, e.error_stack,
	e.result_summary, e.screenshots_path, e.logs_path, e.executed_by, e.created_at`

const sqliteExecutionFrom = ` FROM executions e LEFT JOIN test_cases t ON t.id = e.testcase_id`

func (s *SQLiteStore) AdmitExecution(ctx context.Context, exec *Execution, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning admission: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE status IN `+activeSQL,
	).Scan(&active); err != nil {
		return fmt.Errorf("counting active executions: %w", err)
	}
	if active >= limit {
		return ErrCapacity
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO executions (execution_id, testcase_id, status, mode, browser,
			steps_total, executed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID, exec.TestCaseID, string(exec.Status), exec.Mode, exec.Browser,
		exec.StepsTotal, exec.ExecutedBy, toMS(exec.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting execution: %w", err)
	}
	if exec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading execution id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing admission: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountActiveExecutions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE status IN `+activeSQL,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active executions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := scanSQLiteExecution(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteExecutionColumns+sqliteExecutionFrom+` WHERE e.execution_id = ?`, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", executionID, err)
	}
	return exec, nil
}

func sqliteExecutionWhere(f ExecutionFilter) (string, []any) {
	var conds []string
	var args []any
	if f.TestCaseID != 0 {
		conds = append(conds, "e.testcase_id = ?")
		args = append(args, f.TestCaseID)
	}
	if f.Status != "" {
		conds = append(conds, "e.status = ?")
		args = append(args, string(f.Status))
	}
	if f.ExecutedBy != "" {
		conds = append(conds, "e.executed_by = ?")
		args = append(args, f.ExecutedBy)
	}
	if f.Since != nil {
		conds = append(conds, "e.created_at >= ?")
		args = append(args, toMS(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "e.created_at < ?")
		args = append(args, toMS(*f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, int, error) {
	where, args := sqliteExecutionWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions e`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting executions: %w", err)
	}

	args = append(args, clampLimit(filter.Limit, 20, 1000), filter.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteExecutionColumns+sqliteExecutionFrom+where+`
		ORDER BY e.created_at DESC, e.id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying executions: %w", err)
	}
	out, err := collectSQLiteExecutions(rows)
	return out, total, err
}

func (s *SQLiteStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Execution, error) {
	column := "e.created_at"
	if status == StatusRunning {
		column = "e.start_time"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteExecutionColumns+sqliteExecutionFrom+`
		WHERE e.status = ? AND `+column+` < ?
		ORDER BY `+column+` LIMIT ?`,
		string(status), toMS(before), clampLimit(limit, 100, 1000),
	)
	if err != nil {
		return nil, fmt.Errorf("querying stale executions: %w", err)
	}
	return collectSQLiteExecutions(rows)
}

func (s *SQLiteStore) MutateExecution(ctx context.Context, executionID string, fn MutateFunc) (*MutateResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning mutation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSQLiteExecution(tx.QueryRowContext(ctx,
		`SELECT `+sqliteExecutionColumns+sqliteExecutionFrom+` WHERE e.execution_id = ?`, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading execution %s: %w", executionID, err)
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
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET status = ?, mode = ?, browser = ?, start_time = ?,
				end_time = ?, duration_ms = ?, steps_total = ?, steps_passed = ?,
				steps_failed = ?, error_message = ?, error_stack = ?,
				result_summary = ?, screenshots_path = ?, logs_path = ?, executed_by = ?
			WHERE execution_id = ?`,
			string(next.Status), next.Mode, next.Browser, nullMS(next.StartTime),
			nullMS(next.EndTime), next.DurationMS, next.StepsTotal, next.StepsPassed,
			next.StepsFailed, next.ErrorMessage, next.ErrorStack,
			nullableText(next.ResultSummary), next.ScreenshotsPath, next.LogsPath, next.ExecutedBy,
			executionID,
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

	for _, st := range m.Steps {
		r, err := tx.ExecContext(ctx, `
			INSERT INTO step_executions (execution_id, step_index, action, description,
				status, duration_ms, result_data, error_message, screenshot_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (execution_id, step_index) DO NOTHING`,
			executionID, st.StepIndex, st.Action, st.Description, st.Status, st.DurationMS,
			nullableText(st.ResultData), st.ErrorMessage, st.ScreenshotPath, toMS(st.CreatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("inserting step %d for %s: %w", st.StepIndex, executionID, err)
		}
		n, _ := r.RowsAffected()
		res.StepsInserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing execution %s: %w", executionID, err)
	}
	return res, nil
}

func scanSQLiteExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var status string
	var start, end sql.NullInt64
	var summary sql.NullString
	var created int64
	if err := row.Scan(
		&e.ID, &e.ExecutionID, &e.TestCaseID, &e.TestCaseName,
		&status, &e.Mode, &e.Browser, &start, &end, &e.DurationMS,
		&e.StepsTotal, &e.StepsPassed, &e.StepsFailed, &e.ErrorMessage, &e.ErrorStack,
		&summary, &e.ScreenshotsPath, &e.LogsPath, &e.ExecutedBy, &created,
	); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.StartTime = msPtr(start)
	e.EndTime = msPtr(end)
	e.CreatedAt = fromMS(created)
	if summary.Valid && summary.String != "" {
		e.ResultSummary = json.RawMessage(summary.String)
	}
	return &e, nil
}

func collectSQLiteExecutions(rows *sql.Rows) ([]Execution, error) {
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		e, err := scanSQLiteExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// --- steps ---

const sqliteStepColumns = `id, execution_id, step_index, action, description, status,
	duration_ms, result_data, error_message, screenshot_path, created_at`

func (s *SQLiteStore) ListSteps(ctx context.Context, executionID string) ([]StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM step_executions WHERE execution_id = ? ORDER BY step_index`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("querying steps for %s: %w", executionID, err)
	}
	defer rows.Close()

	out := []StepExecution{}
	for rows.Next() {
		st, err := scanSQLiteStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListStepsFor(ctx context.Context, executionIDs []string) (map[string][]StepExecution, error) {
	out := make(map[string][]StepExecution, len(executionIDs))
	if len(executionIDs) == 0 {
		return out, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(executionIDs)), ",")
	args := make([]any, len(executionIDs))
	for i, id := range executionIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM step_executions
		WHERE execution_id IN (`+marks+`) ORDER BY execution_id, step_index`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanSQLiteStep(rows)
		if err != nil {
			return nil, err
		}
		out[st.ExecutionID] = append(out[st.ExecutionID], *st)
	}
	return out, rows.Err()
}

func scanSQLiteStep(row rowScanner) (*StepExecution, error) {
	var st StepExecution
	var data sql.NullString
	var created int64
	if err := row.Scan(
		&st.ID, &st.ExecutionID, &st.StepIndex, &st.Action, &st.Description, &st.Status,
		&st.DurationMS, &data, &st.ErrorMessage, &st.ScreenshotPath, &created,
	); err != nil {
		return nil, fmt.Errorf("scanning step row: %w", err)
	}
	if data.Valid && data.String != "" {
		st.ResultData = json.RawMessage(data.String)
	}
	st.CreatedAt = fromMS(created)
	return &st, nil
}

// --- statistics ---

func (s *SQLiteStore) TestCaseStats(ctx context.Context, filter TestCaseStatsFilter) ([]TestCaseStats, error) {
	var conds []string
	var args []any
	if filter.TestCaseID != 0 {
		conds = append(conds, "t.id = ?")
		args = append(args, filter.TestCaseID)
	}
	if filter.Category != "" {
		conds = append(conds, "t.category = ?")
		args = append(args, filter.Category)
	}
	if filter.ActiveOnly {
		conds = append(conds, "t.is_active = 1")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, `
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
		) s ON s.testcase_id = t.id`+where+`
		ORDER BY t.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying test case stats: %w", err)
	}
	return collectSQLiteStats(rows)
}

func (s *SQLiteStore) RankTestCases(ctx context.Context, since time.Time, by RankBy, limit int) ([]TestCaseStats, error) {
	having, order := "", "COUNT(*) DESC"
	if by == RankByFailures {
		having = `HAVING failures > 0`
		order = "failures DESC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.testcase_id, COALESCE(t.name, ''), COALESCE(t.category, ''),
			COUNT(*),
			SUM(CASE WHEN e.status IN `+terminalSQL+` THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.status IN `+failureSQL+` THEN 1 ELSE 0 END) AS failures,
			MAX(e.created_at)
		FROM executions e LEFT JOIN test_cases t ON t.id = e.testcase_id
		WHERE e.created_at >= ?
		GROUP BY e.testcase_id
		`+having+`
		ORDER BY `+order+`, e.testcase_id
		LIMIT ?`,
		toMS(since), clampLimit(limit, 10, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("ranking test cases: %w", err)
	}
	return collectSQLiteStats(rows)
}

func collectSQLiteStats(rows *sql.Rows) ([]TestCaseStats, error) {
	defer rows.Close()
	var out []TestCaseStats
	for rows.Next() {
		var st TestCaseStats
		var last sql.NullInt64
		if err := rows.Scan(&st.TestCaseID, &st.Name, &st.Category, &st.Executions,
			&st.Finished, &st.Successes, &st.Failures, &last); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		st.LastExecution = msPtr(last)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Summary(ctx context.Context, since time.Time) (ExecutionSummary, error) {
	var sum ExecutionSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM test_cases WHERE is_active = 1),
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN `+failureSQL+` THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM executions WHERE status IN `+activeSQL+`)
		FROM executions WHERE created_at >= ?`, toMS(since),
	).Scan(&sum.TestCases, &sum.Total, &sum.Success, &sum.Failed, &sum.Active)
	if err != nil {
		return sum, fmt.Errorf("querying summary: %w", err)
	}
	return sum, nil
}

func (s *SQLiteStore) CategoryDistribution(ctx context.Context) ([]CategoryCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(NULLIF(category, ''), 'uncategorized') AS c, COUNT(*) AS n
		FROM test_cases WHERE is_active = 1
		GROUP BY c ORDER BY n DESC, c`)
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

func (s *SQLiteStore) DailyCounts(ctx context.Context, from, to time.Time) ([]DailyCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', created_at / 1000, 'unixepoch') AS day,
			COUNT(*),
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status IN `+failureSQL+` THEN 1 ELSE 0 END)
		FROM executions
		WHERE created_at >= ? AND created_at < ?
		GROUP BY day ORDER BY day`, toMS(from), toMS(to))
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

func (s *SQLiteStore) FailureGroups(ctx context.Context, from, to time.Time) ([]FailureGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT error_message, COUNT(*) AS n, MAX(created_at)
		FROM executions
		WHERE status IN `+failureSQL+` AND created_at >= ? AND created_at < ?
		GROUP BY error_message
		ORDER BY n DESC
		LIMIT 500`, toMS(from), toMS(to))
	if err != nil {
		return nil, fmt.Errorf("querying failure groups: %w", err)
	}
	defer rows.Close()

	var out []FailureGroup
	for rows.Next() {
		var g FailureGroup
		var last int64
		if err := rows.Scan(&g.Message, &g.Count, &last); err != nil {
			return nil, fmt.Errorf("scanning failure row: %w", err)
		}
		g.LastSeen = fromMS(last)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FailedStepActions(ctx context.Context, since time.Time, limit int) ([]ActionCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.action, COUNT(*) AS n
		FROM step_executions st JOIN executions e ON e.execution_id = st.execution_id
		WHERE st.status IN ('failed', 'error') AND e.created_at >= ?
		GROUP BY st.action
		ORDER BY n DESC, st.action
		LIMIT ?`, toMS(since), clampLimit(limit, 10, 100))
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

// Performance buckets durations in Go; SQLite has no percentile aggregate.
func (s *SQLiteStore) Performance(ctx context.Context, from, to time.Time, bucket Bucket) ([]PerformanceBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, duration_ms FROM executions
		WHERE status IN `+terminalSQL+` AND duration_ms > 0
		  AND created_at >= ? AND created_at < ?
		ORDER BY created_at`, toMS(from), toMS(to))
	if err != nil {
		return nil, fmt.Errorf("querying performance: %w", err)
	}
	defer rows.Close()

	width := 24 * time.Hour
	if bucket == BucketHour {
		width = time.Hour
	}

	groups := make(map[time.Time][]int64)
	var order []time.Time
	for rows.Next() {
		var created, dur int64
		if err := rows.Scan(&created, &dur); err != nil {
			return nil, fmt.Errorf("scanning performance row: %w", err)
		}
		start := fromMS(created).Truncate(width)
		if _, ok := groups[start]; !ok {
			order = append(order, start)
		}
		groups[start] = append(groups[start], dur)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]PerformanceBucket, 0, len(order))
	for _, start := range order {
		durs := groups[start]
		sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })
		var sum int64
		for _, d := range durs {
			sum += d
		}
		out = append(out, PerformanceBucket{
			Start: start,
			Count: len(durs),
			AvgMS: float64(sum) / float64(len(durs)),
			P50MS: percentile(durs, 0.5),
			P95MS: percentile(durs, 0.95),
			MaxMS: durs[len(durs)-1],
		})
	}
	return out, nil
}

// percentile interpolates linearly between closest ranks, matching
// PostgreSQL's percentile_cont. sorted must be ascending and non-empty.
func percentile(sorted []int64, p float64) float64 {
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return float64(sorted[lo]) + frac*float64(sorted[hi]-sorted[lo])
}

// --- retention ---

func (s *SQLiteStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	var res PurgeResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ms := toMS(cutoff)
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE created_at < ? AND status IN `+activeSQL, ms,
	).Scan(&res.ActiveSkipped); err != nil {
		return res, fmt.Errorf("counting active expired executions: %w", err)
	}

	r, err := tx.ExecContext(ctx, `
		DELETE FROM step_executions WHERE execution_id IN (
			SELECT execution_id FROM executions
			WHERE created_at < ? AND status IN `+terminalSQL+`)`, ms)
	if err != nil {
		return res, fmt.Errorf("deleting expired steps: %w", err)
	}
	res.Steps, _ = r.RowsAffected()

	r, err = tx.ExecContext(ctx,
		`DELETE FROM executions WHERE created_at < ? AND status IN `+terminalSQL, ms)
	if err != nil {
		return res, fmt.Errorf("deleting expired executions: %w", err)
	}
	res.Executions, _ = r.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PurgeResult{}, fmt.Errorf("committing purge: %w", err)
	}
	return res, nil
}
