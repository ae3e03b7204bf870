package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfroyo/envrun/pkg/engine"
)

const moduleRunColumns = `id, environment_id, module_id, environment_run_id, operation, status,
	trigger_source, priority, queue_position, module_version, auto_confirm, plan_summary,
	plan_output, exit_code, error_message, skip_reason, callback_token, triggered_by,
	confirmed_by, created_at, queued_at, started_at, planned_at, confirmed_at, completed_at`

// activeStatuses are the non-terminal module run statuses.
var activeStatuses = []interface{}{
	string(engine.ModuleRunPending),
	string(engine.ModuleRunQueued),
	string(engine.ModuleRunRunning),
	string(engine.ModuleRunPlanned),
	string(engine.ModuleRunConfirmed),
	string(engine.ModuleRunApplying),
}

func scanModuleRun(row scanner) (*engine.ModuleRun, error) {
	run := &engine.ModuleRun{}
	var (
		planSummary                                             sql.NullString
		exitCode                                                sql.NullInt64
		queuedAt, startedAt, plannedAt, confirmedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.EnvironmentID,
		&run.ModuleID,
		&run.EnvironmentRunID,
		&run.Operation,
		&run.Status,
		&run.TriggerSource,
		&run.Priority,
		&run.QueuePosition,
		&run.ModuleVersion,
		&run.AutoConfirm,
		&planSummary,
		&run.PlanOutput,
		&exitCode,
		&run.ErrorMessage,
		&run.SkipReason,
		&run.CallbackToken,
		&run.TriggeredBy,
		&run.ConfirmedBy,
		&run.CreatedAt,
		&queuedAt,
		&startedAt,
		&plannedAt,
		&confirmedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if planSummary.Valid {
		run.PlanSummary = &engine.PlanSummary{}
		if err := decodeJSON(planSummary, run.PlanSummary); err != nil {
			return nil, fmt.Errorf("failed to decode plan summary: %w", err)
		}
	}
	run.ExitCode = intPtr(exitCode)
	run.QueuedAt = timePtr(queuedAt)
	run.StartedAt = timePtr(startedAt)
	run.PlannedAt = timePtr(plannedAt)
	run.ConfirmedAt = timePtr(confirmedAt)
	run.CompletedAt = timePtr(completedAt)
	return run, nil
}

// CreateModuleRun inserts a module run.
func (s *SQLiteStore) CreateModuleRun(ctx context.Context, run *engine.ModuleRun) error {
	planSummary, err := encodeJSON(run.PlanSummary)
	if err != nil {
		return fmt.Errorf("failed to encode plan summary: %w", err)
	}

	query := `
		INSERT INTO module_runs (` + moduleRunColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.EnvironmentID,
		run.ModuleID,
		run.EnvironmentRunID,
		run.Operation,
		run.Status,
		run.TriggerSource,
		run.Priority,
		run.QueuePosition,
		run.ModuleVersion,
		run.AutoConfirm,
		planSummary,
		run.PlanOutput,
		nullInt(run.ExitCode),
		run.ErrorMessage,
		run.SkipReason,
		run.CallbackToken,
		run.TriggeredBy,
		run.ConfirmedBy,
		run.CreatedAt.UTC(),
		nullTime(run.QueuedAt),
		nullTime(run.StartedAt),
		nullTime(run.PlannedAt),
		nullTime(run.ConfirmedAt),
		nullTime(run.CompletedAt),
	)
	if isConstraintViolation(err) {
		return alreadyExists("module run", run.ID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create module run: %w", err)
	}

	return nil
}

// GetModuleRun retrieves a module run by ID.
func (s *SQLiteStore) GetModuleRun(ctx context.Context, id string) (*engine.ModuleRun, error) {
	query := `SELECT ` + moduleRunColumns + ` FROM module_runs WHERE id = ?`

	run, err := scanModuleRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("module run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module run: %w", err)
	}

	return run, nil
}

// UpdateModuleRun overwrites the mutable fields of a module run.
func (s *SQLiteStore) UpdateModuleRun(ctx context.Context, run *engine.ModuleRun) error {
	planSummary, err := encodeJSON(run.PlanSummary)
	if err != nil {
		return fmt.Errorf("failed to encode plan summary: %w", err)
	}

	query := `
		UPDATE module_runs
		SET status = ?, module_version = ?, auto_confirm = ?, plan_summary = ?, plan_output = ?,
			exit_code = ?, error_message = ?, skip_reason = ?, confirmed_by = ?,
			queued_at = ?, started_at = ?, planned_at = ?, confirmed_at = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		run.Status,
		run.ModuleVersion,
		run.AutoConfirm,
		planSummary,
		run.PlanOutput,
		nullInt(run.ExitCode),
		run.ErrorMessage,
		run.SkipReason,
		run.ConfirmedBy,
		nullTime(run.QueuedAt),
		nullTime(run.StartedAt),
		nullTime(run.PlannedAt),
		nullTime(run.ConfirmedAt),
		nullTime(run.CompletedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update module run: %w", err)
	}

	return expectRow(result, "module run", run.ID)
}

func (s *SQLiteStore) queryModuleRuns(ctx context.Context, query string, args ...interface{}) ([]engine.ModuleRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list module runs: %w", err)
	}
	defer rows.Close()

	runs := []engine.ModuleRun{}
	for rows.Next() {
		run, err := scanModuleRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating module runs: %w", err)
	}

	return runs, nil
}

// ListModuleRunsByEnvironmentRun returns the children of a cascade in queue order.
func (s *SQLiteStore) ListModuleRunsByEnvironmentRun(ctx context.Context, environmentRunID string) ([]engine.ModuleRun, error) {
	query := `
		SELECT ` + moduleRunColumns + `
		FROM module_runs
		WHERE environment_run_id = ?
		ORDER BY queue_position ASC, created_at ASC
	`
	return s.queryModuleRuns(ctx, query, environmentRunID)
}

// ListActiveModuleRuns returns non-terminal runs of an environment, or of
// every environment when environmentID is empty.
func (s *SQLiteStore) ListActiveModuleRuns(ctx context.Context, environmentID string) ([]engine.ModuleRun, error) {
	query := `
		SELECT ` + moduleRunColumns + `
		FROM module_runs
		WHERE (? = '' OR environment_id = ?)
		  AND status IN (?, ?, ?, ?, ?, ?)
		ORDER BY created_at ASC
	`
	args := append([]interface{}{environmentID, environmentID}, activeStatuses...)
	return s.queryModuleRuns(ctx, query, args...)
}

// ListModuleRunsByModule returns the most recent runs of one module, newest first.
func (s *SQLiteStore) ListModuleRunsByModule(ctx context.Context, environmentID, moduleID string, limit int) ([]engine.ModuleRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + moduleRunColumns + `
		FROM module_runs
		WHERE environment_id = ? AND module_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	return s.queryModuleRuns(ctx, query, environmentID, moduleID, limit)
}

const environmentRunColumns = `id, environment_id, operation, status, execution_order, layers,
	total_modules, completed, failed, skipped, auto_confirm, trigger_source, triggered_by,
	created_at, started_at, completed_at`

func scanEnvironmentRun(row scanner) (*engine.EnvironmentRun, error) {
	run := &engine.EnvironmentRun{}
	var (
		order, layers          sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.EnvironmentID,
		&run.Operation,
		&run.Status,
		&order,
		&layers,
		&run.TotalModules,
		&run.Completed,
		&run.Failed,
		&run.Skipped,
		&run.AutoConfirm,
		&run.TriggerSource,
		&run.TriggeredBy,
		&run.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(order, &run.ExecutionOrder); err != nil {
		return nil, fmt.Errorf("failed to decode execution order: %w", err)
	}
	if err := decodeJSON(layers, &run.Layers); err != nil {
		return nil, fmt.Errorf("failed to decode layers: %w", err)
	}
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	return run, nil
}

// CreateEnvironmentRun inserts an environment run.
func (s *SQLiteStore) CreateEnvironmentRun(ctx context.Context, run *engine.EnvironmentRun) error {
	order, err := encodeJSON(run.ExecutionOrder)
	if err != nil {
		return fmt.Errorf("failed to encode execution order: %w", err)
	}
	layers, err := encodeJSON(run.Layers)
	if err != nil {
		return fmt.Errorf("failed to encode layers: %w", err)
	}

	query := `
		INSERT INTO environment_runs (` + environmentRunColumns + `)
		VALUES (?, ?, ?, ?, COALESCE(?, '[]'), COALESCE(?, '[]'), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.EnvironmentID,
		run.Operation,
		run.Status,
		order,
		layers,
		run.TotalModules,
		run.Completed,
		run.Failed,
		run.Skipped,
		run.AutoConfirm,
		run.TriggerSource,
		run.TriggeredBy,
		run.CreatedAt.UTC(),
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
	)
	if isConstraintViolation(err) {
		return alreadyExists("environment run", run.ID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create environment run: %w", err)
	}

	return nil
}

// GetEnvironmentRun retrieves an environment run by ID.
func (s *SQLiteStore) GetEnvironmentRun(ctx context.Context, id string) (*engine.EnvironmentRun, error) {
	query := `SELECT ` + environmentRunColumns + ` FROM environment_runs WHERE id = ?`

	run, err := scanEnvironmentRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("environment run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment run: %w", err)
	}

	return run, nil
}

// UpdateEnvironmentRun overwrites the status, counters and timestamps of an environment run.
// The execution order and layers are immutable once created.
func (s *SQLiteStore) UpdateEnvironmentRun(ctx context.Context, run *engine.EnvironmentRun) error {
	query := `
		UPDATE environment_runs
		SET status = ?, completed = ?, failed = ?, skipped = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		run.Status,
		run.Completed,
		run.Failed,
		run.Skipped,
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update environment run: %w", err)
	}

	return expectRow(result, "environment run", run.ID)
}

// ListEnvironmentRuns returns the runs of an environment, newest first.
func (s *SQLiteStore) ListEnvironmentRuns(ctx context.Context, environmentID string, limit int) ([]engine.EnvironmentRun, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + environmentRunColumns + `
		FROM environment_runs
		WHERE environment_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, environmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list environment runs: %w", err)
	}
	defer rows.Close()

	runs := []engine.EnvironmentRun{}
	for rows.Next() {
		run, err := scanEnvironmentRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environment runs: %w", err)
	}

	return runs, nil
}

// AppendLogLine appends one line of run output.
func (s *SQLiteStore) AppendLogLine(ctx context.Context, line *engine.LogLine) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, sequence, stream, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, line.RunID, line.Sequence, line.Stream, line.Content, line.CreatedAt.UTC())
	if isConstraintViolation(err) {
		return engine.NewConflictError(fmt.Sprintf("log sequence %d already recorded", line.Sequence), err).
			WithResource(line.RunID)
	}
	if err != nil {
		return fmt.Errorf("failed to append log line: %w", err)
	}

	return nil
}

// ListLogLines returns lines with Sequence > after, ascending, at most limit.
func (s *SQLiteStore) ListLogLines(ctx context.Context, runID string, after int64, limit int) ([]engine.LogLine, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence, stream, content, created_at
		FROM run_logs
		WHERE run_id = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, runID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list log lines: %w", err)
	}
	defer rows.Close()

	lines := []engine.LogLine{}
	for rows.Next() {
		var line engine.LogLine
		if err := rows.Scan(&line.RunID, &line.Sequence, &line.Stream, &line.Content, &line.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log lines: %w", err)
	}

	return lines, nil
}
