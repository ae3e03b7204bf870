package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfroyo/envrun/pkg/engine"
)

const environmentColumns = `id, name, team_id, status, locked, locked_by, lock_reason, locked_at,
	module_count, total_resources, created_at, updated_at`

func scanEnvironment(row scanner) (*engine.Environment, error) {
	env := &engine.Environment{}
	var lockedAt sql.NullTime
	err := row.Scan(
		&env.ID,
		&env.Name,
		&env.TeamID,
		&env.Status,
		&env.Locked,
		&env.LockedBy,
		&env.LockReason,
		&lockedAt,
		&env.ModuleCount,
		&env.TotalResources,
		&env.CreatedAt,
		&env.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	env.LockedAt = timePtr(lockedAt)
	return env, nil
}

// CreateEnvironment inserts a new environment.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *engine.Environment) error {
	query := `
		INSERT INTO environments (` + environmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		env.ID,
		env.Name,
		env.TeamID,
		env.Status,
		env.Locked,
		env.LockedBy,
		env.LockReason,
		nullTime(env.LockedAt),
		env.ModuleCount,
		env.TotalResources,
		env.CreatedAt.UTC(),
		env.UpdatedAt.UTC(),
	)
	if isConstraintViolation(err) {
		return alreadyExists("environment", env.ID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}

	return nil
}

// GetEnvironment retrieves an environment by ID.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*engine.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE id = ?`

	env, err := scanEnvironment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("environment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}

	return env, nil
}

// UpdateEnvironment overwrites the mutable fields of an environment.
func (s *SQLiteStore) UpdateEnvironment(ctx context.Context, env *engine.Environment) error {
	query := `
		UPDATE environments
		SET name = ?, team_id = ?, status = ?, locked = ?, locked_by = ?, lock_reason = ?,
			locked_at = ?, module_count = ?, total_resources = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		env.Name,
		env.TeamID,
		env.Status,
		env.Locked,
		env.LockedBy,
		env.LockReason,
		nullTime(env.LockedAt),
		env.ModuleCount,
		env.TotalResources,
		env.UpdatedAt.UTC(),
		env.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update environment: %w", err)
	}

	return expectRow(result, "environment", env.ID)
}

// ListEnvironments returns every environment ordered by name.
func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]engine.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments ORDER BY name ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	envs := []engine.Environment{}
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		envs = append(envs, *env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}

	return envs, nil
}

// DeleteEnvironment removes an environment. Modules, edges, bindings and
// module variables go with it; run history is kept.
func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, query := range []string{
			`DELETE FROM dependencies WHERE environment_id = ?`,
			`DELETE FROM module_variables WHERE environment_id = ?`,
			`DELETE FROM variable_bindings WHERE environment_id = ?`,
			`DELETE FROM modules WHERE environment_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, query, id); err != nil {
				return fmt.Errorf("failed to delete environment children: %w", err)
			}
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete environment: %w", err)
		}
		return expectRow(result, "environment", id)
	})
}

const moduleColumns = `environment_id, id, name, artifact_namespace, artifact_name, execution_mode,
	current_version, pinned_version, drift_status, resource_count, working_dir, backend_config,
	last_run, created_at, updated_at`

func scanModule(row scanner) (*engine.EnvironmentModule, error) {
	m := &engine.EnvironmentModule{}
	var backendConfig, lastRun sql.NullString
	err := row.Scan(
		&m.EnvironmentID,
		&m.ID,
		&m.Name,
		&m.ArtifactNamespace,
		&m.ArtifactName,
		&m.ExecutionMode,
		&m.CurrentVersion,
		&m.PinnedVersion,
		&m.DriftStatus,
		&m.ResourceCount,
		&m.WorkingDir,
		&backendConfig,
		&lastRun,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(backendConfig, &m.BackendConfig); err != nil {
		return nil, fmt.Errorf("failed to decode backend config: %w", err)
	}
	if lastRun.Valid {
		m.LastRun = &engine.LastRunSummary{}
		if err := decodeJSON(lastRun, m.LastRun); err != nil {
			return nil, fmt.Errorf("failed to decode last run: %w", err)
		}
	}
	return m, nil
}

func moduleArgs(m *engine.EnvironmentModule) ([]interface{}, error) {
	backendConfig, err := encodeJSON(m.BackendConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backend config: %w", err)
	}
	lastRun, err := encodeJSON(m.LastRun)
	if err != nil {
		return nil, fmt.Errorf("failed to encode last run: %w", err)
	}
	return []interface{}{
		m.Name,
		m.ArtifactNamespace,
		m.ArtifactName,
		m.ExecutionMode,
		m.CurrentVersion,
		m.PinnedVersion,
		m.DriftStatus,
		m.ResourceCount,
		m.WorkingDir,
		backendConfig,
		lastRun,
	}, nil
}

// CreateModule inserts a module into its environment.
func (s *SQLiteStore) CreateModule(ctx context.Context, module *engine.EnvironmentModule) error {
	query := `
		INSERT INTO modules (` + moduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	fields, err := moduleArgs(module)
	if err != nil {
		return err
	}
	args := append([]interface{}{module.EnvironmentID, module.ID}, fields...)
	args = append(args, module.CreatedAt.UTC(), module.UpdatedAt.UTC())

	_, err = s.db.ExecContext(ctx, query, args...)
	if isConstraintViolation(err) {
		return alreadyExists("module", module.ID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create module: %w", err)
	}

	return nil
}

// GetModule retrieves one module of an environment.
func (s *SQLiteStore) GetModule(ctx context.Context, environmentID, moduleID string) (*engine.EnvironmentModule, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules WHERE environment_id = ? AND id = ?`

	m, err := scanModule(s.db.QueryRowContext(ctx, query, environmentID, moduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("module", moduleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}

	return m, nil
}

// ListModules returns the modules of an environment ordered by ID.
func (s *SQLiteStore) ListModules(ctx context.Context, environmentID string) ([]engine.EnvironmentModule, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules WHERE environment_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	modules := []engine.EnvironmentModule{}
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		modules = append(modules, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating modules: %w", err)
	}

	return modules, nil
}

// UpdateModule overwrites the mutable fields of a module.
func (s *SQLiteStore) UpdateModule(ctx context.Context, module *engine.EnvironmentModule) error {
	query := `
		UPDATE modules
		SET name = ?, artifact_namespace = ?, artifact_name = ?, execution_mode = ?,
			current_version = ?, pinned_version = ?, drift_status = ?, resource_count = ?,
			working_dir = ?, backend_config = ?, last_run = ?, updated_at = ?
		WHERE environment_id = ? AND id = ?
	`

	args, err := moduleArgs(module)
	if err != nil {
		return err
	}
	args = append(args, module.UpdatedAt.UTC(), module.EnvironmentID, module.ID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update module: %w", err)
	}

	return expectRow(result, "module", module.ID)
}

// DeleteModule removes a module, every edge referencing it, and its variables.
func (s *SQLiteStore) DeleteModule(ctx context.Context, environmentID, moduleID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dependencies WHERE environment_id = ? AND (module_id = ? OR depends_on_id = ?)`,
			environmentID, moduleID, moduleID,
		); err != nil {
			return fmt.Errorf("failed to delete module dependencies: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM module_variables WHERE environment_id = ? AND module_id = ?`,
			environmentID, moduleID,
		); err != nil {
			return fmt.Errorf("failed to delete module variables: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM variable_bindings WHERE environment_id = ? AND module_id = ?`,
			environmentID, moduleID,
		); err != nil {
			return fmt.Errorf("failed to delete module bindings: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM modules WHERE environment_id = ? AND id = ?`,
			environmentID, moduleID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete module: %w", err)
		}
		return expectRow(result, "module", moduleID)
	})
}

// ListDependencies returns the edges of an environment.
func (s *SQLiteStore) ListDependencies(ctx context.Context, environmentID string) ([]engine.ModuleDependency, error) {
	query := `
		SELECT environment_id, module_id, depends_on_id, output_mappings
		FROM dependencies
		WHERE environment_id = ?
		ORDER BY module_id ASC, depends_on_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	deps := []engine.ModuleDependency{}
	for rows.Next() {
		var dep engine.ModuleDependency
		var mappings sql.NullString
		if err := rows.Scan(&dep.EnvironmentID, &dep.ModuleID, &dep.DependsOnID, &mappings); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if err := decodeJSON(mappings, &dep.OutputMappings); err != nil {
			return nil, fmt.Errorf("failed to decode output mappings: %w", err)
		}
		deps = append(deps, dep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return deps, nil
}

// CreateDependency inserts one edge.
func (s *SQLiteStore) CreateDependency(ctx context.Context, dep *engine.ModuleDependency) error {
	mappings, err := encodeJSON(dep.OutputMappings)
	if err != nil {
		return fmt.Errorf("failed to encode output mappings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dependencies (environment_id, module_id, depends_on_id, output_mappings)
		VALUES (?, ?, ?, ?)
	`, dep.EnvironmentID, dep.ModuleID, dep.DependsOnID, mappings)
	if isConstraintViolation(err) {
		return alreadyExists("dependency", dep.ModuleID+"->"+dep.DependsOnID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create dependency: %w", err)
	}

	return nil
}

// DeleteDependency removes one edge.
func (s *SQLiteStore) DeleteDependency(ctx context.Context, environmentID, moduleID, dependsOnID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM dependencies WHERE environment_id = ? AND module_id = ? AND depends_on_id = ?`,
		environmentID, moduleID, dependsOnID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete dependency: %w", err)
	}

	return expectRow(result, "dependency", moduleID+"->"+dependsOnID)
}
