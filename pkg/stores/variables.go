package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/envrun/pkg/engine"
)

// CreateVariableSource inserts a variable set or cloud integration.
func (s *SQLiteStore) CreateVariableSource(ctx context.Context, source *engine.VariableSource) error {
	variables, err := encodeJSON(source.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode source variables: %w", err)
	}
	if !variables.Valid {
		variables = sql.NullString{String: "[]", Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO variable_sources (id, name, kind, team_id, variables)
		VALUES (?, ?, ?, ?, ?)
	`, source.ID, source.Name, source.Kind, source.TeamID, variables)
	if isConstraintViolation(err) {
		return alreadyExists("variable source", source.ID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create variable source: %w", err)
	}

	return nil
}

// GetVariableSource retrieves a variable source by ID.
func (s *SQLiteStore) GetVariableSource(ctx context.Context, id string) (*engine.VariableSource, error) {
	source := &engine.VariableSource{}
	var variables sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, team_id, variables FROM variable_sources WHERE id = ?`, id,
	).Scan(&source.ID, &source.Name, &source.Kind, &source.TeamID, &variables)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("variable source", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get variable source: %w", err)
	}

	if err := decodeJSON(variables, &source.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode source variables: %w", err)
	}
	return source, nil
}

// CreateBinding attaches a source to an environment or module.
func (s *SQLiteStore) CreateBinding(ctx context.Context, binding *engine.VariableBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variable_bindings (id, environment_id, module_id, source_id, kind, priority)
		VALUES (?, ?, ?, ?, ?, ?)
	`, binding.ID, binding.EnvironmentID, binding.ModuleID, binding.SourceID, binding.Kind, binding.Priority)
	if isConstraintViolation(err) {
		return alreadyExists("variable binding", binding.ID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create variable binding: %w", err)
	}

	return nil
}

// ListBindings returns environment-level and module-level bindings of an environment.
func (s *SQLiteStore) ListBindings(ctx context.Context, environmentID string) ([]engine.VariableBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, environment_id, module_id, source_id, kind, priority
		FROM variable_bindings
		WHERE environment_id = ?
		ORDER BY id ASC
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variable bindings: %w", err)
	}
	defer rows.Close()

	bindings := []engine.VariableBinding{}
	for rows.Next() {
		var b engine.VariableBinding
		if err := rows.Scan(&b.ID, &b.EnvironmentID, &b.ModuleID, &b.SourceID, &b.Kind, &b.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan variable binding: %w", err)
		}
		bindings = append(bindings, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variable bindings: %w", err)
	}

	return bindings, nil
}

// SetModuleVariable inserts or replaces the value of one key in one category.
func (s *SQLiteStore) SetModuleVariable(ctx context.Context, variable *engine.ModuleVariable) error {
	if variable.ID == "" {
		variable.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_variables (id, environment_id, module_id, key, value, category, sensitive)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(environment_id, module_id, key, category) DO UPDATE SET
			value = excluded.value,
			sensitive = excluded.sensitive
	`,
		variable.ID,
		variable.EnvironmentID,
		variable.ModuleID,
		variable.Key,
		variable.Value,
		variable.Category,
		variable.Sensitive,
	)
	if err != nil {
		return fmt.Errorf("failed to set module variable: %w", err)
	}

	return nil
}

// ListModuleVariables returns the variables set directly on a module.
func (s *SQLiteStore) ListModuleVariables(ctx context.Context, environmentID, moduleID string) ([]engine.ModuleVariable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, environment_id, module_id, key, value, category, sensitive
		FROM module_variables
		WHERE environment_id = ? AND module_id = ?
		ORDER BY category ASC, key ASC
	`, environmentID, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module variables: %w", err)
	}
	defer rows.Close()

	variables := []engine.ModuleVariable{}
	for rows.Next() {
		var v engine.ModuleVariable
		if err := rows.Scan(&v.ID, &v.EnvironmentID, &v.ModuleID, &v.Key, &v.Value, &v.Category, &v.Sensitive); err != nil {
			return nil, fmt.Errorf("failed to scan module variable: %w", err)
		}
		variables = append(variables, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating module variables: %w", err)
	}

	return variables, nil
}
