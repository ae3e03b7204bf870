package config

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfroyo/envrun/pkg/engine"
	"github.com/openfroyo/envrun/pkg/telemetry"
)

// EnvironmentManager is the subset of engine.EnvironmentService the importer uses.
type EnvironmentManager interface {
	GetEnvironment(ctx context.Context, id string) (*engine.Environment, error)
	CreateEnvironment(ctx context.Context, env *engine.Environment) (*engine.Environment, error)
	GetModule(ctx context.Context, environmentID, moduleID string) (*engine.EnvironmentModule, error)
	AddModule(ctx context.Context, module *engine.EnvironmentModule) (*engine.EnvironmentModule, error)
	UpdateModuleVersion(ctx context.Context, environmentID, moduleID, version string, autoPlan bool, actor engine.Actor) (*engine.EnvironmentModule, *engine.ModuleRun, error)
	AddDependency(ctx context.Context, dep *engine.ModuleDependency) error
	CreateVariableSource(ctx context.Context, source *engine.VariableSource) (*engine.VariableSource, error)
	BindSource(ctx context.Context, binding *engine.VariableBinding) (*engine.VariableBinding, error)
	SetModuleVariable(ctx context.Context, variable *engine.ModuleVariable) (*engine.ModuleVariable, error)
}

var _ EnvironmentManager = (*engine.EnvironmentService)(nil)

// ImportOptions controls an import.
type ImportOptions struct {
	Actor engine.Actor

	// AutoPlan starts a plan run for every module whose version changed.
	AutoPlan bool
}

// Importer applies parsed environment definitions.
type Importer struct {
	envs   EnvironmentManager
	logger *telemetry.Logger
}

// NewImporter creates an importer.
func NewImporter(envs EnvironmentManager, logger *telemetry.Logger) *Importer {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Importer{envs: envs, logger: logger.NewComponentLogger("import")}
}

// Import creates whatever the definition describes that does not exist yet
// and updates module versions that differ. Existing dependencies, sources
// and bindings are left as they are; module variables are upserted.
// Re-importing the same definition changes nothing.
func (im *Importer) Import(ctx context.Context, def *EnvironmentDefinition, opts ImportOptions) (*ImportResult, error) {
	envID := def.Environment.ID
	result := &ImportResult{EnvironmentID: envID}
	logger := im.logger.WithEnvironment(envID)

	if _, err := im.envs.GetEnvironment(ctx, envID); engine.IsNotFound(err) {
		if _, err := im.envs.CreateEnvironment(ctx, &engine.Environment{
			ID:     envID,
			Name:   def.Environment.Name,
			TeamID: def.Environment.TeamID,
		}); err != nil {
			return result, fmt.Errorf("failed to create environment: %w", err)
		}
		result.EnvironmentCreated = true
	} else if err != nil {
		return result, err
	}

	for _, id := range sortedKeys(def.VariableSources) {
		src := def.VariableSources[id]
		name := src.Name
		if name == "" {
			name = id
		}
		_, err := im.envs.CreateVariableSource(ctx, &engine.VariableSource{
			ID:        id,
			Name:      name,
			Kind:      engine.SourceKind(src.Kind),
			TeamID:    src.TeamID,
			Variables: sourceVariables(src.Variables),
		})
		switch {
		case err == nil:
			result.SourcesCreated++
		case engine.IsConflict(err):
			logger.WithField("source_id", id).Debug("variable source exists; skipping")
		default:
			return result, fmt.Errorf("failed to create variable source %s: %w", id, err)
		}
	}

	moduleIDs := sortedKeys(def.Modules)
	for _, id := range moduleIDs {
		if err := im.importModule(ctx, envID, id, def.Modules[id], opts, result); err != nil {
			return result, err
		}
	}

	for _, id := range moduleIDs {
		module := def.Modules[id]
		for _, upstream := range module.DependsOn {
			err := im.envs.AddDependency(ctx, &engine.ModuleDependency{
				EnvironmentID:  envID,
				ModuleID:       id,
				DependsOnID:    upstream,
				OutputMappings: outputMappings(module.Outputs, upstream),
			})
			switch {
			case err == nil:
				result.DependenciesAdded++
			case engine.IsConflict(err) && engine.ErrorCode(err) == engine.ErrCodeAlreadyExists:
			default:
				return result, fmt.Errorf("failed to add dependency %s -> %s: %w", id, upstream, err)
			}
		}
	}

	for _, b := range def.Bindings {
		_, err := im.envs.BindSource(ctx, &engine.VariableBinding{
			ID:            bindingID(envID, b),
			EnvironmentID: envID,
			ModuleID:      b.Module,
			SourceID:      b.Source,
			Priority:      b.Priority,
		})
		switch {
		case err == nil:
			result.BindingsCreated++
		case engine.IsConflict(err):
		default:
			return result, fmt.Errorf("failed to bind source %s: %w", b.Source, err)
		}
	}

	logger.WithFields(map[string]interface{}{
		"modules_created":    len(result.ModulesCreated),
		"modules_updated":    len(result.ModulesUpdated),
		"dependencies_added": result.DependenciesAdded,
		"bindings_created":   result.BindingsCreated,
	}).Info("environment imported")
	return result, nil
}

func (im *Importer) importModule(ctx context.Context, envID, id string, cfg ModuleConfig, opts ImportOptions, result *ImportResult) error {
	existing, err := im.envs.GetModule(ctx, envID, id)
	switch {
	case engine.IsNotFound(err):
		name := cfg.Name
		if name == "" {
			name = id
		}
		if _, err := im.envs.AddModule(ctx, &engine.EnvironmentModule{
			ID:                id,
			EnvironmentID:     envID,
			Name:              name,
			ArtifactNamespace: cfg.ArtifactNamespace,
			ArtifactName:      cfg.ArtifactName,
			ExecutionMode:     engine.ExecutionMode(cfg.ExecutionMode),
			CurrentVersion:    cfg.Version,
			PinnedVersion:     cfg.PinnedVersion,
			WorkingDir:        cfg.WorkingDir,
			BackendConfig:     cfg.BackendConfig,
		}); err != nil {
			return fmt.Errorf("failed to add module %s: %w", id, err)
		}
		result.ModulesCreated = append(result.ModulesCreated, id)

	case err != nil:
		return err

	case existing.CurrentVersion != cfg.Version:
		if _, _, err := im.envs.UpdateModuleVersion(ctx, envID, id, cfg.Version, opts.AutoPlan, opts.Actor); err != nil {
			return fmt.Errorf("failed to update module %s: %w", id, err)
		}
		result.ModulesUpdated = append(result.ModulesUpdated, id)
	}

	for _, v := range cfg.Variables {
		if _, err := im.envs.SetModuleVariable(ctx, &engine.ModuleVariable{
			EnvironmentID: envID,
			ModuleID:      id,
			Key:           v.Key,
			Value:         v.Value,
			Category:      v.category(),
			Sensitive:     v.Sensitive,
		}); err != nil {
			return fmt.Errorf("failed to set variable %s on module %s: %w", v.Key, id, err)
		}
		result.VariablesSet++
	}
	return nil
}

func sourceVariables(vars []VariableConfig) []engine.SourceVariable {
	out := make([]engine.SourceVariable, 0, len(vars))
	for _, v := range vars {
		out = append(out, engine.SourceVariable{
			Key:       v.Key,
			Value:     v.Value,
			Category:  v.category(),
			Sensitive: v.Sensitive,
		})
	}
	return out
}

func outputMappings(outputs []OutputMappingConfig, upstream string) []engine.OutputMapping {
	var out []engine.OutputMapping
	for _, o := range outputs {
		if o.From == upstream {
			out = append(out, engine.OutputMapping{
				UpstreamOutput:     o.UpstreamOutput,
				DownstreamVariable: o.DownstreamVariable,
			})
		}
	}
	return out
}

// bindingID is stable so a re-import finds the binding it created before.
func bindingID(envID string, b BindingConfig) string {
	if b.Module == "" {
		return fmt.Sprintf("%s:%s", envID, b.Source)
	}
	return fmt.Sprintf("%s:%s:%s", envID, b.Module, b.Source)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
