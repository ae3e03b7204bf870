package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/envrun/pkg/engine"
)

// EnvironmentDefinition is the decoded form of an environment CUE document.
type EnvironmentDefinition struct {
	Environment EnvironmentConfig `json:"environment"`

	// Modules are keyed by module ID.
	Modules map[string]ModuleConfig `json:"modules" validate:"dive"`

	// VariableSources are keyed by source ID.
	VariableSources map[string]VariableSourceConfig `json:"variable_sources,omitempty" validate:"dive"`

	Bindings []BindingConfig `json:"bindings,omitempty" validate:"dive"`
}

// EnvironmentConfig describes the environment itself.
type EnvironmentConfig struct {
	ID     string `json:"id" validate:"required"`
	Name   string `json:"name" validate:"required"`
	TeamID string `json:"team_id,omitempty"`
}

// ModuleConfig describes one module and its dependencies.
type ModuleConfig struct {
	// Name defaults to the module ID.
	Name string `json:"name,omitempty"`

	ArtifactNamespace string `json:"artifact_namespace,omitempty"`
	ArtifactName      string `json:"artifact_name" validate:"required"`

	// Version is the desired current version.
	Version string `json:"version" validate:"required"`

	// PinnedVersion, when set, wins over Version.
	PinnedVersion string `json:"pinned_version,omitempty"`

	ExecutionMode string `json:"execution_mode" validate:"omitempty,oneof=byoc peaas"`

	WorkingDir    string            `json:"working_dir,omitempty"`
	BackendConfig map[string]string `json:"backend_config,omitempty"`

	// DependsOn lists module IDs that must run first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Outputs maps upstream outputs into this module's variables.
	Outputs []OutputMappingConfig `json:"outputs,omitempty" validate:"dive"`

	Variables []VariableConfig `json:"variables,omitempty" validate:"dive"`
}

// OutputMappingConfig wires an upstream output to a downstream variable.
type OutputMappingConfig struct {
	// From is the upstream module ID and must appear in DependsOn.
	From               string `json:"from" validate:"required"`
	UpstreamOutput     string `json:"upstream_output" validate:"required"`
	DownstreamVariable string `json:"downstream_variable" validate:"required"`
}

// VariableConfig is a single key/value.
type VariableConfig struct {
	Key       string `json:"key" validate:"required"`
	Value     string `json:"value"`
	Category  string `json:"category" validate:"omitempty,oneof=terraform env"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// VariableSourceConfig is a variable set or cloud integration.
type VariableSourceConfig struct {
	// Name defaults to the source ID.
	Name      string           `json:"name,omitempty"`
	Kind      string           `json:"kind" validate:"required,oneof=variable_set cloud_integration"`
	TeamID    string           `json:"team_id,omitempty"`
	Variables []VariableConfig `json:"variables,omitempty" validate:"dive"`
}

// BindingConfig attaches a source to the environment or to one module.
type BindingConfig struct {
	Source   string `json:"source" validate:"required"`
	Module   string `json:"module,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// ParsedConfig is the result of parsing one or more CUE sources.
type ParsedConfig struct {
	Definition *EnvironmentDefinition `json:"definition,omitempty"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Valid reports whether parsing produced a definition without errors.
func (p *ParsedConfig) Valid() bool {
	return p.Definition != nil && len(p.Errors) == 0
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "modules.vpc.version").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	msg := e.Message
	if e.Path != "" && !strings.HasPrefix(msg, e.Path) {
		msg = e.Path + ": " + msg
	}
	if e.File != "" && e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, msg)
	}
	return msg
}

// ImportResult summarizes what an import changed.
type ImportResult struct {
	EnvironmentID      string   `json:"environment_id"`
	EnvironmentCreated bool     `json:"environment_created"`
	ModulesCreated     []string `json:"modules_created,omitempty"`
	ModulesUpdated     []string `json:"modules_updated,omitempty"`
	DependenciesAdded  int      `json:"dependencies_added"`
	SourcesCreated     int      `json:"sources_created"`
	BindingsCreated    int      `json:"bindings_created"`
	VariablesSet       int      `json:"variables_set"`
}

func (v VariableConfig) category() engine.VariableCategory {
	if v.Category == "" {
		return engine.CategoryTerraform
	}
	return engine.VariableCategory(v.Category)
}
