package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfroyo/envrun/pkg/telemetry"
)

// BindingMode decides how module-level bindings interact with environment-level
// bindings of the same source kind.
type BindingMode string

const (
	// BindingReplace makes module-level bindings of a kind hide every
	// environment-level binding of that kind.
	BindingReplace BindingMode = "replace"

	// BindingMerge layers module-level bindings over environment-level ones.
	BindingMerge BindingMode = "merge"
)

// Validate checks if the binding mode is valid.
func (m BindingMode) Validate() error {
	switch m {
	case BindingReplace, BindingMerge:
		return nil
	default:
		return fmt.Errorf("invalid binding mode: %s", m)
	}
}

// kindOrder lists source kinds from lowest to highest precedence.
var kindOrder = []SourceKind{SourceCloudIntegration, SourceVariableSet}

// VariableInputs is everything needed to resolve one module's variables.
type VariableInputs struct {
	ModuleID        string
	Bindings        []VariableBinding
	Sources         map[string]*VariableSource
	ModuleVariables []ModuleVariable

	// Mappings are output mappings of edges where ModuleID is the dependent.
	Mappings []ModuleDependency
}

// MergeVariables computes the effective variable set. Later layers overwrite
// earlier ones per (key, category): cloud integrations, then variable sets,
// then upstream output mappings, then module variables. Inside a kind,
// bindings apply in ascending priority so the highest priority wins; equal
// priorities apply in binding ID order. Values are not redacted.
func MergeVariables(in VariableInputs, mode BindingMode) []ResolvedVariable {
	type varKey struct {
		key      string
		category VariableCategory
	}
	merged := make(map[varKey]ResolvedVariable)

	for _, kind := range kindOrder {
		for _, binding := range selectBindings(in.ModuleID, in.Bindings, kind, mode) {
			source, ok := in.Sources[binding.SourceID]
			if !ok {
				continue
			}
			prefix := "variable-set:"
			if kind == SourceCloudIntegration {
				prefix = "cloud-integration:"
			}
			for _, v := range source.Variables {
				merged[varKey{v.Key, v.Category}] = ResolvedVariable{
					Key:       v.Key,
					Value:     v.Value,
					Source:    prefix + source.ID,
					Sensitive: v.Sensitive,
					Category:  v.Category,
				}
			}
		}
	}

	mappings := append([]ModuleDependency{}, in.Mappings...)
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].DependsOnID < mappings[j].DependsOnID })
	for _, dep := range mappings {
		if dep.ModuleID != in.ModuleID {
			continue
		}
		for _, m := range dep.OutputMappings {
			k := varKey{m.DownstreamVariable, CategoryTerraform}
			prev, overrides := merged[k]
			merged[k] = ResolvedVariable{
				Key:       m.DownstreamVariable,
				Value:     prev.Value,
				Source:    fmt.Sprintf("output:%s.%s", dep.DependsOnID, m.UpstreamOutput),
				Sensitive: prev.Sensitive,
				Category:  CategoryTerraform,
				Output: &OutputRef{
					ModuleID:  dep.DependsOnID,
					Name:      m.UpstreamOutput,
					Overrides: overrides,
				},
			}
		}
	}

	for _, v := range in.ModuleVariables {
		if v.ModuleID != in.ModuleID {
			continue
		}
		merged[varKey{v.Key, v.Category}] = ResolvedVariable{
			Key:       v.Key,
			Value:     v.Value,
			Source:    "module:" + v.ModuleID,
			Sensitive: v.Sensitive,
			Category:  v.Category,
		}
	}

	out := make([]ResolvedVariable, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category.rank() != out[j].Category.rank() {
			return out[i].Category.rank() < out[j].Category.rank()
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// selectBindings returns the bindings of one kind that apply to moduleID, in
// application order.
func selectBindings(moduleID string, bindings []VariableBinding, kind SourceKind, mode BindingMode) []VariableBinding {
	var envLevel, moduleLevel []VariableBinding
	for _, b := range bindings {
		if b.Kind != kind {
			continue
		}
		switch b.ModuleID {
		case "":
			envLevel = append(envLevel, b)
		case moduleID:
			moduleLevel = append(moduleLevel, b)
		}
	}

	byPriority := func(list []VariableBinding) {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority < list[j].Priority
			}
			return list[i].ID < list[j].ID
		})
	}

	if len(moduleLevel) > 0 && mode != BindingMerge {
		byPriority(moduleLevel)
		return moduleLevel
	}

	byPriority(envLevel)
	byPriority(moduleLevel)
	return append(envLevel, moduleLevel...)
}

// Redact blanks the values of sensitive variables.
func Redact(vars []ResolvedVariable) []ResolvedVariable {
	out := make([]ResolvedVariable, len(vars))
	for i, v := range vars {
		if v.Sensitive {
			v.Value = ""
		}
		out[i] = v
	}
	return out
}

// VariableResolver loads variable inputs from the store and merges them.
type VariableResolver struct {
	repo   Repository
	mode   BindingMode
	logger *telemetry.Logger
}

// NewVariableResolver creates a resolver. An empty mode means replace.
func NewVariableResolver(repo Repository, mode BindingMode, logger *telemetry.Logger) *VariableResolver {
	if mode == "" {
		mode = BindingReplace
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &VariableResolver{repo: repo, mode: mode, logger: logger.NewComponentLogger("variables")}
}

// Resolve returns the effective variables of a module with sensitive values redacted.
func (r *VariableResolver) Resolve(ctx context.Context, environmentID, moduleID string) ([]ResolvedVariable, error) {
	vars, err := r.ResolveInputs(ctx, environmentID, moduleID)
	if err != nil {
		return nil, err
	}
	return Redact(vars), nil
}

// ResolveInputs returns the effective variables unredacted, for the executor only.
func (r *VariableResolver) ResolveInputs(ctx context.Context, environmentID, moduleID string) ([]ResolvedVariable, error) {
	if _, err := r.repo.GetModule(ctx, environmentID, moduleID); err != nil {
		return nil, err
	}

	bindings, err := r.repo.ListBindings(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}

	sources := make(map[string]*VariableSource)
	for _, b := range bindings {
		if b.ModuleID != "" && b.ModuleID != moduleID {
			continue
		}
		if _, ok := sources[b.SourceID]; ok {
			continue
		}
		source, err := r.repo.GetVariableSource(ctx, b.SourceID)
		if err != nil {
			if IsNotFound(err) {
				r.logger.WithField("source_id", b.SourceID).Warn("binding references a missing variable source")
				continue
			}
			return nil, fmt.Errorf("failed to load variable source %s: %w", b.SourceID, err)
		}
		sources[b.SourceID] = source
	}

	moduleVars, err := r.repo.ListModuleVariables(ctx, environmentID, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module variables: %w", err)
	}

	deps, err := r.repo.ListDependencies(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}

	return MergeVariables(VariableInputs{
		ModuleID:        moduleID,
		Bindings:        bindings,
		Sources:         sources,
		ModuleVariables: moduleVars,
		Mappings:        deps,
	}, r.mode), nil
}
