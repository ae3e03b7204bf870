package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// EnvironmentSchema is the name of the built-in environment schema.
const EnvironmentSchema = "environment"

// SchemaRegistry manages CUE schemas for validation. Values from the
// registry can only be unified with values built by the same cue.Context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas. A nil ctx
// gets a fresh context.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(EnvironmentSchema, builtinEnvironmentSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Definition returns a definition such as "#Module" from a schema.
func (sr *SchemaRegistry) Definition(schemaName, definition string) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	def := schema.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return cue.Value{}, fmt.Errorf("definition %s not found in schema %s", definition, schemaName)
	}
	return def, nil
}

// Apply unifies val with a definition and checks that the result is concrete.
func (sr *SchemaRegistry) Apply(schemaName, definition string, val cue.Value) (cue.Value, error) {
	def, err := sr.Definition(schemaName, definition)
	if err != nil {
		return cue.Value{}, err
	}
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a definition.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName, definition string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Apply(schemaName, definition, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinEnvironmentSchema = `
#ID: =~"^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$"

#Variable: {
	key:       string & =~"^[A-Za-z_][A-Za-z0-9_]*$"
	value:     string
	category:  *"terraform" | "env"
	sensitive: *false | bool
}

#OutputMapping: {
	// from is the upstream module and must be listed in depends_on
	from:                #ID
	upstream_output:     string & !=""
	downstream_variable: string & !=""
}

#Module: {
	name?:               string
	artifact_namespace?: string
	artifact_name:       string & !=""
	version:             string & !=""
	pinned_version?:     string
	execution_mode:      *"byoc" | "peaas"
	working_dir?:        string
	backend_config?: {[string]: string}
	depends_on: *[] | [...#ID]
	outputs:    *[] | [...#OutputMapping]
	variables:  *[] | [...#Variable]
}

#Source: {
	name?:    string
	kind:     "variable_set" | "cloud_integration"
	team_id?: string
	variables: *[] | [...#Variable]
}

#Binding: {
	source:   string & !=""
	module?:  #ID
	priority: *0 | (int & >=0)
}

#Environment: {
	environment: {
		id:       #ID
		name:     string & !=""
		team_id?: string
	}
	modules: {[#ID]: #Module}
	variable_sources?: {[string]: #Source}
	bindings: *[] | [...#Binding]
}
`
