package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates environment definitions written in CUE.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
		validator:      validator.New(),
	}
}

// Parse parses CUE files or package directories into one environment
// definition. Sources are unified, so several files may each contribute
// part of the document. Schema and reference problems are returned in
// ParsedConfig.Errors; the error return is for I/O failures.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = cp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = cp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}

		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	return cp.extract(cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}
	return cp.extract(val, []string{"inline"}), nil
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:    path,
			Message: fmt.Sprintf("failed to read file: %v", err),
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// extract applies the environment schema, decodes, and checks references
// between modules, sources and bindings.
func (cp *CUEParser) extract(val cue.Value, sourceFiles []string) *ParsedConfig {
	parsed := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	unified, err := cp.schemaRegistry.Apply(EnvironmentSchema, "#Environment", val)
	if err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}

	var def EnvironmentDefinition
	if err := unified.Decode(&def); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{Message: fmt.Sprintf("failed to decode environment: %v", err)})
		return parsed
	}
	if err := cp.validator.Struct(&def); err != nil {
		parsed.Errors = append(parsed.Errors, convertValidatorErrors(err)...)
		return parsed
	}

	parsed.Errors = append(parsed.Errors, checkReferences(&def)...)
	if len(parsed.Errors) == 0 {
		parsed.Definition = &def
	}
	return parsed
}

func checkReferences(def *EnvironmentDefinition) []ValidationError {
	var errs []ValidationError

	ids := make([]string, 0, len(def.Modules))
	for id := range def.Modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		module := def.Modules[id]
		deps := make(map[string]bool, len(module.DependsOn))
		for _, dep := range module.DependsOn {
			path := fmt.Sprintf("modules.%s.depends_on", id)
			switch {
			case dep == id:
				errs = append(errs, ValidationError{Path: path, Message: "module cannot depend on itself"})
			case !hasModule(def, dep):
				errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("unknown module %q", dep)})
			}
			deps[dep] = true
		}
		for i, out := range module.Outputs {
			if !deps[out.From] {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("modules.%s.outputs[%d].from", id, i),
					Message: fmt.Sprintf("%q is not listed in depends_on", out.From),
				})
			}
		}
	}

	for i, b := range def.Bindings {
		if b.Module != "" && !hasModule(def, b.Module) {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("bindings[%d].module", i),
				Message: fmt.Sprintf("unknown module %q", b.Module),
			})
		}
	}

	return errs
}

func hasModule(def *EnvironmentDefinition, id string) bool {
	_, ok := def.Modules[id]
	return ok
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		validationErrors = append(validationErrors, ve)
	}

	return validationErrors
}

func convertValidatorErrors(err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
		})
	}
	return out
}
