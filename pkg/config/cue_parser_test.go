package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleEnvironment = `
environment: {
	id:      "prod"
	name:    "Production"
	team_id: "platform"
}

modules: {
	vpc: {
		artifact_name: "terraform-aws-vpc"
		version:       "1.4.0"
		backend_config: bucket: "tf-state"
		variables: [{key: "cidr", value: "10.0.0.0/16"}]
	}
	eks: {
		artifact_name:  "terraform-aws-eks"
		version:        "2.0.0"
		execution_mode: "peaas"
		depends_on: ["vpc"]
		outputs: [{from: "vpc", upstream_output: "vpc_id", downstream_variable: "vpc_id"}]
		variables: [{key: "AWS_PROFILE", value: "prod", category: "env", sensitive: true}]
	}
}

variable_sources: {
	shared: {
		kind: "variable_set"
		variables: [{key: "region", value: "us-east-1"}]
	}
}

bindings: [{source: "shared"}, {source: "shared", module: "eks", priority: 5}]
`

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errSubstr string
		checkFunc func(*testing.T, *ParsedConfig)
	}{
		{
			name:    "full environment",
			content: sampleEnvironment,
			checkFunc: func(t *testing.T, pc *ParsedConfig) {
				def := pc.Definition
				if def.Environment.ID != "prod" || def.Environment.TeamID != "platform" {
					t.Errorf("unexpected environment: %+v", def.Environment)
				}
				if len(def.Modules) != 2 {
					t.Fatalf("expected 2 modules, got %d", len(def.Modules))
				}
				vpc := def.Modules["vpc"]
				if vpc.ExecutionMode != "byoc" {
					t.Errorf("expected default execution mode byoc, got %q", vpc.ExecutionMode)
				}
				if vpc.Variables[0].Category != "terraform" {
					t.Errorf("expected default category terraform, got %q", vpc.Variables[0].Category)
				}
				if vpc.BackendConfig["bucket"] != "tf-state" {
					t.Errorf("expected backend config, got %v", vpc.BackendConfig)
				}
				eks := def.Modules["eks"]
				if len(eks.DependsOn) != 1 || eks.DependsOn[0] != "vpc" {
					t.Errorf("expected eks to depend on vpc, got %v", eks.DependsOn)
				}
				if !eks.Variables[0].Sensitive {
					t.Error("expected sensitive variable")
				}
				if len(def.Bindings) != 2 || def.Bindings[1].Priority != 5 || def.Bindings[0].Priority != 0 {
					t.Errorf("unexpected bindings: %+v", def.Bindings)
				}
			},
		},
		{
			name: "invalid CUE syntax",
			content: `
environment: {
	id: "prod"
	invalid syntax here
}
`,
			wantErr: true,
		},
		{
			name: "missing version",
			content: `
environment: {id: "dev", name: "dev"}
modules: vpc: artifact_name: "terraform-aws-vpc"
`,
			wantErr:   true,
			errSubstr: "version",
		},
		{
			name: "unknown field rejected",
			content: `
environment: {id: "dev", name: "dev"}
modules: vpc: {artifact_name: "a", version: "1", colour: "blue"}
`,
			wantErr:   true,
			errSubstr: "colour",
		},
		{
			name: "invalid execution mode",
			content: `
environment: {id: "dev", name: "dev"}
modules: vpc: {artifact_name: "a", version: "1", execution_mode: "lambda"}
`,
			wantErr: true,
		},
		{
			name: "unknown dependency",
			content: `
environment: {id: "dev", name: "dev"}
modules: eks: {artifact_name: "a", version: "1", depends_on: ["vpc"]}
`,
			wantErr:   true,
			errSubstr: `unknown module "vpc"`,
		},
		{
			name: "self dependency",
			content: `
environment: {id: "dev", name: "dev"}
modules: vpc: {artifact_name: "a", version: "1", depends_on: ["vpc"]}
`,
			wantErr:   true,
			errSubstr: "itself",
		},
		{
			name: "output from non-dependency",
			content: `
environment: {id: "dev", name: "dev"}
modules: {
	vpc: {artifact_name: "a", version: "1"}
	eks: {artifact_name: "b", version: "1", outputs: [{from: "vpc", upstream_output: "id", downstream_variable: "vpc_id"}]}
}
`,
			wantErr:   true,
			errSubstr: "depends_on",
		},
		{
			name: "binding to unknown module",
			content: `
environment: {id: "dev", name: "dev"}
modules: vpc: {artifact_name: "a", version: "1"}
bindings: [{source: "shared", module: "eks"}]
`,
			wantErr:   true,
			errSubstr: "bindings[0].module",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.wantErr {
				if pc.Valid() {
					t.Fatal("expected validation errors")
				}
				if tt.errSubstr != "" {
					found := false
					for _, e := range pc.Errors {
						if strings.Contains(e.Error(), tt.errSubstr) {
							found = true
						}
					}
					if !found {
						t.Errorf("expected an error containing %q, got %v", tt.errSubstr, pc.Errors)
					}
				}
				return
			}

			if !pc.Valid() {
				t.Fatalf("unexpected validation errors: %v", pc.Errors)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, pc)
			}
		})
	}
}

func TestCUEParser_ParseFiles(t *testing.T) {
	parser := NewCUEParser()
	tmpDir := t.TempDir()

	// Two files unify into one document.
	envFile := filepath.Join(tmpDir, "env.cue")
	if err := os.WriteFile(envFile, []byte(`environment: {id: "staging", name: "Staging"}`), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	modFile := filepath.Join(tmpDir, "modules.cue")
	if err := os.WriteFile(modFile, []byte(`modules: vpc: {artifact_name: "vpc", version: "1.0.0"}`), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	pc, err := parser.Parse(context.Background(), []string{envFile, modFile})
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if !pc.Valid() {
		t.Fatalf("unexpected validation errors: %v", pc.Errors)
	}
	if len(pc.SourceFiles) != 2 {
		t.Errorf("expected 2 source files, got %d", len(pc.SourceFiles))
	}
	if pc.Definition.Environment.ID != "staging" || len(pc.Definition.Modules) != 1 {
		t.Errorf("unexpected definition: %+v", pc.Definition)
	}
}

func TestCUEParser_ParseErrorPosition(t *testing.T) {
	parser := NewCUEParser()
	path := filepath.Join(t.TempDir(), "broken.cue")
	if err := os.WriteFile(path, []byte("environment: {\n\tid: \"x\"\n\tname: \n}\n"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	pc, err := parser.Parse(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(pc.Errors) == 0 {
		t.Fatal("expected syntax error")
	}
	if pc.Errors[0].File == "" || pc.Errors[0].Line == 0 {
		t.Errorf("expected error position, got %+v", pc.Errors[0])
	}
}

func TestCUEParser_MissingSource(t *testing.T) {
	parser := NewCUEParser()
	if _, err := parser.Parse(context.Background(), []string{"/nonexistent/env.cue"}); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, err := parser.Parse(context.Background(), nil); err == nil {
		t.Fatal("expected error for no sources")
	}
}
