package engine

import (
	"context"
	"testing"
)

func findVar(vars []ResolvedVariable, key string, category VariableCategory) (ResolvedVariable, bool) {
	for _, v := range vars {
		if v.Key == key && v.Category == category {
			return v, true
		}
	}
	return ResolvedVariable{}, false
}

func testSources() map[string]*VariableSource {
	return map[string]*VariableSource{
		"aws-prod": {ID: "aws-prod", Kind: SourceCloudIntegration, Variables: []SourceVariable{
			{Key: "region", Value: "us-east-1", Category: CategoryTerraform},
			{Key: "AWS_SECRET_ACCESS_KEY", Value: "s3cr3t", Category: CategoryEnv, Sensitive: true},
		}},
		"aws-dr": {ID: "aws-dr", Kind: SourceCloudIntegration, Variables: []SourceVariable{
			{Key: "region", Value: "us-west-2", Category: CategoryTerraform},
		}},
		"common": {ID: "common", Kind: SourceVariableSet, Variables: []SourceVariable{
			{Key: "region", Value: "eu-west-1", Category: CategoryTerraform},
			{Key: "owner", Value: "platform", Category: CategoryTerraform},
		}},
		"common-low": {ID: "common-low", Kind: SourceVariableSet, Variables: []SourceVariable{
			{Key: "owner", Value: "nobody", Category: CategoryTerraform},
		}},
		"eks-tuning": {ID: "eks-tuning", Kind: SourceVariableSet, Variables: []SourceVariable{
			{Key: "node_count", Value: "5", Category: CategoryTerraform},
		}},
	}
}

func TestMergeVariables_Precedence(t *testing.T) {
	in := VariableInputs{
		ModuleID: "eks",
		Bindings: []VariableBinding{
			{ID: "b1", SourceID: "aws-prod", Kind: SourceCloudIntegration, Priority: 100},
			{ID: "b2", SourceID: "common", Kind: SourceVariableSet, Priority: 1},
		},
		Sources: testSources(),
	}

	vars := MergeVariables(in, BindingReplace)

	region, ok := findVar(vars, "region", CategoryTerraform)
	if !ok {
		t.Fatal("Expected region to be resolved")
	}
	if region.Value != "eu-west-1" || region.Source != "variable-set:common" {
		t.Errorf("Expected variable set to outrank a high-priority cloud integration, got %+v", region)
	}

	secret, ok := findVar(vars, "AWS_SECRET_ACCESS_KEY", CategoryEnv)
	if !ok || secret.Source != "cloud-integration:aws-prod" {
		t.Errorf("Expected secret from cloud integration, got %+v", secret)
	}
}

func TestMergeVariables_PriorityWithinKind(t *testing.T) {
	in := VariableInputs{
		ModuleID: "eks",
		Bindings: []VariableBinding{
			{ID: "b1", SourceID: "common", Kind: SourceVariableSet, Priority: 10},
			{ID: "b2", SourceID: "common-low", Kind: SourceVariableSet, Priority: 1},
		},
		Sources: testSources(),
	}

	owner, _ := findVar(MergeVariables(in, BindingReplace), "owner", CategoryTerraform)
	if owner.Value != "platform" {
		t.Errorf("Expected higher priority binding to win, got %+v", owner)
	}
}

func TestMergeVariables_ModuleBindingsReplaceEnvironmentBindings(t *testing.T) {
	bindings := []VariableBinding{
		{ID: "b1", SourceID: "aws-prod", Kind: SourceCloudIntegration},
		{ID: "b2", SourceID: "common", Kind: SourceVariableSet, Priority: 5},
		{ID: "b3", ModuleID: "eks", SourceID: "aws-dr", Kind: SourceCloudIntegration},
		{ID: "b4", ModuleID: "apps", SourceID: "eks-tuning", Kind: SourceVariableSet},
	}
	in := VariableInputs{ModuleID: "eks", Bindings: bindings, Sources: testSources()}

	vars := MergeVariables(in, BindingReplace)

	if _, ok := findVar(vars, "AWS_SECRET_ACCESS_KEY", CategoryEnv); ok {
		t.Error("Expected environment cloud integration to be excluded once the module binds its own")
	}
	if owner, ok := findVar(vars, "owner", CategoryTerraform); !ok || owner.Source != "variable-set:common" {
		t.Errorf("Expected environment variable set to still apply, got %+v", owner)
	}
	if _, ok := findVar(vars, "node_count", CategoryTerraform); ok {
		t.Error("Expected another module's binding to be ignored")
	}

	merged := MergeVariables(in, BindingMerge)
	if _, ok := findVar(merged, "AWS_SECRET_ACCESS_KEY", CategoryEnv); !ok {
		t.Error("Expected merge mode to keep environment cloud integration variables")
	}
}

func TestMergeVariables_ModuleVariablesWin(t *testing.T) {
	in := VariableInputs{
		ModuleID: "eks",
		Bindings: []VariableBinding{{ID: "b1", SourceID: "common", Kind: SourceVariableSet}},
		Sources:  testSources(),
		ModuleVariables: []ModuleVariable{
			{ModuleID: "eks", Key: "region", Value: "ap-south-1", Category: CategoryTerraform},
			{ModuleID: "eks", Key: "region", Value: "env-region", Category: CategoryEnv},
		},
		Mappings: []ModuleDependency{{
			ModuleID:       "eks",
			DependsOnID:    "vpc",
			OutputMappings: []OutputMapping{{UpstreamOutput: "vpc_id", DownstreamVariable: "vpc_id"}},
		}},
	}

	vars := MergeVariables(in, BindingReplace)

	region, _ := findVar(vars, "region", CategoryTerraform)
	if region.Value != "ap-south-1" || region.Source != "module:eks" {
		t.Errorf("Expected module variable to win, got %+v", region)
	}
	if envRegion, ok := findVar(vars, "region", CategoryEnv); !ok || envRegion.Value != "env-region" {
		t.Error("Expected same key in another category to be kept separately")
	}
	vpc, ok := findVar(vars, "vpc_id", CategoryTerraform)
	if !ok || vpc.Source != "output:vpc.vpc_id" {
		t.Errorf("Expected output mapping, got %+v", vpc)
	}

	// Sorted by category then key.
	for i := 1; i < len(vars); i++ {
		prev, cur := vars[i-1], vars[i]
		if prev.Category.rank() > cur.Category.rank() ||
			(prev.Category == cur.Category && prev.Key > cur.Key) {
			t.Errorf("Expected sorted output, got %s/%s before %s/%s", prev.Category, prev.Key, cur.Category, cur.Key)
		}
	}
}

func TestMergeVariables_OutputMappingKeepsOverriddenValue(t *testing.T) {
	in := VariableInputs{
		ModuleID: "eks",
		Bindings: []VariableBinding{{ID: "b1", SourceID: "common", Kind: SourceVariableSet}},
		Sources:  testSources(),
		Mappings: []ModuleDependency{{
			ModuleID:    "eks",
			DependsOnID: "vpc",
			OutputMappings: []OutputMapping{
				{UpstreamOutput: "vpc_region", DownstreamVariable: "region"},
				{UpstreamOutput: "vpc_id", DownstreamVariable: "vpc_id"},
			},
		}},
	}

	vars := MergeVariables(in, BindingReplace)

	region, _ := findVar(vars, "region", CategoryTerraform)
	if region.Output == nil || region.Output.ModuleID != "vpc" || region.Output.Name != "vpc_region" {
		t.Fatalf("Expected region fed by vpc.vpc_region, got %+v", region)
	}
	if !region.Output.Overrides || region.Value != "eu-west-1" {
		t.Errorf("Expected the variable set value kept as fallback, got %+v", region)
	}

	vpc, _ := findVar(vars, "vpc_id", CategoryTerraform)
	if vpc.Output == nil || vpc.Output.Overrides || vpc.Value != "" {
		t.Errorf("Expected vpc_id with no fallback, got %+v", vpc)
	}

	if owner, _ := findVar(vars, "owner", CategoryTerraform); owner.Output != nil {
		t.Errorf("Expected plain variable set value for owner, got %+v", owner)
	}
}

func TestRedact(t *testing.T) {
	vars := []ResolvedVariable{
		{Key: "token", Value: "abc", Sensitive: true, Source: "variable-set:s1"},
		{Key: "region", Value: "us-east-1"},
	}

	redacted := Redact(vars)
	if redacted[0].Value != "" || redacted[0].Source != "variable-set:s1" {
		t.Errorf("Expected sensitive value hidden and source kept, got %+v", redacted[0])
	}
	if redacted[1].Value != "us-east-1" {
		t.Errorf("Expected plain value kept, got %+v", redacted[1])
	}
	if vars[0].Value != "abc" {
		t.Error("Expected Redact not to modify its input")
	}
}

func TestVariableResolver_Resolve(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "vpc", "eks")
	ctx := context.Background()

	for _, source := range testSources() {
		if _, err := f.engine.Environments.CreateVariableSource(ctx, source); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if _, err := f.engine.Environments.BindSource(ctx, &VariableBinding{EnvironmentID: "prod", SourceID: "aws-prod"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	// A binding to a source that disappeared is skipped.
	f.repo.bindings = append(f.repo.bindings, VariableBinding{ID: "gone", EnvironmentID: "prod", SourceID: "deleted", Kind: SourceVariableSet})

	vars, err := f.engine.Variables.Resolve(ctx, "prod", "eks")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	secret, ok := findVar(vars, "AWS_SECRET_ACCESS_KEY", CategoryEnv)
	if !ok {
		t.Fatal("Expected secret to be listed")
	}
	if secret.Value != "" || !secret.Sensitive {
		t.Errorf("Expected redacted sensitive value, got %+v", secret)
	}

	raw, err := f.engine.Variables.ResolveInputs(ctx, "prod", "eks")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if secret, _ := findVar(raw, "AWS_SECRET_ACCESS_KEY", CategoryEnv); secret.Value != "s3cr3t" {
		t.Error("Expected executor inputs to carry the real value")
	}

	if _, err := f.engine.Variables.Resolve(ctx, "prod", "missing"); !IsNotFound(err) {
		t.Errorf("Expected not found for unknown module, got: %v", err)
	}
}
