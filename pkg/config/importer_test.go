package config

import (
	"context"
	"testing"

	"github.com/openfroyo/envrun/pkg/engine"
	"github.com/openfroyo/envrun/pkg/executor"
	"github.com/openfroyo/envrun/pkg/stores"
)

func setupImportEngine(t *testing.T) (*engine.Engine, *stores.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eng, err := engine.New(engine.Options{
		Repository: store,
		Executor:   executor.NewDryRunExecutor(executor.DryRunConfig{}),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return eng, store
}

func parseSample(t *testing.T, content string) *EnvironmentDefinition {
	t.Helper()
	pc, err := NewCUEParser().ParseInline(context.Background(), content)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if !pc.Valid() {
		t.Fatalf("unexpected validation errors: %v", pc.Errors)
	}
	return pc.Definition
}

func TestImporter_Import(t *testing.T) {
	eng, store := setupImportEngine(t)
	ctx := context.Background()
	importer := NewImporter(eng.Environments, nil)

	result, err := importer.Import(ctx, parseSample(t, sampleEnvironment), ImportOptions{Actor: engine.Actor{UserID: "alice"}})
	if err != nil {
		t.Fatalf("failed to import: %v", err)
	}

	if !result.EnvironmentCreated || len(result.ModulesCreated) != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.DependenciesAdded != 1 || result.SourcesCreated != 1 || result.BindingsCreated != 2 || result.VariablesSet != 2 {
		t.Errorf("unexpected counts: %+v", result)
	}

	env, err := eng.Environments.GetEnvironment(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to get environment: %v", err)
	}
	if env.ModuleCount != 2 || env.TeamID != "platform" {
		t.Errorf("unexpected environment: %+v", env)
	}

	eks, err := eng.Environments.GetModule(ctx, "prod", "eks")
	if err != nil {
		t.Fatalf("failed to get module: %v", err)
	}
	if eks.ExecutionMode != engine.ExecutionModePeaaS || eks.CurrentVersion != "2.0.0" {
		t.Errorf("unexpected module: %+v", eks)
	}

	deps, err := eng.Environments.ListDependencies(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to list dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0].ModuleID != "eks" || deps[0].DependsOnID != "vpc" {
		t.Fatalf("unexpected dependencies: %+v", deps)
	}
	if len(deps[0].OutputMappings) != 1 || deps[0].OutputMappings[0].DownstreamVariable != "vpc_id" {
		t.Errorf("unexpected output mappings: %+v", deps[0].OutputMappings)
	}

	bindings, err := store.ListBindings(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to list bindings: %v", err)
	}
	if len(bindings) != 2 {
		t.Errorf("expected 2 bindings, got %d", len(bindings))
	}

	resolved, err := eng.Variables.Resolve(ctx, "prod", "vpc")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	keys := map[string]bool{}
	for _, v := range resolved {
		keys[v.Key] = true
	}
	if !keys["region"] || !keys["cidr"] {
		t.Errorf("expected region and cidr resolved for vpc, got %+v", resolved)
	}
}

func TestImporter_ReimportIsIdempotent(t *testing.T) {
	eng, _ := setupImportEngine(t)
	ctx := context.Background()
	importer := NewImporter(eng.Environments, nil)
	def := parseSample(t, sampleEnvironment)

	if _, err := importer.Import(ctx, def, ImportOptions{}); err != nil {
		t.Fatalf("failed to import: %v", err)
	}

	result, err := importer.Import(ctx, def, ImportOptions{})
	if err != nil {
		t.Fatalf("failed to re-import: %v", err)
	}
	if result.EnvironmentCreated || len(result.ModulesCreated) != 0 || len(result.ModulesUpdated) != 0 {
		t.Errorf("expected nothing created, got %+v", result)
	}
	if result.DependenciesAdded != 0 || result.SourcesCreated != 0 || result.BindingsCreated != 0 {
		t.Errorf("expected nothing added, got %+v", result)
	}
}

func TestImporter_VersionChangeAutoPlans(t *testing.T) {
	eng, store := setupImportEngine(t)
	ctx := context.Background()
	importer := NewImporter(eng.Environments, nil)

	v1 := `
environment: {id: "dev", name: "dev"}
modules: vpc: {artifact_name: "vpc", version: "1.0.0"}
`
	v2 := `
environment: {id: "dev", name: "dev"}
modules: vpc: {artifact_name: "vpc", version: "1.1.0"}
`
	if _, err := importer.Import(ctx, parseSample(t, v1), ImportOptions{}); err != nil {
		t.Fatalf("failed to import: %v", err)
	}

	result, err := importer.Import(ctx, parseSample(t, v2), ImportOptions{AutoPlan: true, Actor: engine.Actor{UserID: "ci"}})
	if err != nil {
		t.Fatalf("failed to import: %v", err)
	}
	if len(result.ModulesUpdated) != 1 || result.ModulesUpdated[0] != "vpc" {
		t.Fatalf("expected vpc updated, got %+v", result)
	}

	module, err := eng.Environments.GetModule(ctx, "dev", "vpc")
	if err != nil {
		t.Fatalf("failed to get module: %v", err)
	}
	if module.CurrentVersion != "1.1.0" {
		t.Errorf("expected version 1.1.0, got %s", module.CurrentVersion)
	}

	runs, err := store.ListModuleRunsByModule(ctx, "dev", "vpc", 10)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one plan run, got %d", len(runs))
	}
	if runs[0].TriggerSource != engine.TriggerModuleUpdate || runs[0].Operation != engine.OperationPlan || runs[0].TriggeredBy != "ci" {
		t.Errorf("unexpected run: %+v", runs[0])
	}
}
