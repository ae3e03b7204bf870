package stores

import (
	"context"
	"testing"
	"time"

	"github.com/openfroyo/envrun/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedEnvironment(t *testing.T, store *SQLiteStore, id string, modules ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	env := &engine.Environment{ID: id, Name: id, Status: engine.EnvironmentActive, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateEnvironment(ctx, env); err != nil {
		t.Fatalf("failed to create environment: %v", err)
	}
	for _, m := range modules {
		module := &engine.EnvironmentModule{
			ID:             m,
			EnvironmentID:  id,
			ArtifactName:   "terraform-" + m,
			ExecutionMode:  engine.ExecutionModeBYOC,
			CurrentVersion: "1.0.0",
			DriftStatus:    engine.DriftUnknown,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := store.CreateModule(ctx, module); err != nil {
			t.Fatalf("failed to create module %s: %v", m, err)
		}
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{
		"environments", "modules", "dependencies", "variable_sources", "variable_bindings",
		"module_variables", "module_runs", "environment_runs", "run_logs", "audit",
	}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	version, dirty, err := store.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("failed to read schema version: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("expected clean version 1, got %d (dirty=%v)", version, dirty)
	}

	// Running again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestEnvironmentCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedEnvironment(t, store, "prod")

	err := store.CreateEnvironment(ctx, &engine.Environment{ID: "prod", Name: "dup", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	if !engine.IsConflict(err) {
		t.Errorf("expected conflict for duplicate environment, got: %v", err)
	}

	env, err := store.GetEnvironment(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to get environment: %v", err)
	}
	if env.Locked || env.LockedAt != nil {
		t.Errorf("expected unlocked environment, got %+v", env)
	}

	lockedAt := time.Now()
	env.Locked = true
	env.LockedBy = "ops"
	env.LockReason = "freeze"
	env.LockedAt = &lockedAt
	env.TotalResources = 12
	if err := store.UpdateEnvironment(ctx, env); err != nil {
		t.Fatalf("failed to update environment: %v", err)
	}

	updated, err := store.GetEnvironment(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to get environment: %v", err)
	}
	if !updated.Locked || updated.LockedBy != "ops" || updated.LockReason != "freeze" || updated.TotalResources != 12 {
		t.Errorf("expected lock fields persisted, got %+v", updated)
	}
	if updated.LockedAt == nil || !updated.LockedAt.Equal(lockedAt.UTC()) {
		t.Errorf("expected locked_at %v, got %v", lockedAt, updated.LockedAt)
	}

	if err := store.UpdateEnvironment(ctx, &engine.Environment{ID: "missing"}); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got: %v", err)
	}

	seedEnvironment(t, store, "dev")
	envs, err := store.ListEnvironments(ctx)
	if err != nil {
		t.Fatalf("failed to list environments: %v", err)
	}
	if len(envs) != 2 || envs[0].ID != "dev" {
		t.Errorf("expected dev and prod ordered by name, got %v", envs)
	}

	if _, err := store.GetEnvironment(ctx, "nope"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got: %v", err)
	}
}

func TestDeleteEnvironmentCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedEnvironment(t, store, "prod", "vpc", "eks")

	if err := store.CreateDependency(ctx, &engine.ModuleDependency{EnvironmentID: "prod", ModuleID: "eks", DependsOnID: "vpc"}); err != nil {
		t.Fatalf("failed to create dependency: %v", err)
	}
	if err := store.CreateBinding(ctx, &engine.VariableBinding{ID: "b1", EnvironmentID: "prod", SourceID: "s1", Kind: engine.SourceVariableSet}); err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}

	if err := store.DeleteEnvironment(ctx, "prod"); err != nil {
		t.Fatalf("failed to delete environment: %v", err)
	}

	modules, _ := store.ListModules(ctx, "prod")
	deps, _ := store.ListDependencies(ctx, "prod")
	bindings, _ := store.ListBindings(ctx, "prod")
	if len(modules) != 0 || len(deps) != 0 || len(bindings) != 0 {
		t.Errorf("expected children removed, got %d modules, %d deps, %d bindings", len(modules), len(deps), len(bindings))
	}

	if err := store.DeleteEnvironment(ctx, "prod"); !engine.IsNotFound(err) {
		t.Errorf("expected not found on second delete, got: %v", err)
	}
}

func TestModuleCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedEnvironment(t, store, "prod", "vpc")

	module, err := store.GetModule(ctx, "prod", "vpc")
	if err != nil {
		t.Fatalf("failed to get module: %v", err)
	}
	if module.LastRun != nil || module.BackendConfig != nil {
		t.Errorf("expected empty optional fields, got %+v", module)
	}

	finished := time.Now()
	module.CurrentVersion = "1.1.0"
	module.ResourceCount = 7
	module.DriftStatus = engine.DriftInSync
	module.BackendConfig = map[string]string{"bucket": "tf-state"}
	module.LastRun = &engine.LastRunSummary{RunID: "r1", Status: engine.ModuleRunSucceeded, Operation: engine.OperationApply, FinishedAt: &finished}
	if err := store.UpdateModule(ctx, module); err != nil {
		t.Fatalf("failed to update module: %v", err)
	}

	updated, err := store.GetModule(ctx, "prod", "vpc")
	if err != nil {
		t.Fatalf("failed to get module: %v", err)
	}
	if updated.CurrentVersion != "1.1.0" || updated.ResourceCount != 7 || updated.DriftStatus != engine.DriftInSync {
		t.Errorf("expected updated fields, got %+v", updated)
	}
	if updated.BackendConfig["bucket"] != "tf-state" {
		t.Errorf("expected backend config round trip, got %v", updated.BackendConfig)
	}
	if updated.LastRun == nil || updated.LastRun.RunID != "r1" || updated.LastRun.Status != engine.ModuleRunSucceeded {
		t.Errorf("expected last run summary, got %+v", updated.LastRun)
	}

	dup := *module
	if err := store.CreateModule(ctx, &dup); !engine.IsConflict(err) {
		t.Errorf("expected conflict for duplicate module, got: %v", err)
	}

	if _, err := store.GetModule(ctx, "prod", "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got: %v", err)
	}
}

func TestDependencies(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedEnvironment(t, store, "prod", "vpc", "eks", "apps")

	edges := []engine.ModuleDependency{
		{EnvironmentID: "prod", ModuleID: "eks", DependsOnID: "vpc", OutputMappings: []engine.OutputMapping{{UpstreamOutput: "vpc_id", DownstreamVariable: "vpc_id"}}},
		{EnvironmentID: "prod", ModuleID: "apps", DependsOnID: "eks"},
	}
	for i := range edges {
		if err := store.CreateDependency(ctx, &edges[i]); err != nil {
			t.Fatalf("failed to create dependency: %v", err)
		}
	}

	if err := store.CreateDependency(ctx, &edges[0]); !engine.IsConflict(err) {
		t.Errorf("expected conflict for duplicate edge, got: %v", err)
	}

	deps, err := store.ListDependencies(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to list dependencies: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("expected 2 dependencies, got %d", len(deps))
	}
	if deps[1].ModuleID != "eks" || len(deps[1].OutputMappings) != 1 || deps[1].OutputMappings[0].UpstreamOutput != "vpc_id" {
		t.Errorf("expected eks edge with output mapping, got %+v", deps[1])
	}

	// Deleting a module removes edges on both sides.
	if err := store.DeleteModule(ctx, "prod", "eks"); err != nil {
		t.Fatalf("failed to delete module: %v", err)
	}
	deps, _ = store.ListDependencies(ctx, "prod")
	if len(deps) != 0 {
		t.Errorf("expected no edges after deleting eks, got %v", deps)
	}

	if err := store.DeleteDependency(ctx, "prod", "apps", "eks"); !engine.IsNotFound(err) {
		t.Errorf("expected not found for removed edge, got: %v", err)
	}
}

func TestVariables(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedEnvironment(t, store, "prod", "eks")

	source := &engine.VariableSource{
		ID:   "aws",
		Name: "aws-prod",
		Kind: engine.SourceCloudIntegration,
		Variables: []engine.SourceVariable{
			{Key: "AWS_SECRET_ACCESS_KEY", Value: "s3cr3t", Category: engine.CategoryEnv, Sensitive: true},
		},
	}
	if err := store.CreateVariableSource(ctx, source); err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	got, err := store.GetVariableSource(ctx, "aws")
	if err != nil {
		t.Fatalf("failed to get source: %v", err)
	}
	if len(got.Variables) != 1 || !got.Variables[0].Sensitive || got.Variables[0].Value != "s3cr3t" {
		t.Errorf("expected source variables round trip, got %+v", got.Variables)
	}

	bindings := []engine.VariableBinding{
		{ID: "b1", EnvironmentID: "prod", SourceID: "aws", Kind: engine.SourceCloudIntegration, Priority: 10},
		{ID: "b2", EnvironmentID: "prod", ModuleID: "eks", SourceID: "aws", Kind: engine.SourceCloudIntegration},
	}
	for i := range bindings {
		if err := store.CreateBinding(ctx, &bindings[i]); err != nil {
			t.Fatalf("failed to create binding: %v", err)
		}
	}
	listed, err := store.ListBindings(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to list bindings: %v", err)
	}
	if len(listed) != 2 || listed[0].Priority != 10 || listed[1].ModuleID != "eks" {
		t.Errorf("expected both bindings, got %+v", listed)
	}

	// Setting the same key and category twice replaces the value.
	for _, value := range []string{"3", "5"} {
		v := &engine.ModuleVariable{EnvironmentID: "prod", ModuleID: "eks", Key: "node_count", Value: value, Category: engine.CategoryTerraform}
		if err := store.SetModuleVariable(ctx, v); err != nil {
			t.Fatalf("failed to set module variable: %v", err)
		}
	}
	v := &engine.ModuleVariable{EnvironmentID: "prod", ModuleID: "eks", Key: "node_count", Value: "env", Category: engine.CategoryEnv}
	if err := store.SetModuleVariable(ctx, v); err != nil {
		t.Fatalf("failed to set module variable: %v", err)
	}

	vars, err := store.ListModuleVariables(ctx, "prod", "eks")
	if err != nil {
		t.Fatalf("failed to list module variables: %v", err)
	}
	if len(vars) != 2 {
		t.Fatalf("expected 2 variables, got %+v", vars)
	}
	for _, v := range vars {
		if v.Category == engine.CategoryTerraform && v.Value != "5" {
			t.Errorf("expected replaced value 5, got %s", v.Value)
		}
	}
}

func TestModuleRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedEnvironment(t, store, "prod", "vpc")

	now := time.Now()
	run := &engine.ModuleRun{
		ID:            "run-1",
		EnvironmentID: "prod",
		ModuleID:      "vpc",
		Operation:     engine.OperationApply,
		Status:        engine.ModuleRunQueued,
		TriggerSource: engine.TriggerManual,
		Priority:      engine.PriorityUser,
		ModuleVersion: "1.0.0",
		CallbackToken: "token",
		TriggeredBy:   "alice",
		CreatedAt:     now,
		QueuedAt:      &now,
	}
	if err := store.CreateModuleRun(ctx, run); err != nil {
		t.Fatalf("failed to create module run: %v", err)
	}

	active, err := store.ListActiveModuleRuns(ctx, "")
	if err != nil {
		t.Fatalf("failed to list active runs: %v", err)
	}
	if len(active) != 1 || active[0].CallbackToken != "token" {
		t.Errorf("expected the queued run to be active, got %+v", active)
	}

	exitCode := 1
	run.Status = engine.ModuleRunFailed
	run.ExitCode = &exitCode
	run.ErrorMessage = "exit status 1"
	run.PlanSummary = &engine.PlanSummary{Add: 2, Destroy: 1}
	run.CompletedAt = &now
	if err := store.UpdateModuleRun(ctx, run); err != nil {
		t.Fatalf("failed to update module run: %v", err)
	}

	got, err := store.GetModuleRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get module run: %v", err)
	}
	if got.Status != engine.ModuleRunFailed || got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("expected failed run with exit code 1, got %+v", got)
	}
	if got.PlanSummary == nil || got.PlanSummary.Add != 2 || got.PlanSummary.Destroy != 1 {
		t.Errorf("expected plan summary round trip, got %+v", got.PlanSummary)
	}
	if got.StartedAt != nil || got.CompletedAt == nil {
		t.Errorf("expected only completed_at set, got started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}

	active, _ = store.ListActiveModuleRuns(ctx, "prod")
	if len(active) != 0 {
		t.Errorf("expected no active runs after failure, got %d", len(active))
	}

	if _, err := store.GetModuleRun(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got: %v", err)
	}
}

func TestEnvironmentRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedEnvironment(t, store, "prod")

	base := time.Now()
	for i, id := range []string{"er-1", "er-2"} {
		run := &engine.EnvironmentRun{
			ID:             id,
			EnvironmentID:  "prod",
			Operation:      engine.CascadeApplyAll,
			Status:         engine.EnvironmentRunPending,
			ExecutionOrder: []string{"vpc", "eks"},
			Layers:         [][]string{{"vpc"}, {"eks"}},
			TotalModules:   2,
			TriggerSource:  engine.TriggerManual,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateEnvironmentRun(ctx, run); err != nil {
			t.Fatalf("failed to create environment run: %v", err)
		}
	}

	run, err := store.GetEnvironmentRun(ctx, "er-1")
	if err != nil {
		t.Fatalf("failed to get environment run: %v", err)
	}
	if len(run.Layers) != 2 || run.Layers[1][0] != "eks" || run.ExecutionOrder[0] != "vpc" {
		t.Errorf("expected layer snapshot round trip, got %+v", run)
	}

	run.Status = engine.EnvironmentRunPartialFailure
	run.Completed, run.Failed = 1, 1
	run.CompletedAt = &base
	if err := store.UpdateEnvironmentRun(ctx, run); err != nil {
		t.Fatalf("failed to update environment run: %v", err)
	}
	updated, _ := store.GetEnvironmentRun(ctx, "er-1")
	if updated.Status != engine.EnvironmentRunPartialFailure || updated.Completed != 1 || updated.Failed != 1 {
		t.Errorf("expected aggregated counters persisted, got %+v", updated)
	}

	runs, err := store.ListEnvironmentRuns(ctx, "prod", 1)
	if err != nil {
		t.Fatalf("failed to list environment runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "er-2" {
		t.Errorf("expected newest run first, got %v", runs)
	}
}

func TestRunLogs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		line := &engine.LogLine{RunID: "run-1", Sequence: seq, Stream: "stdout", Content: "line", CreatedAt: time.Now()}
		if err := store.AppendLogLine(ctx, line); err != nil {
			t.Fatalf("failed to append log line: %v", err)
		}
	}

	dup := &engine.LogLine{RunID: "run-1", Sequence: 3, Stream: "stdout", Content: "again", CreatedAt: time.Now()}
	if err := store.AppendLogLine(ctx, dup); !engine.IsConflict(err) {
		t.Errorf("expected conflict for duplicate sequence, got: %v", err)
	}

	lines, err := store.ListLogLines(ctx, "run-1", 2, 2)
	if err != nil {
		t.Fatalf("failed to list log lines: %v", err)
	}
	if len(lines) != 2 || lines[0].Sequence != 3 || lines[1].Sequence != 4 {
		t.Errorf("expected sequences 3 and 4, got %+v", lines)
	}

	all, _ := store.ListLogLines(ctx, "run-1", 0, 0)
	if len(all) != 5 {
		t.Errorf("expected all 5 lines without a limit, got %d", len(all))
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entries := []*engine.AuditEntry{
		{Action: engine.AuditEnvironmentLocked, Actor: "ops", TargetType: "environment", TargetID: "prod", CreatedAt: time.Now().Add(-time.Minute)},
		{Action: engine.AuditModuleForceUnlocked, Actor: "admin", TargetType: "module", TargetID: "prod/vpc", Details: map[string]interface{}{"previous_holder": "run-9"}},
	}
	for _, e := range entries {
		if err := store.CreateAuditEntry(ctx, e); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if e.ID == "" {
			t.Error("expected an id to be assigned")
		}
	}

	all, err := store.ListAuditEntries(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(all) != 2 || all[0].Action != engine.AuditModuleForceUnlocked {
		t.Fatalf("expected newest entry first, got %+v", all)
	}
	if all[0].Details["previous_holder"] != "run-9" {
		t.Errorf("expected details round trip, got %v", all[0].Details)
	}

	filtered, _ := store.ListAuditEntries(ctx, AuditFilter{Actor: "ops"})
	if len(filtered) != 1 || filtered[0].TargetID != "prod" {
		t.Errorf("expected one entry by ops, got %+v", filtered)
	}
}
