package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// memRepo is an in-memory Repository for tests.
type memRepo struct {
	mu           sync.Mutex
	environments map[string]*Environment
	modules      map[string]*EnvironmentModule
	dependencies []ModuleDependency
	sources      map[string]*VariableSource
	bindings     []VariableBinding
	moduleVars   []ModuleVariable
	moduleRuns   map[string]*ModuleRun
	envRuns      map[string]*EnvironmentRun
	logs         map[string][]LogLine
	audit        []AuditEntry
}

func newMemRepo() *memRepo {
	return &memRepo{
		environments: make(map[string]*Environment),
		modules:      make(map[string]*EnvironmentModule),
		sources:      make(map[string]*VariableSource),
		moduleRuns:   make(map[string]*ModuleRun),
		envRuns:      make(map[string]*EnvironmentRun),
		logs:         make(map[string][]LogLine),
	}
}

func moduleKey(environmentID, moduleID string) string {
	return environmentID + "/" + moduleID
}

func (r *memRepo) CreateEnvironment(ctx context.Context, env *Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *env
	r.environments[env.ID] = &c
	return nil
}

func (r *memRepo) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.environments[id]
	if !ok {
		return nil, NewNotFoundError("environment", id)
	}
	c := *env
	return &c, nil
}

func (r *memRepo) UpdateEnvironment(ctx context.Context, env *Environment) error {
	return r.CreateEnvironment(ctx, env)
}

func (r *memRepo) ListEnvironments(ctx context.Context) ([]Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Environment, 0, len(r.environments))
	for _, env := range r.environments {
		out = append(out, *env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) DeleteEnvironment(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.environments, id)
	return nil
}

func (r *memRepo) CreateModule(ctx context.Context, module *EnvironmentModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *module
	r.modules[moduleKey(module.EnvironmentID, module.ID)] = &c
	return nil
}

func (r *memRepo) GetModule(ctx context.Context, environmentID, moduleID string) (*EnvironmentModule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[moduleKey(environmentID, moduleID)]
	if !ok {
		return nil, NewNotFoundError("module", moduleID)
	}
	c := *m
	return &c, nil
}

func (r *memRepo) ListModules(ctx context.Context, environmentID string) ([]EnvironmentModule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EnvironmentModule, 0)
	for _, m := range r.modules {
		if m.EnvironmentID == environmentID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) UpdateModule(ctx context.Context, module *EnvironmentModule) error {
	return r.CreateModule(ctx, module)
}

func (r *memRepo) DeleteModule(ctx context.Context, environmentID, moduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, moduleKey(environmentID, moduleID))
	kept := r.dependencies[:0]
	for _, d := range r.dependencies {
		if d.EnvironmentID == environmentID && (d.ModuleID == moduleID || d.DependsOnID == moduleID) {
			continue
		}
		kept = append(kept, d)
	}
	r.dependencies = kept
	return nil
}

func (r *memRepo) ListDependencies(ctx context.Context, environmentID string) ([]ModuleDependency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModuleDependency, 0)
	for _, d := range r.dependencies {
		if d.EnvironmentID == environmentID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memRepo) CreateDependency(ctx context.Context, dep *ModuleDependency) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependencies = append(r.dependencies, *dep)
	return nil
}

func (r *memRepo) DeleteDependency(ctx context.Context, environmentID, moduleID, dependsOnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.dependencies {
		if d.EnvironmentID == environmentID && d.ModuleID == moduleID && d.DependsOnID == dependsOnID {
			r.dependencies = append(r.dependencies[:i], r.dependencies[i+1:]...)
			return nil
		}
	}
	return NewNotFoundError("dependency", moduleID+"->"+dependsOnID)
}

func (r *memRepo) CreateVariableSource(ctx context.Context, source *VariableSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *source
	r.sources[source.ID] = &c
	return nil
}

func (r *memRepo) GetVariableSource(ctx context.Context, id string) (*VariableSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[id]
	if !ok {
		return nil, NewNotFoundError("variable source", id)
	}
	c := *s
	return &c, nil
}

func (r *memRepo) CreateBinding(ctx context.Context, binding *VariableBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = append(r.bindings, *binding)
	return nil
}

func (r *memRepo) ListBindings(ctx context.Context, environmentID string) ([]VariableBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]VariableBinding, 0)
	for _, b := range r.bindings {
		if b.EnvironmentID == environmentID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memRepo) SetModuleVariable(ctx context.Context, variable *ModuleVariable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleVars = append(r.moduleVars, *variable)
	return nil
}

func (r *memRepo) ListModuleVariables(ctx context.Context, environmentID, moduleID string) ([]ModuleVariable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModuleVariable, 0)
	for _, v := range r.moduleVars {
		if v.EnvironmentID == environmentID && v.ModuleID == moduleID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *memRepo) CreateModuleRun(ctx context.Context, run *ModuleRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleRuns[run.ID] = copyRun(run)
	return nil
}

func (r *memRepo) GetModuleRun(ctx context.Context, id string) (*ModuleRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.moduleRuns[id]
	if !ok {
		return nil, NewNotFoundError("module run", id)
	}
	return copyRun(run), nil
}

func (r *memRepo) UpdateModuleRun(ctx context.Context, run *ModuleRun) error {
	return r.CreateModuleRun(ctx, run)
}

func (r *memRepo) ListModuleRunsByEnvironmentRun(ctx context.Context, environmentRunID string) ([]ModuleRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModuleRun, 0)
	for _, run := range r.moduleRuns {
		if run.EnvironmentRunID == environmentRunID {
			out = append(out, *copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out, nil
}

func (r *memRepo) ListActiveModuleRuns(ctx context.Context, environmentID string) ([]ModuleRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModuleRun, 0)
	for _, run := range r.moduleRuns {
		if (environmentID == "" || run.EnvironmentID == environmentID) && !run.Status.IsTerminal() {
			out = append(out, *copyRun(run))
		}
	}
	return out, nil
}

func (r *memRepo) CreateEnvironmentRun(ctx context.Context, run *EnvironmentRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envRuns[run.ID] = copyEnvironmentRun(run)
	return nil
}

func (r *memRepo) GetEnvironmentRun(ctx context.Context, id string) (*EnvironmentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.envRuns[id]
	if !ok {
		return nil, NewNotFoundError("environment run", id)
	}
	return copyEnvironmentRun(run), nil
}

func (r *memRepo) UpdateEnvironmentRun(ctx context.Context, run *EnvironmentRun) error {
	return r.CreateEnvironmentRun(ctx, run)
}

func (r *memRepo) ListEnvironmentRuns(ctx context.Context, environmentID string, limit int) ([]EnvironmentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EnvironmentRun, 0)
	for _, run := range r.envRuns {
		if run.EnvironmentID == environmentID {
			out = append(out, *copyEnvironmentRun(run))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) AppendLogLine(ctx context.Context, line *LogLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[line.RunID] = append(r.logs[line.RunID], *line)
	return nil
}

func (r *memRepo) ListLogLines(ctx context.Context, runID string, after int64, limit int) ([]LogLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogLine, 0)
	for _, line := range r.logs[runID] {
		if line.Sequence > after {
			out = append(out, line)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, *entry)
	return nil
}

func (r *memRepo) auditActions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.audit))
	for i, e := range r.audit {
		out[i] = e.Action
	}
	return out
}

// phaseScript decides the outcome of one executor phase of one module.
type phaseScript struct {
	exitCode int
	err      error
	summary  *PlanSummary
	block    bool
}

// scriptedExecutor runs canned results keyed by "module/phase". Unscripted
// phases succeed with an empty plan.
type scriptedExecutor struct {
	mu       sync.Mutex
	scripts  map[string]phaseScript
	calls    []string
	descs    map[string]RunDescriptor
	running  int
	maxSeen  int
	delay    time.Duration
	released chan struct{}
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		scripts:  make(map[string]phaseScript),
		descs:    make(map[string]RunDescriptor),
		released: make(chan struct{}),
	}
}

func (e *scriptedExecutor) script(moduleID, phase string, s phaseScript) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[moduleID+"/"+phase] = s
}

func (e *scriptedExecutor) release() {
	close(e.released)
}

func (e *scriptedExecutor) Execute(ctx context.Context, desc *RunDescriptor, logs LogWriter) (*ExecutionResult, error) {
	e.mu.Lock()
	key := desc.ModuleID + "/" + desc.Phase
	s := e.scripts[key]
	e.calls = append(e.calls, key)
	e.descs[key] = *desc
	e.running++
	if e.running > e.maxSeen {
		e.maxSeen = e.running
	}
	delay := e.delay
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	logs.WriteLine("stdout", "executing "+key)

	if s.block {
		select {
		case <-e.released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.err != nil {
		logs.WriteLine("stderr", s.err.Error())
		return &ExecutionResult{ExitCode: 1, ResourceCount: -1}, s.err
	}

	summary := s.summary
	if summary == nil && desc.Phase == PhasePlan {
		summary = &PlanSummary{Add: 1}
	}
	if s.exitCode != 0 {
		logs.WriteLine("stderr", "error: apply failed")
	}
	return &ExecutionResult{
		ExitCode:      s.exitCode,
		PlanSummary:   summary,
		PlanOutput:    "plan for " + desc.ModuleID,
		ResourceCount: 3,
	}, nil
}

func (e *scriptedExecutor) callList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.calls...)
}

func (e *scriptedExecutor) descriptor(key string) (RunDescriptor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	desc, ok := e.descs[key]
	return desc, ok
}

func (e *scriptedExecutor) called(key string) bool {
	for _, c := range e.callList() {
		if c == key {
			return true
		}
	}
	return false
}

// staticGate allows or denies every auto-confirm and records what it saw.
type staticGate struct {
	allow   bool
	reasons []string

	mu     sync.Mutex
	inputs []PlanInput
}

func (g *staticGate) AllowAutoConfirm(ctx context.Context, input *PlanInput) (bool, []string, error) {
	g.mu.Lock()
	g.inputs = append(g.inputs, *input)
	g.mu.Unlock()
	return g.allow, g.reasons, nil
}

func (g *staticGate) seen() []PlanInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PlanInput{}, g.inputs...)
}

// expiringLocker is a ModuleLocker whose locks lapse after their TTL, like a
// Redis key.
type expiringLocker struct {
	mu    sync.Mutex
	locks map[string]expiringLock
}

type expiringLock struct {
	holder  string
	expires time.Time
}

func newExpiringLocker() *expiringLocker {
	return &expiringLocker{locks: make(map[string]expiringLock)}
}

// current must be called with l.mu held.
func (l *expiringLocker) current(key string) string {
	lock, ok := l.locks[key]
	if !ok || time.Now().After(lock.expires) {
		delete(l.locks, key)
		return ""
	}
	return lock.holder
}

func (l *expiringLocker) Acquire(_ context.Context, key, runID string, ttl time.Duration) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder := l.current(key); holder != "" && holder != runID {
		return false, holder, nil
	}
	l.locks[key] = expiringLock{holder: runID, expires: time.Now().Add(ttl)}
	return true, runID, nil
}

func (l *expiringLocker) Refresh(_ context.Context, key, runID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current(key) != runID {
		return false, nil
	}
	l.locks[key] = expiringLock{holder: runID, expires: time.Now().Add(ttl)}
	return true, nil
}

func (l *expiringLocker) Release(_ context.Context, key, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current(key) == runID {
		delete(l.locks, key)
	}
	return nil
}

func (l *expiringLocker) ForceRelease(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder := l.current(key)
	delete(l.locks, key)
	return holder, nil
}

func (l *expiringLocker) Holder(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current(key), nil
}

// fixture builds an engine over memRepo with one active environment.
type fixture struct {
	repo     *memRepo
	executor *scriptedExecutor
	engine   *Engine
	env      *Environment
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	repo := newMemRepo()
	executor := newScriptedExecutor()
	opts.Repository = repo
	if opts.Executor == nil {
		opts.Executor = executor
	}
	if opts.RunTimeout == 0 {
		opts.RunTimeout = 5 * time.Second
	}

	eng, err := New(opts)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	env := &Environment{ID: "prod", Name: "prod", TeamID: "platform", Status: EnvironmentActive}
	if err := repo.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	return &fixture{repo: repo, executor: executor, engine: eng, env: env}
}

func (f *fixture) addModules(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.engine.Environments.AddModule(context.Background(), &EnvironmentModule{
			ID:             id,
			EnvironmentID:  f.env.ID,
			Name:           id,
			ArtifactName:   "terraform-" + id,
			CurrentVersion: "1.0.0",
		})
		if err != nil {
			t.Fatalf("Failed to add module %s: %v", id, err)
		}
	}
}

// addEdge records that moduleID depends on dependsOnID.
func (f *fixture) addEdge(t *testing.T, moduleID, dependsOnID string) {
	t.Helper()
	err := f.engine.Environments.AddDependency(context.Background(), &ModuleDependency{
		EnvironmentID: f.env.ID,
		ModuleID:      moduleID,
		DependsOnID:   dependsOnID,
	})
	if err != nil {
		t.Fatalf("Failed to add dependency %s -> %s: %v", moduleID, dependsOnID, err)
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitForStatus polls a run until it reaches status or the deadline passes.
func waitForStatus(t *testing.T, runs *ModuleRunService, runID string, status ModuleRunStatus) *ModuleRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := runs.GetModuleRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if run.Status == status {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := runs.GetModuleRun(context.Background(), runID)
	t.Fatalf("Run %s did not reach %s, last status %s", runID, status, run.Status)
	return nil
}

func statusByModule(runs []ModuleRun) map[string]ModuleRun {
	out := make(map[string]ModuleRun, len(runs))
	for _, r := range runs {
		out[r.ModuleID] = r
	}
	return out
}
