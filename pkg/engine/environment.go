package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/envrun/pkg/telemetry"
)

// EnvironmentService manages environments, their modules, dependency edges,
// and variable bindings.
type EnvironmentService struct {
	repo   Repository
	graphs *DAGBuilder
	runs   *ModuleRunService
	logger *telemetry.Logger
	now    func() time.Time

	// edgeMu serializes dependency edits per environment so two concurrent
	// edits cannot each pass the cycle check and together close a cycle.
	edgeMu sync.Map
}

// NewEnvironmentService creates the environment service.
func NewEnvironmentService(repo Repository, graphs *DAGBuilder, runs *ModuleRunService, logger *telemetry.Logger) *EnvironmentService {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &EnvironmentService{
		repo:   repo,
		graphs: graphs,
		runs:   runs,
		logger: logger.NewComponentLogger("environments"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *EnvironmentService) lockEdges(environmentID string) func() {
	mu, _ := s.edgeMu.LoadOrStore(environmentID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// CreateEnvironment stores a new environment. An empty ID gets a generated one.
func (s *EnvironmentService) CreateEnvironment(ctx context.Context, env *Environment) (*Environment, error) {
	if env.Name == "" {
		return nil, NewValidationError("environment name is required")
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Status == "" {
		env.Status = EnvironmentActive
	}
	if err := env.Status.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	now := s.now()
	env.CreatedAt = now
	env.UpdatedAt = now

	if err := s.repo.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}
	s.logger.WithEnvironment(env.ID).WithField("name", env.Name).Info("environment created")
	return env, nil
}

// GetEnvironment returns one environment.
func (s *EnvironmentService) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	return s.repo.GetEnvironment(ctx, id)
}

// ListEnvironments returns every environment.
func (s *EnvironmentService) ListEnvironments(ctx context.Context) ([]Environment, error) {
	return s.repo.ListEnvironments(ctx)
}

// SetStatus moves an environment between active, paused, and archived.
func (s *EnvironmentService) SetStatus(ctx context.Context, id string, status EnvironmentStatus) (*Environment, error) {
	if err := status.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	env, err := s.repo.GetEnvironment(ctx, id)
	if err != nil {
		return nil, err
	}
	env.Status = status
	env.UpdatedAt = s.now()
	if err := s.repo.UpdateEnvironment(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// DeleteEnvironment removes an environment that has no active runs.
func (s *EnvironmentService) DeleteEnvironment(ctx context.Context, id string) error {
	if _, err := s.repo.GetEnvironment(ctx, id); err != nil {
		return err
	}
	active, err := s.repo.ListActiveModuleRuns(ctx, id)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return NewConflictError(fmt.Sprintf("environment has %d active runs", len(active)), nil).
			WithCode(ErrCodeConflict).
			WithResource(id)
	}
	if err := s.repo.DeleteEnvironment(ctx, id); err != nil {
		return err
	}
	s.logger.WithEnvironment(id).Info("environment deleted")
	return nil
}

// AddModule places a module in an environment.
func (s *EnvironmentService) AddModule(ctx context.Context, module *EnvironmentModule) (*EnvironmentModule, error) {
	if module.ID == "" {
		return nil, NewValidationError("module id is required")
	}
	if module.ArtifactName == "" {
		return nil, NewValidationError("module artifact name is required")
	}
	if module.ExecutionMode == "" {
		module.ExecutionMode = ExecutionModeBYOC
	}
	if err := module.ExecutionMode.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	if module.DriftStatus == "" {
		module.DriftStatus = DriftUnknown
	}

	env, err := s.repo.GetEnvironment(ctx, module.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetModule(ctx, module.EnvironmentID, module.ID); err == nil {
		return nil, NewConflictError("module already exists", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(module.ID)
	} else if !IsNotFound(err) {
		return nil, err
	}

	now := s.now()
	module.CreatedAt = now
	module.UpdatedAt = now
	if err := s.repo.CreateModule(ctx, module); err != nil {
		return nil, err
	}

	env.ModuleCount++
	env.UpdatedAt = now
	if err := s.repo.UpdateEnvironment(ctx, env); err != nil {
		return nil, err
	}
	return module, nil
}

// GetModule returns one module.
func (s *EnvironmentService) GetModule(ctx context.Context, environmentID, moduleID string) (*EnvironmentModule, error) {
	return s.repo.GetModule(ctx, environmentID, moduleID)
}

// ListModules returns the modules of an environment.
func (s *EnvironmentService) ListModules(ctx context.Context, environmentID string) ([]EnvironmentModule, error) {
	if _, err := s.repo.GetEnvironment(ctx, environmentID); err != nil {
		return nil, err
	}
	return s.repo.ListModules(ctx, environmentID)
}

// RemoveModule deletes a module and every edge referencing it. A module with
// an active run cannot be removed.
func (s *EnvironmentService) RemoveModule(ctx context.Context, environmentID, moduleID string) error {
	unlock := s.lockEdges(environmentID)
	defer unlock()

	if _, err := s.repo.GetModule(ctx, environmentID, moduleID); err != nil {
		return err
	}
	active, err := s.repo.ListActiveModuleRuns(ctx, environmentID)
	if err != nil {
		return err
	}
	for i := range active {
		if active[i].ModuleID == moduleID {
			return &ModuleLockedError{ModuleID: moduleID, HeldBy: active[i].ID}
		}
	}

	if err := s.repo.DeleteModule(ctx, environmentID, moduleID); err != nil {
		return err
	}

	env, err := s.repo.GetEnvironment(ctx, environmentID)
	if err != nil {
		return err
	}
	modules, err := s.repo.ListModules(ctx, environmentID)
	if err != nil {
		return err
	}
	env.ModuleCount = len(modules)
	env.TotalResources = 0
	for i := range modules {
		env.TotalResources += modules[i].ResourceCount
	}
	env.UpdatedAt = s.now()
	return s.repo.UpdateEnvironment(ctx, env)
}

// UpdateModuleVersion sets the module's current version. With autoPlan it
// also starts a plan run triggered by the update.
func (s *EnvironmentService) UpdateModuleVersion(ctx context.Context, environmentID, moduleID, version string, autoPlan bool, actor Actor) (*EnvironmentModule, *ModuleRun, error) {
	if version == "" {
		return nil, nil, NewValidationError("version is required")
	}
	module, err := s.repo.GetModule(ctx, environmentID, moduleID)
	if err != nil {
		return nil, nil, err
	}
	module.CurrentVersion = version
	module.UpdatedAt = s.now()
	if err := s.repo.UpdateModule(ctx, module); err != nil {
		return nil, nil, err
	}

	if !autoPlan || s.runs == nil {
		return module, nil, nil
	}
	run, err := s.runs.StartModuleRun(ctx, StartRunRequest{
		EnvironmentID: environmentID,
		ModuleID:      moduleID,
		Operation:     OperationPlan,
		ModuleVersion: version,
		TriggerSource: TriggerModuleUpdate,
		Actor:         actor,
	})
	if err != nil {
		return module, nil, err
	}
	return module, run, nil
}

// AddDependency adds the edge dep.ModuleID → dep.DependsOnID. The edge is
// rejected with a CycleError, and nothing is written, if it would close a cycle.
func (s *EnvironmentService) AddDependency(ctx context.Context, dep *ModuleDependency) error {
	if dep.ModuleID == "" || dep.DependsOnID == "" {
		return NewValidationError("module_id and depends_on_id are required")
	}
	for _, m := range dep.OutputMappings {
		if m.UpstreamOutput == "" || m.DownstreamVariable == "" {
			return NewValidationError("output mappings need upstream_output and downstream_variable")
		}
	}

	unlock := s.lockEdges(dep.EnvironmentID)
	defer unlock()

	modules, err := s.repo.ListModules(ctx, dep.EnvironmentID)
	if err != nil {
		return err
	}
	edges, err := s.repo.ListDependencies(ctx, dep.EnvironmentID)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.ModuleID == dep.ModuleID && e.DependsOnID == dep.DependsOnID {
			return NewConflictError("dependency already exists", nil).
				WithCode(ErrCodeAlreadyExists).
				WithResource(dep.ModuleID)
		}
	}

	if err := s.graphs.CheckEdge(ModuleIDs(modules), edges, *dep); err != nil {
		return err
	}
	if err := s.repo.CreateDependency(ctx, dep); err != nil {
		return err
	}

	s.logger.WithEnvironment(dep.EnvironmentID).WithFields(map[string]interface{}{
		"module_id":     dep.ModuleID,
		"depends_on_id": dep.DependsOnID,
	}).Info("dependency added")
	return nil
}

// RemoveDependency deletes one edge.
func (s *EnvironmentService) RemoveDependency(ctx context.Context, environmentID, moduleID, dependsOnID string) error {
	unlock := s.lockEdges(environmentID)
	defer unlock()
	return s.repo.DeleteDependency(ctx, environmentID, moduleID, dependsOnID)
}

// ListDependencies returns the edges of an environment.
func (s *EnvironmentService) ListDependencies(ctx context.Context, environmentID string) ([]ModuleDependency, error) {
	return s.repo.ListDependencies(ctx, environmentID)
}

// Graph builds the visualization graph of stored data. Unlike scheduling it
// tolerates cycles, so a damaged environment can still be inspected.
func (s *EnvironmentService) Graph(ctx context.Context, environmentID string) (*Graph, []EnvironmentModule, error) {
	if _, err := s.repo.GetEnvironment(ctx, environmentID); err != nil {
		return nil, nil, err
	}
	modules, err := s.repo.ListModules(ctx, environmentID)
	if err != nil {
		return nil, nil, err
	}
	edges, err := s.repo.ListDependencies(ctx, environmentID)
	if err != nil {
		return nil, nil, err
	}
	graph, err := s.graphs.BuildView(ModuleIDs(modules), edges)
	if err != nil {
		return nil, nil, err
	}
	return graph, modules, nil
}

// GraphView returns the node/edge projection used by the graph UI.
func (s *EnvironmentService) GraphView(ctx context.Context, environmentID string) (*GraphView, error) {
	graph, modules, err := s.Graph(ctx, environmentID)
	if err != nil {
		return nil, err
	}

	view := &GraphView{
		Nodes: make([]GraphNode, 0, len(modules)),
		Edges: graph.Edges(),
	}
	for i := range modules {
		m := &modules[i]
		node := GraphNode{
			ID:            m.ID,
			Name:          m.Name,
			ArtifactName:  m.ArtifactName,
			Status:        m.DriftStatus,
			ResourceCount: m.ResourceCount,
			Layer:         graph.LayerOf(m.ID),
		}
		if m.LastRun != nil {
			node.LastRunStatus = m.LastRun.Status
		}
		view.Nodes = append(view.Nodes, node)
	}
	sort.Slice(view.Nodes, func(i, j int) bool {
		if view.Nodes[i].Layer != view.Nodes[j].Layer {
			return view.Nodes[i].Layer < view.Nodes[j].Layer
		}
		return view.Nodes[i].ID < view.Nodes[j].ID
	})
	return view, nil
}

// CreateVariableSource stores a variable set or cloud integration.
func (s *EnvironmentService) CreateVariableSource(ctx context.Context, source *VariableSource) (*VariableSource, error) {
	if err := source.Kind.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	for _, v := range source.Variables {
		if v.Key == "" {
			return nil, NewValidationError("variable key is required")
		}
		if err := v.Category.Validate(); err != nil {
			return nil, NewValidationError(err.Error())
		}
	}
	if source.ID == "" {
		source.ID = uuid.New().String()
	}
	if err := s.repo.CreateVariableSource(ctx, source); err != nil {
		return nil, err
	}
	return source, nil
}

// BindSource attaches a variable source to an environment, or to one module
// when binding.ModuleID is set. The binding kind is taken from the source.
func (s *EnvironmentService) BindSource(ctx context.Context, binding *VariableBinding) (*VariableBinding, error) {
	if _, err := s.repo.GetEnvironment(ctx, binding.EnvironmentID); err != nil {
		return nil, err
	}
	if binding.ModuleID != "" {
		if _, err := s.repo.GetModule(ctx, binding.EnvironmentID, binding.ModuleID); err != nil {
			return nil, err
		}
	}
	source, err := s.repo.GetVariableSource(ctx, binding.SourceID)
	if err != nil {
		return nil, err
	}
	binding.Kind = source.Kind
	if binding.ID == "" {
		binding.ID = uuid.New().String()
	}
	if err := s.repo.CreateBinding(ctx, binding); err != nil {
		return nil, err
	}
	return binding, nil
}

// SetModuleVariable sets a variable directly on a module.
func (s *EnvironmentService) SetModuleVariable(ctx context.Context, variable *ModuleVariable) (*ModuleVariable, error) {
	if variable.Key == "" {
		return nil, NewValidationError("variable key is required")
	}
	if variable.Category == "" {
		variable.Category = CategoryTerraform
	}
	if err := variable.Category.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	if _, err := s.repo.GetModule(ctx, variable.EnvironmentID, variable.ModuleID); err != nil {
		return nil, err
	}
	if variable.ID == "" {
		variable.ID = uuid.New().String()
	}
	if err := s.repo.SetModuleVariable(ctx, variable); err != nil {
		return nil, err
	}
	return variable, nil
}
