package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/envrun/pkg/telemetry"
)

// LayeringPolicy controls how graph data that cannot be layered is treated.
type LayeringPolicy string

const (
	// LayeringLenient places unresolved modules in layer 0 and drops edges
	// naming unknown modules, logging a warning for each.
	LayeringLenient LayeringPolicy = "lenient"

	// LayeringStrict rejects such data with a GraphIntegrityError.
	LayeringStrict LayeringPolicy = "strict"
)

// Validate checks if the layering policy is valid.
func (p LayeringPolicy) Validate() error {
	switch p {
	case LayeringLenient, LayeringStrict:
		return nil
	default:
		return fmt.Errorf("invalid layering policy: %s", p)
	}
}

// Graph is an immutable dependency graph of one environment's modules.
// Layer k holds modules whose dependencies all sit in layers below k.
type Graph struct {
	modules []string
	known   map[string]bool

	// dependencies maps a module to the modules it depends on (upstream)
	dependencies map[string][]string

	// dependents maps a module to the modules depending on it (downstream)
	dependents map[string][]string

	layers  [][]string
	layerOf map[string]int

	// dropped holds edges ignored under lenient layering
	dropped []ModuleDependency
}

// DAGBuilder builds module dependency graphs.
type DAGBuilder struct {
	policy LayeringPolicy
	logger *telemetry.Logger
}

// NewDAGBuilder creates a builder. An empty policy means lenient.
func NewDAGBuilder(policy LayeringPolicy, logger *telemetry.Logger) *DAGBuilder {
	if policy == "" {
		policy = LayeringLenient
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &DAGBuilder{policy: policy, logger: logger}
}

// BuildGraph builds a schedulable graph. It rejects any cycle with a CycleError.
func (b *DAGBuilder) BuildGraph(moduleIDs []string, edges []ModuleDependency) (*Graph, error) {
	return b.build(moduleIDs, edges, true)
}

// BuildView builds a graph for visualization of stored data. Cycles are not
// rejected; modules caught in one are unresolved and handled by the policy.
func (b *DAGBuilder) BuildView(moduleIDs []string, edges []ModuleDependency) (*Graph, error) {
	return b.build(moduleIDs, edges, false)
}

// CheckEdge reports whether adding candidate to edges keeps the graph acyclic.
// It returns a CycleError naming the cycle the edge would close.
func (b *DAGBuilder) CheckEdge(moduleIDs []string, edges []ModuleDependency, candidate ModuleDependency) error {
	known := make(map[string]bool, len(moduleIDs))
	for _, id := range moduleIDs {
		known[id] = true
	}
	if !known[candidate.ModuleID] {
		return NewNotFoundError("module", candidate.ModuleID)
	}
	if !known[candidate.DependsOnID] {
		return NewNotFoundError("module", candidate.DependsOnID)
	}

	all := make([]ModuleDependency, 0, len(edges)+1)
	all = append(all, edges...)
	all = append(all, candidate)

	checker := &DAGBuilder{policy: LayeringLenient, logger: b.logger}
	_, err := checker.build(moduleIDs, all, true)
	return err
}

func (b *DAGBuilder) build(moduleIDs []string, edges []ModuleDependency, rejectCycles bool) (*Graph, error) {
	g := &Graph{
		modules:      make([]string, 0, len(moduleIDs)),
		known:        make(map[string]bool, len(moduleIDs)),
		dependencies: make(map[string][]string, len(moduleIDs)),
		dependents:   make(map[string][]string, len(moduleIDs)),
		layerOf:      make(map[string]int, len(moduleIDs)),
	}

	if err := b.initialize(g, moduleIDs, edges); err != nil {
		return nil, err
	}

	if rejectCycles {
		if cycle := g.findCycle(); cycle != nil {
			return nil, &CycleError{Cycle: cycle}
		}
	}

	if err := b.computeLayers(g); err != nil {
		return nil, err
	}

	return g, nil
}

// initialize indexes modules and edges, sorting adjacency for determinism.
func (b *DAGBuilder) initialize(g *Graph, moduleIDs []string, edges []ModuleDependency) error {
	for _, id := range moduleIDs {
		if id == "" {
			return NewValidationError("module has empty ID")
		}
		if g.known[id] {
			return NewValidationError(fmt.Sprintf("duplicate module ID: %s", id))
		}
		g.known[id] = true
		g.modules = append(g.modules, id)
	}
	sort.Strings(g.modules)

	seen := make(map[[2]string]bool, len(edges))
	var dangling []string

	for _, edge := range edges {
		if edge.ModuleID == edge.DependsOnID {
			return &CycleError{Cycle: []string{edge.ModuleID, edge.ModuleID}}
		}

		if !g.known[edge.ModuleID] || !g.known[edge.DependsOnID] {
			if b.policy == LayeringStrict {
				dangling = append(dangling, fmt.Sprintf("%s -> %s", edge.ModuleID, edge.DependsOnID))
				continue
			}
			b.logger.WithFields(map[string]interface{}{
				"module_id":     edge.ModuleID,
				"depends_on_id": edge.DependsOnID,
			}).Warn("dropping dependency edge that names an unknown module")
			g.dropped = append(g.dropped, edge)
			continue
		}

		key := [2]string{edge.ModuleID, edge.DependsOnID}
		if seen[key] {
			continue
		}
		seen[key] = true

		g.dependencies[edge.ModuleID] = append(g.dependencies[edge.ModuleID], edge.DependsOnID)
		g.dependents[edge.DependsOnID] = append(g.dependents[edge.DependsOnID], edge.ModuleID)
	}

	if len(dangling) > 0 {
		sort.Strings(dangling)
		return &GraphIntegrityError{DanglingEdges: dangling}
	}

	for _, id := range g.modules {
		sort.Strings(g.dependencies[id])
		sort.Strings(g.dependents[id])
	}

	return nil
}

// findCycle runs a depth-first search along dependent edges and returns the
// first cycle found, with its starting module repeated at the end.
func (g *Graph) findCycle() []string {
	visited := make(map[string]bool, len(g.modules))
	onStack := make(map[string]bool, len(g.modules))
	path := make([]string, 0, len(g.modules))

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range g.dependents[id] {
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				for i, p := range path {
					if p == next {
						cycle := append([]string{}, path[i:]...)
						return append(cycle, next)
					}
				}
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.modules {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLayers peels zero in-degree modules repeatedly (Kahn). Each layer is
// sorted by module ID.
func (b *DAGBuilder) computeLayers(g *Graph) error {
	inDegree := make(map[string]int, len(g.modules))
	for _, id := range g.modules {
		inDegree[id] = len(g.dependencies[id])
	}

	current := make([]string, 0)
	for _, id := range g.modules {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		g.layers = append(g.layers, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(g.modules) {
		unresolved := make([]string, 0, len(g.modules)-processed)
		placed := make(map[string]bool, processed)
		for _, layer := range g.layers {
			for _, id := range layer {
				placed[id] = true
			}
		}
		for _, id := range g.modules {
			if !placed[id] {
				unresolved = append(unresolved, id)
			}
		}

		if b.policy == LayeringStrict {
			return &GraphIntegrityError{Unresolved: unresolved}
		}

		b.logger.WithField("modules", unresolved).Warn("placing unresolved modules in layer 0")
		if len(g.layers) == 0 {
			g.layers = append(g.layers, []string{})
		}
		g.layers[0] = append(g.layers[0], unresolved...)
		sort.Strings(g.layers[0])
	}

	for level, layer := range g.layers {
		for _, id := range layer {
			g.layerOf[id] = level
		}
	}

	return nil
}

// Modules returns all module IDs in ascending order.
func (g *Graph) Modules() []string {
	return append([]string{}, g.modules...)
}

// Len returns the number of modules.
func (g *Graph) Len() int {
	return len(g.modules)
}

// Layers returns a copy of the topological layers.
func (g *Graph) Layers() [][]string {
	out := make([][]string, len(g.layers))
	for i, layer := range g.layers {
		out[i] = append([]string{}, layer...)
	}
	return out
}

// ExecutionOrder returns the layers flattened in order.
func (g *Graph) ExecutionOrder() []string {
	order := make([]string, 0, len(g.modules))
	for _, layer := range g.layers {
		order = append(order, layer...)
	}
	return order
}

// LayerOf returns the layer index of a module, or -1 if unknown.
func (g *Graph) LayerOf(id string) int {
	if level, ok := g.layerOf[id]; ok {
		return level
	}
	return -1
}

// Dependencies returns the direct upstream modules of id.
func (g *Graph) Dependencies(id string) []string {
	return append([]string{}, g.dependencies[id]...)
}

// Dependents returns the direct downstream modules of id.
func (g *Graph) Dependents(id string) []string {
	return append([]string{}, g.dependents[id]...)
}

// Ancestors returns every module id transitively depends on, sorted.
func (g *Graph) Ancestors(id string) []string {
	return g.walk(id, g.dependencies)
}

// Descendants returns every module transitively depending on id, sorted.
func (g *Graph) Descendants(id string) []string {
	return g.walk(id, g.dependents)
}

func (g *Graph) walk(start string, adjacency map[string][]string) []string {
	seen := make(map[string]bool)
	queue := append([]string{}, adjacency[start]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, adjacency[id]...)
	}
	delete(seen, start)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Edges returns kept edges as dependency -> dependent, sorted.
func (g *Graph) Edges() []GraphEdge {
	edges := make([]GraphEdge, 0)
	for _, from := range g.modules {
		for _, to := range g.dependents[from] {
			edges = append(edges, GraphEdge{From: from, To: to})
		}
	}
	return edges
}

// Dropped returns edges ignored under lenient layering.
func (g *Graph) Dropped() []ModuleDependency {
	return append([]ModuleDependency{}, g.dropped...)
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per layer.
// Labels maps module IDs to display labels; missing entries use the ID.
func (g *Graph) ToDOT(labels map[string]string) string {
	var sb strings.Builder

	sb.WriteString("digraph Environment {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.layers {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_layer_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Layer %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			label := id
			if l, ok := labels[id]; ok && l != "" {
				label = l
			}
			sb.WriteString(fmt.Sprintf("    %q [label=%q];\n", id, label))
		}
		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.Edges() {
		sb.WriteString(fmt.Sprintf("  %q -> %q;\n", edge.From, edge.To))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// ModuleIDs extracts IDs from modules.
func ModuleIDs(modules []EnvironmentModule) []string {
	ids := make([]string, len(modules))
	for i := range modules {
		ids[i] = modules[i].ID
	}
	return ids
}
