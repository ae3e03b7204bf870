// Package engine orchestrates infrastructure modules inside environments.
//
// # Overview
//
// An environment holds versioned modules connected by explicit dependency
// edges. The engine turns those edges into a layered graph and runs one
// operation per module in dependency order:
//
//  1. Graph - Build the dependency graph and its topological layers (DAGBuilder)
//  2. Variables - Merge the effective variables of a module (VariableResolver)
//  3. Admission - Check the environment lock and take the module lock (LockManager)
//  4. Run - Drive one module run through plan, confirm, and apply (ModuleRunService)
//  5. Cascade - Walk the layers and propagate failures as skips (CascadeScheduler)
//  6. Aggregate - Derive the environment run status from its children (Aggregate)
//
// # Module Runs
//
// A module run is governed by a transition table keyed by status and event.
// Apply runs stop in planned until confirmed, either by a user or by the plan
// policy gate when auto-confirm was requested:
//
//	queued -> running -> planned -> confirmed -> applying -> succeeded
//	                  \-> succeeded (plan, destroy, refresh)
//
// Illegal events return an InvalidTransitionError and leave the run untouched.
// The module lock is held from admission until the run is terminal.
//
// # Cascades
//
// A cascade snapshots the execution order and layers when it starts. Modules
// of one layer run concurrently; a layer starts only when every module of the
// previous layer is terminal. When a module fails, every descendant gets a
// run created directly as skipped, naming the upstream module.
//
// # Variable Precedence
//
// From lowest to highest: cloud integration bindings, variable set bindings,
// upstream output mappings, module variables. Within a binding kind, higher
// priority wins. Module-level bindings of a kind replace the environment's
// bindings of that kind unless BindingMerge is configured.
//
// # Error Classification
//
// Errors are classified for the API and CLI:
//
//   - Transient: Lock backend or store failures that may succeed on retry
//   - Conflict: Locked environments, locked modules, illegal transitions
//   - Permanent: Validation failures, cycles, missing resources
//
// Use IsTransient, IsConflict, IsValidation, and ErrorCode to inspect them.
package engine
