package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/openfroyo/envrun/pkg/engine"
	"github.com/openfroyo/envrun/pkg/telemetry"
)

// Engine evaluates Rego policies against planned module runs. It implements
// engine.PlanGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   *telemetry.Logger
	loader   *Loader
}

var _ engine.PlanGate = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.NewComponentLogger("policy"),
	}
	e.loader = NewLoader(logger)

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compile(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.WithField("count", len(builtins)).Debug("built-in policies loaded")
	return e, nil
}

// AllowAutoConfirm evaluates every enabled policy. Any blocking violation
// denies; a policy that fails to evaluate is reported as an error so the
// run waits for a user.
func (e *Engine) AllowAutoConfirm(ctx context.Context, input *engine.PlanInput) (bool, []string, error) {
	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return false, nil, err
	}
	if len(decision.Errors) > 0 {
		return false, nil, fmt.Errorf("policy evaluation failed: %v", decision.Errors)
	}
	return decision.Allowed, decision.Reasons(), nil
}

// Evaluate runs every enabled policy against the plan input.
func (e *Engine) Evaluate(ctx context.Context, input *engine.PlanInput) (*Decision, error) {
	start := time.Now()
	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	decision := &Decision{Allowed: true, EvaluatedPolicies: make([]string, 0, len(policies))}
	for _, cp := range policies {
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		violations, err := evaluate(ctx, cp, doc)
		if err != nil {
			e.logger.WithError(err).WithField("policy", cp.policy.Name).Error("policy evaluation failed")
			decision.Errors = append(decision.Errors, fmt.Sprintf("%s: %v", cp.policy.Name, err))
			decision.Allowed = false
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				decision.Violations = append(decision.Violations, v)
				decision.Allowed = false
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.EvaluatedAt = time.Now()
	decision.Duration = time.Since(start)

	e.logger.WithFields(map[string]interface{}{
		"module_id":  input.ModuleID,
		"allowed":    decision.Allowed,
		"violations": len(decision.Violations),
		"warnings":   len(decision.Warnings),
		"duration":   decision.Duration.String(),
	}).Debug("plan policy evaluation completed")

	return decision, nil
}

// LoadPolicies loads policy files from paths, replacing previously loaded
// file policies. Built-in policies are kept. Nothing is replaced if any
// policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceLoaded(ctx, policies)
}

// Watch reloads policies from paths whenever a policy file changes.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceLoaded(ctx, policies)
	})
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

func (e *Engine) replaceLoaded(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			e.logger.WithError(err).WithField("policy", policies[i].Name).Error("failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[cp.policy.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			e.logger.WithField("policy", name).Warn("policy file overrides built-in policy")
		}
		e.policies[name] = cp
	}

	e.logger.WithField("count", len(compiled)).Info("policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError("policy", name)
	}

	p := *cp.policy
	p.Enabled = enabled
	p.UpdatedAt = time.Now()
	e.policies[name] = &compiledPolicy{policy: &p, query: cp.query, compiled: cp.compiled}

	e.logger.WithFields(map[string]interface{}{"policy": name, "enabled": enabled}).Info("policy toggled")
	return nil
}

// compile parses the module and prepares a query for its deny set.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from one element of a deny set.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && sev != "" {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// toDocument converts the plan input into the generic form Rego evaluates.
func toDocument(input *engine.PlanInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}
