package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructivePlanPolicy(),
		destroyOperationPolicy(),
		largeChangePolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		Rego:        rego,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// destructivePlanPolicy refuses to auto-confirm plans that destroy resources.
func destructivePlanPolicy() Policy {
	return builtin(
		"destructive-plan",
		"Plans that destroy resources require a manual confirmation",
		SeverityError,
		[]string{"safety"},
		`package envrun.policies.destructive

import rego.v1

deny contains violation if {
	input.plan_summary.destroy > 0
	violation := {
		"message": sprintf("plan for module %s destroys %d resource(s)", [input.module_id, input.plan_summary.destroy]),
		"severity": "error",
	}
}
`)
}

// destroyOperationPolicy refuses to auto-confirm destroy runs in any
// environment whose name marks it as production.
func destroyOperationPolicy() Policy {
	return builtin(
		"production-destroy",
		"Destroy runs in production environments require a manual confirmation",
		SeverityCritical,
		[]string{"safety", "production"},
		`package envrun.policies.production

import rego.v1

production_names := {"prod", "production"}

deny contains violation if {
	input.operation == "destroy"
	some name in production_names
	startswith(lower(input.environment_name), name)
	violation := {
		"message": sprintf("destroy of module %s in %s", [input.module_id, input.environment_name]),
		"severity": "critical",
	}
}
`)
}

// largeChangePolicy warns about plans touching many resources.
func largeChangePolicy() Policy {
	return builtin(
		"large-change",
		"Warns when a plan touches more than 50 resources",
		SeverityWarning,
		[]string{"review"},
		`package envrun.policies.large_change

import rego.v1

deny contains msg if {
	total := input.plan_summary.add + input.plan_summary.change + input.plan_summary.destroy
	total > 50
	msg := sprintf("plan for module %s touches %d resources", [input.module_id, total])
}
`)
}
