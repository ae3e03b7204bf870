// Package policy provides the Open Policy Agent (OPA) plan gate.
//
// A planned module run that asked for auto-confirm is evaluated against
// every enabled Rego policy before it is confirmed without a user. Each
// policy defines a `deny` set over the plan input:
//
//	{
//	    "environment_id": "...", "environment_name": "prod",
//	    "module_id": "vpc", "artifact_name": "terraform-vpc",
//	    "operation": "apply", "module_version": "1.2.0",
//	    "plan_summary": {"add": 1, "change": 0, "destroy": 2},
//	    "trigger_source": "env_run", "environment_run_id": "..."
//	}
//
// Violations with severity error or critical deny auto-confirm and leave the
// run in the planned state; warnings are only logged.
//
// # Usage
//
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := gate.LoadPolicies(ctx, []string{"/etc/envrun/policies"}); err != nil {
//	    return err
//	}
//	_ = gate.Watch(ctx, []string{"/etc/envrun/policies"})
//
//	eng, err := engine.New(engine.Options{Gate: gate, ...})
//
// # Built-in Policies
//
//  1. destructive-plan - plans that destroy resources need a user
//  2. production-destroy - destroy runs in prod/production environments need a user
//  3. large-change - warns when a plan touches more than 50 resources
//
// # Policy Files
//
// .rego files are named after the file. A leading comment block becomes the
// description and a "# severity: <level>" comment sets the default severity
// (error when absent):
//
//	# Freeze the payments module.
//	# severity: critical
//	package custom.freeze
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.module_id == "payments"
//	    msg := "payments is frozen"
//	}
//
// .json files carry a serialized Policy. Watch reloads all paths after
// changes settle; a policy that fails to compile leaves the previous set in
// place.
package policy
