// Package executor provides engine.Executor implementations.
//
// ProcessExecutor runs an OpenTofu or Terraform binary in the module's
// working directory. Output lines are streamed to the run log as they are
// produced, plans are saved to a plan file that the apply phase consumes,
// and `show -json` is parsed for add/change/destroy counts. Terraform
// variables are passed as TF_VAR_* environment entries and never appear on
// the command line.
//
// DryRunExecutor simulates every phase without touching infrastructure. It
// backs `envrun run-all --dry-run` and is used by the HTTP tests.
package executor
