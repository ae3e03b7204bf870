// Package config loads envrun's two kinds of configuration.
//
// # Service configuration
//
// ServiceConfig is the YAML file read by envrun serve and the other CLI
// commands. LoadServiceConfig starts from DefaultServiceConfig, overlays the
// file, then applies ENVRUN_* environment variables:
//
//	ENVRUN_SERVER_ADDR      server.addr
//	ENVRUN_JWT_SECRET       server.jwt_secret
//	ENVRUN_STORE_PATH       store.path
//	ENVRUN_MAX_PARALLEL     scheduler.max_parallel
//	ENVRUN_RUN_TIMEOUT      scheduler.run_timeout
//	ENVRUN_LAYERING_POLICY  scheduler.layering_policy
//	ENVRUN_BINDING_MODE     variables.binding_mode
//	ENVRUN_LOCK_BACKEND     locks.backend
//	ENVRUN_REDIS_ADDR       locks.redis.addr
//	ENVRUN_POLICY_PATHS     policy.paths (comma separated)
//	ENVRUN_DRY_RUN          executor.dry_run
//	ENVRUN_LOG_LEVEL        telemetry.logging.level
//
// LoadDotEnv can seed the process environment from .env files first.
//
// # Environment definitions
//
// Environments, modules, dependencies, variable sources and bindings can be
// declared in CUE and imported in one step:
//
//	environment: {id: "prod", name: "Production"}
//
//	modules: {
//		vpc: {artifact_name: "terraform-aws-vpc", version: "1.4.0"}
//		eks: {
//			artifact_name: "terraform-aws-eks"
//			version:       "2.0.0"
//			depends_on: ["vpc"]
//			outputs: [{from: "vpc", upstream_output: "vpc_id", downstream_variable: "vpc_id"}]
//		}
//	}
//
// CUEParser unifies the sources with the #Environment schema held by the
// SchemaRegistry, decodes them into an EnvironmentDefinition and reports
// problems as ValidationErrors with file positions where CUE provides them.
// Importer then applies the definition through the engine's environment
// service. Import is idempotent: existing entities are left alone and only
// module version changes are applied, optionally triggering a plan.
package config
