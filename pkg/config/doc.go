// Package config loads workflow definitions, engine settings and the
// embedded template catalog.
//
// # Definitions
//
// DefinitionLoader accepts YAML, JSON and CUE sources. Every format is
// compiled into CUE and unified with a closed #Workflow schema, so unknown
// fields, negative retry budgets and malformed durations are reported with
// file positions no matter which format was used. Node timeouts are written
// as Go duration strings ("1500ms", "30s"). Edges may be listed explicitly or
// through a node's depends_on; root nodes depend on "trigger".
//
//	name: Lead intake
//	trigger:
//	  capability_id: webhook
//	nodes:
//	  - node_id: enrich
//	    capability_id: http-request
//	    depends_on: [trigger]
//	    max_retries: 3
//	    timeout: 10s
//
// Graph checks (cycles, reachability, unknown capabilities) stay with the
// engine's compiler.
//
// # Settings
//
// Settings is the YAML settings file: database path, concurrency limits,
// backoff, default step timeout, plan cache size, abort mode, per-capability
// rate limits and telemetry. Missing keys keep their defaults.
//
// # Starlark
//
// StarlarkEvaluator runs the scripts of the transform capability with a
// deadline and a step budget.
package config
