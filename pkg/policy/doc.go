// Package policy admits or rejects workflow definitions with Open Policy
// Agent (OPA) Rego policies.
//
// Engine implements engine.AdmissionController. Every enabled policy is
// evaluated against the definition before it is stored; a violation with
// severity "error" or "critical" rejects the definition with a
// POLICY_DENIED error, while warnings are only logged.
//
// # Writing policies
//
// A policy is a Rego module whose "deny" set holds violations. Each element
// is either a message string or an object:
//
//	package froyoflow.custom.http
//
//	import rego.v1
//
//	deny contains violation if {
//		some node in input.workflow.nodes
//		node.capability_id == "http-request"
//		startswith(node.config.url, "http://")
//		violation := {
//			"message": sprintf("node '%s' must use https", [node.node_id]),
//			"severity": "error",
//			"node": node.node_id,
//		}
//	}
//
// The input document has "workflow" (the definition as JSON, with node
// timeouts in nanoseconds), "operation" ("create" or "update") and
// "timestamp". Limits are available under data.froyoflow.limits.
//
// # Built-in policies
//
//   - workflow-naming: non-empty names and portable node IDs
//   - workflow-limits: node count, retry budget, concurrency and timeouts
//   - restricted-capabilities: capabilities listed in Limits may not be used
//   - critical-resilience: warns about critical nodes that cannot recover
//
// Policies from a directory are loaded with Engine.LoadPolicies, or kept in
// sync with Engine.Watch.
package policy
