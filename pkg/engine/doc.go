// Package engine implements the froyoflow workflow automation engine.
//
// # Overview
//
// A workflow is a declarative graph of steps. Each step names a capability,
// a pluggable unit of external work such as sending an email or appending a
// spreadsheet row. The engine turns a workflow definition into a tiered
// execution plan, runs the plan against capability providers with bounded
// concurrency, heals transient failures without operator intervention and
// keeps an append-only ledger from which analytics are computed.
//
// # Components
//
//   - Registry: immutable map from capability ID to executor, with optional
//     per-capability rate limits
//   - Compiler: validates nodes and edges into a CompiledPlan (cycle detection,
//     Kahn tiers, reachability from the trigger)
//   - Scheduler: executes tiers in order with a strict barrier, parallel within
//     a tier under global and per-workflow limits
//   - HealingPolicy: decides Retry, Skip, Substitute or Abort for each failure
//   - Ledger: append-only StepAttempt log with atomic per-node attempt numbers
//   - Analytics: pure summaries over the ledger (success rate, bottlenecks,
//     failure breakdown, forecast)
//   - Engine: the inbound API tying the components to persistent stores
//
// # Run Lifecycle
//
// A run moves pending -> running -> succeeded | failed | partially_failed | aborted.
// A node whose predecessor failed is skipped unless it continues on upstream
// failure. A critical node failure stops dispatch of later tiers and fails
// the run. Abort stops dispatch of new tiers and retries; in-flight calls
// finish naturally or, in cooperative mode, see their context cancelled.
//
// # Error Taxonomy
//
//   - CompileError: UnknownCapability, CycleDetected, UnreachableNode, InvalidGraph
//   - CapabilityError: timeout, rate_limited, upstream_failure (transient);
//     invalid_config, permission_denied, unknown_capability (permanent)
//   - RunError: NodeFailedCritical, Aborted
//
// Raw provider error text never reaches ExecutionRun; only the classified
// kind and the capability-supplied message are exposed.
//
// # Recovery
//
// Run views are saved before and after every capability call and every
// attempt is appended to the ledger before the tier barrier is crossed.
// Engine.Recover resumes runs left active by a crash, replaying only nodes
// without a final ledger attempt.
package engine
