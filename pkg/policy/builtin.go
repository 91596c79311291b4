package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		namingPolicy(),
		limitsPolicy(),
		capabilitiesPolicy(),
		resiliencePolicy(),
	}
}

// namingPolicy requires a workflow name and portable node IDs.
func namingPolicy() Policy {
	return Policy{
		Name:        "workflow-naming",
		Description: "Workflows must be named and node IDs must be portable identifiers",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming"},
		Rego: `package froyoflow.policies.naming

import rego.v1

deny contains violation if {
	trim_space(input.workflow.name) == ""
	violation := {
		"message": "workflow name must not be empty",
		"severity": "error",
	}
}

deny contains violation if {
	some node in input.workflow.nodes
	not regex.match("^[A-Za-z0-9][A-Za-z0-9_.-]*$", node.node_id)
	violation := {
		"message": sprintf("node ID '%s' must start with a letter or digit and use only letters, digits, '.', '_' and '-'", [node.node_id]),
		"severity": "error",
		"node": node.node_id,
	}
}

deny contains violation if {
	some node in input.workflow.nodes
	count(node.node_id) > 64
	violation := {
		"message": sprintf("node ID '%s' is longer than 64 characters", [node.node_id]),
		"severity": "error",
		"node": node.node_id,
	}
}
`,
	}
}

// limitsPolicy enforces the configured size, retry and concurrency limits.
func limitsPolicy() Policy {
	return Policy{
		Name:        "workflow-limits",
		Description: "Bounds graph size, retry budgets, concurrency overrides and step timeouts",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"limits"},
		Rego: `package froyoflow.policies.limits

import rego.v1

limits := data.froyoflow.limits

deny contains violation if {
	count(input.workflow.nodes) > limits.max_nodes
	violation := {
		"message": sprintf("workflow has %v nodes, the limit is %v", [count(input.workflow.nodes), limits.max_nodes]),
		"severity": "error",
	}
}

deny contains violation if {
	some node in input.workflow.nodes
	node.max_retries > limits.max_retries
	violation := {
		"message": sprintf("node '%s' allows %v retries, the limit is %v", [node.node_id, node.max_retries, limits.max_retries]),
		"severity": "error",
		"node": node.node_id,
	}
}

deny contains violation if {
	input.workflow.max_concurrency > limits.max_concurrency
	violation := {
		"message": sprintf("max_concurrency %v exceeds the limit of %v", [input.workflow.max_concurrency, limits.max_concurrency]),
		"severity": "error",
	}
}

deny contains violation if {
	some node in input.workflow.nodes
	node.timeout > limits.max_node_timeout
	violation := {
		"message": sprintf("node '%s' has a step timeout above %vs", [node.node_id, limits.max_node_timeout / 1000000000]),
		"severity": "warning",
		"node": node.node_id,
	}
}
`,
	}
}

// capabilitiesPolicy rejects restricted capabilities and pointless fallbacks.
func capabilitiesPolicy() Policy {
	return Policy{
		Name:        "restricted-capabilities",
		Description: "Rejects restricted capabilities and fallbacks identical to the primary capability",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"capabilities", "security"},
		Rego: `package froyoflow.policies.capabilities

import rego.v1

restricted := data.froyoflow.limits.restricted_capabilities

deny contains violation if {
	input.workflow.trigger.capability_id in restricted
	violation := {
		"message": sprintf("trigger capability '%s' is restricted", [input.workflow.trigger.capability_id]),
		"severity": "error",
	}
}

deny contains violation if {
	some node in input.workflow.nodes
	node.capability_id in restricted
	violation := {
		"message": sprintf("node '%s' uses restricted capability '%s'", [node.node_id, node.capability_id]),
		"severity": "error",
		"node": node.node_id,
	}
}

deny contains violation if {
	some node in input.workflow.nodes
	node.fallback_capability_id in restricted
	violation := {
		"message": sprintf("node '%s' falls back to restricted capability '%s'", [node.node_id, node.fallback_capability_id]),
		"severity": "error",
		"node": node.node_id,
	}
}

deny contains violation if {
	some node in input.workflow.nodes
	node.fallback_capability_id == node.capability_id
	violation := {
		"message": sprintf("node '%s' falls back to its own capability", [node.node_id]),
		"severity": "error",
		"node": node.node_id,
	}
}
`,
	}
}

// resiliencePolicy warns about critical nodes with no way to recover.
func resiliencePolicy() Policy {
	return Policy{
		Name:        "critical-resilience",
		Description: "Warns when a critical node has neither retries nor a fallback",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"resilience"},
		Rego: `package froyoflow.policies.resilience

import rego.v1

deny contains violation if {
	some node in input.workflow.nodes
	node.critical
	node.max_retries == 0
	not node.fallback_capability_id
	violation := {
		"message": sprintf("critical node '%s' has no retries and no fallback", [node.node_id]),
		"node": node.node_id,
	}
}
`,
	}
}
