package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		modelNamingPolicy(),
	}
}

// modelNamingPolicy warns about model names that are awkward to use as
// directory names and command arguments on serving hosts.
func modelNamingPolicy() Policy {
	return Policy{
		Name:        "model-naming",
		Description: "Model names should be lowercase and contain only letters, digits, dots, underscores and hyphens",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package modeld.policies.naming

import rego.v1

deny contains violation if {
	name := input.model.name
	lower(name) != name
	violation := {
		"message": sprintf("model name '%s' should be lowercase", [name]),
		"severity": "warning",
	}
}

deny contains violation if {
	name := input.model.name
	not regex.match("^[A-Za-z0-9._-]+$", name)
	violation := {
		"message": sprintf("model name '%s' should contain only letters, digits, '.', '_' and '-'", [name]),
		"severity": "warning",
	}
}

deny contains violation if {
	input.operation == "deploy"
	input.model.version == ""
	violation := {
		"message": sprintf("model '%s' is deployed without a version", [input.model.name]),
		"severity": "info",
	}
}
`,
	}
}
