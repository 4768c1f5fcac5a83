package policy

// BuiltinPolicies returns the policies compiled into every engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedDeletionPolicy(),
		worldOpenIngressPolicy(),
	}
}

// protectedDeletionPolicy blocks deleting or replacing resources labeled
// protected.
func protectedDeletionPolicy() Policy {
	return Policy{
		Name:        "protected-deletion",
		Description: "Blocks destroying resources labeled protected=true",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package terrane.policies.protected

import rego.v1

deny contains violation if {
	input.action in {"delete", "replace"}
	input.resource.labels.protected == "true"
	violation := {
		"message": sprintf("resource %s is labeled protected and cannot be destroyed", [input.resource.id]),
		"severity": "error",
		"resource": input.resource.id,
	}
}
`,
	}
}

// worldOpenIngressPolicy warns about ingress rules open to 0.0.0.0/0.
func worldOpenIngressPolicy() Policy {
	return Policy{
		Name:        "world-open-ingress",
		Description: "Warns when an ingress rule is open to the whole internet",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package terrane.policies.ingress

import rego.v1

deny contains violation if {
	input.action in {"create", "update", "replace"}
	some rule in input.resource.properties.ingress
	rule.cidr == "0.0.0.0/0"
	port := object.get(rule, "port", "any")
	violation := {
		"message": sprintf("resource %s opens ingress port %v to 0.0.0.0/0", [input.resource.id, port]),
		"severity": "warning",
		"resource": input.resource.id,
	}
}
`,
	}
}
