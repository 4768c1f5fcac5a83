// Package policy gates plan execution with Rego policies evaluated through
// OPA. Built-in policies protect labeled resources from deletion and flag
// world-open ingress; additional .rego files can be loaded from a directory.
// Each policy's deny set is collected per planned change; error-severity
// entries block the run, everything else surfaces as a warning.
package policy
