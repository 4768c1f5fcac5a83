// Package engine is the provisioning kernel: it builds a dependency graph
// from declared resources, orders it topologically, diffs it against the
// last applied snapshot, and drives the resulting plan against a control
// plane with bounded parallelism and retry.
//
// The pipeline is GraphBuilder -> Planner -> Driver. Each stage is usable on
// its own; the CLI wires them end to end.
package engine
