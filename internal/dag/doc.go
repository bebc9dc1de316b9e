// Package dag holds the dependency graph of a resolved build plan: formula
// names as nodes, "depends on" as edges. It detects cycles, naming the nodes
// involved, and produces a deterministic topological order in which every
// dependency precedes its dependents and ties are broken by the order nodes
// were added.
package dag
