// Package scheduler runs a dependency graph with a bounded pool of workers.
//
// A node is handed to a worker only after every node it depends on
// succeeded, so independent subtrees proceed in parallel while each path
// stays ordered. When a node fails its dependents are never attempted; the
// Policy decides whether unrelated in-flight work is allowed to finish.
package scheduler
