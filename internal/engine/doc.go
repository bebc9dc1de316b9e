// Package engine wires the components together: it resolves a formula's
// plan, schedules the plan's nodes, and for each node acquires a sandbox,
// runs the build, installs the output and, when asked, verifies it.
package engine
