// Package executor is the Build Executor. It runs a formula's typed steps
// strictly in order inside a sandbox, captures their combined output in a
// bounded buffer, and stops at the first failing step.
//
// The same machinery runs the test phase for verification.
package executor
