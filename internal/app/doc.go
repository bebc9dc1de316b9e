// Package app assembles cellar's components from settings and owns the
// logger every command runs with.
package app
