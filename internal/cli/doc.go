// Package cli implements cellar's command-line interface on top of package
// app: flag parsing, human-readable summaries and exit codes.
package cli
