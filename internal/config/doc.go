// Package config holds cellar's settings. Values come from built-in
// defaults, then the TOML settings file, then CELLAR_* environment
// variables, then command-line flags, each layer overriding the previous.
package config
