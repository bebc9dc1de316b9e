// Package model defines the immutable domain types shared by every stage of
// a build: formulas, their dependencies and version constraints, the host
// context predicates are evaluated against, and the typed build steps a
// recipe is made of.
//
// Values in this package are produced once by a formula source and then only
// read. Nothing here performs I/O.
package model
