// Package hcl is the formula source: it parses formula files written in HCL
// into the immutable model.Formula values the resolver consumes, and turns
// `when` expressions into host predicates.
//
// Build steps reference sandbox variables with a single dollar sign
// ("$PREFIX/bin"), since "${...}" is HCL's own interpolation syntax and is
// evaluated at load time against the `formula` object.
package hcl
