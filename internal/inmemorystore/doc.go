// Package inmemorystore provides an ephemeral, thread-safe, in-memory
// implementation of nodestore.Store for a single local run.
package inmemorystore
