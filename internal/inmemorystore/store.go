package inmemorystore

import (
	"context"
	"sync"

	"github.com/vk/cellar/internal/nodestore"
)

// Store is an in-memory nodestore.Store.
//
// Each concern lives in its own sync.Map. The key space (the plan's nodes)
// is fixed before the run starts while values change often and every key is
// written by one worker at a time, which is the access pattern sync.Map is
// built for.
type Store struct {
	states  sync.Map // formula name -> nodestore.Status
	outputs sync.Map // formula name -> any
	errors  sync.Map // formula name -> error
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

var _ nodestore.Store = (*Store)(nil)

// SetStatus updates the status of id.
func (s *Store) SetStatus(_ context.Context, id string, status nodestore.Status) error {
	s.states.Store(id, status)
	return nil
}

// GetStatus returns the status of id, StatusPending when unset.
func (s *Store) GetStatus(_ context.Context, id string) (nodestore.Status, error) {
	status, ok := s.states.Load(id)
	if !ok {
		return nodestore.StatusPending, nil
	}
	return status.(nodestore.Status), nil
}

// SetOutput records the outcome of id.
func (s *Store) SetOutput(_ context.Context, id string, output any) error {
	s.outputs.Store(id, output)
	return nil
}

// GetOutput returns the outcome of id or nil.
func (s *Store) GetOutput(_ context.Context, id string) (any, error) {
	output, ok := s.outputs.Load(id)
	if !ok {
		return nil, nil
	}
	return output, nil
}

// SetError records the error of id.
func (s *Store) SetError(_ context.Context, id string, nodeErr error) error {
	s.errors.Store(id, nodeErr)
	return nil
}

// GetError returns the error of id or nil.
func (s *Store) GetError(_ context.Context, id string) (error, error) {
	err, ok := s.errors.Load(id)
	if !ok {
		return nil, nil
	}
	return err.(error), nil
}
