// Package registry implements the Agent Registry & Factory (§4.4):
// registration with dependency validation and cycle detection, plus
// singleton/transient lifecycle management. It is grounded on the
// teacher's agents/spawner_factory.go SpawnerFactory (resolve-a-mode,
// then-construct pattern) generalized into a true multi-agent registry —
// the teacher never validates inter-agent dependencies because it only
// ever has a fixed five-agent set with no dependency graph of its own.
package registry

import (
	"reflect"
	"sync"

	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
)

// Instance is a live agent handle constructed by a Constructor. Agent
// bodies themselves are out of scope (they are opaque collaborators
// reached through the Dispatcher); Instance is the minimal lifecycle
// surface the Factory needs to manage singletons.
type Instance interface {
	AgentID() string
	Dispose() error
}

// Constructor builds a new Instance for an agent descriptor.
type Constructor func() (Instance, error)

type registration struct {
	descriptor  model.AgentDescriptor
	constructor Constructor
}

// Registry holds agent descriptors keyed by AgentID.
type Registry struct {
	mu    sync.Mutex
	specs map[string]registration
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{specs: make(map[string]registration)}
}

// Register adds an agent descriptor and its constructor. Registering the
// identical descriptor again under the same AgentID is a no-op
// (idempotent); registering a different descriptor under an AgentID
// already in use is an AlreadyExists error.
func (r *Registry) Register(desc model.AgentDescriptor, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.specs[desc.AgentID]; ok {
		if reflect.DeepEqual(existing.descriptor, desc) {
			return nil
		}
		return errs.New(errs.KindAlreadyExists, "agent already registered: "+desc.AgentID)
	}

	r.specs[desc.AgentID] = registration{descriptor: desc, constructor: ctor}
	return nil
}

// Get returns the descriptor for agentID.
func (r *Registry) Get(agentID string) (model.AgentDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.specs[agentID]
	if !ok {
		return model.AgentDescriptor{}, errs.New(errs.KindNotFound, "agent not registered: "+agentID)
	}
	return reg.descriptor, nil
}

func (r *Registry) constructorFor(agentID string) (Constructor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.specs[agentID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "agent not registered: "+agentID)
	}
	return reg.constructor, nil
}

// ValidateDependencies checks that every non-optional dependency of
// agentID is itself registered.
func (r *Registry) ValidateDependencies(agentID string) error {
	desc, err := r.Get(agentID)
	if err != nil {
		return err
	}
	for _, dep := range desc.Dependencies {
		if dep.Optional {
			continue
		}
		if _, err := r.Get(dep.AgentID); err != nil {
			return errs.Wrap(errs.KindNotFound, "missing required dependency "+dep.AgentID+" of "+agentID, err)
		}
	}
	return nil
}

// color marks DFS visitation state for cycle detection.
type color int

const (
	white color = iota
	gray
	black
)

// GetDependencyChain returns agentID's transitive dependencies in
// post-order (dependencies before dependents, agentID itself last), using
// a recursive DFS with white/gray/black marking. An optional dependency is
// followed when it is registered and skipped when it is not; a gray-to-gray
// edge (a back edge to a node still on the current DFS stack) is a
// CircularDependency.
func (r *Registry) GetDependencyChain(agentID string) ([]string, error) {
	colors := make(map[string]color)
	var order []string

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case black:
			return nil
		case gray:
			return errs.New(errs.KindCircularDependency, "circular agent dependency at "+id)
		}

		colors[id] = gray
		desc, err := r.Get(id)
		if err != nil {
			return err
		}
		for _, dep := range desc.Dependencies {
			if dep.Optional {
				if _, err := r.Get(dep.AgentID); err != nil {
					continue
				}
			}
			if err := visit(dep.AgentID); err != nil {
				return err
			}
		}
		colors[id] = black
		order = append(order, id)
		return nil
	}

	if err := visit(agentID); err != nil {
		return nil, err
	}
	return order, nil
}
