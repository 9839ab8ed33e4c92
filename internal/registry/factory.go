package registry

import (
	"sync"

	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
)

// Factory constructs agent Instances, reusing one instance per
// singleton-lifecycle agent and constructing a fresh one on every call for
// transient-lifecycle agents. Disposal runs in reverse construction order,
// mirroring the teacher's worktree/background-agent shutdown ordering
// (newest-first teardown avoids disposing a dependency before its
// dependents).
type Factory struct {
	registry *Registry

	mu         sync.Mutex
	singletons map[string]Instance
	order      []string
}

// NewFactory builds a Factory bound to a Registry.
func NewFactory(registry *Registry) *Factory {
	return &Factory{registry: registry, singletons: make(map[string]Instance)}
}

// Initialize returns a live Instance for agentID: the cached singleton if
// one exists (constructing and caching it on first use), or a fresh
// transient instance on every call.
func (f *Factory) Initialize(agentID string) (Instance, error) {
	desc, err := f.registry.Get(agentID)
	if err != nil {
		return nil, err
	}

	ctor, err := f.registry.constructorFor(agentID)
	if err != nil {
		return nil, err
	}
	if ctor == nil {
		return nil, errs.New(errs.KindInternal, "agent has no constructor: "+agentID)
	}

	if desc.Lifecycle == model.LifecycleSingleton {
		f.mu.Lock()
		defer f.mu.Unlock()
		if inst, ok := f.singletons[agentID]; ok {
			return inst, nil
		}
		inst, err := ctor()
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "construct singleton agent "+agentID, err)
		}
		f.singletons[agentID] = inst
		f.order = append(f.order, agentID)
		return inst, nil
	}

	inst, err := ctor()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "construct transient agent "+agentID, err)
	}
	return inst, nil
}

// Dispose tears down every cached singleton in reverse construction order.
// The first error encountered is returned, but every singleton is still
// given a chance to dispose.
func (f *Factory) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for i := len(f.order) - 1; i >= 0; i-- {
		id := f.order[i]
		inst, ok := f.singletons[id]
		if !ok {
			continue
		}
		if err := inst.Dispose(); err != nil && firstErr == nil {
			firstErr = errs.Wrap(errs.KindInternal, "dispose agent "+id, err)
		}
		delete(f.singletons, id)
	}
	f.order = nil
	return firstErr
}
