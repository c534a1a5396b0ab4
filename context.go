package handlegc

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// handleContext is the per-key record tracked by the registry: the reference
// count, the caller-supplied destructor and the keys this handle depends on.
// The reference count is maintained with atomics so addRef/release linearize
// against each other on a single context. The mutex guards the destructor slot
// and the dependency set; those are touched by Register, AddDependency and
// RemoveDependency on caller threads and by the destroy path during teardown.
type handleContext[TID comparable] struct {
	refCount atomic.Int64

	mu           sync.Mutex
	destructor   Destructor[TID]
	destructed   bool
	dependencies *dependencySet[TID]
}

// newHandleContext creates a context holding one strong reference.
func newHandleContext[TID comparable](destructor Destructor[TID]) *handleContext[TID] {
	c := &handleContext[TID]{destructor: destructor}
	c.refCount.Store(1)
	return c
}

// addRef increments the reference count and returns the post-increment value.
func (c *handleContext[TID]) addRef() int64 {
	return c.refCount.Add(1)
}

// release decrements the reference count and returns the post-decrement value.
// A negative result means the caller over-released; the registry surfaces that
// as an InvalidRefCount error.
func (c *handleContext[TID]) release() int64 {
	return c.refCount.Add(-1)
}

// setDestructor replaces the stored destructor. Latest writer wins, a nil
// destructor included.
func (c *handleContext[TID]) setDestructor(destructor Destructor[TID]) {
	c.mu.Lock()
	c.destructor = destructor
	c.mu.Unlock()
}

// runDestructor invokes the stored destructor at most once; subsequent calls
// are no-ops. The destructor runs outside the context lock so it may call back
// into the registry. A panicking destructor is converted to an error so the
// remaining teardown steps still run.
func (c *handleContext[TID]) runDestructor(id TID) (err error) {
	c.mu.Lock()
	if c.destructed {
		c.mu.Unlock()
		return nil
	}
	c.destructed = true
	destructor := c.destructor
	c.mu.Unlock()

	if destructor == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destructor panicked: %v", r)
		}
	}()
	return destructor(id)
}

// initDependencies lazily allocates the dependency set. Caller must hold mu.
// "Dependencies absent" and "dependencies empty" stay distinct states so that
// handles with no edges never pay for the allocation.
func (c *handleContext[TID]) initDependencies() {
	if c.dependencies == nil {
		c.dependencies = newDependencySet[TID]()
	}
}

// addDependency records an edge to key. Returns true if the edge was newly
// inserted, false if it was already present.
func (c *handleContext[TID]) addDependency(key HandleKey[TID]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initDependencies()
	return c.dependencies.add(key)
}

// removeDependency drops the edge to key. Returns false when the edge (or the
// whole set) is not present.
func (c *handleContext[TID]) removeDependency(key HandleKey[TID]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dependencies == nil {
		return false
	}
	return c.dependencies.remove(key)
}

// takeDependencies detaches the recorded edges for teardown. The edges are
// snapshot before the destructor runs so their releases survive a failing
// destructor.
func (c *handleContext[TID]) takeDependencies() []HandleKey[TID] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dependencies == nil {
		return nil
	}
	keys := c.dependencies.keys()
	c.dependencies = nil
	return keys
}
