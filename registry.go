package handlegc

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrorSink receives every failure encountered during asynchronous destruction.
// The offending handle's coordinates accompany the error. When no sink is
// registered, failures are logged and destruction continues.
type ErrorSink[TID comparable] func(r *Registry[TID], err error, class string, id TID)

// Registry tracks externally owned handles: it reference-counts each handle,
// ties dependencies into lifetime (depending on a handle pins it) and drives
// destruction asynchronously through its unregistration agent. A zero Registry
// is not usable; call NewRegistry.
type Registry[TID comparable] struct {
	handles   *shardedMap[TID]
	agent     *unregistrationAgent[TID]
	errorSink atomic.Pointer[ErrorSink[TID]]
	closed    atomic.Bool
}

// NewRegistry creates a registry and starts its unregistration agent. Call
// Close (or StopAgent) when done to release the agent goroutine.
func NewRegistry[TID comparable]() *Registry[TID] {
	r := &Registry[TID]{
		handles: newShardedMap[TID](),
	}
	r.agent = newUnregistrationAgent(r.removeAndDestroy, r.reportAsyncError)
	return r
}

// SetErrorSink registers the callback invoked for failures on the asynchronous
// destruction path. Passing nil clears it.
func (r *Registry[TID]) SetErrorSink(sink ErrorSink[TID]) {
	if sink == nil {
		r.errorSink.Store(nil)
		return
	}
	r.errorSink.Store(&sink)
}

// Register ensures the handle (class, id) is tracked; every call contributes
// one strong reference. When the key is new, a context is created with
// reference count 1. When the key is already tracked, the existing context
// gains a reference and its destructor is replaced by the given one (latest
// writer wins, nil included). Each given dependency must already be registered;
// newly established edges pin their target with one reference each.
//
// A Register racing with the final release of the same key never revives the
// dying context: the increment is detected, the dying context is abandoned
// (the increment is left on it), and registration retries against a fresh map
// slot once the destroyer has unlinked the entry.
func (r *Registry[TID]) Register(class string, id TID, destructor Destructor[TID], dependencies ...HandleKey[TID]) error {
	key := NewHandleKey(class, id)
	var hc *handleContext[TID]
	for {
		candidate := newHandleContext(destructor)
		existing, loaded := r.handles.loadOrStore(key, candidate)
		if !loaded {
			hc = candidate
			metricLiveHandles.Inc()
			break
		}
		newRefCount := existing.addRef()
		if newRefCount <= 0 {
			// A destruction path left the context in a released state.
			return Error{Code: InvalidRefCount, Class: class, Id: id, Value: newRefCount}
		}
		if newRefCount == 1 {
			// The context was transitioning through zero on another thread and
			// the destroyer has not unlinked it yet. Our increment revived a
			// dead context; do not use it. The destroyer already decided to
			// destroy, so wait for the unlink and start over.
			r.waitForRemoval(key, existing)
			continue
		}
		// Legitimate reuse of a live context.
		existing.setDestructor(destructor)
		hc = existing
		break
	}
	metricRegistrations.WithLabelValues(class).Inc()

	for _, dep := range dependencies {
		if err := r.acquireDependency(hc, dep); err != nil {
			return err
		}
	}
	return nil
}

// waitForRemoval spins with yields while key still maps to hc. Bounded by the
// destroyer's unlink step, which needs no lock a spinner holds.
func (r *Registry[TID]) waitForRemoval(key HandleKey[TID], hc *handleContext[TID]) {
	for {
		cur, ok := r.handles.load(key)
		if !ok || cur != hc {
			return
		}
		runtime.Gosched()
	}
}

// Unregister posts a release request for (class, id) onto the unregistration
// agent and returns immediately. The key is not looked up here; a missing key
// surfaces through the error sink when the agent drains the request. Safe to
// call from finalizer or cleanup callbacks.
func (r *Registry[TID]) Unregister(class string, id TID) {
	r.agent.enqueue(NewHandleKey(class, id))
}

// AddDependency records that parent depends on dep, pinning dep with one
// additional reference while the edge is live. Both handles must already be
// registered. Adding an edge that already exists is a no-op.
func (r *Registry[TID]) AddDependency(parentClass string, parentId TID, depClass string, depId TID) error {
	parent, ok := r.handles.load(NewHandleKey(parentClass, parentId))
	if !ok {
		return Error{Code: ObjectNotFound, Class: parentClass, Id: parentId}
	}
	return r.acquireDependency(parent, NewHandleKey(depClass, depId))
}

// acquireDependency looks up depKey and records the edge on parent; a newly
// inserted edge raises the dependency's reference count by one.
func (r *Registry[TID]) acquireDependency(parent *handleContext[TID], depKey HandleKey[TID]) error {
	dep, ok := r.handles.load(depKey)
	if !ok {
		return Error{Code: ObjectNotFound, Class: depKey.Class, Id: depKey.Id}
	}
	if parent.addDependency(depKey) {
		dep.addRef()
	}
	return nil
}

// RemoveDependency drops the parent→dep edge and posts the release of the pin
// it held onto the unregistration agent.
func (r *Registry[TID]) RemoveDependency(parentClass string, parentId TID, depClass string, depId TID) error {
	parent, ok := r.handles.load(NewHandleKey(parentClass, parentId))
	if !ok {
		return Error{Code: ObjectNotFound, Class: parentClass, Id: parentId}
	}
	depKey := NewHandleKey(depClass, depId)
	if !parent.removeDependency(depKey) {
		return Error{Code: DependencyNotFound, Class: depClass, Id: depId}
	}
	r.agent.enqueue(depKey)
	return nil
}

// RemoveAndDestroyHandle drops one reference from (class, id) and, on reaching
// zero, runs the destructor, posts the release of each dependency edge and
// unlinks the entry. This is the agent's drain callback; calling it directly
// runs destruction synchronously on the caller's thread.
func (r *Registry[TID]) RemoveAndDestroyHandle(class string, id TID) error {
	return r.removeAndDestroy(NewHandleKey(class, id))
}

func (r *Registry[TID]) removeAndDestroy(key HandleKey[TID]) error {
	hc, ok := r.handles.load(key)
	if !ok {
		return Error{Code: ObjectNotFound, Class: key.Class, Id: key.Id}
	}
	newRefCount := hc.release()
	if newRefCount > 0 {
		return nil
	}
	if newRefCount < 0 {
		return Error{Code: InvalidRefCount, Class: key.Class, Id: key.Id, Value: newRefCount}
	}

	// Reached zero: this thread owns destruction. Snapshot the edges before the
	// destructor runs so their releases are posted even if it fails, and unlink
	// the entry no matter what happened before.
	deps := hc.takeDependencies()

	var destructorErr error
	if err := hc.runDestructor(key.Id); err != nil {
		destructorErr = Error{Code: DestructorFailed, Class: key.Class, Id: key.Id, Err: err}
	}
	metricDestructions.WithLabelValues(key.Class).Inc()

	for _, dep := range deps {
		r.agent.requeue(dep)
	}

	if !r.handles.compareAndDelete(key, hc) {
		return errors.Join(destructorErr, Error{Code: FailedObjectRemoval, Class: key.Class, Id: key.Id})
	}
	metricLiveHandles.Dec()
	return destructorErr
}

// reportAsyncError routes a failure from the asynchronous destruction path to
// the registered error sink, or logs it when no sink is registered.
func (r *Registry[TID]) reportAsyncError(err error, key HandleKey[TID]) {
	var e Error
	code := Unknown
	if errors.As(err, &e) {
		code = e.Code
	}
	metricDestructionErrors.WithLabelValues(key.Class, code.String()).Inc()
	if sink := r.errorSink.Load(); sink != nil {
		(*sink)(r, err, key.Class, key.Id)
		return
	}
	log.Warn("asynchronous destruction failed", "key", key.String(), "error", err.Error())
}

// StopAgent drains the outstanding release requests (dependency cascades
// included), then stops the consumer. Idempotent; after it returns no further
// destructors will run.
func (r *Registry[TID]) StopAgent() {
	r.agent.stop()
}

// Close stops the unregistration agent and releases its goroutine. The
// registry must not be used afterwards.
func (r *Registry[TID]) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.agent.stop()
	}
	return nil
}

// Quiesce blocks until the agent has drained all queued and in-flight release
// requests or ctx is done, polling with a constant backoff. At quiescence with
// all references balanced the registry is empty.
func (r *Registry[TID]) Quiesce(ctx context.Context) error {
	b := retry.NewConstant(2 * time.Millisecond)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if n := r.agent.pending(); n > 0 {
			return retry.RetryableError(fmt.Errorf("%d release requests still pending", n))
		}
		return nil
	})
}

// Len reports the number of handle contexts currently tracked.
func (r *Registry[TID]) Len() int {
	return r.handles.count()
}

// RefCount returns the current reference count of (class, id) and whether the
// key is tracked. Meant for introspection and tests; the value may be stale
// the moment it is returned.
func (r *Registry[TID]) RefCount(class string, id TID) (int64, bool) {
	hc, ok := r.handles.load(NewHandleKey(class, id))
	if !ok {
		return 0, false
	}
	return hc.refCount.Load(), true
}

// Snapshot returns the tracked keys with their reference counts. Only stable
// at quiescence; useful to spot leaked handles.
func (r *Registry[TID]) Snapshot() []KeyValuePair[HandleKey[TID], int64] {
	entries := r.handles.snapshot()
	out := make([]KeyValuePair[HandleKey[TID], int64], 0, len(entries))
	for _, e := range entries {
		out = append(out, KeyValuePair[HandleKey[TID], int64]{Key: e.Key, Value: e.Value.refCount.Load()})
	}
	return out
}
