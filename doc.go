// Package handlegc manages the lifetime of externally owned handles, typically
// opaque identifiers returned by a foreign library whose destruction order must
// respect inter-handle dependencies. A client registers each externally-acquired
// handle together with a destructor and an optional set of handles it depends on;
// the registry reference-counts each handle, decides when its destructor runs,
// and drives destruction asynchronously so that client threads never block on
// teardown. It is designed so that finalizer or cleanup callbacks can post
// releases without ever re-entering destructor code on their own thread.
// Destruction of different handles is serialized through a single consumer,
// which together with an acyclic dependency graph removes the need for global
// locks across handles during teardown.
package handlegc

// Quiescence model
//
// Releases posted through Unregister are drained by the unregistration agent in
// arrival order. A caller that needs a stable view (tests, orderly shutdown)
// has two synchronization points:
//  1. Quiesce, which blocks until all queued and in-flight release requests
//     have drained or the caller's context expires.
//  2. StopAgent, which drains the backlog and then stops the consumer; after it
//     returns no further destructors will run.
//
// Between those points the registry may briefly expose a handle whose reference
// count has reached zero but whose map entry has not yet been unlinked. The
// registration protocol resolves that window internally; observers using
// RefCount or Snapshot should treat such entries as already dead.
