package handlegc

import (
	"fmt"
	log "log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// unregistrationAgent serializes handle destruction on a single consumer
// goroutine so client threads (finalizer callbacks included) never run
// destructor code. Requests drain in arrival order; an individual failure is
// reported through onError and never kills the consumer.
type unregistrationAgent[TID comparable] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []HandleKey[TID]
	inflight int
	stopping bool

	eg      *errgroup.Group
	destroy func(key HandleKey[TID]) error
	onError func(err error, key HandleKey[TID])
}

// newUnregistrationAgent spins off the consumer goroutine and returns the agent.
func newUnregistrationAgent[TID comparable](destroy func(key HandleKey[TID]) error, onError func(err error, key HandleKey[TID])) *unregistrationAgent[TID] {
	a := &unregistrationAgent[TID]{
		destroy: destroy,
		onError: onError,
		eg:      &errgroup.Group{},
	}
	a.cond = sync.NewCond(&a.mu)
	a.eg.Go(func() error {
		a.run()
		return nil
	})
	return a
}

// enqueue appends a release request and returns immediately; it never blocks
// beyond the queue lock. Requests posted after stop was signaled are dropped
// with a warning, so once stop returns no further destructors run.
func (a *unregistrationAgent[TID]) enqueue(key HandleKey[TID]) bool {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		log.Warn("unregistration agent is stopped, dropping release request", "key", key.String())
		return false
	}
	a.queue = append(a.queue, key)
	metricPendingReleases.Inc()
	a.cond.Signal()
	a.mu.Unlock()
	return true
}

// requeue appends a release request produced by the destroy path itself
// (dependency cascades). It bypasses the stopping check: cascades posted while
// the consumer drains must complete or the dependencies would leak.
func (a *unregistrationAgent[TID]) requeue(key HandleKey[TID]) {
	a.mu.Lock()
	a.queue = append(a.queue, key)
	metricPendingReleases.Inc()
	a.cond.Signal()
	a.mu.Unlock()
}

// pending reports queued plus in-flight requests.
func (a *unregistrationAgent[TID]) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue) + a.inflight
}

// stop signals drain-then-exit and waits for the consumer goroutine.
// Idempotent; safe to call from multiple threads.
func (a *unregistrationAgent[TID]) stop() {
	a.mu.Lock()
	if !a.stopping {
		a.stopping = true
		a.cond.Broadcast()
	}
	a.mu.Unlock()
	_ = a.eg.Wait()
}

func (a *unregistrationAgent[TID]) run() {
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.stopping {
			a.cond.Wait()
		}
		if len(a.queue) == 0 {
			// Stopping and fully drained, cascades included.
			a.mu.Unlock()
			return
		}
		key := a.queue[0]
		a.queue = a.queue[1:]
		a.inflight++
		a.mu.Unlock()

		a.drainOne(key)

		a.mu.Lock()
		a.inflight--
		a.mu.Unlock()
		metricPendingReleases.Dec()
	}
}

// drainOne runs one release through the registry's destroy path. Destructor
// panics are already contained there; the recover here is a last line so the
// consumer survives anything else.
func (a *unregistrationAgent[TID]) drainOne(key HandleKey[TID]) {
	defer func() {
		if r := recover(); r != nil {
			a.onError(Error{Code: Unknown, Class: key.Class, Id: key.Id, Err: fmt.Errorf("destroy panicked: %v", r)}, key)
		}
	}()
	log.Debug("draining release request", "key", key.String())
	if err := a.destroy(key); err != nil {
		a.onError(err, key)
	}
}
