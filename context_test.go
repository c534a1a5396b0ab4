package handlegc

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestHandleContextRefCounting(t *testing.T) {
	c := newHandleContext[string](nil)
	if got := c.refCount.Load(); got != 1 {
		t.Errorf("initial refcount = %d, want 1", got)
	}
	if got := c.addRef(); got != 2 {
		t.Errorf("addRef = %d, want 2", got)
	}
	if got := c.release(); got != 1 {
		t.Errorf("release = %d, want 1", got)
	}
	if got := c.release(); got != 0 {
		t.Errorf("release = %d, want 0", got)
	}
}

func TestHandleContextRefCountingConcurrent(t *testing.T) {
	c := newHandleContext[string](nil)

	var wg sync.WaitGroup
	threadCount := 8
	iterations := 1000

	for i := 0; i < threadCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				c.addRef()
			}
		}()
	}
	wg.Wait()
	if got, want := c.refCount.Load(), int64(1+threadCount*iterations); got != want {
		t.Errorf("refcount after adds = %d, want %d", got, want)
	}

	for i := 0; i < threadCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				c.release()
			}
		}()
	}
	wg.Wait()
	if got := c.refCount.Load(); got != 1 {
		t.Errorf("refcount after releases = %d, want 1", got)
	}
}

func TestRunDestructorOnce(t *testing.T) {
	var calls atomic.Int32
	c := newHandleContext[string](func(id string) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.runDestructor("h"); err != nil {
				t.Errorf("runDestructor error: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := calls.Load(); got != 1 {
		t.Errorf("destructor ran %d times, want 1", got)
	}
}

func TestRunDestructorNil(t *testing.T) {
	c := newHandleContext[string](nil)
	if err := c.runDestructor("h"); err != nil {
		t.Errorf("runDestructor with nil destructor: %v", err)
	}
}

func TestRunDestructorPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	c := newHandleContext[string](func(id string) error {
		return boom
	})
	if err := c.runDestructor("h"); !errors.Is(err, boom) {
		t.Errorf("runDestructor error = %v, want %v", err, boom)
	}
	// Second call is a no-op even after a failure.
	if err := c.runDestructor("h"); err != nil {
		t.Errorf("second runDestructor error: %v", err)
	}
}

func TestRunDestructorContainsPanic(t *testing.T) {
	c := newHandleContext[string](func(id string) error {
		panic("kaboom")
	})
	err := c.runDestructor("h")
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("runDestructor error = %v, want panic converted to error", err)
	}
}

func TestDependencyEdges(t *testing.T) {
	c := newHandleContext[int](nil)
	k := NewHandleKey("F", 1)

	if !c.addDependency(k) {
		t.Error("addDependency of a new edge returned false")
	}
	if c.addDependency(k) {
		t.Error("addDependency of an existing edge returned true")
	}
	if !c.removeDependency(k) {
		t.Error("removeDependency of an existing edge returned false")
	}
	if c.removeDependency(k) {
		t.Error("removeDependency of a missing edge returned true")
	}
}

func TestRemoveDependencyWithoutSet(t *testing.T) {
	c := newHandleContext[int](nil)
	if c.removeDependency(NewHandleKey("F", 1)) {
		t.Error("removeDependency on a context without a dependency set returned true")
	}
}

func TestTakeDependencies(t *testing.T) {
	c := newHandleContext[int](nil)
	if got := c.takeDependencies(); got != nil {
		t.Errorf("takeDependencies on a context without a set = %v, want nil", got)
	}

	c.addDependency(NewHandleKey("F", 1))
	c.addDependency(NewHandleKey("G", 2))
	keys := c.takeDependencies()
	if len(keys) != 2 {
		t.Errorf("takeDependencies returned %d keys, want 2", len(keys))
	}
	// The set is detached; a second take yields nothing.
	if got := c.takeDependencies(); got != nil {
		t.Errorf("second takeDependencies = %v, want nil", got)
	}
}

func TestShardedMapCompareAndDelete(t *testing.T) {
	m := newShardedMap[int]()
	k := NewHandleKey("F", 1)
	a := newHandleContext[int](nil)
	b := newHandleContext[int](nil)

	if _, loaded := m.loadOrStore(k, a); loaded {
		t.Fatal("loadOrStore of a new key reported loaded")
	}
	if actual, loaded := m.loadOrStore(k, b); !loaded || actual != a {
		t.Fatal("loadOrStore of an existing key did not return the mapped context")
	}
	if m.compareAndDelete(k, b) {
		t.Error("compareAndDelete removed an entry it does not own")
	}
	if !m.compareAndDelete(k, a) {
		t.Error("compareAndDelete of the mapped context returned false")
	}
	if m.compareAndDelete(k, a) {
		t.Error("compareAndDelete of a removed entry returned true")
	}
	if got := m.count(); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}
