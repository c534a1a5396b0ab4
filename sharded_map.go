package handlegc

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

type shard[TID comparable] struct {
	mu    sync.RWMutex
	items map[HandleKey[TID]]*handleContext[TID]
}

// shardedMap spreads handle contexts over fnv-hashed shards so unrelated keys
// never contend on one lock. Unlike a cache there is no capacity bound and no
// eviction: an entry leaves the map only through the destroy path.
type shardedMap[TID comparable] struct {
	shards [shardCount]*shard[TID]
}

func newShardedMap[TID comparable]() *shardedMap[TID] {
	m := &shardedMap[TID]{}
	for i := 0; i < shardCount; i++ {
		m.shards[i] = &shard[TID]{items: make(map[HandleKey[TID]]*handleContext[TID])}
	}
	return m
}

func (m *shardedMap[TID]) getShard(key HandleKey[TID]) *shard[TID] {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return m.shards[h.Sum32()%shardCount]
}

func (m *shardedMap[TID]) load(key HandleKey[TID]) (*handleContext[TID], bool) {
	shard := m.getShard(key)
	shard.mu.RLock()
	val, ok := shard.items[key]
	shard.mu.RUnlock()
	return val, ok
}

// loadOrStore inserts value if key is absent. It returns the mapped context
// and whether the key was already present (true means value was NOT stored).
func (m *shardedMap[TID]) loadOrStore(key HandleKey[TID], value *handleContext[TID]) (actual *handleContext[TID], loaded bool) {
	shard := m.getShard(key)
	shard.mu.Lock()
	actual, loaded = shard.items[key]
	if !loaded {
		shard.items[key] = value
		actual = value
	}
	shard.mu.Unlock()
	return
}

// compareAndDelete removes key only while it still maps to value, so a removal
// that lost a race to a re-registration leaves the fresh context alone. It
// returns true when the entry was present and removed.
func (m *shardedMap[TID]) compareAndDelete(key HandleKey[TID], value *handleContext[TID]) bool {
	shard := m.getShard(key)
	shard.mu.Lock()
	cur, ok := shard.items[key]
	removed := ok && cur == value
	if removed {
		delete(shard.items, key)
	}
	shard.mu.Unlock()
	return removed
}

func (m *shardedMap[TID]) count() int {
	n := 0
	for i := 0; i < shardCount; i++ {
		m.shards[i].mu.RLock()
		n += len(m.shards[i].items)
		m.shards[i].mu.RUnlock()
	}
	return n
}

// snapshot returns the mapped entries shard by shard. Each shard is consistent
// in itself; the overall view is only stable at quiescence.
func (m *shardedMap[TID]) snapshot() []KeyValuePair[HandleKey[TID], *handleContext[TID]] {
	entries := make([]KeyValuePair[HandleKey[TID], *handleContext[TID]], 0)
	for i := 0; i < shardCount; i++ {
		m.shards[i].mu.RLock()
		for k, v := range m.shards[i].items {
			entries = append(entries, KeyValuePair[HandleKey[TID], *handleContext[TID]]{Key: k, Value: v})
		}
		m.shards[i].mu.RUnlock()
	}
	return entries
}
