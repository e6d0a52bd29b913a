// Package lock provides per-backend lock tables used by the locking
// transaction modes.
//
// Each Table offers a backend-wide lock, taken either shared (by per-key
// lockers) or exclusive (by whole-backend lockers), and a lock per key.
// Every acquisition honours the context deadline.
package lock

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
)

const (
	shardCount = 64
	maxWeight  = 1 << 30
)

// Release frees a held lock. Calling it more than once is a no-op.
type Release func()

func once(fn func()) Release {
	var o sync.Once
	return func() { o.Do(fn) }
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

// Table holds the locks of one backend.
type Table struct {
	whole  *semaphore.Weighted
	shards [shardCount]shard
}

// NewTable returns an empty lock table.
func NewTable() *Table {
	t := &Table{whole: semaphore.NewWeighted(maxWeight)}
	for i := range t.shards {
		t.shards[i].keys = make(map[string]*keyLock)
	}
	return t
}

// Shared takes the backend lock in shared mode.
func (t *Table) Shared(ctx context.Context) (Release, error) {
	if err := t.whole.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return once(func() { t.whole.Release(1) }), nil
}

// Exclusive takes the backend lock exclusively, waiting for every shared
// holder to release.
func (t *Table) Exclusive(ctx context.Context) (Release, error) {
	if err := t.whole.Acquire(ctx, maxWeight); err != nil {
		return nil, err
	}
	return once(func() { t.whole.Release(maxWeight) }), nil
}

// Key takes the lock of a single key.
func (t *Table) Key(ctx context.Context, key string) (Release, error) {
	s := &t.shards[xxhash.Sum64String(key)%shardCount]

	s.mu.Lock()
	kl, ok := s.keys[key]
	if !ok {
		kl = &keyLock{sem: semaphore.NewWeighted(1)}
		s.keys[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	unref := func() {
		s.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.keys, key)
		}
		s.mu.Unlock()
	}

	if err := kl.sem.Acquire(ctx, 1); err != nil {
		unref()
		return nil, err
	}
	return once(func() {
		kl.sem.Release(1)
		unref()
	}), nil
}

// Held returns the number of keys currently locked or awaited.
func (t *Table) Held() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.keys)
		s.mu.Unlock()
	}
	return n
}

// Registry maps backend identities to their lock tables.
type Registry struct {
	tables sync.Map
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// For returns the table of the backend with the given identity.
func (r *Registry) For(id string) *Table {
	if t, ok := r.tables.Load(id); ok {
		return t.(*Table)
	}
	t, _ := r.tables.LoadOrStore(id, NewTable())
	return t.(*Table)
}

// Default is the process-wide registry shared by every transaction manager
// that is not given its own.
var Default = NewRegistry()
