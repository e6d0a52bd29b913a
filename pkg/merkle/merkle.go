// Package merkle digests the contents of a backend so that replicas can
// detect divergence by comparing a single root.
package merkle

import (
	"context"
	"crypto/sha256"
	"maps"
	"slices"
	"sync"

	"github.com/mirkobrombin/go-txcache/pkg/backend"
)

// Tree holds one leaf hash per key.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string][32]byte
}

func New() *Tree {
	return &Tree{
		nodes: make(map[string][32]byte),
	}
}

// Build digests every live key of sc.
func Build(ctx context.Context, sc backend.Scanner) (*Tree, error) {
	t := New()
	err := sc.Scan(ctx, func(key string, value []byte) error {
		t.nodes[key] = sha256.Sum256(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Tree) Update(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[key] = sha256.Sum256(data)
}

func (m *Tree) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, key)
}

func (m *Tree) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Root hashes the sorted leaves. An empty tree has a zero root.
func (m *Tree) Root() [32]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.nodes) == 0 {
		return [32]byte{}
	}

	keys := slices.Sorted(maps.Keys(m.nodes))
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		hash := m.nodes[k]
		h.Write(hash[:])
	}

	var root [32]byte
	copy(root[:], h.Sum(nil))
	return root
}

// Diff returns the keys whose leaves differ between m and other, sorted.
func (m *Tree) Diff(other *Tree) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	var keys []string
	for k, h := range m.nodes {
		if oh, ok := other.nodes[k]; !ok || oh != h {
			keys = append(keys, k)
		}
	}
	for k := range other.nodes {
		if _, ok := m.nodes[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
