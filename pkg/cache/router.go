package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mirkobrombin/go-txcache/pkg/backend"
)

var ErrNoBackend = fmt.Errorf("cache: no backend for key")

// Resolver maps a key to the backend that stores it.
type Resolver interface {
	Resolve(key string) (backend.Backend, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(key string) (backend.Backend, error)

func (f ResolverFunc) Resolve(key string) (backend.Backend, error) {
	return f(key)
}

// Single resolves every key to b.
func Single(b backend.Backend) Resolver {
	return ResolverFunc(func(string) (backend.Backend, error) {
		return b, nil
	})
}

type route struct {
	prefix  string
	backend backend.Backend
}

// Router resolves keys by longest matching prefix, falling back to a
// default backend.
type Router struct {
	mu       sync.RWMutex
	routes   []route
	fallback backend.Backend
}

// NewRouter returns a router with fallback as default backend. fallback
// may be nil, in which case unmatched keys fail with ErrNoBackend.
func NewRouter(fallback backend.Backend) *Router {
	return &Router{fallback: fallback}
}

// Setup routes keys starting with prefix to b, replacing a previous route
// for the same prefix. An empty prefix sets the default backend.
func (r *Router) Setup(prefix string, b backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prefix == "" {
		r.fallback = b
		return
	}
	for i := range r.routes {
		if r.routes[i].prefix == prefix {
			r.routes[i].backend = b
			return
		}
	}
	r.routes = append(r.routes, route{prefix: prefix, backend: b})
	sort.Slice(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
}

func (r *Router) Resolve(key string) (backend.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rt := range r.routes {
		if strings.HasPrefix(key, rt.prefix) {
			return rt.backend, nil
		}
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("%w %q", ErrNoBackend, key)
	}
	return r.fallback, nil
}

// Backends returns every distinct backend known to the router.
func (r *Router) Backends() []backend.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []backend.Backend
	add := func(b backend.Backend) {
		if b != nil && !seen[b.ID()] {
			seen[b.ID()] = true
			out = append(out, b)
		}
	}
	add(r.fallback)
	for _, rt := range r.routes {
		add(rt.backend)
	}
	return out
}
