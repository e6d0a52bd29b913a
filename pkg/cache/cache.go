// Package cache is the entry point for application code: it resolves each
// key to a backend and, when the context carries an active transaction,
// routes the operation through that transaction's proxy.
package cache

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-txcache/pkg/tx"
)

// Option configures a Cache.
type Option = options.Option[Cache]

// WithManager sets the transaction manager. Defaults to tx.NewManager().
func WithManager(m *tx.Manager) Option {
	return func(c *Cache) {
		c.txm = m
	}
}

// Cache is a transaction-aware front over a set of backends.
type Cache struct {
	resolver Resolver
	txm      *tx.Manager
}

func New(resolver Resolver, opts ...Option) *Cache {
	c := &Cache{resolver: resolver}
	options.Apply(c, opts...)
	if c.txm == nil {
		c.txm = tx.NewManager()
	}
	return c
}

// backend resolves key and substitutes the ambient transaction's proxy.
func (c *Cache) backend(ctx context.Context, key string) (backend.Backend, error) {
	b, err := c.resolver.Resolve(key)
	if err != nil {
		return nil, err
	}
	if t := tx.Current(ctx); t != nil {
		return t.Wrap(b)
	}
	return b, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.backend(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return b.Get(ctx, key)
}

// Set stores value under key. A zero ttl never expires.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b, err := c.backend(ctx, key)
	if err != nil {
		return err
	}
	return b.Set(ctx, key, value, ttl)
}

// Delete removes key and reports whether it existed.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	b, err := c.backend(ctx, key)
	if err != nil {
		return false, err
	}
	return b.Delete(ctx, key)
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	b, err := c.backend(ctx, key)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, key)
}

// Transaction returns a fresh scope guard using the cache defaults.
func (c *Cache) Transaction(opts ...tx.ScopeOption) *tx.Scope {
	return c.txm.Scope(opts...)
}

// Do runs fn inside a transaction scope.
func (c *Cache) Do(ctx context.Context, fn func(ctx context.Context) error, opts ...tx.ScopeOption) error {
	return c.txm.Do(ctx, fn, opts...)
}

// SetTransactionMode changes the default mode of later transactions.
func (c *Cache) SetTransactionMode(mode tx.Mode) error {
	return c.txm.SetMode(mode)
}

// SetTransactionTimeout changes the default lock wait bound of later
// transactions.
func (c *Cache) SetTransactionTimeout(timeout time.Duration) {
	c.txm.SetTimeout(timeout)
}

func (c *Cache) Manager() *tx.Manager {
	return c.txm
}
