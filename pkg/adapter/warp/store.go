// Package warp exposes a txcache backend as a go-warp adapter.Store, so it
// can serve as the persistent tier of a warp cache. Batches run as one
// transaction.
package warp

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-txcache/pkg/tx"
	"github.com/mirkobrombin/go-warp/v1/adapter"
)

var ErrNotScannable = fmt.Errorf("warp: backend cannot enumerate keys")

// Store is a go-warp adapter over a backend.
type Store[T any] struct {
	backend backend.Backend
	txm     *tx.Manager
	scope   []tx.ScopeOption
	encode  func(T) ([]byte, error)
	decode  func([]byte) (T, error)
}

// NewStore returns a Store over b. Batches are transactions created by txm
// with the given scope options.
func NewStore[T any](b backend.Backend, txm *tx.Manager, encode func(T) ([]byte, error), decode func([]byte) (T, error), scope ...tx.ScopeOption) *Store[T] {
	return &Store[T]{
		backend: b,
		txm:     txm,
		scope:   scope,
		encode:  encode,
		decode:  decode,
	}
}

// target joins the transaction carried by ctx, if any.
func (s *Store[T]) target(ctx context.Context) (backend.Backend, error) {
	if t := tx.Current(ctx); t != nil {
		return t.Wrap(s.backend)
	}
	return s.backend, nil
}

// Get implements adapter.Store.Get.
func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	b, err := s.target(ctx)
	if err != nil {
		return zero, false, err
	}
	data, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	val, err := s.decode(data)
	if err != nil {
		return zero, false, fmt.Errorf("warp: decode %q: %w", key, err)
	}
	return val, true, nil
}

// Set implements adapter.Store.Set.
func (s *Store[T]) Set(ctx context.Context, key string, value T) error {
	data, err := s.encode(value)
	if err != nil {
		return fmt.Errorf("warp: encode %q: %w", key, err)
	}
	b, err := s.target(ctx)
	if err != nil {
		return err
	}
	return b.Set(ctx, key, data, 0)
}

// Keys implements adapter.Store.Keys.
func (s *Store[T]) Keys(ctx context.Context) ([]string, error) {
	sc, ok := s.backend.(backend.Scanner)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotScannable, s.backend.ID())
	}
	var keys []string
	err := sc.Scan(ctx, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// Batch implements adapter.Batcher.Batch. The returned batch holds its
// transaction's locks until Commit or Rollback.
func (s *Store[T]) Batch(ctx context.Context) (adapter.Batch[T], error) {
	t, err := s.txm.Begin(s.scope...)
	if err != nil {
		return nil, err
	}
	p, err := t.Wrap(s.backend)
	if err != nil {
		return nil, err
	}
	return &Batch[T]{store: s, tx: t, proxy: p}, nil
}

// Batch groups writes into one transaction.
type Batch[T any] struct {
	store *Store[T]
	tx    *tx.Transaction
	proxy backend.Backend
}

func (b *Batch[T]) Set(ctx context.Context, key string, value T) error {
	data, err := b.store.encode(value)
	if err != nil {
		return fmt.Errorf("warp: encode %q: %w", key, err)
	}
	if err := b.proxy.Set(ctx, key, data, 0); err != nil {
		b.tx.Fail(err)
		return err
	}
	return nil
}

func (b *Batch[T]) Delete(ctx context.Context, key string) error {
	if _, err := b.proxy.Delete(ctx, key); err != nil {
		b.tx.Fail(err)
		return err
	}
	return nil
}

// Commit applies the batch. A batch whose writes failed is rolled back.
func (b *Batch[T]) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

// Rollback discards the batch and releases its locks.
func (b *Batch[T]) Rollback(ctx context.Context) error {
	return b.tx.Rollback(ctx)
}

var (
	_ adapter.Store[any]   = (*Store[any])(nil)
	_ adapter.Batcher[any] = (*Store[any])(nil)
	_ adapter.Batch[any]   = (*Batch[any])(nil)
)
