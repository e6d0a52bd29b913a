// Package backend defines the storage surface shared by every cache backend.
//
// A Backend is identified by ID, which must be stable for the lifetime of the
// value: transactions key their proxies on it.
package backend

import (
	"context"
	"fmt"
	"time"
)

var (
	ErrClosed = fmt.Errorf("backend: closed")
)

// Backend is a key-value cache store with TTL support.
type Backend interface {
	ID() string
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value. A zero ttl means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Batch buffers writes that are applied atomically on Commit.
type Batch interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Commit(ctx context.Context) error
}

// Batcher is implemented by backends able to apply several writes atomically.
type Batcher interface {
	Batch(ctx context.Context) (Batch, error)
}

// Scanner is implemented by backends able to enumerate their live entries.
type Scanner interface {
	Scan(ctx context.Context, fn func(key string, value []byte) error) error
}

// Closer is implemented by backends holding resources.
type Closer interface {
	Close() error
}

// Close closes b when it implements Closer.
func Close(b Backend) error {
	if c, ok := b.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Op is a single buffered write.
type Op struct {
	Delete bool
	Key    string
	Value  []byte
	TTL    time.Duration
}

// Apply writes ops to b, through a Batch when b supports it.
func Apply(ctx context.Context, b Backend, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	if batcher, ok := b.(Batcher); ok {
		batch, err := batcher.Batch(ctx)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.Delete {
				err = batch.Delete(ctx, op.Key)
			} else {
				err = batch.Set(ctx, op.Key, op.Value, op.TTL)
			}
			if err != nil {
				return err
			}
		}
		return batch.Commit(ctx)
	}

	for _, op := range ops {
		if op.Delete {
			if _, err := b.Delete(ctx, op.Key); err != nil {
				return fmt.Errorf("backend %s: delete %q: %w", b.ID(), op.Key, err)
			}
			continue
		}
		if err := b.Set(ctx, op.Key, op.Value, op.TTL); err != nil {
			return fmt.Errorf("backend %s: set %q: %w", b.ID(), op.Key, err)
		}
	}
	return nil
}
