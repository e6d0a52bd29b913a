// Package redis provides a Backend on a Redis server through go-redis.
package redis

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/redis/go-redis/v9"
)

// Option configures a Backend.
type Option = options.Option[Backend]

// WithID sets the backend identity. Defaults to "redis:<addr>/<db>".
func WithID(id string) Option {
	return func(b *Backend) {
		b.id = id
	}
}

// WithKeyPrefix namespaces every key stored by the backend.
func WithKeyPrefix(prefix string) Option {
	return func(b *Backend) {
		b.prefix = prefix
	}
}

// Backend is a Redis-backed cache.
type Backend struct {
	id     string
	prefix string
	client redis.UniversalClient
	owned  bool
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client redis.UniversalClient, opts ...Option) *Backend {
	b := &Backend{id: "redis", client: client}
	options.Apply(b, opts...)
	return b
}

// Dial connects to the server described by ropts and checks it is reachable.
func Dial(ctx context.Context, ropts *redis.Options, opts ...Option) (*Backend, error) {
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	b := &Backend{id: "redis:" + ropts.Addr, client: client, owned: true}
	options.Apply(b, opts...)
	return b, nil
}

func (b *Backend) ID() string {
	return b.id
}

func (b *Backend) key(k string) string {
	return b.prefix + k
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, b.key(key), value, ttl).Err()
}

func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Del(ctx, b.key(key)).Result()
	return n > 0, err
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(key)).Result()
	return n > 0, err
}

// Batch returns a batch applied as a MULTI/EXEC pipeline.
func (b *Backend) Batch(ctx context.Context) (backend.Batch, error) {
	return &batch{b: b}, nil
}

// Close closes the client when it was created by Dial.
func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

type batch struct {
	b   *Backend
	ops []backend.Op
}

func (t *batch) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.ops = append(t.ops, backend.Op{Key: key, Value: bytes.Clone(value), TTL: ttl})
	return nil
}

func (t *batch) Delete(ctx context.Context, key string) error {
	t.ops = append(t.ops, backend.Op{Delete: true, Key: key})
	return nil
}

func (t *batch) Commit(ctx context.Context) error {
	ops := t.ops
	t.ops = nil
	_, err := t.b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if op.Delete {
				pipe.Del(ctx, t.b.key(op.Key))
				continue
			}
			pipe.Set(ctx, t.b.key(op.Key), op.Value, op.TTL)
		}
		return nil
	})
	return err
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.Batcher = (*Backend)(nil)
