package txbackend

import (
	"bytes"
	"context"
	"time"

	"github.com/mirkobrombin/go-txcache/pkg/backend"
)

type entry struct {
	value     []byte
	expiresAt time.Time
	deleted   bool
}

func (e *entry) live(now time.Time) bool {
	if e.deleted {
		return false
	}
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// Buffered keeps writes local until Commit. It takes no locks, so two
// buffered proxies over the same backend may overwrite each other's
// changes: the last commit wins.
type Buffered struct {
	target  backend.Backend
	entries map[string]*entry
	order   []string
	done    bool
}

// NewBuffered returns an unsynchronized buffering proxy for target.
func NewBuffered(target backend.Backend) *Buffered {
	return &Buffered{
		target:  target,
		entries: make(map[string]*entry),
	}
}

func (b *Buffered) ID() string {
	return b.target.ID()
}

// Target returns the wrapped backend.
func (b *Buffered) Target() backend.Backend {
	return b.target
}

func (b *Buffered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if b.done {
		return nil, false, ErrFinalized
	}
	if e, ok := b.entries[key]; ok {
		if !e.live(time.Now()) {
			return nil, false, nil
		}
		return bytes.Clone(e.value), true, nil
	}
	return b.target.Get(ctx, key)
}

func (b *Buffered) Exists(ctx context.Context, key string) (bool, error) {
	if b.done {
		return false, ErrFinalized
	}
	if e, ok := b.entries[key]; ok {
		return e.live(time.Now()), nil
	}
	return b.target.Exists(ctx, key)
}

func (b *Buffered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if b.done {
		return ErrFinalized
	}
	e := &entry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	b.record(key, e)
	return nil
}

func (b *Buffered) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := b.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	b.record(key, &entry{deleted: true})
	return existed, nil
}

func (b *Buffered) record(key string, e *entry) {
	if _, ok := b.entries[key]; !ok {
		b.order = append(b.order, key)
	}
	b.entries[key] = e
}

func (b *Buffered) Pending() []string {
	return append([]string(nil), b.order...)
}

// ops turns the buffer into writes. TTLs are rebased on the commit time and
// entries that expired while buffered become deletes.
func (b *Buffered) ops() []backend.Op {
	now := time.Now()
	ops := make([]backend.Op, 0, len(b.order))
	for _, key := range b.order {
		e := b.entries[key]
		if !e.live(now) {
			ops = append(ops, backend.Op{Delete: true, Key: key})
			continue
		}
		op := backend.Op{Key: key, Value: e.value}
		if !e.expiresAt.IsZero() {
			op.TTL = e.expiresAt.Sub(now)
		}
		ops = append(ops, op)
	}
	return ops
}

func (b *Buffered) Commit(ctx context.Context) error {
	if b.done {
		return ErrFinalized
	}
	b.done = true
	ops := b.ops()
	b.clear()
	return backend.Apply(ctx, b.target, ops)
}

func (b *Buffered) Rollback(ctx context.Context) error {
	if b.done {
		return ErrFinalized
	}
	b.done = true
	b.clear()
	return nil
}

func (b *Buffered) clear() {
	b.entries = nil
	b.order = nil
}

var _ Proxy = (*Buffered)(nil)
