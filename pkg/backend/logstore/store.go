// Package logstore is a log-structured disk Backend: every write is appended
// to a segmented log and an in-memory index maps keys to their latest entry.
// Values are zstd-compressed on disk and served from a bounded value cache.
package logstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-txcache/pkg/wal"
	"github.com/mirkobrombin/go-warp/v1/cache"
)

type slot struct {
	offset    int64
	expiresAt int64
}

func (s slot) expired(now int64) bool {
	return s.expiresAt > 0 && now > s.expiresAt
}

// Store is a persistent Backend.
type Store struct {
	mu          sync.RWMutex
	id          string
	wal         *wal.Manager
	index       map[string]slot
	values      cache.Cache[[]byte]
	segmentSize int64
	encPool     *sync.Pool
	decPool     *sync.Pool
	closed      bool
}

// Open opens or creates the store in dir and rebuilds its index from the log.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		id:          "logstore:" + dir,
		index:       make(map[string]slot),
		segmentSize: wal.DefaultSegmentSize,
		encPool: &sync.Pool{
			New: func() any {
				enc, _ := zstd.NewWriter(nil)
				return enc
			},
		},
		decPool: &sync.Pool{
			New: func() any {
				dec, _ := zstd.NewReader(nil)
				return dec
			},
		},
		values: cache.NewInMemory[[]byte](cache.WithMaxEntries[[]byte](100000)),
	}
	options.Apply(s, opts...)

	w, err := wal.NewManager(dir, wal.WithMaxSegmentSize(s.segmentSize))
	if err != nil {
		return nil, err
	}
	s.wal = w

	if err := s.recover(); err != nil {
		w.Close()
		return nil, fmt.Errorf("logstore: recover: %w", err)
	}
	return s, nil
}

func (s *Store) ID() string {
	return s.id
}

func (s *Store) compress(data []byte) []byte {
	enc := s.encPool.Get().(*zstd.Encoder)
	defer s.encPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (s *Store) decompress(data []byte) ([]byte, error) {
	dec := s.decPool.Get().(*zstd.Decoder)
	defer s.decPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

func expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, backend.ErrClosed
	}

	sl, ok := s.index[key]
	if !ok || sl.expired(time.Now().UnixNano()) {
		return nil, false, nil
	}

	if cached, ok, _ := s.values.Get(ctx, key); ok {
		return bytes.Clone(cached), true, nil
	}

	e, err := s.wal.ReadEntryAt(sl.offset)
	if err != nil {
		return nil, false, err
	}
	val, err := s.decompress(e.Value)
	if err != nil {
		return nil, false, err
	}
	_ = s.values.Set(ctx, key, val, 0)
	return bytes.Clone(val), true, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, backend.ErrClosed
	}
	sl, ok := s.index[key]
	return ok && !sl.expired(time.Now().UnixNano()), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.write(ctx, 0, []backend.Op{{Key: key, Value: value, TTL: ttl}})
}

// Delete reports whether key was live when the delete was appended.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, backend.ErrClosed
	}
	sl, ok := s.index[key]
	if !ok || sl.expired(time.Now().UnixNano()) {
		return false, nil
	}
	ops := []backend.Op{{Delete: true, Key: key}}
	return true, s.appendLocked(ctx, 0, ops, s.entries(0, ops))
}

// write appends ops as one log write. A non-zero txID makes the group
// all-or-nothing across crashes through a trailing commit marker.
func (s *Store) write(ctx context.Context, txID uint64, ops []backend.Op) error {
	entries := s.entries(txID, ops)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return backend.ErrClosed
	}
	return s.appendLocked(ctx, txID, ops, entries)
}

func (s *Store) entries(txID uint64, ops []backend.Op) []wal.Entry {
	entries := make([]wal.Entry, 0, len(ops)+1)
	for _, op := range ops {
		e := wal.Entry{Type: wal.EntryPut, TxID: txID, Key: op.Key}
		if op.Delete {
			e.Type = wal.EntryDelete
		} else {
			e.Value = s.compress(op.Value)
			e.ExpiresAt = expiry(op.TTL)
		}
		entries = append(entries, e)
	}
	if txID != 0 {
		entries = append(entries, wal.Entry{Type: wal.EntryCommit, TxID: txID})
	}
	return entries
}

// appendLocked writes entries and updates the index. s.mu must be held.
func (s *Store) appendLocked(ctx context.Context, txID uint64, ops []backend.Op, entries []wal.Entry) error {
	offsets, err := s.wal.AppendBatch(entries)
	if err != nil {
		return err
	}
	if txID != 0 {
		if err := s.wal.Sync(); err != nil {
			return err
		}
	}

	for i, op := range ops {
		_ = s.values.Invalidate(ctx, op.Key)
		if op.Delete {
			delete(s.index, op.Key)
			continue
		}
		s.index[op.Key] = slot{offset: offsets[i], expiresAt: entries[i].ExpiresAt}
	}
	return nil
}

// Scan visits every live entry. fn must not call back into the store.
func (s *Store) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return backend.ErrClosed
	}

	now := time.Now().UnixNano()
	for key, sl := range s.index {
		if sl.expired(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := s.wal.ReadEntryAt(sl.offset)
		if err != nil {
			return err
		}
		val, err := s.decompress(e.Value)
		if err != nil {
			return err
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of indexed keys, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func (s *Store) Batch(ctx context.Context) (backend.Batch, error) {
	return &batch{s: s}, nil
}

type batch struct {
	s   *Store
	ops []backend.Op
}

func (b *batch) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.ops = append(b.ops, backend.Op{Key: key, Value: bytes.Clone(value), TTL: ttl})
	return nil
}

func (b *batch) Delete(ctx context.Context, key string) error {
	b.ops = append(b.ops, backend.Op{Delete: true, Key: key})
	return nil
}

func (b *batch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	err := b.s.write(ctx, b.s.wal.NextTxID(), b.ops)
	b.ops = nil
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.wal.Close()
}

// recover rebuilds the index. Grouped entries are applied only when their
// commit marker is found.
func (s *Store) recover() error {
	now := time.Now().UnixNano()
	pending := make(map[uint64][]wal.Entry)
	offsets := make(map[uint64][]int64)

	apply := func(e wal.Entry, offset int64) {
		switch e.Type {
		case wal.EntryPut:
			if e.Expired(now) {
				delete(s.index, e.Key)
				return
			}
			s.index[e.Key] = slot{offset: offset, expiresAt: e.ExpiresAt}
		case wal.EntryDelete:
			delete(s.index, e.Key)
		}
	}

	return s.wal.Iterate(func(e wal.Entry, offset int64) error {
		if e.TxID == 0 {
			apply(e, offset)
			return nil
		}
		if e.Type == wal.EntryCommit {
			for i, pe := range pending[e.TxID] {
				apply(pe, offsets[e.TxID][i])
			}
			delete(pending, e.TxID)
			delete(offsets, e.TxID)
			return nil
		}
		e.Value = nil
		pending[e.TxID] = append(pending[e.TxID], e)
		offsets[e.TxID] = append(offsets[e.TxID], offset)
		return nil
	})
}

var _ backend.Backend = (*Store)(nil)
var _ backend.Batcher = (*Store)(nil)
var _ backend.Scanner = (*Store)(nil)
