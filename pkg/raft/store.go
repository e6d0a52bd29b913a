package raft

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"

	"github.com/hashicorp/raft"
	"github.com/mirkobrombin/go-txcache/pkg/backend/logstore"
)

const (
	keyFirstIndex = "meta:first_index"
	keyLastIndex  = "meta:last_index"
)

// Store implements raft.LogStore and raft.StableStore on a logstore.
type Store struct {
	db *logstore.Store
}

// NewStore opens the Raft store in dir.
func NewStore(dir string) (*Store, error) {
	// Raft logs are truncated often, so keep segments small.
	db, err := logstore.Open(dir, logstore.WithID("raft-store:"+dir), logstore.WithMaxSegmentSize(10*1024*1024))
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Set(key []byte, val []byte) error {
	return s.db.Set(context.Background(), "meta:"+string(key), val, 0)
}

// Get returns nil for a missing key.
func (s *Store) Get(key []byte) ([]byte, error) {
	val, _, err := s.db.Get(context.Background(), "meta:"+string(key))
	return val, err
}

func (s *Store) SetUint64(key []byte, val uint64) error {
	return s.Set(key, uint64Bytes(val))
}

func (s *Store) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if err != nil || len(val) == 0 {
		return 0, err
	}
	return binary.BigEndian.Uint64(val), nil
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func logKey(index uint64) string {
	return "log:" + string(uint64Bytes(index))
}

func (s *Store) index(key string) (uint64, error) {
	val, _, err := s.db.Get(context.Background(), key)
	if err != nil || len(val) == 0 {
		return 0, err
	}
	return binary.BigEndian.Uint64(val), nil
}

func (s *Store) FirstIndex() (uint64, error) {
	return s.index(keyFirstIndex)
}

func (s *Store) LastIndex() (uint64, error) {
	return s.index(keyLastIndex)
}

func (s *Store) GetLog(index uint64, log *raft.Log) error {
	val, ok, err := s.db.Get(context.Background(), logKey(index))
	if err != nil {
		return err
	}
	if !ok {
		return raft.ErrLogNotFound
	}
	return gob.NewDecoder(bytes.NewReader(val)).Decode(log)
}

func (s *Store) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs writes logs and the new index bounds in one atomic batch.
func (s *Store) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}
	ctx := context.Background()

	first, err := s.FirstIndex()
	if err != nil {
		return err
	}
	last, err := s.LastIndex()
	if err != nil {
		return err
	}
	if first == 0 {
		first = logs[0].Index
	}

	b, err := s.db.Batch(ctx)
	if err != nil {
		return err
	}
	for _, l := range logs {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(l); err != nil {
			return err
		}
		if err := b.Set(ctx, logKey(l.Index), buf.Bytes(), 0); err != nil {
			return err
		}
		last = max(last, l.Index)
		first = min(first, l.Index)
	}

	if err := b.Set(ctx, keyFirstIndex, uint64Bytes(first), 0); err != nil {
		return err
	}
	if err := b.Set(ctx, keyLastIndex, uint64Bytes(last), 0); err != nil {
		return err
	}
	return b.Commit(ctx)
}

func (s *Store) DeleteRange(lo, hi uint64) error {
	ctx := context.Background()

	first, err := s.FirstIndex()
	if err != nil {
		return err
	}
	last, err := s.LastIndex()
	if err != nil {
		return err
	}

	b, err := s.db.Batch(ctx)
	if err != nil {
		return err
	}
	for i := lo; i <= hi; i++ {
		if err := b.Delete(ctx, logKey(i)); err != nil {
			return err
		}
	}

	switch {
	case lo <= first && hi >= last:
		err = b.Set(ctx, keyFirstIndex, uint64Bytes(0), 0)
		if err == nil {
			err = b.Set(ctx, keyLastIndex, uint64Bytes(0), 0)
		}
	case lo <= first:
		err = b.Set(ctx, keyFirstIndex, uint64Bytes(hi+1), 0)
	case hi >= last:
		err = b.Set(ctx, keyLastIndex, uint64Bytes(lo-1), 0)
	}
	if err != nil {
		return err
	}
	return b.Commit(ctx)
}

var (
	_ raft.LogStore    = (*Store)(nil)
	_ raft.StableStore = (*Store)(nil)
)
