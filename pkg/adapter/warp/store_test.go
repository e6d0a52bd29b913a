package warp

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/mirkobrombin/go-txcache/pkg/backend/bolt"
	"github.com/mirkobrombin/go-txcache/pkg/backend/memory"
	"github.com/mirkobrombin/go-txcache/pkg/lock"
	"github.com/mirkobrombin/go-txcache/pkg/tx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codec() (func(string) ([]byte, error), func([]byte) (string, error)) {
	return func(s string) ([]byte, error) { return []byte(s), nil },
		func(b []byte) (string, error) { return string(b), nil }
}

func newStore(t *testing.T) (*Store[string], *bolt.Backend, *tx.Manager) {
	t.Helper()
	b, err := bolt.Open(t.TempDir() + "/store.db")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	txm := tx.NewManager(tx.WithLockRegistry(lock.NewRegistry()), tx.WithDefaultTimeout(100*time.Millisecond))
	enc, dec := codec()
	return NewStore(b, txm, enc, dec), b, txm
}

func TestStore_GetSetKeys(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "b", "2"))

	val, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", val)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestStore_BatchIsTransactional(t *testing.T) {
	s, b, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "gone", "x"))

	batch, err := s.Batch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.Set(ctx, "a", "1"))
	require.NoError(t, batch.Delete(ctx, "gone"))

	ok, err := b.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, batch.Commit(ctx))
	val, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", val)
	ok, err = b.Exists(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_BatchLocksAgainstTransactions(t *testing.T) {
	s, _, txm := newStore(t)
	ctx := context.Background()

	batch, err := s.Batch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.Set(ctx, "a", "1"))

	err = txm.Do(ctx, func(ctx context.Context) error {
		return s.Set(ctx, "a", "2")
	})
	assert.ErrorIs(t, err, tx.ErrLockTimeout)

	require.NoError(t, batch.(*Batch[string]).Rollback(ctx))
	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_KeysNeedsScanner(t *testing.T) {
	enc, dec := codec()
	s := NewStore(memory.New(), tx.NewManager(), enc, dec)
	_, err := s.Keys(context.Background())
	assert.ErrorIs(t, err, ErrNotScannable)
}
