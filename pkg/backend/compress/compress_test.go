package compress

import (
	"context"
	"strings"
	"testing"

	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-txcache/pkg/backend/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := memory.New(memory.WithID("inner"))
	b := Wrap(inner, WithThreshold(16))
	assert.Equal(t, "inner", b.ID())

	small := []byte("tiny")
	large := []byte(strings.Repeat("compressible ", 100))

	require.NoError(t, b.Set(ctx, "small", small, 0))
	require.NoError(t, b.Set(ctx, "large", large, 0))

	raw, _, err := inner.Get(ctx, "large")
	require.NoError(t, err)
	assert.Equal(t, flagZstd, raw[0])
	assert.Less(t, len(raw), len(large))

	raw, _, err = inner.Get(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, flagRaw, raw[0])

	val, ok, err := b.Get(ctx, "large")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, large, val)

	val, _, err = b.Get(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, small, val)
}

func TestBackend_Batch(t *testing.T) {
	ctx := context.Background()
	b := Wrap(memory.New())

	require.NoError(t, backend.Apply(ctx, b, []backend.Op{{Key: "a", Value: []byte("1")}}))
	val, ok, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(val))
}

func TestBackend_BadFrame(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	require.NoError(t, inner.Set(ctx, "k", []byte{9, 1, 2}, 0))

	_, _, err := Wrap(inner).Get(ctx, "k")
	assert.ErrorIs(t, err, ErrBadFrame)
}
