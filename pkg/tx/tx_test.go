package tx

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-txcache/pkg/backend/memory"
	"github.com/mirkobrombin/go-txcache/pkg/lock"
	"github.com/mirkobrombin/go-txcache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flaky is a non-batching backend whose writes fail once err is set.
type flaky struct {
	inner *memory.Backend
	err   error
}

func (f *flaky) ID() string { return f.inner.ID() }

func (f *flaky) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return f.inner.Get(ctx, key)
}

func (f *flaky) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	return f.inner.Set(ctx, key, value, ttl)
}

func (f *flaky) Delete(ctx context.Context, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.inner.Delete(ctx, key)
}

func (f *flaky) Exists(ctx context.Context, key string) (bool, error) {
	return f.inner.Exists(ctx, key)
}

func newManager(opts ...Option) (*Manager, *lock.Registry) {
	locks := lock.NewRegistry()
	return NewManager(append([]Option{WithLockRegistry(locks)}, opts...)...), locks
}

func wrap(t *testing.T, ctx context.Context, b backend.Backend) backend.Backend {
	t.Helper()
	cur := Current(ctx)
	require.NotNil(t, cur, "no active transaction in context")
	p, err := cur.Wrap(b)
	require.NoError(t, err)
	return p
}

func exists(t *testing.T, b backend.Backend, key string) bool {
	t.Helper()
	ok, err := b.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"fast": Fast, "LOCKED": Locked, " Serializable ": Serializable} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("eventual")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestManager_Defaults(t *testing.T) {
	m, _ := newManager()
	assert.Equal(t, Locked, m.Mode())
	assert.Equal(t, 10*time.Second, m.Timeout())

	require.NoError(t, m.SetMode(Fast))
	m.SetTimeout(time.Second)
	assert.Equal(t, Fast, m.Mode())
	assert.Equal(t, time.Second, m.Timeout())
	assert.ErrorIs(t, m.SetMode("eventual"), ErrUnknownMode)

	s := m.Scope(WithMode(Serializable), WithTimeout(time.Minute))
	_, tr, err := s.Enter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Serializable, tr.Mode())
	assert.Equal(t, time.Minute, tr.Timeout())
	require.NoError(t, s.Exit(nil))
}

func TestScope_UnknownMode(t *testing.T) {
	m, _ := newManager()
	_, _, err := m.Scope(WithMode("eventual")).Enter(context.Background())
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestScope_FastWritesVisibleOnlyAfterExit(t *testing.T) {
	m, _ := newManager(WithDefaultMode(Fast))
	b := memory.New()

	err := m.Do(context.Background(), func(ctx context.Context) error {
		p := wrap(t, ctx, b)
		require.NoError(t, p.Set(ctx, "a", []byte("1"), 0))

		val, ok, err := p.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "1", string(val))

		assert.False(t, exists(t, b, "a"), "buffered write visible outside the transaction")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, exists(t, b, "a"))
}

func TestTransaction_WrapIdentity(t *testing.T) {
	m, _ := newManager()
	a, b := memory.New(memory.WithID("a")), memory.New(memory.WithID("b"))

	tr, err := m.Begin()
	require.NoError(t, err)

	pa1, err := tr.Wrap(a)
	require.NoError(t, err)
	pa2, err := tr.Wrap(a)
	require.NoError(t, err)
	pb, err := tr.Wrap(b)
	require.NoError(t, err)

	assert.Same(t, pa1, pa2)
	assert.NotSame(t, pa1, pb)
	assert.Equal(t, 2, tr.Backends())
	require.NoError(t, tr.Commit(context.Background()))
}

func TestScope_NestedFinalizesOnce(t *testing.T) {
	finalized := 0
	m, _ := newManager(WithCommitHook(func(context.Context, string, []string) {
		finalized++
	}))
	b := memory.New()

	err := m.Do(context.Background(), func(ctx context.Context) error {
		outer := Current(ctx)
		err := m.Do(ctx, func(ctx context.Context) error {
			assert.Same(t, outer, Current(ctx))
			return wrap(t, ctx, b).Set(ctx, "a", []byte("1"), 0)
		}, WithMode(Serializable))
		require.NoError(t, err)

		assert.True(t, outer.Active(), "nested exit finalized the outer transaction")
		assert.False(t, exists(t, b, "a"))
		assert.Equal(t, 0, finalized)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, exists(t, b, "a"))
	assert.Equal(t, 1, finalized)
}

func TestScope_NestedGuard(t *testing.T) {
	m, _ := newManager()
	ctx, outer, err := m.Scope().Enter(context.Background())
	require.NoError(t, err)

	s := m.Scope()
	nctx, joined, err := s.Enter(ctx)
	require.NoError(t, err)
	assert.True(t, s.Nested())
	assert.Nil(t, s.Transaction())
	assert.Same(t, outer, joined)
	assert.Equal(t, ctx, nctx)

	bodyErr := errors.New("inner")
	assert.Same(t, bodyErr, s.Exit(bodyErr))
	assert.False(t, s.Nested())
	assert.True(t, outer.Active())
	require.NoError(t, outer.Rollback(context.Background()))
}

func TestScope_RollbackOnError(t *testing.T) {
	m, _ := newManager()
	a, b := memory.New(), memory.New()
	boom := errors.New("boom")

	err := m.Do(context.Background(), func(ctx context.Context) error {
		require.NoError(t, wrap(t, ctx, a).Set(ctx, "x", []byte("1"), 0))
		require.NoError(t, wrap(t, ctx, b).Set(ctx, "y", []byte("2"), 0))
		return boom
	})
	assert.Same(t, boom, err)
	assert.False(t, exists(t, a, "x"))
	assert.False(t, exists(t, b, "y"))
}

func TestTransaction_FinalizeErrorAttemptsAll(t *testing.T) {
	m, _ := newManager(WithDefaultMode(Fast))
	failing := &flaky{inner: memory.New(memory.WithID("failing")), err: errors.New("disk full")}
	good := memory.New(memory.WithID("good"))

	err := m.Do(context.Background(), func(ctx context.Context) error {
		require.NoError(t, wrap(t, ctx, failing).Set(ctx, "x", []byte("1"), 0))
		return wrap(t, ctx, good).Set(ctx, "y", []byte("2"), 0)
	})

	var fe *FinalizeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "commit", fe.Op)
	assert.Len(t, fe.Errs, 1)
	assert.ErrorIs(t, err, failing.err)
	assert.True(t, exists(t, good, "y"), "later backend skipped after an earlier failure")
}

func TestTransaction_Misuse(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()

	assert.ErrorIs(t, m.Scope().Exit(nil), ErrScopeNotEntered)

	s := m.Scope()
	_, _, err := s.Enter(ctx)
	require.NoError(t, err)
	_, _, err = s.Enter(ctx)
	assert.ErrorIs(t, err, ErrScopeEntered)
	tr := s.Transaction()
	require.NoError(t, s.Exit(nil))
	assert.ErrorIs(t, s.Exit(nil), ErrScopeNotEntered)

	assert.False(t, tr.Active())
	_, err = tr.Wrap(memory.New())
	assert.ErrorIs(t, err, ErrTxDone)
	assert.ErrorIs(t, tr.Commit(ctx), ErrTxDone)
	assert.ErrorIs(t, tr.Rollback(ctx), ErrTxDone)
}

func TestScope_ExplicitFinalizeInsideBody(t *testing.T) {
	m, _ := newManager()
	b := memory.New()

	err := m.Do(context.Background(), func(ctx context.Context) error {
		require.NoError(t, wrap(t, ctx, b).Set(ctx, "a", []byte("1"), 0))
		require.NoError(t, Current(ctx).Rollback(ctx))
		assert.Nil(t, Current(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, exists(t, b, "a"))
}

func TestLocked_SerializesSharedKey(t *testing.T) {
	m, _ := newManager(WithDefaultMode(Locked))
	b := memory.New()
	require.NoError(t, b.Set(context.Background(), "counter", []byte("0"), 0))

	const workers, rounds = 8, 25
	incr := m.Transactional(func(ctx context.Context) error {
		p := wrap(t, ctx, b)
		val, _, err := p.Get(ctx, "counter")
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(string(val))
		if err != nil {
			return err
		}
		return p.Set(ctx, "counter", []byte(strconv.Itoa(n+1)), 0)
	})

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				assert.NoError(t, incr(context.Background()))
			}
		}()
	}
	wg.Wait()

	val, _, err := b.Get(context.Background(), "counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*rounds), string(val))
}

func TestLocked_DisjointKeysDoNotBlock(t *testing.T) {
	m, _ := newManager(WithDefaultTimeout(100 * time.Millisecond))
	b := memory.New()
	ctx := context.Background()

	holder, err := m.Begin()
	require.NoError(t, err)
	p, err := holder.Wrap(b)
	require.NoError(t, err)
	require.NoError(t, p.Set(ctx, "a", []byte("1"), 0))

	err = m.Do(ctx, func(ctx context.Context) error {
		return wrap(t, ctx, b).Set(ctx, "b", []byte("2"), 0)
	})
	require.NoError(t, err)
	require.NoError(t, holder.Commit(ctx))
	assert.True(t, exists(t, b, "a"))
	assert.True(t, exists(t, b, "b"))
}

func TestLocked_TimeoutRollsBack(t *testing.T) {
	m, locks := newManager(WithDefaultMode(Locked), WithDefaultTimeout(time.Second))
	b := memory.New()
	ctx := context.Background()

	holder, err := m.Begin()
	require.NoError(t, err)
	p, err := holder.Wrap(b)
	require.NoError(t, err)
	require.NoError(t, p.Set(ctx, "k", []byte("held"), 0))

	start := time.Now()
	err = m.Do(ctx, func(ctx context.Context) error {
		bp := wrap(t, ctx, b)
		require.NoError(t, bp.Set(ctx, "other", []byte("1"), 0))
		// Swallowing the error must not let the transaction commit.
		_ = bp.Set(ctx, "k", []byte("2"), 0)
		return nil
	})

	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.False(t, exists(t, b, "other"), "write applied by a timed out transaction")

	require.NoError(t, holder.Commit(ctx))
	val, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "held", string(val))
	assert.Equal(t, 0, locks.For(b.ID()).Held())
}

func TestSerializable_ExcludesBackend(t *testing.T) {
	m, _ := newManager(WithDefaultTimeout(100 * time.Millisecond))
	b := memory.New()
	ctx := context.Background()

	holder, err := m.Begin(WithMode(Serializable))
	require.NoError(t, err)
	p, err := holder.Wrap(b)
	require.NoError(t, err)
	require.NoError(t, p.Set(ctx, "a", []byte("1"), 0))

	for _, mode := range []Mode{Locked, Serializable} {
		err = m.Do(ctx, func(ctx context.Context) error {
			return wrap(t, ctx, b).Set(ctx, "unrelated", []byte("2"), 0)
		}, WithMode(mode))
		assert.ErrorIs(t, err, ErrLockTimeout, "mode %s", mode)
	}

	require.NoError(t, holder.Commit(ctx))
	err = m.Do(ctx, func(ctx context.Context) error {
		return wrap(t, ctx, b).Set(ctx, "unrelated", []byte("2"), 0)
	}, WithMode(Serializable))
	require.NoError(t, err)
}

func TestScope_CancellationRollsBackAndReleases(t *testing.T) {
	m, locks := newManager()
	b := memory.New()
	ctx, cancel := context.WithCancel(context.Background())

	err := m.Do(ctx, func(ctx context.Context) error {
		require.NoError(t, wrap(t, ctx, b).Set(ctx, "a", []byte("1"), 0))
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, exists(t, b, "a"))
	assert.Equal(t, 0, locks.For(b.ID()).Held())
}

func TestScope_PanicRollsBack(t *testing.T) {
	m, locks := newManager()
	b := memory.New()

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = m.Do(context.Background(), func(ctx context.Context) error {
			require.NoError(t, wrap(t, ctx, b).Set(ctx, "a", []byte("1"), 0))
			panic("kaboom")
		})
	})
	assert.False(t, exists(t, b, "a"))
	assert.Equal(t, 0, locks.For(b.ID()).Held())
}

func TestScope_GoexitRollsBack(t *testing.T) {
	m, locks := newManager(WithDefaultTimeout(100 * time.Millisecond))
	b := memory.New()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Do(context.Background(), func(ctx context.Context) error {
			p, err := Current(ctx).Wrap(b)
			if err != nil {
				return err
			}
			if err := p.Set(ctx, "a", []byte("1"), 0); err != nil {
				return err
			}
			runtime.Goexit()
			return nil
		})
	}()
	<-done

	assert.Equal(t, 0, locks.For(b.ID()).Held())
	assert.False(t, exists(t, b, "a"))

	err := m.Do(context.Background(), func(ctx context.Context) error {
		return wrap(t, ctx, b).Set(ctx, "a", []byte("2"), 0)
	})
	require.NoError(t, err, "key still locked by the aborted transaction")
}

func TestCommitHook_ReceivesKeys(t *testing.T) {
	type call struct {
		id   string
		keys []string
	}
	var calls []call
	m, _ := newManager(WithCommitHook(func(_ context.Context, id string, keys []string) {
		calls = append(calls, call{id, keys})
	}))
	a, b := memory.New(memory.WithID("a")), memory.New(memory.WithID("b"))

	err := m.Do(context.Background(), func(ctx context.Context) error {
		require.NoError(t, wrap(t, ctx, b).Set(ctx, "y", []byte("1"), 0))
		pa := wrap(t, ctx, a)
		require.NoError(t, pa.Set(ctx, "x1", []byte("1"), 0))
		_, err := pa.Delete(ctx, "x2")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []call{{"b", []string{"y"}}, {"a", []string{"x1", "x2"}}}, calls)

	calls = nil
	_ = m.Do(context.Background(), func(ctx context.Context) error {
		_ = wrap(t, ctx, a).Set(ctx, "z", []byte("1"), 0)
		return errors.New("abort")
	})
	assert.Empty(t, calls)
}

func TestRun_ReturnsValue(t *testing.T) {
	m, _ := newManager()
	b := memory.New()

	load := Wrap(m, func(ctx context.Context) (string, error) {
		p := wrap(t, ctx, b)
		if err := p.Set(ctx, "a", []byte("v"), 0); err != nil {
			return "", err
		}
		val, _, err := p.Get(ctx, "a")
		return string(val), err
	})

	got, err := load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.True(t, exists(t, b, "a"))
}

func TestFinalizeError_Message(t *testing.T) {
	err := &FinalizeError{Op: "rollback", Errs: []error{fmt.Errorf("backend a: %w", ErrLockTimeout), errors.New("backend b: io")}}
	assert.Equal(t, `tx: rollback failed on 2 backend(s): backend a: txbackend: lock timeout; backend b: io`, err.Error())
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestManager_RecordsMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	m, _ := newManager(WithMetrics(reg), WithDefaultTimeout(50*time.Millisecond))
	b := memory.New()
	ctx := context.Background()

	require.NoError(t, m.Do(ctx, func(ctx context.Context) error {
		return wrap(t, ctx, b).Set(ctx, "a", []byte("1"), 0)
	}))

	holder, err := m.Begin()
	require.NoError(t, err)
	p, err := holder.Wrap(b)
	require.NoError(t, err)
	require.NoError(t, p.Set(ctx, "a", []byte("2"), 0))
	err = m.Do(ctx, func(ctx context.Context) error {
		return wrap(t, ctx, b).Set(ctx, "a", []byte("3"), 0)
	})
	require.ErrorIs(t, err, ErrLockTimeout)
	require.NoError(t, holder.Rollback(ctx))

	mode := string(Locked)
	assert.Equal(t, 3.0, testutil.ToFloat64(reg.TransactionsStarted.WithLabelValues(mode)))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.TransactionsFinished.WithLabelValues(mode, metrics.OutcomeCommitted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.TransactionsFinished.WithLabelValues(mode, metrics.OutcomeRolledBack)))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.LockTimeouts.WithLabelValues(mode)))
}
