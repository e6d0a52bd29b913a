package txbackend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-txcache/pkg/lock"
)

// LockedOption configures a Locked proxy.
type LockedOption = options.Option[Locked]

// WithWaitObserver registers fn to be told how long each lock wait took and
// how it ended.
func WithWaitObserver(fn func(wait time.Duration, err error)) LockedOption {
	return func(l *Locked) {
		l.observe = fn
	}
}

// Locked is a buffering proxy that serializes against other transactions.
// In key mode it holds the lock of every key it touches; in whole mode it
// holds the backend lock exclusively. Locks are kept until Commit or
// Rollback, whatever their outcome.
type Locked struct {
	*Buffered
	table   *lock.Table
	timeout time.Duration
	whole   bool
	observe func(time.Duration, error)

	backendLock lock.Release
	keyLocks    map[string]lock.Release
	failed      error
}

// NewLocked returns a locking proxy for target using locks from table.
// Each lock wait is bounded by timeout; zero waits for as long as ctx allows.
func NewLocked(target backend.Backend, table *lock.Table, timeout time.Duration, whole bool, opts ...LockedOption) *Locked {
	l := &Locked{
		Buffered: NewBuffered(target),
		table:    table,
		timeout:  timeout,
		whole:    whole,
		keyLocks: make(map[string]lock.Release),
	}
	options.Apply(l, opts...)
	return l
}

func (l *Locked) acquire(ctx context.Context, key string) error {
	if l.done {
		return ErrFinalized
	}
	if l.failed != nil {
		return l.failed
	}
	if l.backendLock != nil && (l.whole || l.keyLocks[key] != nil) {
		return nil
	}

	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	err := l.lock(waitCtx, key)
	if err != nil {
		err = l.waitError(ctx, key, err)
		l.failed = err
	}
	if l.observe != nil {
		l.observe(time.Since(start), err)
	}
	return err
}

func (l *Locked) lock(ctx context.Context, key string) error {
	if l.backendLock == nil {
		var (
			r   lock.Release
			err error
		)
		if l.whole {
			r, err = l.table.Exclusive(ctx)
		} else {
			r, err = l.table.Shared(ctx)
		}
		if err != nil {
			return err
		}
		l.backendLock = r
	}
	if l.whole {
		return nil
	}

	r, err := l.table.Key(ctx, key)
	if err != nil {
		return err
	}
	l.keyLocks[key] = r
	return nil
}

// waitError reports cancellation of the caller as is and any other expired
// wait as a lock timeout.
func (l *Locked) waitError(ctx context.Context, key string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if l.whole {
			return fmt.Errorf("%w: backend %s after %s", ErrLockTimeout, l.ID(), l.timeout)
		}
		return fmt.Errorf("%w: backend %s key %q after %s", ErrLockTimeout, l.ID(), key, l.timeout)
	}
	return err
}

func (l *Locked) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := l.acquire(ctx, key); err != nil {
		return nil, false, err
	}
	return l.Buffered.Get(ctx, key)
}

func (l *Locked) Exists(ctx context.Context, key string) (bool, error) {
	if err := l.acquire(ctx, key); err != nil {
		return false, err
	}
	return l.Buffered.Exists(ctx, key)
}

func (l *Locked) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := l.acquire(ctx, key); err != nil {
		return err
	}
	return l.Buffered.Set(ctx, key, value, ttl)
}

func (l *Locked) Delete(ctx context.Context, key string) (bool, error) {
	if err := l.acquire(ctx, key); err != nil {
		return false, err
	}
	return l.Buffered.Delete(ctx, key)
}

// Err returns the lock failure that poisoned the proxy, if any.
func (l *Locked) Err() error {
	return l.failed
}

// Commit applies buffered writes unless a lock wait failed, in which case
// nothing is applied and the failure is returned.
func (l *Locked) Commit(ctx context.Context) error {
	defer l.release()
	if l.failed != nil {
		if err := l.Buffered.Rollback(ctx); err != nil {
			return err
		}
		return l.failed
	}
	return l.Buffered.Commit(ctx)
}

func (l *Locked) Rollback(ctx context.Context) error {
	defer l.release()
	return l.Buffered.Rollback(ctx)
}

// Locks returns the number of key locks currently held.
func (l *Locked) Locks() int {
	return len(l.keyLocks)
}

func (l *Locked) release() {
	for key, r := range l.keyLocks {
		r()
		delete(l.keyLocks, key)
	}
	if l.backendLock != nil {
		l.backendLock()
		l.backendLock = nil
	}
}

var _ Proxy = (*Locked)(nil)
