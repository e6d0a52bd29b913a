// Package tx coordinates commit and rollback of cache operations spanning
// several backends.
//
// A Transaction wraps every backend it touches into a transactional proxy,
// once per backend identity, and finalizes all of them together. The active
// transaction travels in a context.Context: code running under a Scope picks
// it up through Current, and a Scope entered while one is already active
// joins the outer transaction instead of starting a new one.
//
//	err := mgr.Do(ctx, func(ctx context.Context) error {
//		return c.Set(ctx, "user:1", data, time.Minute)
//	}, tx.WithMode(tx.Serializable))
package tx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-txcache/pkg/txbackend"
)

// Mode selects how concurrent transactions on the same backend interact.
type Mode string

const (
	// Fast buffers writes without locking; concurrent commits may lose updates.
	Fast Mode = "fast"
	// Locked holds a lock on every touched key until finalization.
	Locked Mode = "locked"
	// Serializable holds one exclusive lock per touched backend.
	Serializable Mode = "serializable"
)

var (
	ErrUnknownMode     = fmt.Errorf("tx: unknown isolation mode")
	ErrTxDone          = fmt.Errorf("tx: transaction already finalized")
	ErrScopeNotEntered = fmt.Errorf("tx: scope exited without being entered")
	ErrScopeEntered    = fmt.Errorf("tx: scope already entered")
	ErrLockTimeout     = txbackend.ErrLockTimeout

	errPanic   = fmt.Errorf("tx: panic in transaction body")
	errAborted = fmt.Errorf("tx: transaction body did not return")
)

// ParseMode parses the textual form of a mode, case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := strategies[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}

func (m Mode) String() string {
	return string(m)
}

// proxyFactory builds the proxy of one backend for a transaction.
type proxyFactory func(b backend.Backend, t *Transaction) txbackend.Proxy

var strategies = map[Mode]proxyFactory{
	Fast: func(b backend.Backend, t *Transaction) txbackend.Proxy {
		return txbackend.NewBuffered(b)
	},
	Locked: func(b backend.Backend, t *Transaction) txbackend.Proxy {
		return txbackend.NewLocked(b, t.locks.For(b.ID()), t.timeout, false, txbackend.WithWaitObserver(t.observeWait))
	},
	Serializable: func(b backend.Backend, t *Transaction) txbackend.Proxy {
		return txbackend.NewLocked(b, t.locks.For(b.ID()), t.timeout, true, txbackend.WithWaitObserver(t.observeWait))
	},
}

// CommitHook is called after a backend's proxy committed, with the keys it
// wrote or deleted.
type CommitHook func(ctx context.Context, backendID string, keys []string)

// FinalizeError aggregates the failures of a commit or rollback. Every
// proxy is attempted before it is returned.
type FinalizeError struct {
	Op   string
	Errs []error
}

func (e *FinalizeError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("tx: %s failed on %d backend(s): %s", e.Op, len(e.Errs), strings.Join(msgs, "; "))
}

func (e *FinalizeError) Unwrap() []error {
	return e.Errs
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying t.
func NewContext(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the transaction carried by ctx, finalized or not.
func FromContext(ctx context.Context) (*Transaction, bool) {
	t, ok := ctx.Value(ctxKey{}).(*Transaction)
	return t, ok && t != nil
}

// Current returns the active transaction carried by ctx, or nil.
func Current(ctx context.Context) *Transaction {
	if t, ok := FromContext(ctx); ok && t.Active() {
		return t
	}
	return nil
}

func finalizeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, timeout)
}
