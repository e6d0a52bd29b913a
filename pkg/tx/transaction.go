package tx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-txcache/pkg/lock"
	"github.com/mirkobrombin/go-txcache/pkg/metrics"
	"github.com/mirkobrombin/go-txcache/pkg/txbackend"
)

type state int

const (
	stateActive state = iota
	stateCommitted
	stateRolledBack
)

// Transaction owns one proxy per touched backend. It must only be used by
// the call chain that created it; it is not safe for concurrent use.
type Transaction struct {
	id      string
	mode    Mode
	timeout time.Duration
	build   proxyFactory
	locks   *lock.Registry
	logger  *slog.Logger
	metrics *metrics.Registry
	hooks   []CommitHook

	proxies map[string]txbackend.Proxy
	order   []string
	state   state
	failure error
	started time.Time
}

func newTransaction(m *Manager, mode Mode, timeout time.Duration) (*Transaction, error) {
	build, ok := strategies[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	t := &Transaction{
		id:      uuid.NewString(),
		mode:    mode,
		timeout: timeout,
		build:   build,
		locks:   m.locks,
		logger:  m.logger,
		metrics: m.metrics,
		hooks:   m.hooks,
		proxies: make(map[string]txbackend.Proxy),
		started: time.Now(),
	}
	t.metrics.RecordStart(string(mode))
	t.logger.Debug("txcache: transaction started", "tx", t.id, "mode", mode, "timeout", timeout)
	return t, nil
}

func (t *Transaction) ID() string {
	return t.id
}

func (t *Transaction) Mode() Mode {
	return t.mode
}

func (t *Transaction) Timeout() time.Duration {
	return t.timeout
}

// Active reports whether the transaction has not been finalized yet.
func (t *Transaction) Active() bool {
	return t.state == stateActive
}

// Backends returns the number of backends touched so far.
func (t *Transaction) Backends() int {
	return len(t.order)
}

// Wrap returns the proxy of b for this transaction, creating it on first use.
func (t *Transaction) Wrap(b backend.Backend) (backend.Backend, error) {
	if !t.Active() {
		return nil, ErrTxDone
	}

	id := b.ID()
	if p, ok := t.proxies[id]; ok {
		return p, nil
	}

	p := t.build(b, t)
	t.proxies[id] = p
	t.order = append(t.order, id)
	return p, nil
}

// Fail marks the transaction as failed: it will roll back at scope exit and
// refuse to commit. The first failure is kept.
func (t *Transaction) Fail(err error) {
	if err != nil && t.failure == nil {
		t.failure = err
	}
}

// Err returns the failure recorded by Fail, if any.
func (t *Transaction) Err() error {
	return t.failure
}

func (t *Transaction) observeWait(wait time.Duration, err error) {
	t.metrics.RecordLockWait(string(t.mode), wait, errors.Is(err, txbackend.ErrLockTimeout))
	if err != nil {
		t.logger.Info("txcache: lock wait failed", "tx", t.id, "wait", wait, "err", err)
		t.Fail(err)
	}
}

// Commit applies every proxy in first-touch order. A failed transaction is
// rolled back instead and its failure returned.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.Active() && t.failure != nil {
		if err := t.finalize(ctx, false); err != nil {
			return errors.Join(t.failure, err)
		}
		return t.failure
	}
	return t.finalize(ctx, true)
}

// Rollback discards every proxy in first-touch order.
func (t *Transaction) Rollback(ctx context.Context) error {
	return t.finalize(ctx, false)
}

func (t *Transaction) finalize(ctx context.Context, commit bool) error {
	if !t.Active() {
		return ErrTxDone
	}

	op, outcome := "rollback", metrics.OutcomeRolledBack
	t.state = stateRolledBack
	if commit {
		op, outcome = "commit", metrics.OutcomeCommitted
		t.state = stateCommitted
	}

	var errs []error
	for _, id := range t.order {
		p := t.proxies[id]
		keys := p.Pending()

		var err error
		if commit {
			err = p.Commit(ctx)
		} else {
			err = p.Rollback(ctx)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", id, err))
			continue
		}
		if commit {
			for _, hook := range t.hooks {
				hook(ctx, id, keys)
			}
		}
	}

	backends := len(t.order)
	t.proxies = nil

	if len(errs) > 0 {
		outcome = metrics.OutcomeFailed
	}
	t.metrics.RecordFinish(string(t.mode), outcome, backends, time.Since(t.started))

	if len(errs) > 0 {
		t.logger.Error("txcache: finalize failed", "tx", t.id, "op", op, "failed", len(errs), "backends", backends)
		return &FinalizeError{Op: op, Errs: errs}
	}

	if commit {
		t.logger.Debug("txcache: transaction committed", "tx", t.id, "backends", backends)
	} else {
		t.logger.Info("txcache: transaction rolled back", "tx", t.id, "backends", backends)
	}
	return nil
}
