package tx

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
)

// ScopeOption overrides the manager defaults for one scope.
type ScopeOption = options.Option[Scope]

// WithMode sets the isolation mode of the transaction started by the scope.
func WithMode(mode Mode) ScopeOption {
	return func(s *Scope) {
		s.mode = mode
	}
}

// WithTimeout sets the lock wait bound of the transaction started by the scope.
func WithTimeout(timeout time.Duration) ScopeOption {
	return func(s *Scope) {
		s.timeout = timeout
	}
}

// Scope is an enter/exit guard around a transaction. The outermost scope
// owns the transaction it creates; a scope entered while a transaction is
// active only joins it. A Scope holds per-use state: allocate one per use
// and never share it between goroutines.
type Scope struct {
	m       *Manager
	mode    Mode
	timeout time.Duration

	entered bool
	nested  bool
	tx      *Transaction
	ctx     context.Context
}

// Enter starts or joins a transaction and returns the context to run the
// guarded body with.
func (s *Scope) Enter(ctx context.Context) (context.Context, *Transaction, error) {
	if s.entered {
		return nil, nil, ErrScopeEntered
	}

	if current := Current(ctx); current != nil {
		s.entered, s.nested = true, true
		return ctx, current, nil
	}

	t, err := newTransaction(s.m, s.mode, s.timeout)
	if err != nil {
		return nil, nil, err
	}
	s.entered = true
	s.tx = t
	s.ctx = NewContext(ctx, t)
	return s.ctx, t, nil
}

// Exit ends the scope with the outcome of the guarded body.
//
// A nested scope returns bodyErr and finalizes nothing. The owning scope
// commits when bodyErr is nil, no failure was recorded and the context was
// not cancelled; otherwise it rolls back and returns the cause unchanged.
// Finalization is detached from the caller's cancellation so locks are
// always released.
func (s *Scope) Exit(bodyErr error) error {
	if !s.entered {
		return ErrScopeNotEntered
	}
	s.entered = false

	if s.nested {
		s.nested = false
		return bodyErr
	}

	t, ctx := s.tx, s.ctx
	s.tx, s.ctx = nil, nil

	if !t.Active() {
		return bodyErr
	}

	cause := bodyErr
	if cause == nil {
		cause = t.Err()
	}
	if cause == nil {
		cause = ctx.Err()
	}

	fctx, cancel := finalizeContext(ctx, t.timeout)
	defer cancel()

	if cause == nil {
		return t.Commit(fctx)
	}
	if err := t.Rollback(fctx); err != nil {
		s.m.logger.Error("txcache: rollback after failure did not complete", "tx", t.id, "cause", cause, "err", err)
	}
	return cause
}

// Nested reports whether the entered scope joined an outer transaction.
func (s *Scope) Nested() bool {
	return s.nested
}

// Transaction returns the transaction owned by the scope, nil when the scope
// is nested or not entered.
func (s *Scope) Transaction() *Transaction {
	return s.tx
}
