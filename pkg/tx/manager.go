package tx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/lock"
	"github.com/mirkobrombin/go-txcache/pkg/metrics"
)

const (
	DefaultMode    = Locked
	DefaultTimeout = 10 * time.Second
)

// Option configures a Manager.
type Option = options.Option[Manager]

// WithDefaultMode sets the mode used by scopes that do not pick one.
func WithDefaultMode(mode Mode) Option {
	return func(m *Manager) {
		m.mode = mode
	}
}

// WithDefaultTimeout sets the lock wait bound used by scopes that do not pick one.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.timeout = timeout
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(r *metrics.Registry) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithLockRegistry isolates the manager's locks from lock.Default.
func WithLockRegistry(r *lock.Registry) Option {
	return func(m *Manager) {
		m.locks = r
	}
}

// WithCommitHook registers a hook run after each committed backend.
func WithCommitHook(hook CommitHook) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, hook)
	}
}

// Manager holds the process-wide transaction defaults and creates scopes.
type Manager struct {
	mu      sync.RWMutex
	mode    Mode
	timeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Registry
	locks   *lock.Registry
	hooks   []CommitHook
}

// NewManager creates a Manager defaulting to Locked mode and a 10s timeout.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		mode:    DefaultMode,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		locks:   lock.Default,
	}
	options.Apply(m, opts...)
	return m
}

// SetMode changes the default mode for scopes created afterwards.
func (m *Manager) SetMode(mode Mode) error {
	if _, ok := strategies[mode]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

// SetTimeout changes the default timeout for scopes created afterwards.
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
}

func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

func (m *Manager) Timeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timeout
}

// Scope returns a fresh guard using the manager defaults unless overridden.
func (m *Manager) Scope(opts ...ScopeOption) *Scope {
	m.mu.RLock()
	s := &Scope{m: m, mode: m.mode, timeout: m.timeout}
	m.mu.RUnlock()
	options.Apply(s, opts...)
	return s
}

// Begin starts a transaction that is not published in any context. The
// caller owns it and must Commit or Rollback it; publish it with NewContext
// to route cache calls through it.
func (m *Manager) Begin(opts ...ScopeOption) (*Transaction, error) {
	s := m.Scope(opts...)
	return newTransaction(m, s.mode, s.timeout)
}

// Do runs fn inside a scope. A panic in fn rolls the transaction back and
// is re-raised.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context) error, opts ...ScopeOption) error {
	_, err := Run(ctx, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// Transactional returns fn wrapped so that each call runs in its own scope.
func (m *Manager) Transactional(fn func(ctx context.Context) error, opts ...ScopeOption) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return m.Do(ctx, fn, opts...)
	}
}

// Run runs fn inside a fresh scope and returns its result.
func Run[T any](ctx context.Context, m *Manager, fn func(ctx context.Context) (T, error), opts ...ScopeOption) (res T, err error) {
	s := m.Scope(opts...)
	tctx, _, err := s.Enter(ctx)
	if err != nil {
		return res, err
	}

	// fn may leave through a panic or runtime.Goexit; the scope is exited
	// either way.
	finished := false
	defer func() {
		if finished {
			return
		}
		r := recover()
		if r == nil {
			_ = s.Exit(errAborted)
			return
		}
		_ = s.Exit(fmt.Errorf("%w: %v", errPanic, r))
		panic(r)
	}()

	res, err = fn(tctx)
	finished = true
	return res, s.Exit(err)
}

// Wrap returns fn wrapped so that each call runs in its own scope.
func Wrap[T any](m *Manager, fn func(ctx context.Context) (T, error), opts ...ScopeOption) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Run(ctx, m, fn, opts...)
	}
}
