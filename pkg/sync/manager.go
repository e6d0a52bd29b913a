// Package sync propagates committed keys to other nodes over a go-warp
// bus so that their local copies can be invalidated, and gossips a Merkle
// digest of local state to detect replicas that drifted apart.
package sync

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-txcache/pkg/merkle"
	"github.com/mirkobrombin/go-txcache/pkg/tx"
	"github.com/mirkobrombin/go-warp/v1/syncbus"
)

const (
	DefaultPrefix    = "txcache:key:"
	RootPrefix       = "txcache:root:"
	DefaultQueueSize = 1024
)

// Publisher sends a key to the mesh.
type Publisher interface {
	Publish(ctx context.Context, key string) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, key string) error

func (f PublisherFunc) Publish(ctx context.Context, key string) error {
	return f(ctx, key)
}

// FromBus publishes through a go-warp bus.
func FromBus(bus syncbus.Bus) Publisher {
	return PublisherFunc(func(ctx context.Context, key string) error {
		return bus.Publish(ctx, key)
	})
}

// Option configures a Manager.
type Option = options.Option[Manager]

// WithPrefix sets the prefix prepended to published keys.
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithQueueSize bounds the number of keys waiting to be published.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		m.queueSize = n
	}
}

// WithGossip makes Start publish the digest of local every interval.
func WithGossip(local backend.Scanner, interval time.Duration) Option {
	return func(m *Manager) {
		m.gossip = local
		m.interval = interval
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager publishes the keys of committed transactions in the background.
type Manager struct {
	pub       Publisher
	prefix    string
	queueSize int
	logger    *slog.Logger
	queue     chan string
	gossip    backend.Scanner
	interval  time.Duration
}

// NewManager creates a manager publishing through pub.
func NewManager(pub Publisher, opts ...Option) *Manager {
	m := &Manager{
		pub:       pub,
		prefix:    DefaultPrefix,
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
	}
	options.Apply(m, opts...)
	m.queue = make(chan string, m.queueSize)
	return m
}

// Hook returns the commit hook to register with tx.WithCommitHook. It
// never blocks the committing transaction: keys are dropped with a warning
// when the queue is full.
func (m *Manager) Hook() tx.CommitHook {
	return func(_ context.Context, backendID string, keys []string) {
		for _, key := range keys {
			select {
			case m.queue <- key:
			default:
				m.logger.Warn("txcache: sync queue full, dropping key", "backend", backendID, "key", key)
			}
		}
	}
}

// Start publishes queued keys, and the local digest when gossip is
// enabled, until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	var tick <-chan time.Time
	if m.gossip != nil && m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case key := <-m.queue:
			m.publish(ctx, key)
		case <-tick:
			if _, err := m.GossipRoot(ctx, m.gossip); err != nil {
				m.logger.Error("txcache: failed to gossip root", "error", err)
			}
		}
	}
}

// Flush publishes every key queued so far.
func (m *Manager) Flush(ctx context.Context) {
	for {
		select {
		case key := <-m.queue:
			m.publish(ctx, key)
		default:
			return
		}
	}
}

func (m *Manager) publish(ctx context.Context, key string) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(ctx, m.prefix+key); err != nil {
		m.logger.Error("txcache: failed to publish committed key", "key", key, "error", err)
	}
}

// GossipRoot broadcasts the Merkle root of local to the mesh.
func (m *Manager) GossipRoot(ctx context.Context, local backend.Scanner) ([32]byte, error) {
	tree, err := merkle.Build(ctx, local)
	if err != nil {
		return [32]byte{}, err
	}
	root := tree.Root()
	if m.pub == nil {
		return root, nil
	}
	return root, m.pub.Publish(ctx, RootPrefix+hex.EncodeToString(root[:]))
}

// HandleRootEvent is called with a root received from a peer. It reports
// whether the peer's state diverges from local; events that are not roots
// are ignored.
func (m *Manager) HandleRootEvent(ctx context.Context, local backend.Scanner, event string) (bool, error) {
	encoded, ok := strings.CutPrefix(event, RootPrefix)
	if !ok {
		return false, nil
	}
	peer, err := hex.DecodeString(encoded)
	if err != nil || len(peer) != 32 {
		m.logger.Warn("txcache: malformed root event", "event", event)
		return false, nil
	}

	tree, err := merkle.Build(ctx, local)
	if err != nil {
		return false, err
	}
	root := tree.Root()
	if [32]byte(peer) == root {
		return false, nil
	}
	m.logger.Info("txcache: state divergence detected", "local", hex.EncodeToString(root[:]), "peer", encoded)
	return true, nil
}

// HandleEvent is called with a key received from a peer. Keys carrying the
// manager prefix are removed from local.
func (m *Manager) HandleEvent(ctx context.Context, local backend.Backend, event string) error {
	key, ok := strings.CutPrefix(event, m.prefix)
	if !ok || key == "" {
		return nil
	}
	if _, err := local.Delete(ctx, key); err != nil {
		return err
	}
	m.logger.Debug("txcache: invalidated key from peer", "key", key)
	return nil
}
