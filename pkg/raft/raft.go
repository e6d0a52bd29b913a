// Package raft replicates a backend across nodes with hashicorp/raft.
// Writes are proposed to the cluster and applied to every node's local
// backend; reads are served by the local backend.
package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
)

var ErrNotLeader = fmt.Errorf("raft: not leader")

// Config holds Raft cluster configuration.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	Peers     []string
}

// Option configures a Node.
type Option = options.Option[Node]

// WithID sets the backend identity. Defaults to "raft:<node id>".
func WithID(id string) Option {
	return func(n *Node) {
		n.id = id
	}
}

// WithApplyTimeout bounds how long a proposal may wait to be enqueued.
func WithApplyTimeout(d time.Duration) Option {
	return func(n *Node) {
		n.applyTimeout = d
	}
}

// Local is the backend a node applies committed commands to.
type Local interface {
	backend.Backend
	backend.Scanner
}

// Node is a replicated Backend.
type Node struct {
	id           string
	local        Local
	raft         *raft.Raft
	store        *Store
	config       *Config
	applyTimeout time.Duration
}

// NewNode starts a Raft node replicating into local.
func NewNode(local Local, cfg *Config, opts ...Option) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}

	n := &Node{
		id:           "raft:" + cfg.NodeID,
		local:        local,
		config:       cfg,
		applyTimeout: 10 * time.Second,
	}
	options.Apply(n, opts...)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, err
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		transport.Close()
		return nil, err
	}

	// Raft's own log and stable state live in a separate log store.
	store, err := NewStore(filepath.Join(cfg.DataDir, "store"))
	if err != nil {
		transport.Close()
		return nil, err
	}
	n.store = store

	r, err := raft.NewRaft(raftCfg, &fsm{local: local}, store, store, snapshots, transport)
	if err != nil {
		transport.Close()
		store.Close()
		return nil, err
	}
	n.raft = r

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		r.BootstrapCluster(configuration)
	}

	return n, nil
}

func (n *Node) ID() string {
	return n.id
}

// Get reads from the local replica, which may lag behind the leader.
func (n *Node) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.local.Get(ctx, key)
}

func (n *Node) Exists(ctx context.Context, key string) (bool, error) {
	return n.local.Exists(ctx, key)
}

func (n *Node) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.propose(ctx, []backend.Op{{Key: key, Value: value, TTL: ttl}})
}

// Delete reports whether the key existed on the local replica before the
// delete was proposed.
func (n *Node) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := n.local.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	return existed, n.propose(ctx, []backend.Op{{Delete: true, Key: key}})
}

// Batch returns a batch replicated as a single log entry.
func (n *Node) Batch(ctx context.Context) (backend.Batch, error) {
	return &batch{node: n}, nil
}

func (n *Node) propose(ctx context.Context, ops []backend.Op) error {
	if n.raft.State() != raft.Leader {
		return ErrNotLeader
	}

	data, err := json.Marshal(newCommand(ops, time.Now()))
	if err != nil {
		return err
	}

	future := n.raft.Apply(data, n.applyTimeout)
	errc := make(chan error, 1)
	go func() { errc <- future.Error() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	if res := future.Response(); res != nil {
		if err, ok := res.(error); ok {
			return err
		}
	}
	return nil
}

// Leader returns true if this node is the current Raft leader.
func (n *Node) Leader() bool {
	return n.raft.State() == raft.Leader
}

// WaitLeader blocks until a leader is known or ctx is done.
func (n *Node) WaitLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := n.raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// AddPeer adds a new voter to the cluster.
func (n *Node) AddPeer(id, addr string) error {
	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	return future.Error()
}

// Close stops the node. The local backend is left open.
func (n *Node) Close() error {
	err := n.raft.Shutdown().Error()
	if cerr := n.store.Close(); err == nil {
		err = cerr
	}
	return err
}

type batch struct {
	node *Node
	ops  []backend.Op
}

func (b *batch) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.ops = append(b.ops, backend.Op{Key: key, Value: value, TTL: ttl})
	return nil
}

func (b *batch) Delete(ctx context.Context, key string) error {
	b.ops = append(b.ops, backend.Op{Delete: true, Key: key})
	return nil
}

func (b *batch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	return b.node.propose(ctx, b.ops)
}
