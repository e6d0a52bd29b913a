package raft

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/raft"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
)

type OpType string

const (
	OpPut    OpType = "put"
	OpDelete OpType = "delete"
)

type op struct {
	Op    OpType `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
	// ExpiresAt is absolute so that replaying the log does not extend TTLs.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

type command struct {
	Ops []op `json:"ops"`
}

func newCommand(ops []backend.Op, now time.Time) command {
	cmd := command{Ops: make([]op, len(ops))}
	for i, o := range ops {
		if o.Delete {
			cmd.Ops[i] = op{Op: OpDelete, Key: o.Key}
			continue
		}
		c := op{Op: OpPut, Key: o.Key, Value: o.Value}
		if o.TTL > 0 {
			c.ExpiresAt = now.Add(o.TTL).UnixNano()
		}
		cmd.Ops[i] = c
	}
	return cmd
}

// backendOps converts cmd back, turning entries that expired meanwhile into
// deletes.
func (c command) backendOps(now time.Time) []backend.Op {
	ops := make([]backend.Op, 0, len(c.Ops))
	for _, o := range c.Ops {
		if o.Op == OpDelete {
			ops = append(ops, backend.Op{Delete: true, Key: o.Key})
			continue
		}
		bo := backend.Op{Key: o.Key, Value: o.Value}
		if o.ExpiresAt != 0 {
			bo.TTL = time.Unix(0, o.ExpiresAt).Sub(now)
			if bo.TTL <= 0 {
				ops = append(ops, backend.Op{Delete: true, Key: o.Key})
				continue
			}
		}
		ops = append(ops, bo)
	}
	return ops
}

type fsm struct {
	local Local
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		slog.Error("txcache: raft fsm failed to unmarshal command", "index", l.Index, "err", err)
		return err
	}

	if err := backend.Apply(context.Background(), f.local, cmd.backendOps(time.Now())); err != nil {
		slog.Error("txcache: raft fsm apply failed", "index", l.Index, "ops", len(cmd.Ops), "err", err)
		return err
	}
	return nil
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{local: f.local}, nil
}

// Restore loads a snapshot on top of the local backend.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	ctx := context.Background()
	decoder := json.NewDecoder(rc)
	for {
		var o op
		if err := decoder.Decode(&o); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if o.Op != OpPut {
			continue
		}
		if err := f.local.Set(ctx, o.Key, o.Value, 0); err != nil {
			return err
		}
	}
}

// snapshot streams the live keys of the local backend. TTLs are not
// carried over.
type snapshot struct {
	local Local
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	encoder := json.NewEncoder(sink)
	err := s.local.Scan(context.Background(), func(key string, value []byte) error {
		return encoder.Encode(op{Op: OpPut, Key: key, Value: value})
	})
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
