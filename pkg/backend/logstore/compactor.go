package logstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-txcache/pkg/wal"
)

// StartCompactor runs Compact every interval until ctx is done.
func (s *Store) StartCompactor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Compact(); err != nil {
					slog.Error("logstore: compaction failed", "store", s.id, "err", err)
				}
			}
		}
	}()
}

// Compact rewrites the live entries of every sealed segment into the active
// one and removes the sealed files.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	for _, seg := range s.wal.SealedSegments() {
		if err := s.compactSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) compactSegment(seg *wal.Segment) error {
	now := time.Now().UnixNano()

	var live []wal.Entry
	err := s.wal.IterateSegment(seg, func(e wal.Entry, offset int64) error {
		if e.Type != wal.EntryPut || e.Expired(now) {
			return nil
		}
		if sl, ok := s.index[e.Key]; ok && sl.offset == offset {
			e.TxID = 0
			live = append(live, e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(live) > 0 {
		offsets, err := s.wal.AppendBatch(live)
		if err != nil {
			return err
		}
		for i, e := range live {
			s.index[e.Key] = slot{offset: offsets[i], expiresAt: e.ExpiresAt}
		}
	}
	if err := s.wal.Sync(); err != nil {
		return err
	}
	return s.wal.RemoveSegment(seg.ID())
}
