package wal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
)

// Option configures a Manager.
type Option = options.Option[Manager]

// WithMaxSegmentSize sets the size after which the active segment is rotated.
func WithMaxSegmentSize(size int64) Option {
	return func(m *Manager) {
		m.maxSize = size
	}
}

// Manager handles a collection of log segments.
type Manager struct {
	mu      sync.RWMutex
	dir     string
	active  *Segment
	sealed  []*Segment
	txID    uint64
	maxSize int64
	closed  bool
}

// NewManager opens the log stored in dir, creating it if needed.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	m := &Manager{
		dir:     dir,
		maxSize: DefaultSegmentSize,
		txID:    uint64(time.Now().UnixNano()),
	}
	options.Apply(m, opts...)

	if err := m.loadSegments(); err != nil {
		return nil, err
	}
	return m, nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x.log", id))
}

func (m *Manager) loadSegments() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}

	var ids []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), ".log"), 16, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i, id := range ids {
		seg, err := NewSegment(id, segmentPath(m.dir, id), m.maxSize)
		if err != nil {
			return err
		}
		if i == len(ids)-1 {
			m.active = seg
			continue
		}
		if err := seg.Seal(); err != nil {
			return err
		}
		m.sealed = append(m.sealed, seg)
	}

	if m.active == nil {
		seg, err := NewSegment(0, segmentPath(m.dir, 0), m.maxSize)
		if err != nil {
			return err
		}
		m.active = seg
	}
	return nil
}

// NextTxID returns a fresh transaction id for batch writes.
func (m *Manager) NextTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txID++
	return m.txID
}

// Append writes a single entry and returns its packed offset.
func (m *Manager) Append(entry Entry) (int64, error) {
	offsets, err := m.AppendBatch([]Entry{entry})
	if err != nil {
		return 0, err
	}
	return offsets[0], nil
}

// AppendBatch writes entries with a single write to the active segment,
// rotating first when they do not fit.
func (m *Manager) AppendBatch(entries []Entry) ([]int64, error) {
	var buf []byte
	rel := make([]int64, len(entries))
	for i, e := range entries {
		rel[i] = int64(len(buf))
		buf = append(buf, EncodeEntry(e)...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if m.active.full(len(buf)) {
		if err := m.rotate(); err != nil {
			return nil, err
		}
	}

	base, err := m.active.Write(buf)
	if err != nil {
		return nil, err
	}

	offsets := make([]int64, len(entries))
	for i := range entries {
		offsets[i] = PackOffset(m.active.ID(), base+rel[i])
	}
	return offsets, nil
}

func (m *Manager) rotate() error {
	if err := m.active.Seal(); err != nil {
		return err
	}
	m.sealed = append(m.sealed, m.active)

	id := m.active.ID() + 1
	seg, err := NewSegment(id, segmentPath(m.dir, id), m.maxSize)
	if err != nil {
		return err
	}
	m.active = seg
	return nil
}

// ReadEntryAt reads and verifies the entry at a packed offset.
func (m *Manager) ReadEntryAt(packed int64) (Entry, error) {
	segID, offset := UnpackOffset(packed)

	seg := m.segment(segID)
	if seg == nil {
		return Entry{}, ErrNotFound
	}

	e, _, err := readEntry(seg, offset)
	return e, err
}

func (m *Manager) segment(id uint64) *Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active.ID() == id {
		return m.active
	}
	for _, s := range m.sealed {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// readEntry returns the entry at offset and the total number of bytes it spans.
func readEntry(seg *Segment, offset int64) (Entry, int64, error) {
	header, err := seg.ReadAt(offset, headerSize)
	if err != nil {
		return Entry{}, 0, err
	}

	e, sum, keyLen, valLen := decodeHeader(header)
	body, err := seg.ReadAt(offset+headerSize, keyLen+valLen)
	if err != nil {
		return Entry{}, 0, err
	}
	if !verify(sum, header, body) {
		return Entry{}, 0, ErrCorrupt
	}

	e.Key = string(body[:keyLen])
	e.Value = body[keyLen:]
	return e, int64(headerSize + keyLen + valLen), nil
}

// Iterate visits all entries, sealed segments first. A torn or corrupt tail
// stops the walk of that segment without failing.
func (m *Manager) Iterate(fn func(e Entry, offset int64) error) error {
	m.mu.RLock()
	segs := append(append([]*Segment{}, m.sealed...), m.active)
	m.mu.RUnlock()

	for _, seg := range segs {
		if err := m.IterateSegment(seg, fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) IterateSegment(seg *Segment, fn func(e Entry, offset int64) error) error {
	size := seg.Size()
	for offset := int64(0); offset < size; {
		e, n, err := readEntry(seg, offset)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorrupt) {
				slog.Warn("wal: stopping at damaged entry", "segment", seg.ID(), "offset", offset, "err", err)
				return nil
			}
			return err
		}
		if err := fn(e, PackOffset(seg.ID(), offset)); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

// SealedSegments returns a snapshot of the sealed segments.
func (m *Manager) SealedSegments() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Segment(nil), m.sealed...)
}

func (m *Manager) ActiveSegmentID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.ID()
}

// Rotate seals the active segment so it becomes eligible for compaction.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active.Size() == 0 {
		return nil
	}
	return m.rotate()
}

func (m *Manager) RemoveSegment(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.sealed {
		if s.ID() != id {
			continue
		}
		if err := s.Close(); err != nil {
			slog.Warn("wal: failed to close segment", "segment", id, "err", err)
		}
		m.sealed = append(m.sealed[:i], m.sealed[i+1:]...)
		return os.Remove(s.path)
	}
	return ErrNotFound
}

func (m *Manager) SetMaxSegmentSize(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSize = size
	m.active.maxSize = size
}

func (m *Manager) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Sync()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if err := m.active.Sync(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, m.active.Close())
	for _, s := range m.sealed {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
