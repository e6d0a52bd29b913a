package wal

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Segment is a single append-only file of the log.
type Segment struct {
	mu      sync.RWMutex
	id      uint64
	path    string
	file    *os.File
	size    int64
	maxSize int64
	sealed  bool
}

// NewSegment creates or opens a segment for appending.
func NewSegment(id uint64, path string, maxSize int64) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to open: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Segment{
		id:      id,
		path:    path,
		file:    f,
		size:    stat.Size(),
		maxSize: maxSize,
	}, nil
}

// Write appends data and returns the offset it was written at.
func (s *Segment) Write(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed || s.file == nil {
		return 0, ErrClosed
	}

	n, err := s.file.Write(data)
	offset := s.size
	s.size += int64(n)
	if err != nil {
		return 0, err
	}
	return offset, nil
}

// ReadAt reads size bytes at offset, reopening sealed segments read-only.
func (s *Segment) ReadAt(offset int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	for attempt := 0; ; attempt++ {
		f, err := s.reader()
		if err != nil {
			return nil, err
		}

		_, err = f.ReadAt(buf, offset)
		// The writable handle may be sealed underneath us during rotation.
		if errors.Is(err, os.ErrClosed) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf, nil
	}
}

func (s *Segment) reader() (*os.File, error) {
	s.mu.RLock()
	f := s.file
	s.mu.RUnlock()
	if f != nil {
		return f, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return nil, err
		}
		s.file = f
	}
	return s.file, nil
}

// Seal flushes and closes the writable handle; later reads reopen the file.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sealed = true
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sealed = true
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil || s.sealed {
		return nil
	}
	return s.file.Sync()
}

func (s *Segment) ID() uint64 {
	return s.id
}

func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Segment) full(n int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size > 0 && s.size+int64(n) > s.maxSize
}
