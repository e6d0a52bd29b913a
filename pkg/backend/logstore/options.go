package logstore

import (
	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-warp/v1/cache"
)

// Option defines a functional configuration for the Store.
type Option = options.Option[Store]

// WithID sets the backend identity. Defaults to "logstore:<dir>".
func WithID(id string) Option {
	return func(s *Store) {
		s.id = id
	}
}

// WithCacheSize sets the maximum number of entries in the value cache.
func WithCacheSize(size int) Option {
	return func(s *Store) {
		s.values = cache.NewInMemory[[]byte](cache.WithMaxEntries[[]byte](size))
	}
}

// WithMaxSegmentSize sets the segment rotation threshold.
func WithMaxSegmentSize(size int64) Option {
	return func(s *Store) {
		s.segmentSize = size
	}
}
