// Package txbackend implements the transactional proxies placed in front of
// a backend for the lifetime of a transaction.
//
// A proxy exposes the backend surface, keeps writes in a local buffer and
// applies them to the wrapped backend on Commit. Locking proxies also hold
// key or backend locks from first touch until they are finalized.
package txbackend

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-txcache/pkg/backend"
)

var (
	ErrLockTimeout = fmt.Errorf("txbackend: lock timeout")
	ErrFinalized   = fmt.Errorf("txbackend: proxy already finalized")
)

// Proxy is a backend-shaped view bound to one transaction.
type Proxy interface {
	backend.Backend
	// Commit applies buffered writes to the wrapped backend.
	Commit(ctx context.Context) error
	// Rollback discards buffered writes.
	Rollback(ctx context.Context) error
	// Pending lists keys with buffered writes, in first-write order.
	Pending() []string
}
