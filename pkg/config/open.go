package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-txcache/pkg/backend/badger"
	"github.com/mirkobrombin/go-txcache/pkg/backend/bolt"
	"github.com/mirkobrombin/go-txcache/pkg/backend/compress"
	"github.com/mirkobrombin/go-txcache/pkg/backend/logstore"
	"github.com/mirkobrombin/go-txcache/pkg/backend/memory"
	"github.com/mirkobrombin/go-txcache/pkg/backend/redis"
	"github.com/mirkobrombin/go-txcache/pkg/cache"
	"github.com/mirkobrombin/go-txcache/pkg/tx"
	goredis "github.com/redis/go-redis/v9"
)

// Deployment is a cache built from a Config, together with the backends it
// opened.
type Deployment struct {
	Cache    *cache.Cache
	Router   *cache.Router
	Backends map[string]backend.Backend
}

// Open builds every backend and a cache routing to them. Extra options are
// applied after the configured transaction defaults.
func Open(ctx context.Context, cfg *Config, opts ...tx.Option) (*Deployment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Deployment{
		Router:   cache.NewRouter(nil),
		Backends: make(map[string]backend.Backend, len(cfg.Backends)),
	}
	for _, bc := range cfg.Backends {
		b, err := openBackend(ctx, bc)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("config: backend %q: %w", bc.Name, err)
		}
		d.Backends[bc.Name] = b
		d.Router.Setup(bc.Prefix, b)
	}

	txo := append([]tx.Option{
		tx.WithDefaultMode(cfg.Mode()),
		tx.WithDefaultTimeout(cfg.Timeout()),
	}, opts...)
	d.Cache = cache.New(d.Router, cache.WithManager(tx.NewManager(txo...)))
	return d, nil
}

func openBackend(ctx context.Context, bc Backend) (backend.Backend, error) {
	var (
		b   backend.Backend
		err error
	)
	switch bc.Type {
	case TypeMemory:
		mo := []memory.Option{memory.WithID(bc.Name)}
		if bc.MaxEntries > 0 {
			mo = append(mo, memory.WithMaxEntries(bc.MaxEntries))
		}
		b = memory.New(mo...)
	case TypeLogstore:
		lo := []logstore.Option{logstore.WithID(bc.Name)}
		if bc.MaxEntries > 0 {
			lo = append(lo, logstore.WithCacheSize(bc.MaxEntries))
		}
		b, err = logstore.Open(bc.Path, lo...)
	case TypeBolt:
		b, err = bolt.Open(bc.Path, bolt.WithID(bc.Name))
	case TypeBadger:
		bo := []badger.Option{badger.WithID(bc.Name)}
		if bc.InMemory {
			bo = append(bo, badger.WithInMemory())
		}
		b, err = badger.Open(bc.Path, bo...)
	case TypeRedis:
		b, err = redis.Dial(ctx, &goredis.Options{
			Addr:     bc.Addr,
			Password: bc.Password,
			DB:       bc.DB,
		}, redis.WithID(bc.Name), redis.WithKeyPrefix(bc.KeyPrefix))
	default:
		err = fmt.Errorf("%w: unknown type %q", ErrInvalid, bc.Type)
	}
	if err != nil {
		return nil, err
	}

	if bc.Compress {
		b = compress.Wrap(b)
	}
	return b, nil
}

// Close closes every backend that holds resources.
func (d *Deployment) Close() error {
	var errs []error
	for name, b := range d.Backends {
		if err := backend.Close(b); err != nil {
			errs = append(errs, fmt.Errorf("config: close %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
