// Package config loads the YAML description of a cache deployment: the
// transaction defaults and the backends keys are routed to.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mirkobrombin/go-txcache/pkg/tx"
	"gopkg.in/yaml.v3"
)

const (
	TypeMemory   = "memory"
	TypeLogstore = "logstore"
	TypeBolt     = "bolt"
	TypeBadger   = "badger"
	TypeRedis    = "redis"
)

const (
	EnvMode    = "TXCACHE_MODE"
	EnvTimeout = "TXCACHE_TIMEOUT"
)

var ErrInvalid = fmt.Errorf("config: invalid configuration")

// Config is the top-level file layout.
//
//	transaction:
//	  mode: locked
//	  timeout: 10
//	backends:
//	  - name: users
//	    type: bolt
//	    prefix: "user:"
//	    path: /var/lib/txcache/users.db
//	  - name: default
//	    type: memory
type Config struct {
	Transaction Transaction `yaml:"transaction"`
	Backends    []Backend   `yaml:"backends"`
}

// Transaction holds the process-wide transaction defaults. Timeout is in
// seconds.
type Transaction struct {
	Mode    string  `yaml:"mode"`
	Timeout float64 `yaml:"timeout"`
}

// Backend describes one backend. An empty Prefix makes it the default
// route.
type Backend struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Prefix     string `yaml:"prefix"`
	Path       string `yaml:"path"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	KeyPrefix  string `yaml:"key_prefix"`
	MaxEntries int    `yaml:"max_entries"`
	InMemory   bool   `yaml:"in_memory"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a configuration with a single in-memory default backend.
func Default() *Config {
	return &Config{
		Transaction: Transaction{
			Mode:    string(tx.DefaultMode),
			Timeout: tx.DefaultTimeout.Seconds(),
		},
		Backends: []Backend{{Name: "default", Type: TypeMemory}},
	}
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes data on top of the defaults. A file that lists backends
// replaces the default backend list.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Backends = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = Default().Backends
	}
	return cfg, nil
}

// ApplyEnv overrides the transaction defaults from TXCACHE_MODE and
// TXCACHE_TIMEOUT (seconds).
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvMode); ok && v != "" {
		c.Transaction.Mode = v
	}
	if v, ok := os.LookupEnv(EnvTimeout); ok && v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvTimeout, v, err)
		}
		c.Transaction.Timeout = secs
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := tx.ParseMode(c.Transaction.Mode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Transaction.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %v", ErrInvalid, c.Transaction.Timeout)
	}

	names := make(map[string]bool)
	prefixes := make(map[string]bool)
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("%w: backend %d has no name", ErrInvalid, i)
		}
		if names[b.Name] {
			return fmt.Errorf("%w: duplicate backend %q", ErrInvalid, b.Name)
		}
		names[b.Name] = true
		if prefixes[b.Prefix] {
			return fmt.Errorf("%w: prefix %q routed twice", ErrInvalid, b.Prefix)
		}
		prefixes[b.Prefix] = true

		switch b.Type {
		case TypeMemory:
		case TypeLogstore, TypeBolt:
			if b.Path == "" {
				return fmt.Errorf("%w: backend %q needs a path", ErrInvalid, b.Name)
			}
		case TypeBadger:
			if b.Path == "" && !b.InMemory {
				return fmt.Errorf("%w: backend %q needs a path or in_memory", ErrInvalid, b.Name)
			}
		case TypeRedis:
			if b.Addr == "" {
				return fmt.Errorf("%w: backend %q needs an addr", ErrInvalid, b.Name)
			}
		default:
			return fmt.Errorf("%w: backend %q has unknown type %q", ErrInvalid, b.Name, b.Type)
		}
	}
	return nil
}

// Mode returns the configured default mode.
func (c *Config) Mode() tx.Mode {
	m, _ := tx.ParseMode(c.Transaction.Mode)
	return m
}

// Timeout returns the configured default lock wait bound.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Transaction.Timeout * float64(time.Second))
}
