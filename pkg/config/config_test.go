package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mirkobrombin/go-txcache/pkg/tx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, tx.Locked, cfg.Mode())
	assert.Equal(t, 10*time.Second, cfg.Timeout())
	assert.Len(t, cfg.Backends, 1)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
transaction:
  mode: serializable
  timeout: 1.5
backends:
  - name: users
    type: memory
    prefix: "user:"
    max_entries: 10
  - name: default
    type: memory
    compress: true
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, tx.Serializable, cfg.Mode())
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout())
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "user:", cfg.Backends[0].Prefix)
	assert.True(t, cfg.Backends[1].Compress)
}

func TestParse_KeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("transaction:\n  mode: fast\n"))
	require.NoError(t, err)
	assert.Equal(t, tx.Fast, cfg.Mode())
	assert.Equal(t, 10*time.Second, cfg.Timeout())
	assert.Equal(t, Default().Backends, cfg.Backends)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":      func(c *Config) { c.Transaction.Mode = "eventual" },
		"timeout":   func(c *Config) { c.Transaction.Timeout = -1 },
		"name":      func(c *Config) { c.Backends[0].Name = "" },
		"type":      func(c *Config) { c.Backends[0].Type = "etcd" },
		"path":      func(c *Config) { c.Backends[0].Type = TypeBolt },
		"addr":      func(c *Config) { c.Backends[0].Type = TypeRedis },
		"duplicate": func(c *Config) { c.Backends = append(c.Backends, Backend{Name: "default", Type: TypeMemory, Prefix: "x"}) },
		"prefix":    func(c *Config) { c.Backends = append(c.Backends, Backend{Name: "other", Type: TypeMemory}) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transaction:\n  mode: fast\n  timeout: 3\n"), 0o644))

	t.Setenv(EnvMode, "serializable")
	t.Setenv(EnvTimeout, "0.25")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, tx.Serializable, cfg.Mode())
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout())

	t.Setenv(EnvTimeout, "soon")
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Transaction: Transaction{Mode: "locked", Timeout: 1},
		Backends: []Backend{
			{Name: "users", Type: TypeBolt, Prefix: "user:", Path: filepath.Join(dir, "users.db")},
			{Name: "events", Type: TypeLogstore, Prefix: "event:", Path: filepath.Join(dir, "events"), Compress: true},
			{Name: "default", Type: TypeMemory},
		},
	}

	d, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer d.Close()

	c := d.Cache
	assert.Equal(t, tx.Locked, c.Manager().Mode())
	assert.Equal(t, time.Second, c.Manager().Timeout())

	ctx := context.Background()
	err = c.Do(ctx, func(ctx context.Context) error {
		for _, key := range []string{"user:1", "event:1", "misc"} {
			if err := c.Set(ctx, key, []byte(key), 0); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	for name, key := range map[string]string{"users": "user:1", "events": "event:1", "default": "misc"} {
		val, ok, err := d.Backends[name].Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, name)
		assert.Equal(t, key, string(val))
	}
}
