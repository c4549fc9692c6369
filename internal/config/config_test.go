package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/collab-sync-go/internal/bus"
	"github.com/lk2023060901/collab-sync-go/internal/storage"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "/ws", cfg.Acceptor.Path)
	assert.Equal(t, storage.BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, bus.BackendLocal, cfg.Bus.Backend)
	assert.Equal(t, 2*time.Second, cfg.DocState.DebounceInterval)
	assert.Equal(t, 256, cfg.Collab.Session.SendQueueSize)
	assert.False(t, cfg.NeedsEtcd())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: 127.0.0.1:9000
docstate:
  debounceInterval: 500ms
  maxDebounceDelay: 3s
storage:
  backend: memory
  seal:
    compression: none
membership:
  static:
    ws-1:
      alice: OWNER
`)
	t.Setenv("COLLAB_BUS_BACKEND", "etcd")
	t.Setenv("COLLAB_ETCD_USEEMBED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, 500*time.Millisecond, cfg.DocState.DebounceInterval)
	assert.Equal(t, 3*time.Second, cfg.DocState.MaxDebounceDelay)
	assert.Equal(t, "none", cfg.Storage.Seal.Compression)
	assert.Equal(t, "OWNER", cfg.Membership.Static["ws-1"]["alice"])
	assert.Equal(t, bus.BackendEtcd, cfg.Bus.Backend)
	assert.True(t, cfg.Etcd.UseEmbed)
	assert.True(t, cfg.NeedsEtcd())
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	path, explicit := ResolvePath("")
	assert.Equal(t, DefaultConfigPath, path)
	assert.False(t, explicit)

	t.Setenv(EnvConfigPath, "/etc/collab/env.yaml")
	path, explicit = ResolvePath("")
	assert.Equal(t, "/etc/collab/env.yaml", path)
	assert.True(t, explicit)

	path, explicit = ResolvePath("/etc/collab/flag.yaml")
	assert.Equal(t, "/etc/collab/flag.yaml", path)
	assert.True(t, explicit)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfigPath, "")

	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(c *Config)
		target error
	}{
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, merr.ErrParameterMissing},
		{"relative path", func(c *Config) { c.Acceptor.Path = "ws" }, merr.ErrParameterInvalid},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, merr.ErrParameterInvalid},
		{"unknown bus", func(c *Config) { c.Bus.Backend = "kafka" }, merr.ErrParameterInvalid},
		{"unknown membership", func(c *Config) { c.Membership.Backend = "ldap" }, merr.ErrParameterInvalid},
		{"unknown codec", func(c *Config) { c.Codec.Backend = "automerge" }, merr.ErrParameterInvalid},
		{"badger without dir", func(c *Config) { c.Storage.Badger.Dir = "" }, merr.ErrParameterMissing},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = storage.BackendPostgres }, merr.ErrParameterMissing},
		{"redis without addr", func(c *Config) { c.Bus.Backend = bus.BackendRedis }, merr.ErrParameterMissing},
		{"remote codec without target", func(c *Config) { c.Codec.Backend = "remote" }, merr.ErrParameterMissing},
		{"etcd without endpoints", func(c *Config) {
			c.Bus.Backend = bus.BackendEtcd
			c.Etcd.Endpoints = nil
		}, merr.ErrParameterMissing},
		{"max delay shorter than debounce", func(c *Config) {
			c.DocState.DebounceInterval = 5 * time.Second
			c.DocState.MaxDebounceDelay = time.Second
		}, merr.ErrParameterInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.target)
		})
	}

	assert.NoError(t, base.Validate())
}
