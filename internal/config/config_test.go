package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlagSet(t), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "kubegame.yaml")
	require.NoError(t, os.WriteFile(file, []byte("workers: 8\nrecheck-interval: 45s\ngame-deletion-policy: Block\n"), 0o600))

	t.Setenv("KUBEGAME_RECHECK_INTERVAL", "20s")

	cfg, err := Load(newFlagSet(t, "--workers=2"), file)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers, "flag beats file")
	assert.Equal(t, 20*time.Second, cfg.RecheckInterval, "env beats file")
	assert.Equal(t, DeletionPolicyBlock, cfg.GameDeletionPolicy, "file beats default")
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"no workers":       func(c *Config) { c.Workers = 0 },
		"zero timeout":     func(c *Config) { c.ReconcileTimeout = 0 },
		"inverted backoff": func(c *Config) { c.BackoffMax = time.Millisecond },
		"unknown policy":   func(c *Config) { c.GameDeletionPolicy = "Cascade" },
		"bad host format":  func(c *Config) { c.DatabaseHostFormat = "%s.svc" },
		"extra verb":       func(c *Config) { c.DatabaseHostFormat = "%s.%s.%d" },
		"port range":       func(c *Config) { c.GRPCHealthPort = 70000 },
		"dial address":     func(c *Config) { c.DatabaseDialAddress = "localhost" },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
