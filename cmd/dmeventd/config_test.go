package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "syslog", cfg.LogTarget)
	assert.Equal(t, 10, cfg.GracePeriod)
	assert.Equal(t, "/var/run/dmeventd.pid", cfg.Paths.PIDFile)
}

func TestLoadConfigOverridesDefaultsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmeventd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_target: stderr
grace_period: 42
paths:
  server_fifo: /tmp/server
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "stderr", cfg.LogTarget)
	assert.Equal(t, 42, cfg.GracePeriod)
	assert.Equal(t, "/tmp/server", cfg.Paths.ServerFIFO)
	// Unset by the file, still defaulted.
	assert.Equal(t, "/var/run/dmeventd-client", cfg.Paths.ClientFIFO)
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyFlagsOnlyOverridesChangedFlags(t *testing.T) {
	cfg := defaultRuntimeConfig()
	cfg.LogTarget = "stderr"

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var debug int
	flags.CountVarP(&debug, "debug", "d", "")
	flags.Parse(nil)

	debugCount = 0
	cfg.applyFlags(flags)
	assert.Equal(t, "stderr", cfg.LogTarget, "unset log-target flag must not clobber the config file value")
}

func TestValidateRejectsOutOfRangeGracePeriod(t *testing.T) {
	cfg := defaultRuntimeConfig()
	cfg.GracePeriod = 301
	assert.Error(t, cfg.validate())

	cfg.GracePeriod = -1
	assert.Error(t, cfg.validate())

	cfg.GracePeriod = 300
	assert.NoError(t, cfg.validate())
}

func TestValidateRejectsExitSentinelWithQuote(t *testing.T) {
	cfg := defaultRuntimeConfig()
	cfg.ExitSentinel = `/tmp/"quoted"`
	assert.Error(t, cfg.validate())
}

func TestValidateRejectsUnknownLogTarget(t *testing.T) {
	cfg := defaultRuntimeConfig()
	cfg.LogTarget = "carrier-pigeon"
	assert.Error(t, cfg.validate())
}
