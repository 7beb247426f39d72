package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Sentinel errors classified by exitCodeFor into the exit codes spec
// §6.5 calls out by name.
var (
	errLockfileInUse     = fmt.Errorf("pidfile is locked by another instance")
	errDescriptorFailure = fmt.Errorf("failed to open or close a required file descriptor")
	errFIFOFailure       = fmt.Errorf("failed to provision the request/reply FIFOs")
	errChdirFailure      = fmt.Errorf("failed to change working directory")
)

// runtimeConfig is the merged view of --config file defaults and the
// flags actually passed on the command line, the latter always
// winning (SPEC_FULL §9.2: explicit flags always override the file).
type runtimeConfig struct {
	DebugLevel   int    `yaml:"debug"`
	Foreground   bool   `yaml:"foreground"`
	LogTarget    string `yaml:"log_target"`
	Restart      bool   `yaml:"-"`
	Info         bool   `yaml:"-"`
	ExitSentinel string `yaml:"exit_sentinel"`
	GracePeriod  int    `yaml:"grace_period"`

	Paths struct {
		ServerFIFO string `yaml:"server_fifo"`
		ClientFIFO string `yaml:"client_fifo"`
		PIDFile    string `yaml:"pidfile"`
	} `yaml:"paths"`

	PluginDir string `yaml:"plugin_dir"`
}

func defaultRuntimeConfig() runtimeConfig {
	cfg := runtimeConfig{
		LogTarget:   "syslog",
		GracePeriod: 10,
		PluginDir:   "/usr/lib/dmeventd",
	}
	cfg.Paths.ServerFIFO = "/var/run/dmeventd-server"
	cfg.Paths.ClientFIFO = "/var/run/dmeventd-client"
	cfg.Paths.PIDFile = "/var/run/dmeventd.pid"
	return cfg
}

// loadConfig reads an optional YAML file layered over the defaults.
// An empty path is not an error; it simply leaves the defaults in
// place (SPEC_FULL §9.2: the config file is optional).
func loadConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("dmeventd: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("dmeventd: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overlays any flag the user actually set on the command
// line, so an unset flag never clobbers a value supplied by --config.
func (c *runtimeConfig) applyFlags(flags *pflag.FlagSet) {
	if flags.Changed("debug") {
		c.DebugLevel = debugCount
	}
	if flags.Changed("foreground") {
		c.Foreground = foreground
	}
	if flags.Changed("log-target") {
		c.LogTarget = logTarget
	}
	c.Restart = restartFlag
	c.Info = infoFlag
	if flags.Changed("exit-sentinel") {
		c.ExitSentinel = exitSentinel
	}
	if flags.Changed("grace-period") {
		c.GracePeriod = gracePeriod
	}
}

// validate enforces the bounds spec §8 ("Grace period bounds") and
// §6.4 (exit sentinel path must not contain a double quote, since it
// is embedded verbatim in a shell-quoted unregister command) call out
// explicitly.
func (c runtimeConfig) validate() error {
	if c.GracePeriod < 0 || c.GracePeriod > 300 {
		return fmt.Errorf("dmeventd: --grace-period must be between 0 and 300 seconds, got %d", c.GracePeriod)
	}
	if c.DebugLevel < 0 || c.DebugLevel > 3 {
		return fmt.Errorf("dmeventd: --debug may be repeated at most 3 times, got %d", c.DebugLevel)
	}
	if strings.ContainsRune(c.ExitSentinel, '"') {
		return fmt.Errorf("dmeventd: --exit-sentinel path must not contain a double quote")
	}
	switch c.LogTarget {
	case "syslog", "stderr":
	default:
		return fmt.Errorf("dmeventd: --log-target must be syslog or stderr, got %q", c.LogTarget)
	}
	return nil
}
