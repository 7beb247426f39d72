package main

import (
	"fmt"
	"log/syslog"
	"os"

	"github.com/cuemby/dmeventd/pkg/log"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes (spec §6.5: "distinct values for lockfile-in-use,
// descriptor open/close failure, FIFO failure, chdir failure").
const (
	exitOK = iota
	exitUsage
	exitLockfileInUse
	exitDescriptorFailure
	exitFIFOFailure
	exitChdirFailure
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dmeventd: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errIs(err, errLockfileInUse):
		return exitLockfileInUse
	case errIs(err, errDescriptorFailure):
		return exitDescriptorFailure
	case errIs(err, errFIFOFailure):
		return exitFIFOFailure
	case errIs(err, errChdirFailure):
		return exitChdirFailure
	default:
		return exitUsage
	}
}

var rootCmd = &cobra.Command{
	Use:     "dmeventd",
	Short:   "Device-mapper event monitoring daemon",
	Version: Version,
	Long: `dmeventd monitors registered device-mapper devices for events and
dispatches them to plugins that decide what, if anything, to do about
them (grow a snapshot, fail a mirror leg, and so on).`,
	RunE: runRoot,
}

var (
	debugCount  int
	foreground  bool
	logTarget   string
	restartFlag bool
	infoFlag    bool
	exitSentinel string
	gracePeriod int
	configPath  string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dmeventd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	flags := rootCmd.Flags()
	flags.CountVarP(&debugCount, "debug", "d", "increase debug verbosity (repeatable, up to 3 times)")
	flags.BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")
	flags.StringVarP(&logTarget, "log-target", "l", "syslog", "log target: syslog or stderr")
	flags.BoolVarP(&restartFlag, "restart", "R", false, "hand off registrations from an already-running instance and replace it")
	flags.BoolVarP(&infoFlag, "info", "i", false, "query a running instance's parameters and print them")
	flags.StringVarP(&exitSentinel, "exit-sentinel", "p", "", "path whose existence forces all workers to unregister on shutdown")
	flags.IntVarP(&gracePeriod, "grace-period", "t", 10, "grace period in seconds before an idle worker thread exits (0-300)")
	flags.StringVar(&configPath, "config", "", "optional YAML file supplying defaults for the flags above")
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.applyFlags(cmd.Flags())

	if err := cfg.validate(); err != nil {
		return err
	}

	initLogging(cfg)

	switch {
	case infoFlag:
		return runInfo(cfg)
	case restartFlag:
		return runRestart(cfg)
	default:
		return runDaemon(cfg)
	}
}

func initLogging(cfg runtimeConfig) {
	level := log.InfoLevel
	switch {
	case cfg.DebugLevel >= 1:
		level = log.DebugLevel
	}

	out := os.Stderr
	logCfg := log.Config{Level: level, Output: out}

	// §9 Design Notes/original behavior: foreground mode always logs
	// to stderr regardless of --log-target (SPEC_FULL §11 item 5).
	if !cfg.Foreground && cfg.LogTarget == "syslog" {
		if w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "dmeventd"); err == nil {
			logCfg.Output = w
		}
	}

	log.Init(logCfg)
}

func errIs(err error, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
