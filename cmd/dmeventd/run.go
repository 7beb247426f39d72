package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cuemby/dmeventd/pkg/daemon"
	"github.com/cuemby/dmeventd/pkg/dispatch"
	"github.com/cuemby/dmeventd/pkg/kernelwait"
	"github.com/cuemby/dmeventd/pkg/log"
	"github.com/cuemby/dmeventd/pkg/metrics"
	"github.com/cuemby/dmeventd/pkg/plugin"
	"github.com/cuemby/dmeventd/pkg/registry"
	"github.com/cuemby/dmeventd/pkg/scheduler"
	"github.com/cuemby/dmeventd/pkg/types"
)

// metricsListenAddr is loopback-only (SPEC_FULL §9.4: metrics are an
// operator-debugging aid, never exposed off-host) and only started in
// foreground/debug mode.
const metricsListenAddr = "127.0.0.1:9441"

// runDaemon is the F component's main entry: decide how we were
// launched, provision the FIFOs or adopt the supervised descriptors,
// wire up the rest of the daemon, and run the dispatcher loop until it
// decides to exit (spec §4.5, §4.6). It calls startDaemon with no
// replay; startDaemon's replay carries registrations fetched from an
// outgoing instance when invoked via runRestart.
func runDaemon(cfg runtimeConfig) error {
	return startDaemon(cfg, nil)
}

func startDaemon(cfg runtimeConfig, replay []types.RegisteredDevice) error {
	paths := daemon.Paths{
		ServerFIFO: cfg.Paths.ServerFIFO,
		ClientFIFO: cfg.Paths.ClientFIFO,
		PIDFile:    cfg.Paths.PIDFile,
	}

	isParent, err := daemon.Daemonize(cfg.Foreground)
	if err != nil {
		return fmt.Errorf("%w: %v", errDescriptorFailure, err)
	}
	if isParent {
		return nil
	}

	logger := log.WithComponent("daemon")

	sup, supervised := daemon.DetectSupervised()

	var conn daemon.DuplexConn
	if supervised {
		server, client := daemon.FromSupervision(sup)
		conn = daemon.DuplexConn{Server: server, Client: client}
		logger.Info().Msg("adopted supervised-activation descriptors")
	} else {
		if err := daemon.EnsureFIFOs(paths); err != nil {
			return fmt.Errorf("%w: %v", errFIFOFailure, err)
		}
		server, err := daemon.OpenServer(paths)
		if err != nil {
			return fmt.Errorf("%w: %v", errFIFOFailure, err)
		}
		client, err := daemon.OpenClient(paths)
		if err != nil {
			return fmt.Errorf("%w: %v", errFIFOFailure, err)
		}
		conn = daemon.DuplexConn{Server: server, Client: client}
	}
	defer conn.Close()

	pidfile, err := daemon.LockPIDFile(paths.PIDFile)
	if err != nil {
		if err == daemon.ErrLocked {
			return fmt.Errorf("%w: %s", errLockfileInUse, paths.PIDFile)
		}
		return fmt.Errorf("%w: %v", errDescriptorFailure, err)
	}
	defer pidfile.Close()
	defer func() {
		// Supervised activation owns the FIFOs/pidfile lifecycle; we
		// only clean up what we provisioned ourselves (spec §5).
		if supervised {
			return
		}
		_ = pidfile.Unlink()
		_ = os.Remove(paths.ServerFIFO)
		_ = os.Remove(paths.ClientFIFO)
	}()

	metrics.SetVersion(Version)

	hold := &kernelwait.ControlHold{}
	plugins := plugin.NewRegistry(plugin.DSOLoader{}, hold, cfg.PluginDir)
	metrics.RegisterComponent("plugin_registry", true, "initialized")
	sched := scheduler.New()
	metrics.RegisterComponent("scheduler", true, "initialized")

	waiterFactory := kernelwait.Factory(func() (kernelwait.Waiter, error) {
		return kernelwait.NewDMWaiter()
	})
	resolver, err := kernelwait.NewDMWaiter()
	if err != nil {
		return fmt.Errorf("%w: %v", errDescriptorFailure, err)
	}
	defer resolver.Close()

	reg := registry.New(registry.Config{
		Plugins:       plugins,
		Scheduler:     sched,
		Resolver:      resolver,
		WaiterFactory: waiterFactory,
		GraceFunc:     func() time.Duration { return time.Duration(cfg.GracePeriod) * time.Second },
	})
	reg.SetDaemonInfo(registry.DaemonInfo{
		PID:          os.Getpid(),
		Daemonized:   !cfg.Foreground,
		Supervised:   supervised,
		ExitSentinel: cfg.ExitSentinel,
	})

	stop := daemon.InstallSignalHandling(reg)
	defer stop()

	for _, d := range replay {
		if err := reg.RegisterForEvent(d.PluginName, d.DeviceUUID, d.Events, time.Duration(d.Timeout)*time.Second); err != nil {
			logger.Warn().Str("device_uuid", d.DeviceUUID).Str("plugin", d.PluginName).Err(err).Msg("failed to replay registration after restart")
		}
	}

	collector := metrics.NewCollector(reg, plugins, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	if cfg.Foreground || cfg.DebugLevel > 0 {
		startMetricsServer()
	}

	disp := dispatch.New(dispatch.Config{
		Registry:         reg,
		Conn:             conn,
		ExitSentinelPath: cfg.ExitSentinel,
	})
	metrics.RegisterComponent("dispatcher", true, "initialized")

	logger.Info().Int("pid", os.Getpid()).Bool("supervised", supervised).Int("replayed", len(replay)).Msg("dmeventd starting")
	return disp.Run()
}

func startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	srv := &http.Server{Addr: metricsListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("metrics").Warn().Err(err).Msg("metrics server exited")
		}
	}()
}
