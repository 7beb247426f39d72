package daemon

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/dmeventd/pkg/log"
	"github.com/cuemby/dmeventd/pkg/registry"
)

// shutdownSignals are the signals that set the registry's shutdown
// flag to "signaled" (spec §4.6). Delivery is idempotent: a second
// signal after the first has already advanced the state to
// "scheduled" has no further effect, because registry.SignalShutdown
// only moves the state forward.
var shutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT}

// InstallSignalHandling wires shutdownSignals to reg.SignalShutdown
// and ignores SIGPIPE at process scope (spec §4.6). It returns a stop
// function that releases the underlying os/signal channel; callers
// normally never call it in production, only in tests.
func InstallSignalHandling(reg *registry.Registry) (stop func()) {
	signal.Ignore(syscall.SIGPIPE)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, shutdownSignals...)

	done := make(chan struct{})
	go func() {
		logger := log.WithComponent("daemon")
		for {
			select {
			case sig := <-ch:
				logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
				reg.SignalShutdown()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
