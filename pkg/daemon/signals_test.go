package daemon

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/cuemby/dmeventd/pkg/kernelwait"
	"github.com/cuemby/dmeventd/pkg/plugin"
	"github.com/cuemby/dmeventd/pkg/registry"
	"github.com/cuemby/dmeventd/pkg/scheduler"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *registry.Registry {
	fw := kernelwait.NewFakeWaiter()
	plugins := plugin.NewRegistry(plugin.FakeLoader{}, plugin.NoopControlHold{}, "")
	return registry.New(registry.Config{
		Plugins:   plugins,
		Scheduler: scheduler.New(),
		Resolver:  fw,
		WaiterFactory: func() (kernelwait.Waiter, error) {
			return fw, nil
		},
		GraceFunc: func() time.Duration { return 0 },
	})
}

func TestInstallSignalHandlingSchedulesShutdownOnSIGTERM(t *testing.T) {
	reg := newTestRegistry()
	stop := InstallSignalHandling(reg)
	defer stop()

	require.False(t, reg.ShutdownSignaled())
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	require.Eventually(t, reg.ShutdownSignaled, time.Second, 5*time.Millisecond)
}
