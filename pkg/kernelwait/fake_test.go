package kernelwait

import (
	"testing"

	"github.com/cuemby/dmeventd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeWaiterResolveUnknown(t *testing.T) {
	f := NewFakeWaiter()
	_, _, err := f.Resolve("missing")
	assert.Error(t, err)
}

func TestFakeWaiterScriptedSequence(t *testing.T) {
	f := NewFakeWaiter()
	dev := types.Device{UUID: "uuid-1", Name: "vg-lv"}
	f.Seed(dev,
		FakeStep{Outcome: OutcomeRetry},
		FakeStep{Outcome: OutcomeInterrupted, Events: types.EventDeviceError},
		FakeStep{Outcome: OutcomeFatal},
	)

	_, task, err := f.Resolve(dev.UUID)
	require.NoError(t, err)

	outcome, _, err := f.Wait(task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)

	outcome, events, err := f.Wait(task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, outcome)
	assert.Equal(t, types.EventDeviceError, events)

	outcome, _, err = f.Wait(task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatal, outcome)

	// Exhausted script repeats its last step.
	outcome, _, err = f.Wait(task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatal, outcome)
}

func TestFakeWaiterStatusAndClose(t *testing.T) {
	f := NewFakeWaiter()
	dev := types.Device{UUID: "uuid-2", Name: "vg-lv2"}
	f.Seed(dev)

	task, err := f.Status(dev)
	require.NoError(t, err)
	assert.True(t, task.FreshStatus)

	require.NoError(t, f.Close())
	assert.True(t, f.Closed())
}
