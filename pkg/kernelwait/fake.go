package kernelwait

import (
	"fmt"
	"sync"

	"github.com/cuemby/dmeventd/pkg/types"
)

// FakeWaiter is a test double for Waiter. Each device's script is a
// queue of scripted results consumed one per Wait call, looping on the
// last entry once exhausted.
type FakeWaiter struct {
	mu       sync.Mutex
	devices  map[string]types.Device
	script   map[string][]FakeStep
	position map[string]int
	closed   bool
}

// FakeStep scripts one Wait() return.
type FakeStep struct {
	Outcome Outcome
	Events  types.EventMask
	Err     error
}

// NewFakeWaiter creates an empty fake; use Seed to register devices.
func NewFakeWaiter() *FakeWaiter {
	return &FakeWaiter{
		devices:  make(map[string]types.Device),
		script:   make(map[string][]FakeStep),
		position: make(map[string]int),
	}
}

// Seed registers a device and its scripted Wait outcomes.
func (f *FakeWaiter) Seed(dev types.Device, steps ...FakeStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[dev.UUID] = dev
	f.script[dev.UUID] = steps
}

func (f *FakeWaiter) Resolve(uuid string) (types.Device, *types.WaitTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[uuid]
	if !ok {
		return types.Device{}, nil, fmt.Errorf("kernelwait: fake: unknown device %s", uuid)
	}
	return dev, &types.WaitTask{Device: dev}, nil
}

func (f *FakeWaiter) Wait(task *types.WaitTask) (Outcome, types.EventMask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	steps := f.script[task.Device.UUID]
	if len(steps) == 0 {
		return OutcomeFatal, 0, fmt.Errorf("kernelwait: fake: %s disappeared", task.Device.UUID)
	}
	idx := f.position[task.Device.UUID]
	if idx >= len(steps) {
		idx = len(steps) - 1
	} else {
		f.position[task.Device.UUID] = idx + 1
	}
	step := steps[idx]
	return step.Outcome, step.Events, step.Err
}

func (f *FakeWaiter) Status(device types.Device) (*types.WaitTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[device.UUID]; !ok {
		return nil, fmt.Errorf("kernelwait: fake: unknown device %s", device.UUID)
	}
	return &types.WaitTask{Device: device, FreshStatus: true}, nil
}

func (f *FakeWaiter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close has been called, for test assertions.
func (f *FakeWaiter) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
