package plugin

import (
	"errors"
	"testing"

	"github.com/cuemby/dmeventd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopRegister(name, uuid string, major, minor uint32) (interface{}, error) { return nil, nil }
func noopProcess(state interface{}, task *types.WaitTask, events types.EventMask) (interface{}, error) {
	return state, nil
}
func noopUnregister(state interface{}, name, uuid string, major, minor uint32) error { return nil }

type countingHold struct {
	acquires, releases int
}

func (h *countingHold) Acquire() error { h.acquires++; return nil }
func (h *countingHold) Release() error { h.releases++; return nil }

func newTestRegistry() (*Registry, *countingHold) {
	loader := FakeLoader{Plugins: map[string]FakePlugin{
		"p.so": {Register: noopRegister, Process: noopProcess, Unregister: noopUnregister},
	}}
	hold := &countingHold{}
	return NewRegistry(loader, hold, ""), hold
}

func TestLoadThenLookup(t *testing.T) {
	r, hold := newTestRegistry()

	d, err := r.Load("p.so")
	require.NoError(t, err)
	assert.Equal(t, "p.so", d.Name)
	assert.Equal(t, 1, hold.acquires)

	found, ok := r.Lookup("p.so")
	assert.True(t, ok)
	assert.Same(t, d, found)
}

func TestLoadIsIdempotent(t *testing.T) {
	r, hold := newTestRegistry()

	d1, err := r.Load("p.so")
	require.NoError(t, err)
	d2, err := r.Load("p.so")
	require.NoError(t, err)

	assert.Same(t, d1, d2)
	assert.Equal(t, 1, hold.acquires, "second Load of an already-loaded plugin must not re-acquire the hold")
}

func TestLoadMissingPlugin(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.Load("missing.so")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlopen")

	_, ok := r.Lookup("missing.so")
	assert.False(t, ok)
}

func TestAcquireReleaseRefcountLifecycle(t *testing.T) {
	r, hold := newTestRegistry()

	d, err := r.Load("p.so")
	require.NoError(t, err)
	r.Acquire(d)
	r.Acquire(d)
	assert.Equal(t, 2, d.RefCount)

	r.Release(d)
	assert.Equal(t, 1, d.RefCount)
	_, ok := r.Lookup("p.so")
	assert.True(t, ok, "descriptor survives while refcount is positive")
	assert.Equal(t, 0, hold.releases)

	r.Release(d)
	assert.Equal(t, 0, d.RefCount)
	_, ok = r.Lookup("p.so")
	assert.False(t, ok, "descriptor is unlinked once refcount reaches zero")
	assert.Equal(t, 1, hold.releases)
	assert.False(t, r.IdleSince().IsZero())
}

func TestRefCountsSnapshot(t *testing.T) {
	r, _ := newTestRegistry()
	d, err := r.Load("p.so")
	require.NoError(t, err)
	r.Acquire(d)
	r.Acquire(d)
	r.Acquire(d)

	counts := r.RefCounts()
	assert.Equal(t, int32(3), counts["p.so"])
}

func TestAcquireHoldErrorRollsBackLoad(t *testing.T) {
	loader := FakeLoader{Plugins: map[string]FakePlugin{
		"p.so": {Register: noopRegister, Process: noopProcess, Unregister: noopUnregister},
	}}
	hold := failingHold{err: errors.New("control device busy")}
	r := NewRegistry(loader, hold, "")

	_, err := r.Load("p.so")
	require.Error(t, err)

	_, ok := r.Lookup("p.so")
	assert.False(t, ok, "failed hold acquisition must not leave a dangling descriptor")
}

type failingHold struct{ err error }

func (h failingHold) Acquire() error { return h.err }
func (h failingHold) Release() error { return nil }
