package plugin

import (
	"fmt"
	stdplugin "plugin"

	"github.com/cuemby/dmeventd/pkg/types"
)

// Loader opens a named plugin object and resolves its three ABI entry
// points. Tests substitute FakeLoader to avoid building real .so
// files.
type Loader interface {
	Load(path string) (types.RegisterFunc, types.ProcessFunc, types.UnregisterFunc, error)
}

// DSOLoader loads plugins with Go's stdlib plugin package. The three
// ABI symbols (spec §6.3) are looked up by their Go-exported names.
type DSOLoader struct{}

const (
	symRegisterDevice   = "RegisterDevice"
	symProcessEvent     = "ProcessEvent"
	symUnregisterDevice = "UnregisterDevice"
)

// Load opens path with immediate symbol resolution and resolves the
// three required symbols. Any failure is reported with a descriptive
// string suitable for returning to the client (spec §4.1 Failure).
func (DSOLoader) Load(path string) (types.RegisterFunc, types.ProcessFunc, types.UnregisterFunc, error) {
	p, err := stdplugin.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dlopen %s: %w", path, err)
	}

	regSym, err := p.Lookup(symRegisterDevice)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dlopen %s: missing symbol %s: %w", path, symRegisterDevice, err)
	}
	register, ok := regSym.(types.RegisterFunc)
	if !ok {
		return nil, nil, nil, fmt.Errorf("dlopen %s: symbol %s has wrong type", path, symRegisterDevice)
	}

	procSym, err := p.Lookup(symProcessEvent)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dlopen %s: missing symbol %s: %w", path, symProcessEvent, err)
	}
	process, ok := procSym.(types.ProcessFunc)
	if !ok {
		return nil, nil, nil, fmt.Errorf("dlopen %s: symbol %s has wrong type", path, symProcessEvent)
	}

	unregSym, err := p.Lookup(symUnregisterDevice)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dlopen %s: missing symbol %s: %w", path, symUnregisterDevice, err)
	}
	unregister, ok := unregSym.(types.UnregisterFunc)
	if !ok {
		return nil, nil, nil, fmt.Errorf("dlopen %s: symbol %s has wrong type", path, symUnregisterDevice)
	}

	return register, process, unregister, nil
}
