package plugin

import (
	"fmt"

	"github.com/cuemby/dmeventd/pkg/types"
)

// FakeLoader resolves a fixed set of in-process entry points by path,
// standing in for a real .so in tests.
type FakeLoader struct {
	Plugins map[string]FakePlugin
}

// FakePlugin is one in-memory plugin's ABI entry points.
type FakePlugin struct {
	Register   types.RegisterFunc
	Process    types.ProcessFunc
	Unregister types.UnregisterFunc
}

func (f FakeLoader) Load(path string) (types.RegisterFunc, types.ProcessFunc, types.UnregisterFunc, error) {
	p, ok := f.Plugins[path]
	if !ok {
		return nil, nil, nil, fmt.Errorf("dlopen %s: no such file or directory", path)
	}
	return p.Register, p.Process, p.Unregister, nil
}
