package engine

import (
	"fmt"
	"slices"
	"sync"

	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
)

var (
	registryMu   sync.RWMutex
	constructors = make(map[string]Constructor)
)

// Register makes a backend available to Create under name. It is meant to be called
// from the backend package's init and panics if name is already taken.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if name == "" || ctor == nil {
		panic("engine: Register needs a name and a constructor")
	}
	if _, dup := constructors[name]; dup {
		panic(fmt.Sprintf("engine: backend %q registered twice", name))
	}
	constructors[name] = ctor
}

// Create builds the engine registered under name.
func Create(name string, cfg config.Configuration, buf *modelbuffer.ModelBuffer) (Engine, error) {
	registryMu.RLock()
	ctor, ok := constructors[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errdefs.Configurationf("unknown engine type %q (registered: %v)", name, Registered())
	}
	if buf == nil || buf.Size() == 0 {
		return nil, errdefs.Configurationf("engine %q needs a non-empty model", name)
	}
	e, err := ctor(cfg, buf)
	if err != nil {
		err = fmt.Errorf("creating %s engine: %w", name, err)
		// Unclassified constructor errors are a model the backend cannot use.
		if errdefs.Kind(err) == nil {
			err = errdefs.Mark(err, errdefs.ErrConfiguration)
		}
		return nil, err
	}
	return e, nil
}

// Registered returns the sorted names of every registered backend.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
