package accel

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Constructor takes a backend-specific config string (possibly empty) and
// returns a Runtime.
type Constructor func(config string) (Runtime, error)

var (
	registryMu sync.Mutex
	registered = make(map[string]Constructor)
	order      []string
)

// EnvRuntime is the environment variable holding the default runtime
// configuration, formatted as "<runtime_name>[:<runtime_config>]".
const EnvRuntime = "VECADD_RUNTIME"

// Register makes a runtime constructor available under name. Call it from
// package initialization.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := registered[name]; !found {
		order = append(order, name)
	}
	registered[name] = constructor
}

// Registered lists the registered runtime names in sorted order.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registered))
	for name := range registered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a runtime for config, formatted as "<runtime_name>[:<runtime_config>]".
// An empty config falls back to EnvRuntime; when that is empty too, the
// registered runtimes are tried in registration order and the first one that
// opens is returned.
func New(config string) (Runtime, error) {
	if config == "" {
		config = os.Getenv(EnvRuntime)
	}
	registryMu.Lock()
	if len(registered) == 0 {
		registryMu.Unlock()
		return nil, fmt.Errorf("no registered accelerator runtimes - import one, e.g. _ \"github.com/notargets/vecoffload/accel/simdev\"")
	}
	if config == "" {
		candidates := make([]Constructor, len(order))
		names := append([]string(nil), order...)
		for i, name := range names {
			candidates[i] = registered[name]
		}
		registryMu.Unlock()
		var first error
		for i, constructor := range candidates {
			rt, err := constructor("")
			if err == nil {
				return rt, nil
			}
			if first == nil {
				first = fmt.Errorf("runtime %q: %w", names[i], err)
			}
		}
		return nil, first
	}

	name, rest := config, ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name, rest = config[:idx], config[idx+1:]
	}
	constructor, found := registered[name]
	registryMu.Unlock()
	if !found {
		return nil, fmt.Errorf("can't find runtime %q for configuration %q", name, config)
	}
	return constructor(rest)
}
