package stepping

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/pkg/config"
)

// BuiltinFactory builds an optional built-in step from the algo configuration.
// It returns a nil Step when the built-in is disabled.
type BuiltinFactory func(cfg *config.AlgoConfig, logger *zap.Logger) (Step, error)

var (
	builtinsMu sync.RWMutex
	builtins   = make(map[string]BuiltinFactory)
)

// RegisterBuiltinStep makes a built-in step available to every algo under id.
// Packages providing built-ins call it from init.
func RegisterBuiltinStep(id string, factory BuiltinFactory) {
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	if factory == nil {
		panic("stepping: RegisterBuiltinStep factory is nil")
	}
	builtins[id] = factory
}

func builtinStep(id string) (BuiltinFactory, bool) {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	f, ok := builtins[id]
	return f, ok
}

func builtinIDs() []string {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	ids := make([]string, 0, len(builtins))
	for id := range builtins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
