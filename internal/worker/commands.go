package worker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// CommandRegistry tracks which commands are enabled on this cluster. A
// command disabled before it is registered starts out disabled.
type CommandRegistry struct {
	logger *zap.Logger

	mu         sync.RWMutex
	registered map[string]struct{}
	disabled   map[string]struct{}
}

// NewCommandRegistry creates an empty registry
func NewCommandRegistry(logger *zap.Logger) *CommandRegistry {
	return &CommandRegistry{
		logger:     logger.Named("commands"),
		registered: make(map[string]struct{}),
		disabled:   make(map[string]struct{}),
	}
}

// Register adds commands to the registry
func (r *CommandRegistry) Register(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.registered[name] = struct{}{}
	}
}

func (r *CommandRegistry) DisableCommand(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registered[name]; !ok {
		r.logger.Warn("Disabling unregistered command", zap.String("command", name))
	}
	r.disabled[name] = struct{}{}
	r.logger.Info("Command disabled", zap.String("command", name))
	return nil
}

func (r *CommandRegistry) EnableCommand(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.disabled, name)
	r.logger.Info("Command enabled", zap.String("command", name))
	return nil
}

// Enabled reports whether name is registered and not disabled
func (r *CommandRegistry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.registered[name]; !ok {
		return false
	}
	_, off := r.disabled[name]
	return !off
}

// Disabled returns the disabled command names in order
func (r *CommandRegistry) Disabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.disabled))
	for name := range r.disabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
