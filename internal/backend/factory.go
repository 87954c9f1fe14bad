package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/smarzola/ldapgate/pkg/config"
)

// Factory opens a backend from the resolved configuration
type Factory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Backend, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a backend class available to Open. It panics on duplicate
// registration.
func Register(class string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, dup := factories[class]; dup {
		panic("backend: Register called twice for class " + class)
	}
	factories[class] = f
}

// Classes returns the registered backend classes, sorted
func Classes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	classes := make([]string, 0, len(factories))
	for c := range factories {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

// Open instantiates the backend class named by cfg.Backend.Class
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Backend, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Backend.Class]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownClass, cfg.Backend.Class, Classes())
	}

	b, err := f(ctx, cfg, logger.With("backend", cfg.Backend.Class))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend.Class, err)
	}
	return b, nil
}
