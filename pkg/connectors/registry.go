package connectors

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var ErrUnknownType = errors.New("unknown connector type")

// Factory returns a fresh, unconfigured connector.
type Factory func() Connector

// Registry maps connector type names to factories. Build it once at start
// up and pass it along; there is no global registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) error {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || f == nil {
		return fmt.Errorf("invalid connector registration %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[n]; exists {
		return fmt.Errorf("connector type already registered: %s", n)
	}
	r.factories[n] = f
	return nil
}

// New returns a fresh connector of the given type.
func (r *Registry) New(name string) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return f(), nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
