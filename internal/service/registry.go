package service

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

type binding struct {
	lifetime  pluginapi.Lifetime
	construct func(pluginapi.Resolver) (any, error)
}

// Registry collects service bindings while a container is being built.
// Later registrations for the same type win, so a plugin can override an
// auto-registered binding from its lifetime table.
type Registry struct {
	mu       sync.Mutex
	bindings map[reflect.Type]*binding
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[reflect.Type]*binding)}
}

var _ pluginapi.Registrar = (*Registry)(nil)

// Register records a binding under its primary type and every additional
// type listed in As.
func (r *Registry) Register(reg pluginapi.Registration) error {
	if reg.Type == nil {
		return fmt.Errorf("registration requires a service type")
	}
	if reg.Construct == nil {
		return fmt.Errorf("registration for %s requires a constructor", reg.Type)
	}

	b := &binding{lifetime: reg.Lifetime, construct: reg.Construct}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.bindings[reg.Type] = b
	for _, alias := range reg.As {
		if alias == nil || alias == reg.Type {
			continue
		}
		r.bindings[alias] = b
	}
	return nil
}

func (r *Registry) lookup(t reflect.Type) (*binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[t]
	return b, ok
}

func (r *Registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}
