package service

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/jfourny/pluginhost/internal/logger"
	streamerrors "github.com/jfourny/pluginhost/pkg/errors"
	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// Container owns one plugin's resolved service graph. It can be rebuilt
// in place without touching the plugin's loaded code: readers always see
// either the fully-old or fully-new scope, never a half-built one.
type Container struct {
	name string
	log  *logger.Logger

	mu       sync.Mutex
	registry *Registry
	scope    *Scope
	disposed bool
}

// NewContainer creates an empty container for the named plugin.
func NewContainer(name string, log *logger.Logger) *Container {
	return &Container{name: name, log: log.WithPlugin(name)}
}

// Build constructs a fresh registry, lets the plugin register its own
// services, applies the descriptor's lifetime table, and installs the
// resulting scope. Any previously installed scope is disposed only after
// the new one is visible. A disposed container stays disposed: Build
// refuses instead of resurrecting a scope an unload already tore down.
func (c *Container) Build(desc *pluginapi.Descriptor, cfg pluginapi.Settings) error {
	if desc == nil || desc.Plugin == nil {
		return streamerrors.NewPluginError(c.name, fmt.Errorf("descriptor has no plugin contract"))
	}

	registry := NewRegistry()
	if err := desc.Plugin.ConfigureServices(registry, cfg); err != nil {
		return streamerrors.NewPluginError(c.name, fmt.Errorf("configure services: %w", err))
	}

	for _, reg := range desc.Services {
		if err := registry.Register(reg); err != nil {
			return streamerrors.NewPluginError(c.name, fmt.Errorf("lifetime table: %w", err))
		}
	}

	scope := newScope(registry)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		scope.Dispose()
		return streamerrors.NewPluginError(c.name, fmt.Errorf("container is disposed"))
	}
	old := c.scope
	c.registry = registry
	c.scope = scope
	c.mu.Unlock()

	if old != nil {
		old.Dispose()
		c.log.Debug("service scope rebuilt")
	}
	return nil
}

// Scope returns the currently live scope, or nil before the first Build
// or after Dispose.
func (c *Container) Scope() *Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// Resolve resolves t against the live scope.
func (c *Container) Resolve(t reflect.Type) (any, error) {
	c.mu.Lock()
	scope := c.scope
	c.mu.Unlock()

	if scope == nil {
		return nil, pluginapi.ErrNotRegistered
	}
	return scope.Resolve(t)
}

// Bindings reports how many service bindings the live registry holds.
func (c *Container) Bindings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry == nil {
		return 0
	}
	return c.registry.len()
}

// Dispose releases the live scope and registry. Idempotent.
func (c *Container) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	scope := c.scope
	c.scope = nil
	c.registry = nil
	c.mu.Unlock()

	if scope != nil {
		scope.Dispose()
	}
}
