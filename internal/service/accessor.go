package service

import (
	"fmt"

	streamerrors "github.com/jfourny/pluginhost/pkg/errors"
	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// ContainerSource exposes the current container mapping. The plugin
// registry implements it; the accessor reads through it on every call so
// a reload that swaps a container is visible to the next resolution.
type ContainerSource interface {
	// Container returns the named plugin's current container.
	Container(name string) (*Container, bool)
	// Containers returns all current containers in registry load order.
	Containers() []*Container
}

// Accessor resolves services against whichever container is currently
// active, so callers never hold a stale reference across a reload.
type Accessor struct {
	source ContainerSource
}

// NewAccessor creates an accessor bound to the given source.
func NewAccessor(source ContainerSource) *Accessor {
	return &Accessor{source: source}
}

// Resolve returns the service of type T from the named plugin's current
// container. An empty pluginName searches all containers in registry
// order and returns the first match. The second return value is false if
// the plugin is unknown or the service is unregistered.
func Resolve[T any](a *Accessor, pluginName string) (T, bool) {
	v, err := resolve[T](a, pluginName)
	if err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

// Require behaves like Resolve but signals an error when the service is
// absent.
func Require[T any](a *Accessor, pluginName string) (T, error) {
	return resolve[T](a, pluginName)
}

func resolve[T any](a *Accessor, pluginName string) (T, error) {
	var zero T
	t := pluginapi.TypeOf[T]()

	if pluginName != "" {
		container, ok := a.source.Container(pluginName)
		if !ok {
			return zero, streamerrors.NewNotFoundError("plugin", pluginName)
		}
		v, err := container.Resolve(t)
		if err != nil {
			return zero, streamerrors.NewNotFoundError("service", fmt.Sprintf("%s in plugin %s", t, pluginName))
		}
		return v.(T), nil
	}

	for _, container := range a.source.Containers() {
		v, err := container.Resolve(t)
		if err == nil {
			return v.(T), nil
		}
	}
	return zero, streamerrors.NewNotFoundError("service", t.String())
}
