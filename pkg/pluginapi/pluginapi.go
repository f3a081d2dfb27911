// Package pluginapi defines the contract between the host and loadable
// plugin bundles. A bundle is built with -buildmode=plugin and exports a
// single symbol:
//
//	var PluginDescriptor *pluginapi.Descriptor
//
// The host looks the symbol up after loading the bundle's shared object
// and drives the whole plugin lifecycle through the descriptor. Discovery
// is a typed call, never runtime type scanning.
package pluginapi

import (
	"context"
	"errors"
	"net/http"
	"reflect"

	"github.com/go-chi/chi/v5"
)

// ErrNotRegistered is returned by resolvers when no binding exists for the
// requested service type.
var ErrNotRegistered = errors.New("service not registered")

// Lifetime controls how instances of a registered service are managed.
type Lifetime int

const (
	// Singleton yields one instance for the lifetime of the container.
	Singleton Lifetime = iota
	// Scoped yields one instance per logical scope (request).
	Scoped
	// Transient yields a new instance per resolution.
	Transient
)

func (l Lifetime) String() string {
	switch l {
	case Singleton:
		return "singleton"
	case Scoped:
		return "scoped"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Resolver resolves service instances from whichever scope is currently
// live. Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(t reflect.Type) (any, error)
}

// Registrar receives service registrations from a plugin's
// ConfigureServices callback.
type Registrar interface {
	Register(reg Registration) error
}

// Registration describes one service binding. Construct is invoked lazily
// according to Lifetime; As lists additional interface types the instance
// is registered under.
type Registration struct {
	Type      reflect.Type
	Lifetime  Lifetime
	Construct func(Resolver) (any, error)
	As        []reflect.Type
}

// TypeOf returns the reflect.Type for T, usable as a registration or
// resolution key for both interface and concrete types.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// HostEnv carries host-side context into ConfigureApplication.
type HostEnv struct {
	Environment string
	PluginDir   string
}

// Plugin is the contract every loadable bundle must expose through its
// descriptor.
//
// ConfigureServices is called each time the plugin's service container is
// (re)built; it must be synchronous and register only into the supplied
// registrar. ConfigureApplication is called once per successful
// (re)activation, in dependency-resolved order, and wires the plugin into
// the host's request router. A panic or error in either is isolated to
// this plugin.
type Plugin interface {
	Name() string
	Version() string
	Description() string
	Dependencies() []string
	ConfigureServices(reg Registrar, cfg Settings) error
	ConfigureApplication(r chi.Router, env HostEnv) error
}

// Initializer runs asynchronous post-build setup. Lower Order runs first;
// ties keep discovery order. A failing initializer is logged and skipped.
type Initializer interface {
	Order() int
	Initialize(ctx context.Context, services Resolver) error
}

// HandlerRegistration declares one mountable request handler. Build is
// invoked against the plugin's current scope on every activation.
type HandlerRegistration struct {
	Pattern string
	Build   func(Resolver) (http.Handler, error)
}

// Descriptor is the explicit registration surface a bundle exports.
// Services is the plugin's lifetime table: every entry is auto-registered
// into the container after ConfigureServices runs, under its own type and
// each type listed in As.
type Descriptor struct {
	Plugin       Plugin
	Services     []Registration
	Initializers []func(Resolver) (Initializer, error)
	Handlers     []HandlerRegistration
}
