// Command calc is a sample plugin bundle. Build it with:
//
//	go build -buildmode=plugin -o calc.so ./plugins/calc
//
// and place calc.so in a bundle directory named "calc" under the host's
// plugin root.
package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// Calculator is the service this bundle contributes. One instance lives
// for the whole container lifetime and counts the operations it served.
type Calculator struct {
	precision int
	ops       atomic.Int64
}

// Add returns a+b rounded to the configured precision.
func (c *Calculator) Add(a, b float64) string {
	c.ops.Add(1)
	return strconv.FormatFloat(a+b, 'f', c.precision, 64)
}

// Operations reports how many calculations this instance served.
func (c *Calculator) Operations() int64 {
	return c.ops.Load()
}

type calcPlugin struct{}

func (p *calcPlugin) Name() string           { return "calc" }
func (p *calcPlugin) Version() string        { return "1.0.0" }
func (p *calcPlugin) Description() string    { return "Arithmetic over HTTP" }
func (p *calcPlugin) Dependencies() []string { return nil }

func (p *calcPlugin) ConfigureServices(reg pluginapi.Registrar, cfg pluginapi.Settings) error {
	precision, ok := cfg.Int("precision")
	if !ok {
		precision = 2
	}

	return reg.Register(pluginapi.Registration{
		Type:     pluginapi.TypeOf[*Calculator](),
		Lifetime: pluginapi.Singleton,
		Construct: func(pluginapi.Resolver) (any, error) {
			return &Calculator{precision: precision}, nil
		},
	})
}

func (p *calcPlugin) ConfigureApplication(r chi.Router, env pluginapi.HostEnv) error {
	r.Get("/about", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "calc %s (%s)", p.Version(), env.Environment)
	})
	return nil
}

type warmup struct {
	calc *Calculator
}

func (i *warmup) Order() int { return 0 }

func (i *warmup) Initialize(ctx context.Context, _ pluginapi.Resolver) error {
	// Prime the singleton so the first request pays no construction cost.
	i.calc.Add(0, 0)
	return nil
}

func resolveCalculator(services pluginapi.Resolver) (*Calculator, error) {
	v, err := services.Resolve(pluginapi.TypeOf[*Calculator]())
	if err != nil {
		return nil, err
	}
	return v.(*Calculator), nil
}

func sumHandler(services pluginapi.Resolver) (http.Handler, error) {
	calc, err := resolveCalculator(services)
	if err != nil {
		return nil, err
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, errA := strconv.ParseFloat(r.URL.Query().Get("a"), 64)
		b, errB := strconv.ParseFloat(r.URL.Query().Get("b"), 64)
		if errA != nil || errB != nil {
			http.Error(w, "a and b must be numbers", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, calc.Add(a, b))
	}), nil
}

// PluginDescriptor is the symbol the host looks up after opening the
// bundle's shared object.
var PluginDescriptor = &pluginapi.Descriptor{
	Plugin: &calcPlugin{},
	Initializers: []func(pluginapi.Resolver) (pluginapi.Initializer, error){
		func(services pluginapi.Resolver) (pluginapi.Initializer, error) {
			calc, err := resolveCalculator(services)
			if err != nil {
				return nil, err
			}
			return &warmup{calc: calc}, nil
		},
	},
	Handlers: []pluginapi.HandlerRegistration{
		{Pattern: "/sum", Build: sumHandler},
	},
}

// main is required for a main package but never runs; the host loads
// this bundle via the plugin package and uses PluginDescriptor.
func main() {}
