// Command greet is a sample plugin bundle that renders greetings from a
// configurable template. Build it with:
//
//	go build -buildmode=plugin -o greet.so ./plugins/greet
package main

import (
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"github.com/go-chi/chi/v5"

	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

const defaultTemplate = "Hello, {{.Name}}!"

// Greeter renders greetings from the template configured at container
// build time. One instance serves every request until the next rebuild.
type Greeter struct {
	tmpl *template.Template
}

// Greet renders the greeting for name.
func (g *Greeter) Greet(name string) (string, error) {
	var sb strings.Builder
	if err := g.tmpl.Execute(&sb, struct{ Name string }{Name: name}); err != nil {
		return "", err
	}
	return sb.String(), nil
}

type greetPlugin struct{}

func (p *greetPlugin) Name() string        { return "greet" }
func (p *greetPlugin) Version() string     { return "0.2.0" }
func (p *greetPlugin) Description() string { return "Templated greetings" }

// The greeting route links to calc's about page, so calc loads first.
func (p *greetPlugin) Dependencies() []string { return []string{"calc"} }

func (p *greetPlugin) ConfigureServices(reg pluginapi.Registrar, cfg pluginapi.Settings) error {
	text, ok := cfg.String("greeting")
	if !ok {
		text = defaultTemplate
	}

	tmpl, err := template.New("greeting").Parse(text)
	if err != nil {
		return fmt.Errorf("parse greeting template: %w", err)
	}

	return reg.Register(pluginapi.Registration{
		Type:     pluginapi.TypeOf[*Greeter](),
		Lifetime: pluginapi.Singleton,
		Construct: func(pluginapi.Resolver) (any, error) {
			return &Greeter{tmpl: tmpl}, nil
		},
	})
}

func (p *greetPlugin) ConfigureApplication(r chi.Router, env pluginapi.HostEnv) error {
	r.Get("/about", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "greet %s, see also /plugins/calc/about", p.Version())
	})
	return nil
}

func greetHandler(services pluginapi.Resolver) (http.Handler, error) {
	v, err := services.Resolve(pluginapi.TypeOf[*Greeter]())
	if err != nil {
		return nil, err
	}
	greeter := v.(*Greeter)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "world"
		}
		out, err := greeter.Greet(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, out)
	}), nil
}

// PluginDescriptor is the symbol the host looks up after opening the
// bundle's shared object.
var PluginDescriptor = &pluginapi.Descriptor{
	Plugin: &greetPlugin{},
	Handlers: []pluginapi.HandlerRegistration{
		{Pattern: "/greet", Build: greetHandler},
	},
}

// main is required for a main package but never runs; the host loads
// this bundle via the plugin package and uses PluginDescriptor.
func main() {}
