// Package mgmt exposes the host's management API and routes plugin
// traffic into per-plugin routers.
package mgmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jfourny/pluginhost/internal/host"
	"github.com/jfourny/pluginhost/internal/logger"
	"github.com/jfourny/pluginhost/internal/reload"
	streamerrors "github.com/jfourny/pluginhost/pkg/errors"
	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// RegistryAPI is the registry surface the management server drives.
type RegistryAPI interface {
	Get(name string) (*host.PluginModule, bool)
	Modules() []*host.PluginModule
	List() []string
	Count() int
	Reload(name string) (*host.PluginModule, error)
	ReloadAll()
	Unload(name string) error
	UnloadAll()
	RecentEvents() []host.Notification
}

// MetricsSource reports reload coordinator counters for /status. May be
// nil when no watcher is running.
type MetricsSource func() reload.Metrics

// Server owns the HTTP surface: management endpoints under /api/v1 and
// plugin-owned routes dispatched through a per-plugin mount table. The
// mount table is swapped atomically per plugin on (re)activation, so
// in-flight requests finish against the router they started on.
type Server struct {
	registry RegistryAPI
	env      pluginapi.HostEnv
	metrics  MetricsSource
	log      *logger.Logger
	router   chi.Router
	started  time.Time

	mu     sync.RWMutex
	mounts map[string]chi.Router
}

// NewServer builds the management router. metrics may be nil.
func NewServer(registry RegistryAPI, env pluginapi.HostEnv, metrics MetricsSource, log *logger.Logger) *Server {
	s := &Server{
		registry: registry,
		env:      env,
		metrics:  metrics,
		log:      log.WithComponent("mgmt"),
		started:  time.Now(),
		mounts:   make(map[string]chi.Router),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/events", s.events)
		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", s.listPlugins)
			r.Post("/reload", s.reloadAll)
			r.Delete("/", s.unloadAll)
			r.Get("/{name}", s.getPlugin)
			r.Post("/{name}/reload", s.reloadPlugin)
			r.Delete("/{name}", s.unloadPlugin)
		})
	})

	// Plugin-owned routes live outside the management prefix.
	r.HandleFunc("/plugins/{name}", s.dispatch)
	r.HandleFunc("/plugins/{name}/*", s.dispatch)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Activate builds the module's router from its contract and handler
// registrations and installs it in the mount table, replacing any prior
// router for the same plugin. Errors and panics are isolated to the
// module; a failed activation leaves no mount behind.
func (s *Server) Activate(m *host.PluginModule) error {
	var scope pluginapi.Resolver
	if c := m.Container(); c != nil {
		if live := c.Scope(); live != nil {
			scope = live
		}
	}
	return s.activate(m.Name, m.Descriptor(), scope)
}

func (s *Server) activate(name string, desc *pluginapi.Descriptor, scope pluginapi.Resolver) error {
	sub, err := s.buildRoutes(desc, scope)
	if err != nil {
		s.Deactivate(name)
		return streamerrors.NewPluginError(name, err)
	}

	s.mu.Lock()
	s.mounts[name] = sub
	s.mu.Unlock()

	s.log.Debug(fmt.Sprintf("plugin %s routes mounted", name))
	return nil
}

// Deactivate removes the plugin's mount. Unknown names are a no-op.
func (s *Server) Deactivate(name string) {
	s.mu.Lock()
	delete(s.mounts, name)
	s.mu.Unlock()
}

// MountAll activates every module, logging and skipping failures.
func (s *Server) MountAll(modules []*host.PluginModule) {
	for _, m := range modules {
		if err := s.Activate(m); err != nil {
			s.log.Warn(fmt.Sprintf("mount %s: %v", m.Name, err))
		}
	}
}

func (s *Server) buildRoutes(desc *pluginapi.Descriptor, scope pluginapi.Resolver) (router chi.Router, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			router, err = nil, fmt.Errorf("configure application panicked: %v", rec)
		}
	}()

	if desc == nil || desc.Plugin == nil || scope == nil {
		return nil, fmt.Errorf("module has no active contract")
	}

	sub := chi.NewRouter()
	if err := desc.Plugin.ConfigureApplication(sub, s.env); err != nil {
		return nil, fmt.Errorf("configure application: %w", err)
	}

	for _, reg := range desc.Handlers {
		h, buildErr := reg.Build(scope)
		if buildErr != nil {
			return nil, fmt.Errorf("build handler %s: %w", reg.Pattern, buildErr)
		}
		sub.Handle(reg.Pattern, h)
	}

	return sub, nil
}

// dispatch routes /plugins/{name}/... into the plugin's current router.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.RLock()
	sub, ok := s.mounts[name]
	s.mu.RUnlock()

	if !ok {
		sendError(w, http.StatusNotFound, fmt.Sprintf("no routes mounted for plugin %q", name))
		return
	}
	http.StripPrefix("/plugins/"+name, sub).ServeHTTP(w, r)
}

type pluginSummary struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Path         string   `json:"path"`
	Bindings     int      `json:"bindings"`
	Mounted      bool     `json:"mounted"`
}

func (s *Server) summarize(m *host.PluginModule) pluginSummary {
	s.mu.RLock()
	_, mounted := s.mounts[m.Name]
	s.mu.RUnlock()

	bindings := 0
	if c := m.Container(); c != nil {
		bindings = c.Bindings()
	}

	return pluginSummary{
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Dependencies: m.Dependencies,
		Path:         m.Path,
		Bindings:     bindings,
		Mounted:      mounted,
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"plugins":        s.registry.List(),
		"count":          s.registry.Count(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if s.metrics != nil {
		body["reload"] = s.metrics()
	}
	sendJSON(w, http.StatusOK, body)
}

func (s *Server) events(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.registry.RecentEvents())
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	modules := s.registry.Modules()
	out := make([]pluginSummary, 0, len(modules))
	for _, m := range modules {
		out = append(out, s.summarize(m))
	}
	sendJSON(w, http.StatusOK, out)
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, ok := s.registry.Get(name)
	if !ok {
		sendError(w, http.StatusNotFound, fmt.Sprintf("plugin %q not loaded", name))
		return
	}
	sendJSON(w, http.StatusOK, s.summarize(m))
}

func (s *Server) reloadPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, err := s.registry.Reload(name)
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, s.summarize(m))
}

func (s *Server) unloadPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Unload(name); err != nil {
		s.writeOperationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reloadAll(w http.ResponseWriter, _ *http.Request) {
	s.registry.ReloadAll()
	sendJSON(w, http.StatusOK, map[string]any{"count": s.registry.Count()})
}

func (s *Server) unloadAll(w http.ResponseWriter, _ *http.Request) {
	s.registry.UnloadAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeOperationError(w http.ResponseWriter, err error) {
	var notFound *streamerrors.NotFoundError
	if errors.As(err, &notFound) {
		sendError(w, http.StatusNotFound, err.Error())
		return
	}
	sendError(w, http.StatusInternalServerError, err.Error())
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
