package host

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/jfourny/pluginhost/internal/logger"
	"github.com/jfourny/pluginhost/internal/service"
	streamerrors "github.com/jfourny/pluginhost/pkg/errors"
	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// Options tunes registry behavior.
type Options struct {
	// ArtifactExt is the tracked binary extension, ".so" by default.
	ArtifactExt string
	// UnlockDelay is the pause between unload and load during a full
	// reload, giving the filesystem time to release the replaced binary.
	// A heuristic tunable, not a correctness guarantee.
	UnlockDelay time.Duration
	// ReleaseRetries bounds the forced-reclaim attempts after unload.
	ReleaseRetries int
	// ReleaseInterval is the pause between reclaim attempts.
	ReleaseInterval time.Duration
	// Environment selects the per-plugin settings override suffix.
	Environment string
}

func (o Options) withDefaults() Options {
	if o.ArtifactExt == "" {
		o.ArtifactExt = ".so"
	}
	if o.UnlockDelay <= 0 {
		o.UnlockDelay = 150 * time.Millisecond
	}
	if o.ReleaseRetries <= 0 {
		o.ReleaseRetries = 3
	}
	if o.ReleaseInterval <= 0 {
		o.ReleaseInterval = 50 * time.Millisecond
	}
	return o
}

// SettingsBuilder builds the configuration snapshot for one plugin
// directory. Injected so snapshot parsing stays outside the registry.
type SettingsBuilder func(dir string) (pluginapi.Settings, error)

// Registry is the single source of truth for which plugins are loaded.
// The name-keyed module map and its dependency-resolved iteration order
// are only ever mutated under the registry's exclusive lock; structural
// operations (load, unload, reload) hold the lock for their whole
// duration, so concurrent reloads of the same plugin serialize rather
// than interleave.
type Registry struct {
	loader        ModuleLoader
	buildSettings SettingsBuilder
	opts          Options
	log           *logger.Logger

	mu      sync.Mutex
	modules map[string]*PluginModule
	order   []string

	events broadcaster
}

// NewRegistry creates an empty registry.
func NewRegistry(loader ModuleLoader, buildSettings SettingsBuilder, opts Options, log *logger.Logger) *Registry {
	if buildSettings == nil {
		buildSettings = func(string) (pluginapi.Settings, error) {
			return pluginapi.Settings{}, nil
		}
	}
	return &Registry{
		loader:        loader,
		buildSettings: buildSettings,
		opts:          opts.withDefaults(),
		log:           log.WithComponent("registry"),
		modules:       make(map[string]*PluginModule),
	}
}

// Options returns the effective registry options.
func (r *Registry) Options() Options {
	return r.opts
}

// Subscribe registers a callback for loaded/unloaded/reloaded
// notifications. Callbacks run synchronously after the triggering
// operation releases the registry lock.
func (r *Registry) Subscribe(fn func(Notification)) {
	r.events.subscribe(fn)
}

// RecentEvents returns the bounded ring of recent notifications.
func (r *Registry) RecentEvents() []Notification {
	return r.events.recentEvents()
}

// LoadAll scans the plugin root, loads every subdirectory that holds a
// valid bundle, orders the successes by declared dependencies, and
// commits the result wholesale, replacing any prior state. A missing
// root is created and yields an empty registry, not an error. One bad
// plugin never blocks the rest.
func (r *Registry) LoadAll(root string) ([]*PluginModule, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		if mkErr := os.MkdirAll(root, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create plugin root: %w", mkErr)
		}
		r.log.Info(fmt.Sprintf("created missing plugin root %s", root))
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan plugin root: %w", err)
	}

	candidates := make(map[string]*PluginModule)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		mod, loadErr := r.loadModule(dir)
		if loadErr != nil {
			r.log.Warn(fmt.Sprintf("skipping plugin %s: %v", entry.Name(), loadErr))
			continue
		}
		candidates[mod.Name] = mod
	}

	order := resolveOrder(candidates, r.log)

	r.mu.Lock()
	old := r.modules
	r.modules = candidates
	r.order = order
	r.mu.Unlock()

	for _, m := range old {
		r.releaseModule(m)
	}
	for _, name := range order {
		r.events.publish(EventLoaded, name)
	}

	return r.Modules(), nil
}

// LoadOne loads the bundle in dir. If a plugin with the same name is
// already registered it is unloaded first. Returns NotFoundError when
// the expected artifact is absent.
func (r *Registry) LoadOne(dir string) (*PluginModule, error) {
	name := filepath.Base(dir)

	var replaced bool
	r.mu.Lock()
	if existing, ok := r.modules[name]; ok {
		r.unloadLocked(existing)
		replaced = true
	}

	mod, err := r.loadModule(dir)
	if err != nil {
		r.mu.Unlock()
		if replaced {
			r.events.publish(EventUnloaded, name)
		}
		return nil, err
	}

	r.modules[mod.Name] = mod
	r.order = resolveOrder(r.modules, r.log)
	r.mu.Unlock()

	if replaced {
		r.events.publish(EventUnloaded, name)
	}
	r.events.publish(EventLoaded, mod.Name)
	return mod, nil
}

// Unload removes the named module, disposes its services, and waits
// best-effort for the loader to confirm release of native resources.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	m, ok := r.modules[name]
	if !ok {
		r.mu.Unlock()
		return streamerrors.NewNotFoundError("plugin", name)
	}
	r.unloadLocked(m)
	r.mu.Unlock()

	r.events.publish(EventUnloaded, name)
	return nil
}

// Reload replaces the named module wholesale: unload, a short pause to
// let the filesystem release the replaced binary, then load from the
// same path. Returns the new module, or an error if the reload failed
// (the module is then no longer registered).
func (r *Registry) Reload(name string) (*PluginModule, error) {
	r.mu.Lock()
	m, ok := r.modules[name]
	if !ok {
		r.mu.Unlock()
		return nil, streamerrors.NewNotFoundError("plugin", name)
	}
	dir := m.Path
	r.unloadLocked(m)

	time.Sleep(r.opts.UnlockDelay)

	mod, err := r.loadModule(dir)
	if err != nil {
		r.mu.Unlock()
		r.events.publish(EventUnloaded, name)
		return nil, err
	}

	r.modules[mod.Name] = mod
	r.order = resolveOrder(r.modules, r.log)
	r.mu.Unlock()

	r.events.publish(EventReloaded, mod.Name)
	return mod, nil
}

// RebuildServices rebuilds the named module's service container from a
// fresh configuration snapshot. Module code is not reloaded.
func (r *Registry) RebuildServices(name string) error {
	r.mu.Lock()
	m, ok := r.modules[name]
	r.mu.Unlock()
	if !ok {
		return streamerrors.NewNotFoundError("plugin", name)
	}

	snapshot, err := r.buildSettings(m.Path)
	if err != nil {
		r.log.Warn(fmt.Sprintf("plugin %s: settings snapshot failed, using empty: %v", name, err))
		snapshot = pluginapi.Settings{}
	}

	if err := m.container.Build(m.descriptor, snapshot); err != nil {
		return err
	}
	m.setSettings(snapshot)

	r.events.publish(EventReloaded, name)
	return nil
}

// UnloadAll unloads every plugin registered at the time of the call.
// Failures are logged; the pass continues.
func (r *Registry) UnloadAll() {
	for _, name := range r.List() {
		if err := r.Unload(name); err != nil {
			r.log.Warn(fmt.Sprintf("unload %s: %v", name, err))
		}
	}
}

// ReloadAll reloads every plugin registered at the time of the call.
// Failures are logged; the pass continues.
func (r *Registry) ReloadAll() {
	for _, name := range r.List() {
		if _, err := r.Reload(name); err != nil {
			r.log.Warn(fmt.Sprintf("reload %s: %v", name, err))
		}
	}
}

// Get returns the named module.
func (r *Registry) Get(name string) (*PluginModule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	return m, ok
}

// List returns plugin names in dependency-resolved load order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Modules returns the loaded modules in dependency-resolved load order.
func (r *Registry) Modules() []*PluginModule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PluginModule, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.modules[name])
	}
	return out
}

// Count returns the number of loaded plugins.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.modules)
}

// Container implements service.ContainerSource.
func (r *Registry) Container(name string) (*service.Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, false
	}
	return m.container, true
}

// Containers implements service.ContainerSource: all current containers
// in registry load order.
func (r *Registry) Containers() []*service.Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*service.Container, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.modules[name].container)
	}
	return out
}

var _ service.ContainerSource = (*Registry)(nil)

// loadModule loads one bundle directory end to end: artifact presence,
// descriptor lookup, metadata validation, settings snapshot, and service
// container build. Any failure after the handle is opened releases it.
func (r *Registry) loadModule(dir string) (*PluginModule, error) {
	base := filepath.Base(dir)
	artifact := filepath.Join(dir, base+r.opts.ArtifactExt)

	if _, err := os.Stat(artifact); err != nil {
		return nil, streamerrors.NewNotFoundError("artifact", artifact)
	}

	handle, desc, err := r.loader.Open(artifact)
	if err != nil {
		return nil, streamerrors.NewPluginError(base, err)
	}

	meta, err := extractMetadata(desc)
	if err != nil {
		_ = handle.Close()
		return nil, streamerrors.NewPluginError(base, err)
	}
	if err := validateMetadata(meta, base); err != nil {
		_ = handle.Close()
		return nil, streamerrors.NewPluginError(base, err)
	}

	snapshot, err := r.buildSettings(dir)
	if err != nil {
		r.log.Warn(fmt.Sprintf("plugin %s: settings snapshot failed, using empty: %v", meta.Name, err))
		snapshot = pluginapi.Settings{}
	}

	container := service.NewContainer(meta.Name, r.log)
	if err := container.Build(desc, snapshot); err != nil {
		_ = handle.Close()
		return nil, err
	}

	mod := &PluginModule{
		Name:         meta.Name,
		Version:      meta.Version,
		Description:  meta.Description,
		Dependencies: meta.Dependencies,
		Path:         dir,
		Artifact:     artifact,
		descriptor:   desc,
		handle:       handle,
		container:    container,
		settings:     snapshot,
	}
	return mod, nil
}

// extractMetadata pulls identity fields through the contract. A panic in
// the plugin's own accessors aborts just this load.
func extractMetadata(desc *pluginapi.Descriptor) (meta moduleMetadata, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin contract panicked: %v", rec)
		}
	}()

	if desc == nil || desc.Plugin == nil {
		return meta, fmt.Errorf("descriptor carries no plugin contract implementation")
	}

	p := desc.Plugin
	meta = moduleMetadata{
		Name:         p.Name(),
		Version:      p.Version(),
		Description:  p.Description(),
		Dependencies: p.Dependencies(),
	}
	return meta, nil
}

// unloadLocked removes the module and releases it. Caller holds r.mu.
func (r *Registry) unloadLocked(m *PluginModule) {
	delete(r.modules, m.Name)
	for i, name := range r.order {
		if name == m.Name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.releaseModule(m)
}

// releaseModule disposes the container, closes the handle, and waits
// best-effort for release confirmation with a bounded number of
// forced-reclaim attempts. Exceeding the bound is logged, never fatal.
func (r *Registry) releaseModule(m *PluginModule) {
	m.container.Dispose()

	if m.handle == nil {
		return
	}
	_ = m.handle.Close()

	for attempt := 0; attempt < r.opts.ReleaseRetries; attempt++ {
		if m.handle.Released() {
			return
		}
		runtime.GC()
		time.Sleep(r.opts.ReleaseInterval)
	}
	if !m.handle.Released() {
		r.log.Warn(fmt.Sprintf("plugin %s: module resources not confirmed released after %d attempts",
			m.Name, r.opts.ReleaseRetries))
	}
}
