package host

import (
	"fmt"
	"path/filepath"
	"plugin"
	"sync"
	"sync/atomic"

	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// DescriptorSymbol is the exported variable every bundle must carry:
//
//	var PluginDescriptor *pluginapi.Descriptor
const DescriptorSymbol = "PluginDescriptor"

// ModuleHandle is a reference to one isolated loaded module. Close drops
// this reference; Released reports whether every outstanding reference to
// the underlying library has been dropped.
type ModuleHandle interface {
	Close() error
	Released() bool
}

// ModuleLoader opens a plugin artifact and resolves its descriptor.
type ModuleLoader interface {
	Open(artifact string) (ModuleHandle, *pluginapi.Descriptor, error)
}

// SharedLibraryLoader loads bundles through the OS dynamic-library
// mechanism with an explicit symbol lookup for the entry descriptor.
// Libraries are tracked by artifact base name so a dependency already
// present in the host's shared set is reused instead of being loaded
// twice, preventing duplicate-type conflicts between plugins.
//
// The runtime cannot truly unload a shared object; release is
// best-effort and reported through the handle's reference count.
type SharedLibraryLoader struct {
	mu   sync.Mutex
	libs map[string]*sharedLib
}

// NewSharedLibraryLoader returns a loader with an empty shared set.
func NewSharedLibraryLoader() *SharedLibraryLoader {
	return &SharedLibraryLoader{libs: make(map[string]*sharedLib)}
}

var _ ModuleLoader = (*SharedLibraryLoader)(nil)

// Open loads the artifact (or reuses an already-open library with the
// same base name) and looks up its descriptor symbol.
func (l *SharedLibraryLoader) Open(artifact string) (ModuleHandle, *pluginapi.Descriptor, error) {
	base := filepath.Base(artifact)

	l.mu.Lock()
	if lib, ok := l.libs[base]; ok {
		lib.refs.Add(1)
		l.mu.Unlock()
		return &libRef{lib: lib, loader: l}, lib.descriptor, nil
	}
	l.mu.Unlock()

	opened, err := plugin.Open(artifact)
	if err != nil {
		return nil, nil, fmt.Errorf("open module %s: %w", artifact, err)
	}

	sym, err := opened.Lookup(DescriptorSymbol)
	if err != nil {
		return nil, nil, fmt.Errorf("module %s exports no %s symbol: %w", base, DescriptorSymbol, err)
	}

	descPtr, ok := sym.(**pluginapi.Descriptor)
	if !ok || *descPtr == nil {
		return nil, nil, fmt.Errorf("module %s: %s is not a *pluginapi.Descriptor", base, DescriptorSymbol)
	}

	lib := &sharedLib{name: base, descriptor: *descPtr}
	lib.refs.Add(1)

	l.mu.Lock()
	l.libs[base] = lib
	l.mu.Unlock()

	return &libRef{lib: lib, loader: l}, lib.descriptor, nil
}

func (l *SharedLibraryLoader) drop(lib *sharedLib) {
	l.mu.Lock()
	if current, ok := l.libs[lib.name]; ok && current == lib && lib.refs.Load() == 0 {
		delete(l.libs, lib.name)
	}
	l.mu.Unlock()
}

type sharedLib struct {
	name       string
	descriptor *pluginapi.Descriptor
	refs       atomic.Int32
}

type libRef struct {
	lib    *sharedLib
	loader *SharedLibraryLoader
	once   sync.Once
}

func (r *libRef) Close() error {
	r.once.Do(func() {
		if r.lib.refs.Add(-1) == 0 {
			r.loader.drop(r.lib)
		}
	})
	return nil
}

func (r *libRef) Released() bool {
	return r.lib.refs.Load() == 0
}
