package host

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/jfourny/pluginhost/internal/logger"
	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// fakePlugin satisfies the contract without a real shared object.
type fakePlugin struct {
	name         string
	version      string
	dependencies []string
	configure    func(reg pluginapi.Registrar, cfg pluginapi.Settings) error
}

func (p *fakePlugin) Name() string {
	return p.name
}

func (p *fakePlugin) Version() string {
	if p.version == "" {
		return "1.0.0"
	}
	return p.version
}

func (p *fakePlugin) Description() string { return "fake plugin " + p.name }

func (p *fakePlugin) Dependencies() []string { return p.dependencies }

func (p *fakePlugin) ConfigureServices(reg pluginapi.Registrar, cfg pluginapi.Settings) error {
	if p.configure == nil {
		return nil
	}
	return p.configure(reg, cfg)
}

func (p *fakePlugin) ConfigureApplication(r chi.Router, env pluginapi.HostEnv) error {
	return nil
}

type fakeHandle struct {
	closed atomic.Bool
	stuck  bool
}

func (h *fakeHandle) Close() error { h.closed.Store(true); return nil }

func (h *fakeHandle) Released() bool { return h.closed.Load() && !h.stuck }

// fakeLoader serves descriptors keyed by artifact base name (without
// extension) and records every handle it hands out.
type fakeLoader struct {
	mu          sync.Mutex
	descriptors map[string]*pluginapi.Descriptor
	stuck       map[string]bool
	handles     map[string][]*fakeHandle
	opens       int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		descriptors: make(map[string]*pluginapi.Descriptor),
		stuck:       make(map[string]bool),
		handles:     make(map[string][]*fakeHandle),
	}
}

func (l *fakeLoader) serve(name string, desc *pluginapi.Descriptor) {
	l.mu.Lock()
	l.descriptors[name] = desc
	l.mu.Unlock()
}

func (l *fakeLoader) Open(artifact string) (ModuleHandle, *pluginapi.Descriptor, error) {
	base := strings.TrimSuffix(filepath.Base(artifact), filepath.Ext(artifact))

	l.mu.Lock()
	defer l.mu.Unlock()

	desc, ok := l.descriptors[base]
	if !ok {
		return nil, nil, fmt.Errorf("no descriptor symbol in %s", artifact)
	}
	l.opens++
	h := &fakeHandle{stuck: l.stuck[base]}
	l.handles[base] = append(l.handles[base], h)
	return h, desc, nil
}

func (l *fakeLoader) lastHandle(name string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs := l.handles[name]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

func simpleDescriptor(name string, deps ...string) *pluginapi.Descriptor {
	return &pluginapi.Descriptor{Plugin: &fakePlugin{name: name, dependencies: deps}}
}

// writeBundle creates <root>/<name>/<name>.so with dummy content and
// returns the bundle directory.
func writeBundle(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".so"), []byte("elf"), 0o644))
	return dir
}

func testOptions() Options {
	return Options{
		UnlockDelay:     time.Millisecond,
		ReleaseRetries:  2,
		ReleaseInterval: time.Millisecond,
	}
}

func testRegistry(t *testing.T, loader ModuleLoader) *Registry {
	t.Helper()
	log, err := logger.New(logger.Options{Level: "error", Writer: os.Stderr})
	require.NoError(t, err)
	return NewRegistry(loader, nil, testOptions(), log)
}
