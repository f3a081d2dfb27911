package reload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfourny/pluginhost/internal/host"
	"github.com/jfourny/pluginhost/internal/watch"
	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// bundlePlugin satisfies the contract without a real shared object.
type bundlePlugin struct {
	name string
	deps []string
}

func (p *bundlePlugin) Name() string           { return p.name }
func (p *bundlePlugin) Version() string        { return "1.0.0" }
func (p *bundlePlugin) Description() string    { return "bundle plugin " + p.name }
func (p *bundlePlugin) Dependencies() []string { return p.deps }

func (p *bundlePlugin) ConfigureServices(pluginapi.Registrar, pluginapi.Settings) error { return nil }

func (p *bundlePlugin) ConfigureApplication(chi.Router, pluginapi.HostEnv) error { return nil }

type bundleHandle struct {
	closed atomic.Bool
}

func (h *bundleHandle) Close() error   { h.closed.Store(true); return nil }
func (h *bundleHandle) Released() bool { return h.closed.Load() }

// bundleLoader serves descriptors keyed by artifact base name.
type bundleLoader struct {
	descriptors map[string]*pluginapi.Descriptor
}

func (l *bundleLoader) Open(artifact string) (host.ModuleHandle, *pluginapi.Descriptor, error) {
	base := strings.TrimSuffix(filepath.Base(artifact), filepath.Ext(artifact))
	desc, ok := l.descriptors[base]
	if !ok {
		return nil, nil, fmt.Errorf("no descriptor symbol in %s", artifact)
	}
	return &bundleHandle{}, desc, nil
}

func writePluginBundle(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".so"), []byte("elf"), 0o644))
	return dir
}

// The full change pipeline: a deleted artifact flows watcher -> debounce
// -> coordinator -> registry unload, leaving only the surviving plugin.
func TestArtifactDeleteUnloadsThroughWatcher(t *testing.T) {
	root := t.TempDir()
	loader := &bundleLoader{descriptors: map[string]*pluginapi.Descriptor{
		"p1": {Plugin: &bundlePlugin{name: "p1"}},
		"p2": {Plugin: &bundlePlugin{name: "p2", deps: []string{"p1"}}},
	}}
	writePluginBundle(t, root, "p1")
	writePluginBundle(t, root, "p2")

	registry := host.NewRegistry(loader, nil, host.Options{
		UnlockDelay:     time.Millisecond,
		ReleaseRetries:  2,
		ReleaseInterval: time.Millisecond,
	}, nil)

	mods, err := registry.LoadAll(root)
	require.NoError(t, err)
	require.Len(t, mods, 2)
	require.Equal(t, []string{"p1", "p2"}, registry.List())

	watcher := watch.NewWatcher(root, ".so", 50*time.Millisecond, nil)
	require.NoError(t, watcher.Start(context.Background()))
	t.Cleanup(func() { _ = watcher.Stop() })

	c := NewCoordinator(registry, watcher.Events(), nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	require.NoError(t, os.Remove(filepath.Join(root, "p2", "p2.so")))

	require.Eventually(t, func() bool {
		return registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"p1"}, registry.List())
	_, ok := registry.Get("p2")
	assert.False(t, ok)
	_, ok = registry.Get("p1")
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		return c.Metrics().Applied == 1
	}, time.Second, 10*time.Millisecond)
}
