package host

import (
	"sync"

	"github.com/jfourny/pluginhost/internal/service"
	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// PluginModule is one discovered, loaded unit of extension code together
// with its metadata, isolated load handle, and service container. A
// module is created when its bundle loads successfully, replaced
// wholesale on full reload, and destroyed on unload.
type PluginModule struct {
	Name         string
	Version      string
	Description  string
	Dependencies []string

	// Path is the bundle directory; Artifact the shared object inside it.
	Path     string
	Artifact string

	descriptor *pluginapi.Descriptor
	handle     ModuleHandle
	container  *service.Container

	settingsMu sync.RWMutex
	settings   pluginapi.Settings
}

// Descriptor returns the typed registration surface the bundle exported.
func (m *PluginModule) Descriptor() *pluginapi.Descriptor {
	return m.descriptor
}

// Container returns the module's current service container.
func (m *PluginModule) Container() *service.Container {
	return m.container
}

// Settings returns the configuration snapshot captured at the last
// (re)build of the module's services.
func (m *PluginModule) Settings() pluginapi.Settings {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.settings
}

func (m *PluginModule) setSettings(s pluginapi.Settings) {
	m.settingsMu.Lock()
	m.settings = s
	m.settingsMu.Unlock()
}
