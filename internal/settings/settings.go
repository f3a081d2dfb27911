// Package settings loads per-plugin configuration snapshots from a
// bundle directory. Each load reads the files fresh, so a rebuild always
// sees current values.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	streamerrors "github.com/jfourny/pluginhost/pkg/errors"
	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

const baseFile = "settings.yaml"

// Build reads settings.yaml from dir, then overlays settings.<env>.yaml
// key by key when env is non-empty. Absent files contribute nothing and
// are not an error; a file that exists but fails to parse is.
func Build(dir, env string) (pluginapi.Settings, error) {
	merged := pluginapi.Settings{}

	base, err := readFile(filepath.Join(dir, baseFile))
	if err != nil {
		return nil, err
	}
	for k, v := range base {
		merged[k] = v
	}

	if env != "" {
		overlay, err := readFile(filepath.Join(dir, fmt.Sprintf("settings.%s.yaml", env)))
		if err != nil {
			return nil, err
		}
		for k, v := range overlay {
			merged[k] = v
		}
	}

	return merged, nil
}

// NewBuilder binds Build to one host environment, in the shape the
// module registry consumes.
func NewBuilder(env string) func(dir string) (pluginapi.Settings, error) {
	return func(dir string) (pluginapi.Settings, error) {
		return Build(dir, env)
	}
}

func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, streamerrors.NewParseError(path, 0, err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, streamerrors.NewParseError(path, 0, err)
	}
	return values, nil
}
