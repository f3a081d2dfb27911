// Package hostconfig loads the host's own configuration file.
package hostconfig

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	streamerrors "github.com/jfourny/pluginhost/pkg/errors"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// Config is the host configuration. Durations are expressed in
// milliseconds in the file.
type Config struct {
	// PluginDir is the root directory scanned for plugin bundles.
	PluginDir string `yaml:"plugin_dir" validate:"required"`
	// ArtifactExt is the tracked binary extension.
	ArtifactExt string `yaml:"artifact_ext" validate:"omitempty,startswith=."`
	// Environment selects per-plugin settings overlays (settings.<env>.yaml).
	Environment string `yaml:"environment"`
	// ListenAddr is the management API bind address.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// Watch enables the artifact change watcher.
	Watch bool `yaml:"watch"`

	DebounceMs        int `yaml:"debounce_ms" validate:"gte=0"`
	UnlockDelayMs     int `yaml:"unlock_delay_ms" validate:"gte=0"`
	ReleaseRetries    int `yaml:"release_retries" validate:"gte=0"`
	ReleaseIntervalMs int `yaml:"release_interval_ms" validate:"gte=0"`
}

// Default returns the configuration used when keys are absent.
func Default() Config {
	return Config{
		PluginDir:         "plugins",
		ArtifactExt:       ".so",
		ListenAddr:        ":8080",
		Watch:             true,
		DebounceMs:        500,
		UnlockDelayMs:     150,
		ReleaseRetries:    3,
		ReleaseIntervalMs: 50,
	}
}

// Load reads and validates the configuration at path. Keys the file
// omits keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, streamerrors.NewParseError(path, 0, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, streamerrors.NewParseError(path, extractLine(err), err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate performs schema validation on the configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return streamerrors.NewValidationError("config", "configuration is nil", nil)
	}
	if err := validatorInstance().Struct(cfg); err != nil {
		return convertValidationError(err)
	}
	return nil
}

// Debounce returns the watcher debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// UnlockDelay returns the pause between unload and load on full reload.
func (c *Config) UnlockDelay() time.Duration {
	return time.Duration(c.UnlockDelayMs) * time.Millisecond
}

// ReleaseInterval returns the pause between forced-reclaim attempts.
func (c *Config) ReleaseInterval() time.Duration {
	return time.Duration(c.ReleaseIntervalMs) * time.Millisecond
}

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		validateInst = validator.New()
	})
	return validateInst
}

func convertValidationError(err error) error {
	if err == nil {
		return nil
	}

	if ves, ok := err.(validator.ValidationErrors); ok {
		ve := ves[0]
		field := yamlishFieldName(ve)
		msg := fmt.Sprintf("%s failed validation for tag '%s'", field, ve.Tag())
		return streamerrors.NewValidationError(field, msg, err)
	}

	return streamerrors.NewValidationError("config", err.Error(), err)
}

func yamlishFieldName(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	parts := strings.Split(ns, ".")
	var lowered []string
	for _, part := range parts {
		lowered = append(lowered, strings.ToLower(part))
	}
	return strings.Join(lowered, ".")
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}

	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	var line int
	if _, scanErr := fmt.Sscanf(matches[1], "%d", &line); scanErr != nil {
		return 0
	}
	return line
}
