package host

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"

	streamerrors "github.com/jfourny/pluginhost/pkg/errors"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	semverPattern     = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[0-9A-Za-z-.]+)?$`)
	pluginNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

type moduleMetadata struct {
	Name         string   `validate:"required,plugin_name"`
	Version      string   `validate:"required,semver"`
	Description  string   `validate:"-"`
	Dependencies []string `validate:"dive,required,plugin_name"`
}

// validatorInstance configures and returns the shared validator used for
// plugin metadata.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			return semverPattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("plugin_name", func(fl validator.FieldLevel) bool {
			return pluginNamePattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})

	return validateInst
}

// validateMetadata checks the contract metadata extracted from a
// descriptor. expectedName is the bundle directory name; it must match
// the declared plugin name so watcher events map back to the module.
func validateMetadata(meta moduleMetadata, expectedName string) error {
	if err := validatorInstance().Struct(meta); err != nil {
		return streamerrors.NewValidationError("metadata", err.Error(), err)
	}

	if meta.Name != expectedName {
		return streamerrors.NewValidationError("name",
			fmt.Sprintf("plugin declares name %q but its bundle directory is %q", meta.Name, expectedName), nil)
	}

	seen := make(map[string]struct{}, len(meta.Dependencies))
	for _, dep := range meta.Dependencies {
		if dep == meta.Name {
			return streamerrors.NewValidationError("dependencies",
				fmt.Sprintf("plugin %q cannot depend on itself", meta.Name), nil)
		}
		if _, dup := seen[dep]; dup {
			return streamerrors.NewValidationError("dependencies",
				fmt.Sprintf("plugin %q lists dependency %q more than once", meta.Name, dep), nil)
		}
		seen[dep] = struct{}{}
	}

	return nil
}
