package reload

import (
	"context"
	"fmt"
	"sort"

	"github.com/jfourny/pluginhost/internal/host"
	"github.com/jfourny/pluginhost/internal/logger"
	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// Target is one module's initializer surface: its hook factories plus the
// resolver they are built and run against.
type Target struct {
	Plugin    string
	Factories []func(pluginapi.Resolver) (pluginapi.Initializer, error)
	Services  pluginapi.Resolver
}

// TargetsFor maps loaded modules to initializer targets, preserving
// registry order. Modules without a live scope are skipped.
func TargetsFor(modules []*host.PluginModule) []Target {
	targets := make([]Target, 0, len(modules))
	for _, m := range modules {
		desc := m.Descriptor()
		scope := m.Container().Scope()
		if desc == nil || scope == nil {
			continue
		}
		targets = append(targets, Target{
			Plugin:    m.Name,
			Factories: desc.Initializers,
			Services:  scope,
		})
	}
	return targets
}

// Summary reports one RunAll pass.
type Summary struct {
	Ran    int
	Failed int
}

// Runner executes initializer hooks after modules load. Hooks from all
// targets are ordered together by ascending Order; ties keep target
// order. A failing or panicking hook is logged and skipped, never
// aborting the pass or the host.
type Runner struct {
	log *logger.Logger
}

// NewRunner creates a runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{log: log.WithComponent("initializer")}
}

// RunAll builds every target's initializers, sorts them, and runs them
// sequentially.
func (r *Runner) RunAll(ctx context.Context, targets []Target) Summary {
	type staged struct {
		plugin   string
		services pluginapi.Resolver
		init     pluginapi.Initializer
	}

	var summary Summary
	var stage []staged
	for _, target := range targets {
		for _, factory := range target.Factories {
			init, err := r.build(factory, target.Services)
			if err != nil {
				r.log.Warn(fmt.Sprintf("initializer for plugin %s not built: %v", target.Plugin, err))
				summary.Failed++
				continue
			}
			stage = append(stage, staged{target.Plugin, target.Services, init})
		}
	}

	sort.SliceStable(stage, func(i, j int) bool {
		return stage[i].init.Order() < stage[j].init.Order()
	})

	for _, s := range stage {
		if err := r.runOne(ctx, s.init, s.services); err != nil {
			r.log.Warn(fmt.Sprintf("initializer for plugin %s failed: %v", s.plugin, err))
			summary.Failed++
			continue
		}
		summary.Ran++
	}
	return summary
}

func (r *Runner) build(factory func(pluginapi.Resolver) (pluginapi.Initializer, error), services pluginapi.Resolver) (init pluginapi.Initializer, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("factory panicked: %v", rec)
		}
	}()

	init, err = factory(services)
	if err == nil && init == nil {
		err = fmt.Errorf("factory returned no initializer")
	}
	return init, err
}

func (r *Runner) runOne(ctx context.Context, init pluginapi.Initializer, services pluginapi.Resolver) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("initializer panicked: %v", rec)
		}
	}()
	return init.Initialize(ctx, services)
}
