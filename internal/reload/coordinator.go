// Package reload translates debounced change events into registry and
// container operations, and runs plugin post-init hooks.
package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jfourny/pluginhost/internal/host"
	"github.com/jfourny/pluginhost/internal/logger"
	"github.com/jfourny/pluginhost/internal/watch"
)

// ModuleOps is the subset of registry operations the coordinator drives.
type ModuleOps interface {
	LoadOne(dir string) (*host.PluginModule, error)
	RebuildServices(name string) error
	Unload(name string) error
	Get(name string) (*host.PluginModule, bool)
}

// Metrics counts coordinator activity.
type Metrics struct {
	Processed  uint64    `json:"processed"`
	Applied    uint64    `json:"applied"`
	Failed     uint64    `json:"failed"`
	LastReload time.Time `json:"last_reload"`
}

// Coordinator consumes ChangeEvents and applies them: created loads the
// new plugin, modified rebuilds only its service container from a fresh
// configuration snapshot, deleted unloads the module. Events are handled
// one at a time in the order fired; a failure or panic while handling
// one event is logged and never stops the loop.
type Coordinator struct {
	ops    ModuleOps
	events <-chan watch.ChangeEvent
	log    *logger.Logger

	mu      sync.Mutex
	metrics Metrics
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCoordinator wires a coordinator to its event source and registry.
func NewCoordinator(ops ModuleOps, events <-chan watch.ChangeEvent, log *logger.Logger) *Coordinator {
	return &Coordinator{
		ops:    ops,
		events: events,
		log:    log.WithComponent("reload"),
	}
}

// Start launches the event loop. It runs until Stop or ctx cancellation.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("coordinator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.run(runCtx)
	return nil
}

// Stop halts the event loop and waits for it to drain. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// Metrics returns a snapshot of coordinator counters.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.events:
			if !ok {
				return
			}
			c.handle(event)
		}
	}
}

func (c *Coordinator) handle(event watch.ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Warn(fmt.Sprintf("panic handling %s for plugin %s: %v", event.Kind, event.Plugin, rec))
			c.fail()
		}
	}()

	c.mu.Lock()
	c.metrics.Processed++
	c.mu.Unlock()

	var err error
	switch event.Kind {
	case watch.Created:
		_, err = c.ops.LoadOne(filepath.Dir(event.Path))
	case watch.Modified:
		if _, ok := c.ops.Get(event.Plugin); !ok {
			c.log.Debug(fmt.Sprintf("modified event for unknown plugin %s ignored", event.Plugin))
			return
		}
		err = c.ops.RebuildServices(event.Plugin)
	case watch.Deleted:
		err = c.ops.Unload(event.Plugin)
	default:
		return
	}

	if err != nil {
		c.log.Warn(fmt.Sprintf("%s event for plugin %s failed: %v", event.Kind, event.Plugin, err))
		c.fail()
		return
	}

	c.mu.Lock()
	c.metrics.Applied++
	c.metrics.LastReload = time.Now()
	c.mu.Unlock()
}

func (c *Coordinator) fail() {
	c.mu.Lock()
	c.metrics.Failed++
	c.mu.Unlock()
}
