package host

import (
	"fmt"
	"sort"

	"github.com/jfourny/pluginhost/internal/logger"
)

// resolveOrder performs a depth-first postorder topological sort over the
// candidate set. Dependencies precede dependents; dependency names absent
// from the candidate set are soft and silently ignored. A node found on
// the active recursion stack indicates a cycle: it is logged and treated
// as already resolved, which breaks the cycle deterministically but
// leaves only a partial order inside the cyclic subgraph. Every candidate
// appears in the result exactly once.
func resolveOrder(candidates map[string]*PluginModule, log *logger.Logger) []string {
	visited := make(map[string]bool, len(candidates))
	visiting := make(map[string]bool, len(candidates))
	order := make([]string, 0, len(candidates))

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		if visiting[name] {
			log.Warn(fmt.Sprintf("dependency cycle detected at plugin %q; breaking cycle", name))
			return
		}

		visiting[name] = true
		for _, dep := range candidates[name].Dependencies {
			if _, ok := candidates[dep]; ok {
				visit(dep)
			}
		}
		visiting[name] = false

		visited[name] = true
		order = append(order, name)
	}

	// Deterministic traversal root order.
	names := make([]string, 0, len(candidates))
	for name := range candidates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		visit(name)
	}

	return order
}
