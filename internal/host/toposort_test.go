package host

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfourny/pluginhost/internal/logger"
)

func candidateSet(deps map[string][]string) map[string]*PluginModule {
	out := make(map[string]*PluginModule, len(deps))
	for name, d := range deps {
		out[name] = &PluginModule{Name: name, Dependencies: d}
	}
	return out
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestResolveOrderChain(t *testing.T) {
	// B depends on A, C depends on B.
	order := resolveOrder(candidateSet(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
	}), nil)

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestResolveOrderDiamond(t *testing.T) {
	order := resolveOrder(candidateSet(map[string][]string{
		"base":  nil,
		"left":  {"base"},
		"right": {"base"},
		"top":   {"left", "right"},
	}), nil)

	require.Len(t, order, 4)
	assert.Less(t, indexOf(order, "base"), indexOf(order, "left"))
	assert.Less(t, indexOf(order, "base"), indexOf(order, "right"))
	assert.Less(t, indexOf(order, "left"), indexOf(order, "top"))
	assert.Less(t, indexOf(order, "right"), indexOf(order, "top"))
}

func TestResolveOrderIgnoresUnknownDependencies(t *testing.T) {
	order := resolveOrder(candidateSet(map[string][]string{
		"a": {"not-installed"},
		"b": {"a"},
	}), nil)

	assert.Equal(t, []string{"a", "b"}, order)
}

func TestResolveOrderToleratesCycle(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(logger.Options{Level: "warn", Writer: &buf})
	require.NoError(t, err)

	// x and y are mutually dependent; z sits outside the cycle.
	order := resolveOrder(candidateSet(map[string][]string{
		"x": {"y"},
		"y": {"x"},
		"z": {"x"},
	}), log)

	require.Len(t, order, 3)
	assert.Equal(t, 1, countOccurrences(order, "x"))
	assert.Equal(t, 1, countOccurrences(order, "y"))
	assert.Equal(t, 1, countOccurrences(order, "z"))
	assert.Less(t, indexOf(order, "x"), indexOf(order, "z"))
	assert.Contains(t, buf.String(), "cycle")
}

func TestResolveOrderSelfCycle(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(logger.Options{Level: "warn", Writer: &buf})
	require.NoError(t, err)

	order := resolveOrder(candidateSet(map[string][]string{
		"loop": {"loop"},
	}), log)

	assert.Equal(t, []string{"loop"}, order)
	assert.Contains(t, buf.String(), "cycle")
}

func TestResolveOrderEmpty(t *testing.T) {
	assert.Empty(t, resolveOrder(nil, nil))
}

func countOccurrences(order []string, name string) int {
	n := 0
	for _, v := range order {
		if v == name {
			n++
		}
	}
	return n
}
