package reload

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

type nopResolver struct{}

func (nopResolver) Resolve(reflect.Type) (any, error) {
	return nil, pluginapi.ErrNotRegistered
}

type recordingInit struct {
	name   string
	order  int
	trace  *[]string
	fail   bool
	panics bool
}

func (r *recordingInit) Order() int { return r.order }

func (r *recordingInit) Initialize(ctx context.Context, services pluginapi.Resolver) error {
	if r.panics {
		panic("init exploded")
	}
	*r.trace = append(*r.trace, r.name)
	if r.fail {
		return assert.AnError
	}
	return nil
}

func factoryFor(init pluginapi.Initializer) func(pluginapi.Resolver) (pluginapi.Initializer, error) {
	return func(pluginapi.Resolver) (pluginapi.Initializer, error) {
		return init, nil
	}
}

func TestRunAllOrdersAcrossTargets(t *testing.T) {
	var trace []string
	targets := []Target{
		{
			Plugin: "greet",
			Factories: []func(pluginapi.Resolver) (pluginapi.Initializer, error){
				factoryFor(&recordingInit{name: "greet-late", order: 10, trace: &trace}),
				factoryFor(&recordingInit{name: "greet-early", order: 1, trace: &trace}),
			},
			Services: nopResolver{},
		},
		{
			Plugin: "calc",
			Factories: []func(pluginapi.Resolver) (pluginapi.Initializer, error){
				factoryFor(&recordingInit{name: "calc-early", order: 1, trace: &trace}),
			},
			Services: nopResolver{},
		},
	}

	summary := NewRunner(nil).RunAll(context.Background(), targets)

	require.Equal(t, 3, summary.Ran)
	assert.Zero(t, summary.Failed)
	// Ascending order; ties keep target order (greet before calc).
	assert.Equal(t, []string{"greet-early", "calc-early", "greet-late"}, trace)
}

func TestRunAllSkipsFailingFactory(t *testing.T) {
	var trace []string
	targets := []Target{{
		Plugin: "calc",
		Factories: []func(pluginapi.Resolver) (pluginapi.Initializer, error){
			func(pluginapi.Resolver) (pluginapi.Initializer, error) {
				return nil, assert.AnError
			},
			factoryFor(&recordingInit{name: "ok", order: 0, trace: &trace}),
		},
		Services: nopResolver{},
	}}

	summary := NewRunner(nil).RunAll(context.Background(), targets)

	assert.Equal(t, 1, summary.Ran)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"ok"}, trace)
}

func TestRunAllContinuesPastFailingInitializer(t *testing.T) {
	var trace []string
	targets := []Target{{
		Plugin: "calc",
		Factories: []func(pluginapi.Resolver) (pluginapi.Initializer, error){
			factoryFor(&recordingInit{name: "bad", order: 0, trace: &trace, fail: true}),
			factoryFor(&recordingInit{name: "good", order: 1, trace: &trace}),
		},
		Services: nopResolver{},
	}}

	summary := NewRunner(nil).RunAll(context.Background(), targets)

	assert.Equal(t, 1, summary.Ran)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"bad", "good"}, trace)
}

func TestRunAllRecoversPanickingHooks(t *testing.T) {
	var trace []string
	targets := []Target{{
		Plugin: "calc",
		Factories: []func(pluginapi.Resolver) (pluginapi.Initializer, error){
			func(pluginapi.Resolver) (pluginapi.Initializer, error) {
				panic("factory exploded")
			},
			factoryFor(&recordingInit{name: "boom", order: 0, trace: &trace, panics: true}),
			factoryFor(&recordingInit{name: "survivor", order: 1, trace: &trace}),
		},
		Services: nopResolver{},
	}}

	summary := NewRunner(nil).RunAll(context.Background(), targets)

	assert.Equal(t, 1, summary.Ran)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, []string{"survivor"}, trace)
}

func TestRunAllRejectsNilInitializer(t *testing.T) {
	targets := []Target{{
		Plugin: "calc",
		Factories: []func(pluginapi.Resolver) (pluginapi.Initializer, error){
			func(pluginapi.Resolver) (pluginapi.Initializer, error) {
				return nil, nil
			},
		},
		Services: nopResolver{},
	}}

	summary := NewRunner(nil).RunAll(context.Background(), targets)
	assert.Zero(t, summary.Ran)
	assert.Equal(t, 1, summary.Failed)
}
