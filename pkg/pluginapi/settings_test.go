package pluginapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettingsString(t *testing.T) {
	s := Settings{"greeting": "hello", "count": 3}

	v, ok := s.String("greeting")
	assert.True(t, ok)
	assert.Equal(t, "hello", v)

	_, ok = s.String("count")
	assert.False(t, ok)

	_, ok = s.String("missing")
	assert.False(t, ok)
}

func TestSettingsInt(t *testing.T) {
	// yaml.v3 decodes small integers as int, JSON decodes as float64.
	s := Settings{"a": 1, "b": int64(2), "c": float64(3), "d": "nope"}

	for key, want := range map[string]int{"a": 1, "b": 2, "c": 3} {
		v, ok := s.Int(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, v, key)
	}

	_, ok := s.Int("d")
	assert.False(t, ok)
}

func TestSettingsBool(t *testing.T) {
	s := Settings{"enabled": true}

	v, ok := s.Bool("enabled")
	assert.True(t, ok)
	assert.True(t, v)

	_, ok = s.Bool("missing")
	assert.False(t, ok)
}

func TestLifetimeString(t *testing.T) {
	assert.Equal(t, "singleton", Singleton.String())
	assert.Equal(t, "scoped", Scoped.String())
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "unknown", Lifetime(42).String())
}

func TestTypeOfInterface(t *testing.T) {
	type greeter interface{ Greet() string }

	it := TypeOf[greeter]()
	assert.Equal(t, "greeter", it.Name())

	ct := TypeOf[int]()
	assert.Equal(t, "int", ct.Name())
}
