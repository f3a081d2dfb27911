package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(Options{Level: "shout"})
	require.Error(t, err)
}

func TestInfoWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "info", Writer: &buf})
	require.NoError(t, err)

	log.Info("host started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "host started", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "info", Writer: &buf})
	require.NoError(t, err)

	log.Debug("noise")
	assert.Zero(t, buf.Len())
}

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "info", Writer: &buf})
	require.NoError(t, err)

	log.WithComponent("registry").Warn("cycle detected")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "registry", entry["component"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	var log *Logger
	assert.NotPanics(t, func() {
		log.Info("ignored")
		log.Warn("ignored")
		log.Error(nil, "ignored")
		log.WithPlugin("calc").Debug("ignored")
	})
}
