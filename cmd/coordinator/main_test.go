package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReportsCommandErrors(t *testing.T) {
	var stderr bytes.Buffer

	code := run([]string{"dispatch", "--config", filepath.Join(t.TempDir(), "missing.yaml")}, &stderr)

	assert.Equal(t, 1, code)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(stderr.Bytes(), &entry), stderr.String())
	assert.Equal(t, "command failed", entry["msg"])
	assert.Contains(t, entry["error"], "read config file")
}

func TestRun_ReportsUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer

	assert.Equal(t, 1, run([]string{"nope"}, &stderr))
	assert.Contains(t, stderr.String(), "unknown command")
}
