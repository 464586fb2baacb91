package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dshills/flowrun/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWorkflow_YAML(t *testing.T) {
	wf, err := loadWorkflow("testdata/greet.yaml")
	require.NoError(t, err)

	assert.Equal(t, "greet", wf.ID)
	assert.Equal(t, "org-1", wf.OrganizationID)
	assert.Equal(t, "user-1", wf.UserID)
	assert.Len(t, wf.Config.Nodes, 3)
	assert.Len(t, wf.Config.Edges, 2)
	assert.Equal(t, "Hello", wf.Config.GlobalVariables["salutation"])

	in, ok := wf.Config.Node("in")
	require.True(t, ok)
	fields, ok := in.Config["fields"].([]any)
	require.True(t, ok, "nested yaml lists must decode as []any")
	field, ok := fields[0].(map[string]any)
	require.True(t, ok, "nested yaml maps must decode with string keys")
	assert.Equal(t, true, field["required"])

	require.NoError(t, wf.Config.Validate())
}

func TestLoadWorkflow_JSONWithoutID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nightly-report.json")
	data := `{"nodes":[{"id":"t","type":"TRIGGER","name":"Start"}],"edges":[]}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	wf, err := loadWorkflow(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", wf.ID)
	assert.Equal(t, graph.NodeTrigger, wf.Config.Nodes[0].Type)
}

func TestLoadWorkflow_Errors(t *testing.T) {
	_, err := loadWorkflow("testdata/missing.json")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes: [unclosed"), 0o600))
	_, err = loadWorkflow(path)
	assert.ErrorContains(t, err, "decode yaml")
}

func TestLoadInput(t *testing.T) {
	input, err := loadInput(`{"name":"Ada","age":36}`, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada", "age": float64(36)}, input)

	path := filepath.Join(t.TempDir(), "input.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: Grace\ntags: [navy, cobol]\n"), 0o600))
	input, err = loadInput("", path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Grace", "tags": []any{"navy", "cobol"}}, input)

	input, err = loadInput("", "")
	require.NoError(t, err)
	assert.Nil(t, input)

	_, err = loadInput("{}", path)
	assert.Error(t, err)
	_, err = loadInput("{not json", "")
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	cat, err := loadCatalog("testdata")
	require.NoError(t, err)
	assert.Equal(t, []string{"broken", "greet"}, cat.IDs())

	wf, ok := cat.Get("greet")
	require.True(t, ok)
	assert.Equal(t, "greet", wf.ID)
	_, ok = cat.Get("nope")
	assert.False(t, ok)

	assert.Error(t, cat.Add(wf), "duplicate ids must be rejected")
}

func TestLoadCatalog_RejectsInvalidWorkflows(t *testing.T) {
	_, err := loadCatalog("testdata/invalid")
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrCycleDetected), "got %v", err)
}
