package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/workflow"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadWorkflowFile(t *testing.T) {
	path := writeFile(t, `
name: support
description: Triage tickets
nodes:
  - id: triage
    system_prompt: Classify the ticket.
    model: gpt-4o-mini
    hand_offs: [billing, tech]
    hand_off_type: conditional
    max_steps: 4
  - id: billing
    code_tools: [lookup_invoice]
    memory:
      tone: formal
    hand_offs: [end]
  - id: tech
    mcp_tools: [search_docs]
    direct_sdk: true
    hand_offs: [end]
`)

	wf, err := loadWorkflowFile(path)
	require.NoError(t, err)
	require.Equal(t, "support", wf.Name)
	require.Equal(t, "Triage tickets", wf.Description)

	g, err := workflow.ParseGraph(wf.Graph)
	require.NoError(t, err)
	require.Equal(t, "triage", g.Entry)
	require.Len(t, g.Nodes, 3)

	triage, ok := g.Node("triage")
	require.True(t, ok)
	require.Equal(t, workflow.HandOffConditional, triage.HandOffType)
	require.NotNil(t, triage.MaxSteps)
	require.Equal(t, 4, *triage.MaxSteps)

	billing, ok := g.Node("billing")
	require.True(t, ok)
	require.Equal(t, map[string]string{"tone": "formal"}, billing.Memory)
	require.Equal(t, []string{workflow.EndNodeID}, billing.HandOffs)

	tech, ok := g.Node("tech")
	require.True(t, ok)
	require.True(t, tech.UseDirectSDK)
}

func TestLoadWorkflowFileExplicitEntry(t *testing.T) {
	path := writeFile(t, `
name: pipeline
entry: collect
nodes:
  - id: report
    wait_for: [collect]
    hand_offs: [end]
  - id: collect
    hand_offs: [report]
    hand_off_type: parallel
`)

	wf, err := loadWorkflowFile(path)
	require.NoError(t, err)
	g, err := workflow.ParseGraph(wf.Graph)
	require.NoError(t, err)
	require.Equal(t, "collect", g.Entry)
}

func TestLoadWorkflowFileRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, `
name: typo
nodes:
  - id: a
    sytem_prompt: oops
    hand_offs: [end]
`)

	_, err := loadWorkflowFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sytem_prompt")
}

func TestLoadWorkflowFileRejectsInvalidGraph(t *testing.T) {
	path := writeFile(t, `
name: dangling
nodes:
  - id: a
    hand_offs: [missing]
`)

	_, err := loadWorkflowFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), `hand-off target "missing" not defined`)
}

func TestLoadWorkflowFileRequiresName(t *testing.T) {
	path := writeFile(t, `
nodes:
  - id: a
    hand_offs: [end]
`)

	_, err := loadWorkflowFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "workflow name is required")
}

func TestNormalizeInput(t *testing.T) {
	require.Nil(t, normalizeInput(""))
	require.JSONEq(t, `{"q":"hi"}`, string(normalizeInput(`{"q":"hi"}`)))
	require.JSONEq(t, `"plain text"`, string(normalizeInput("plain text")))
}
