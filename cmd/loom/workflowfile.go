package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"goa.design/loom/runtime/workflow"
)

type (
	// workflowFile is the YAML form of a workflow accepted by the register
	// and run commands. It mirrors the graph DSL one to one; the Go design
	// language is the richer way to author workflows, the file form exists
	// so operators can run one without writing Go.
	workflowFile struct {
		Name        string     `yaml:"name"`
		Description string     `yaml:"description"`
		Entry       string     `yaml:"entry"`
		Nodes       []nodeFile `yaml:"nodes"`
	}

	nodeFile struct {
		ID           string            `yaml:"id"`
		Description  string            `yaml:"description"`
		SystemPrompt string            `yaml:"system_prompt"`
		Model        string            `yaml:"model"`
		MCPTools     []string          `yaml:"mcp_tools"`
		CodeTools    []string          `yaml:"code_tools"`
		HandOffs     []string          `yaml:"hand_offs"`
		HandOffType  string            `yaml:"hand_off_type"`
		Memory       map[string]string `yaml:"memory"`
		MaxSteps     *int              `yaml:"max_steps"`
		WaitFor      []string          `yaml:"wait_for"`
		DirectSDK    bool              `yaml:"direct_sdk"`
	}

	// loadedWorkflow is a parsed and validated workflow file ready to be
	// registered.
	loadedWorkflow struct {
		Name        string
		Description string
		Graph       json.RawMessage
	}
)

// loadWorkflowFile reads, parses and validates a YAML workflow file. Unknown
// keys are rejected so a typo cannot silently drop a node setting.
func loadWorkflowFile(path string) (loadedWorkflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return loadedWorkflow{}, fmt.Errorf("read workflow file: %w", err)
	}
	var wf workflowFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return loadedWorkflow{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if wf.Name == "" {
		return loadedWorkflow{}, fmt.Errorf("%s: workflow name is required", path)
	}

	g := &workflow.Graph{
		SchemaVersion: workflow.CurrentSchemaVersion,
		Entry:         wf.Entry,
		Nodes:         make([]workflow.NodeConfig, 0, len(wf.Nodes)),
	}
	for _, n := range wf.Nodes {
		g.Nodes = append(g.Nodes, workflow.NodeConfig{
			ID:           n.ID,
			Description:  n.Description,
			SystemPrompt: n.SystemPrompt,
			ModelName:    n.Model,
			MCPTools:     n.MCPTools,
			CodeTools:    n.CodeTools,
			HandOffs:     n.HandOffs,
			HandOffType:  workflow.HandOffType(n.HandOffType),
			Memory:       n.Memory,
			MaxSteps:     n.MaxSteps,
			WaitFor:      n.WaitFor,
			UseDirectSDK: n.DirectSDK,
		})
	}
	if g.Entry == "" && len(g.Nodes) > 0 {
		g.Entry = g.Nodes[0].ID
	}
	if err := g.Validate(); err != nil {
		return loadedWorkflow{}, fmt.Errorf("%s: %w", path, err)
	}
	blob, err := workflow.MarshalGraph(g)
	if err != nil {
		return loadedWorkflow{}, fmt.Errorf("%s: %w", path, err)
	}
	return loadedWorkflow{Name: wf.Name, Description: wf.Description, Graph: blob}, nil
}
