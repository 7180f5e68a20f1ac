package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/workflow"
)

type workflowRow struct {
	bun.BaseModel `bun:"table:workflows"`

	ID          string    `bun:"id,pk"`
	Description string    `bun:"description,nullzero"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

type versionRow struct {
	bun.BaseModel `bun:"table:workflow_versions"`

	ID            string    `bun:"id,pk"`
	WorkflowID    string    `bun:"workflow_id,notnull"`
	DSL           []byte    `bun:"dsl,type:jsonb,notnull"`
	Operation     string    `bun:"operation,notnull"`
	CommitMessage string    `bun:"commit_message,nullzero"`
	GenerationID  string    `bun:"generation_id,nullzero"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

type invocationRow struct {
	bun.BaseModel `bun:"table:workflow_invocations"`

	ID             string         `bun:"id,pk"`
	VersionID      string         `bun:"version_id,notnull"`
	Status         string         `bun:"status,notnull"`
	StartTime      time.Time      `bun:"start_time,notnull"`
	EndTime        *time.Time     `bun:"end_time"`
	USDCost        float64        `bun:"usd_cost"`
	WorkflowInput  string         `bun:"workflow_input,nullzero"`
	WorkflowOutput string         `bun:"workflow_output,nullzero"`
	Fitness        []byte         `bun:"fitness,type:jsonb,nullzero"`
	Accuracy       *int           `bun:"accuracy"`
	FitnessScore   *float64       `bun:"fitness_score"`
	RunID          string         `bun:"run_id,nullzero"`
	GenerationID   string         `bun:"generation_id,nullzero"`
	Extras         map[string]any `bun:"extras,type:jsonb,nullzero"`
}

type nodeVersionRow struct {
	bun.BaseModel `bun:"table:node_versions"`

	ID        string    `bun:"id,pk"`
	VersionID string    `bun:"version_id,notnull"`
	NodeID    string    `bun:"node_id,notnull"`
	Version   int       `bun:"version,notnull"`
	Config    []byte    `bun:"config,type:jsonb,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

type nodeInvocationRow struct {
	bun.BaseModel `bun:"table:node_invocations"`

	ID            string         `bun:"id,pk"`
	InvocationID  string         `bun:"invocation_id,notnull"`
	NodeID        string         `bun:"node_id,notnull"`
	NodeVersionID string         `bun:"node_version_id,nullzero"`
	Status        string         `bun:"status,notnull"`
	Model         string         `bun:"model,nullzero"`
	AttemptNo     int            `bun:"attempt_no,notnull"`
	StartTime     time.Time      `bun:"start_time,notnull"`
	EndTime       *time.Time     `bun:"end_time"`
	USDCost       float64        `bun:"usd_cost"`
	Output        string         `bun:"output,nullzero"`
	Summary       string         `bun:"summary,nullzero"`
	Files         []string       `bun:"files,array,nullzero"`
	Error         string         `bun:"error,nullzero"`
	Extras        map[string]any `bun:"extras,type:jsonb,nullzero"`
}

type messageRow struct {
	bun.BaseModel `bun:"table:messages"`

	ID                 string    `bun:"id,pk"`
	InvocationID       string    `bun:"invocation_id,notnull"`
	FromNodeID         string    `bun:"from_node_id,notnull"`
	ToNodeID           string    `bun:"to_node_id,notnull"`
	Seq                int       `bun:"seq,notnull"`
	Role               string    `bun:"role,notnull"`
	Payload            []byte    `bun:"payload,type:jsonb,nullzero"`
	CreatedAt          time.Time `bun:"created_at,notnull"`
	OriginInvocationID string    `bun:"origin_invocation_id,nullzero"`
}

func toWorkflowRow(wf store.Workflow) workflowRow {
	return workflowRow{ID: wf.WorkflowID, Description: wf.Description, CreatedAt: wf.CreatedAt}
}

func fromWorkflowRow(row workflowRow) store.Workflow {
	return store.Workflow{WorkflowID: row.ID, Description: row.Description, CreatedAt: row.CreatedAt}
}

func toVersionRow(v store.Version) versionRow {
	return versionRow{
		ID:            v.VersionID,
		WorkflowID:    v.WorkflowID,
		DSL:           []byte(v.DSL),
		Operation:     string(v.Operation),
		CommitMessage: v.CommitMessage,
		GenerationID:  v.GenerationID,
		CreatedAt:     v.CreatedAt,
	}
}

func fromVersionRow(row versionRow) store.Version {
	return store.Version{
		VersionID:     row.ID,
		WorkflowID:    row.WorkflowID,
		DSL:           json.RawMessage(row.DSL),
		Operation:     store.Operation(row.Operation),
		CommitMessage: row.CommitMessage,
		GenerationID:  row.GenerationID,
		CreatedAt:     row.CreatedAt,
	}
}

func toInvocationRow(inv store.Invocation) (invocationRow, error) {
	row := invocationRow{
		ID:             inv.InvocationID,
		VersionID:      inv.VersionID,
		Status:         string(inv.Status),
		StartTime:      inv.StartTime,
		EndTime:        inv.EndTime,
		USDCost:        inv.USDCost,
		WorkflowInput:  inv.WorkflowInput,
		WorkflowOutput: inv.WorkflowOutput,
		Accuracy:       inv.Accuracy,
		FitnessScore:   inv.FitnessScore,
		RunID:          inv.RunID,
		GenerationID:   inv.GenerationID,
		Extras:         inv.Extras,
	}
	if inv.Fitness != nil && !inv.Fitness.IsZero() {
		raw, err := json.Marshal(inv.Fitness)
		if err != nil {
			return invocationRow{}, fmt.Errorf("marshal fitness: %w", err)
		}
		row.Fitness = raw
	}
	return row, nil
}

func fromInvocationRow(row invocationRow) (store.Invocation, error) {
	inv := store.Invocation{
		InvocationID:   row.ID,
		VersionID:      row.VersionID,
		Status:         store.InvocationStatus(row.Status),
		StartTime:      row.StartTime,
		EndTime:        row.EndTime,
		USDCost:        row.USDCost,
		WorkflowInput:  row.WorkflowInput,
		WorkflowOutput: row.WorkflowOutput,
		Accuracy:       row.Accuracy,
		FitnessScore:   row.FitnessScore,
		RunID:          row.RunID,
		GenerationID:   row.GenerationID,
		Extras:         row.Extras,
	}
	if len(row.Fitness) > 0 {
		f, err := store.ParseFitness(row.Fitness)
		if err != nil {
			return store.Invocation{}, fmt.Errorf("parse fitness: %w", err)
		}
		if !f.IsZero() {
			inv.Fitness = &f
		}
	}
	return inv, nil
}

func toNodeVersionRow(nv store.NodeVersion) (nodeVersionRow, error) {
	cfg, err := json.Marshal(nv.Config)
	if err != nil {
		return nodeVersionRow{}, fmt.Errorf("marshal node config: %w", err)
	}
	return nodeVersionRow{
		ID:        nv.ID,
		VersionID: nv.VersionID,
		NodeID:    nv.NodeID,
		Version:   nv.Version,
		Config:    cfg,
		UpdatedAt: nv.UpdatedAt,
	}, nil
}

func fromNodeVersionRow(row nodeVersionRow) (store.NodeVersion, error) {
	var cfg workflow.NodeConfig
	if err := json.Unmarshal(row.Config, &cfg); err != nil {
		return store.NodeVersion{}, fmt.Errorf("unmarshal node config: %w", err)
	}
	return store.NodeVersion{
		ID:        row.ID,
		VersionID: row.VersionID,
		NodeID:    row.NodeID,
		Version:   row.Version,
		Config:    cfg,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func toNodeInvocationRow(ni store.NodeInvocation) nodeInvocationRow {
	return nodeInvocationRow{
		ID:            ni.NodeInvocationID,
		InvocationID:  ni.InvocationID,
		NodeID:        ni.NodeID,
		NodeVersionID: ni.NodeVersionID,
		Status:        string(ni.Status),
		Model:         ni.Model,
		AttemptNo:     ni.AttemptNo,
		StartTime:     ni.StartTime,
		EndTime:       ni.EndTime,
		USDCost:       ni.USDCost,
		Output:        ni.Output,
		Summary:       ni.Summary,
		Files:         ni.Files,
		Error:         ni.Error,
		Extras:        ni.Extras,
	}
}

func fromNodeInvocationRow(row nodeInvocationRow) store.NodeInvocation {
	return store.NodeInvocation{
		NodeInvocationID: row.ID,
		InvocationID:     row.InvocationID,
		NodeID:           row.NodeID,
		NodeVersionID:    row.NodeVersionID,
		Status:           store.NodeStatus(row.Status),
		Model:            row.Model,
		AttemptNo:        row.AttemptNo,
		StartTime:        row.StartTime,
		EndTime:          row.EndTime,
		USDCost:          row.USDCost,
		Output:           row.Output,
		Summary:          row.Summary,
		Files:            row.Files,
		Error:            row.Error,
		Extras:           row.Extras,
	}
}

func toMessageRow(msg store.Message) messageRow {
	return messageRow{
		ID:                 msg.MsgID,
		InvocationID:       msg.InvocationID,
		FromNodeID:         msg.FromNodeID,
		ToNodeID:           msg.ToNodeID,
		Seq:                msg.Seq,
		Role:               string(msg.Role),
		Payload:            []byte(msg.Payload),
		CreatedAt:          msg.CreatedAt,
		OriginInvocationID: msg.OriginInvocationID,
	}
}

func fromMessageRow(row messageRow) store.Message {
	return store.Message{
		MsgID:              row.ID,
		InvocationID:       row.InvocationID,
		FromNodeID:         row.FromNodeID,
		ToNodeID:           row.ToNodeID,
		Seq:                row.Seq,
		Role:               store.MessageRole(row.Role),
		Payload:            json.RawMessage(row.Payload),
		CreatedAt:          row.CreatedAt,
		OriginInvocationID: row.OriginInvocationID,
	}
}
