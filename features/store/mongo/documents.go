package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/workflow"
)

// Collection names. One collection per record type plus a counter collection
// backing the atomic node version bumps.
const (
	collWorkflows       = "workflows"
	collVersions        = "workflow_versions"
	collInvocations     = "workflow_invocations"
	collNodeVersions    = "node_versions"
	collNodeInvocations = "node_invocations"
	collMessages        = "messages"
	collNodeVersionSeq  = "node_version_counters"
)

type workflowDoc struct {
	ID          string    `bson:"_id"`
	Description string    `bson:"description,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
}

type versionDoc struct {
	ID            string    `bson:"_id"`
	WorkflowID    string    `bson:"workflow_id"`
	DSL           []byte    `bson:"dsl"`
	Operation     string    `bson:"operation"`
	CommitMessage string    `bson:"commit_message,omitempty"`
	GenerationID  string    `bson:"generation_id,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
}

type invocationDoc struct {
	ID             string         `bson:"_id"`
	VersionID      string         `bson:"version_id"`
	Status         string         `bson:"status"`
	StartTime      time.Time      `bson:"start_time"`
	EndTime        *time.Time     `bson:"end_time,omitempty"`
	USDCost        float64        `bson:"usd_cost"`
	WorkflowInput  string         `bson:"workflow_input,omitempty"`
	WorkflowOutput string         `bson:"workflow_output,omitempty"`
	Fitness        []byte         `bson:"fitness,omitempty"`
	Accuracy       *int           `bson:"accuracy,omitempty"`
	FitnessScore   *float64       `bson:"fitness_score,omitempty"`
	RunID          string         `bson:"run_id,omitempty"`
	GenerationID   string         `bson:"generation_id,omitempty"`
	Extras         map[string]any `bson:"extras,omitempty"`
}

type nodeVersionDoc struct {
	ID        string    `bson:"_id"`
	VersionID string    `bson:"version_id"`
	NodeID    string    `bson:"node_id"`
	Version   int       `bson:"version"`
	Config    []byte    `bson:"config"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type nodeInvocationDoc struct {
	ID            string         `bson:"_id"`
	InvocationID  string         `bson:"invocation_id"`
	NodeID        string         `bson:"node_id"`
	NodeVersionID string         `bson:"node_version_id,omitempty"`
	Status        string         `bson:"status"`
	Model         string         `bson:"model,omitempty"`
	AttemptNo     int            `bson:"attempt_no"`
	StartTime     time.Time      `bson:"start_time"`
	EndTime       *time.Time     `bson:"end_time,omitempty"`
	USDCost       float64        `bson:"usd_cost"`
	Output        string         `bson:"output,omitempty"`
	Summary       string         `bson:"summary,omitempty"`
	Files         []string       `bson:"files,omitempty"`
	Error         string         `bson:"error,omitempty"`
	Extras        map[string]any `bson:"extras,omitempty"`
}

type messageDoc struct {
	ID                 string    `bson:"_id"`
	InvocationID       string    `bson:"invocation_id"`
	FromNodeID         string    `bson:"from_node_id"`
	ToNodeID           string    `bson:"to_node_id"`
	Seq                int       `bson:"seq"`
	Role               string    `bson:"role"`
	Payload            []byte    `bson:"payload,omitempty"`
	CreatedAt          time.Time `bson:"created_at"`
	OriginInvocationID string    `bson:"origin_invocation_id,omitempty"`
}

type counterDoc struct {
	ID  string `bson:"_id"`
	Seq int    `bson:"seq"`
}

func toWorkflowDoc(wf store.Workflow) workflowDoc {
	return workflowDoc{ID: wf.WorkflowID, Description: wf.Description, CreatedAt: wf.CreatedAt}
}

func fromWorkflowDoc(doc workflowDoc) store.Workflow {
	return store.Workflow{WorkflowID: doc.ID, Description: doc.Description, CreatedAt: doc.CreatedAt}
}

func toVersionDoc(v store.Version) versionDoc {
	return versionDoc{
		ID:            v.VersionID,
		WorkflowID:    v.WorkflowID,
		DSL:           []byte(v.DSL),
		Operation:     string(v.Operation),
		CommitMessage: v.CommitMessage,
		GenerationID:  v.GenerationID,
		CreatedAt:     v.CreatedAt,
	}
}

func fromVersionDoc(doc versionDoc) store.Version {
	return store.Version{
		VersionID:     doc.ID,
		WorkflowID:    doc.WorkflowID,
		DSL:           json.RawMessage(doc.DSL),
		Operation:     store.Operation(doc.Operation),
		CommitMessage: doc.CommitMessage,
		GenerationID:  doc.GenerationID,
		CreatedAt:     doc.CreatedAt,
	}
}

func toInvocationDoc(inv store.Invocation) (invocationDoc, error) {
	doc := invocationDoc{
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
			return invocationDoc{}, fmt.Errorf("marshal fitness: %w", err)
		}
		doc.Fitness = raw
	}
	return doc, nil
}

func fromInvocationDoc(doc invocationDoc) (store.Invocation, error) {
	inv := store.Invocation{
		InvocationID:   doc.ID,
		VersionID:      doc.VersionID,
		Status:         store.InvocationStatus(doc.Status),
		StartTime:      doc.StartTime,
		EndTime:        doc.EndTime,
		USDCost:        doc.USDCost,
		WorkflowInput:  doc.WorkflowInput,
		WorkflowOutput: doc.WorkflowOutput,
		Accuracy:       doc.Accuracy,
		FitnessScore:   doc.FitnessScore,
		RunID:          doc.RunID,
		GenerationID:   doc.GenerationID,
		Extras:         doc.Extras,
	}
	if len(doc.Fitness) > 0 {
		f, err := store.ParseFitness(doc.Fitness)
		if err != nil {
			return store.Invocation{}, fmt.Errorf("parse fitness: %w", err)
		}
		if !f.IsZero() {
			inv.Fitness = &f
		}
	}
	return inv, nil
}

func toNodeVersionDoc(nv store.NodeVersion) (nodeVersionDoc, error) {
	cfg, err := json.Marshal(nv.Config)
	if err != nil {
		return nodeVersionDoc{}, fmt.Errorf("marshal node config: %w", err)
	}
	return nodeVersionDoc{
		ID:        nv.ID,
		VersionID: nv.VersionID,
		NodeID:    nv.NodeID,
		Version:   nv.Version,
		Config:    cfg,
		UpdatedAt: nv.UpdatedAt,
	}, nil
}

func fromNodeVersionDoc(doc nodeVersionDoc) (store.NodeVersion, error) {
	var cfg workflow.NodeConfig
	if err := json.Unmarshal(doc.Config, &cfg); err != nil {
		return store.NodeVersion{}, fmt.Errorf("unmarshal node config: %w", err)
	}
	return store.NodeVersion{
		ID:        doc.ID,
		VersionID: doc.VersionID,
		NodeID:    doc.NodeID,
		Version:   doc.Version,
		Config:    cfg,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func toNodeInvocationDoc(ni store.NodeInvocation) nodeInvocationDoc {
	return nodeInvocationDoc{
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

func fromNodeInvocationDoc(doc nodeInvocationDoc) store.NodeInvocation {
	return store.NodeInvocation{
		NodeInvocationID: doc.ID,
		InvocationID:     doc.InvocationID,
		NodeID:           doc.NodeID,
		NodeVersionID:    doc.NodeVersionID,
		Status:           store.NodeStatus(doc.Status),
		Model:            doc.Model,
		AttemptNo:        doc.AttemptNo,
		StartTime:        doc.StartTime,
		EndTime:          doc.EndTime,
		USDCost:          doc.USDCost,
		Output:           doc.Output,
		Summary:          doc.Summary,
		Files:            doc.Files,
		Error:            doc.Error,
		Extras:           doc.Extras,
	}
}

func toMessageDoc(msg store.Message) messageDoc {
	return messageDoc{
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

func fromMessageDoc(doc messageDoc) store.Message {
	return store.Message{
		MsgID:              doc.ID,
		InvocationID:       doc.InvocationID,
		FromNodeID:         doc.FromNodeID,
		ToNodeID:           doc.ToNodeID,
		Seq:                doc.Seq,
		Role:               store.MessageRole(doc.Role),
		Payload:            json.RawMessage(doc.Payload),
		CreatedAt:          doc.CreatedAt,
		OriginInvocationID: doc.OriginInvocationID,
	}
}
