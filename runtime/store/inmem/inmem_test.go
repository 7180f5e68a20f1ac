package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/workflow"
)

const testDSL = `{"nodes": [{"node_id": "echo", "hand_offs": ["end"]}]}`

func seedVersion(t *testing.T, s *Store) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureWorkflow(ctx, store.Workflow{WorkflowID: "wf-1", Description: "test workflow"}))
	v, err := s.CreateWorkflowVersion(ctx, store.Version{
		VersionID:  "ver-1",
		WorkflowID: "wf-1",
		DSL:        []byte(testDSL),
		Operation:  store.OpInit,
	})
	require.NoError(t, err)
	return v.VersionID
}

func seedInvocation(t *testing.T, s *Store, versionID string) store.Invocation {
	t.Helper()
	inv, err := s.CreateWorkflowInvocation(context.Background(), store.Invocation{
		VersionID:     versionID,
		WorkflowInput: "hello",
	})
	require.NoError(t, err)
	return inv
}

func TestEnsureWorkflow(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.EnsureWorkflow(ctx, store.Workflow{WorkflowID: "wf-1", Description: "first"}))
	wf, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	created := wf.CreatedAt
	require.False(t, created.IsZero())

	require.NoError(t, s.EnsureWorkflow(ctx, store.Workflow{WorkflowID: "wf-1", Description: "second"}))
	wf, err = s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "second", wf.Description)
	assert.Equal(t, created, wf.CreatedAt)

	_, err = s.GetWorkflow(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestCreateWorkflowVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("annotates schema version", func(t *testing.T) {
		s := New()
		versionID := seedVersion(t, s)
		v, err := s.GetWorkflowVersion(ctx, versionID)
		require.NoError(t, err)
		g, err := workflow.ParseGraph(v.DSL)
		require.NoError(t, err)
		assert.Equal(t, workflow.CurrentSchemaVersion, g.SchemaVersion)
	})

	t.Run("creating twice with identical payload is idempotent", func(t *testing.T) {
		s := New()
		versionID := seedVersion(t, s)
		again, err := s.CreateWorkflowVersion(ctx, store.Version{
			VersionID:  versionID,
			WorkflowID: "wf-1",
			DSL:        []byte(testDSL),
			Operation:  store.OpInit,
		})
		require.NoError(t, err)
		assert.Equal(t, versionID, again.VersionID)
	})

	t.Run("unsupported schema version refused", func(t *testing.T) {
		s := New()
		require.NoError(t, s.EnsureWorkflow(ctx, store.Workflow{WorkflowID: "wf-1"}))
		_, err := s.CreateWorkflowVersion(ctx, store.Version{
			VersionID:  "ver-bad",
			WorkflowID: "wf-1",
			DSL:        []byte(`{"schema_version": 99, "nodes": [{"node_id": "a"}]}`),
		})
		require.Error(t, err)
		assert.True(t, store.IsConflict(err))
		var sve *workflow.SchemaVersionError
		assert.True(t, errors.As(err, &sve))
	})

	t.Run("invalid graph refused", func(t *testing.T) {
		s := New()
		require.NoError(t, s.EnsureWorkflow(ctx, store.Workflow{WorkflowID: "wf-1"}))
		_, err := s.CreateWorkflowVersion(ctx, store.Version{
			VersionID:  "ver-bad",
			WorkflowID: "wf-1",
			DSL:        []byte(`{"nodes": [{"node_id": "end"}]}`),
		})
		assert.True(t, store.IsConflict(err))
	})

	t.Run("unknown workflow refused", func(t *testing.T) {
		s := New()
		_, err := s.CreateWorkflowVersion(ctx, store.Version{
			VersionID:  "ver-1",
			WorkflowID: "ghost",
			DSL:        []byte(testDSL),
		})
		assert.True(t, store.IsNotFound(err))
	})
}

func TestInvocationLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("created running with defaults", func(t *testing.T) {
		s := New()
		inv := seedInvocation(t, s, seedVersion(t, s))
		assert.Equal(t, store.StatusRunning, inv.Status)
		assert.NotEmpty(t, inv.InvocationID)
		assert.False(t, inv.StartTime.IsZero())
		assert.Nil(t, inv.EndTime)
	})

	t.Run("terminal status cannot be reversed", func(t *testing.T) {
		s := New()
		inv := seedInvocation(t, s, seedVersion(t, s))
		completed := store.StatusCompleted
		now := time.Now().UTC()
		_, err := s.UpdateWorkflowInvocation(ctx, store.InvocationPatch{
			InvocationID: inv.InvocationID,
			Status:       &completed,
			EndTime:      &now,
		})
		require.NoError(t, err)

		running := store.StatusRunning
		_, err = s.UpdateWorkflowInvocation(ctx, store.InvocationPatch{
			InvocationID: inv.InvocationID,
			Status:       &running,
		})
		assert.True(t, store.IsConflict(err))

		failed := store.StatusFailed
		_, err = s.UpdateWorkflowInvocation(ctx, store.InvocationPatch{
			InvocationID: inv.InvocationID,
			Status:       &failed,
		})
		assert.True(t, store.IsConflict(err))
	})

	t.Run("accuracy rounded to integer percent", func(t *testing.T) {
		s := New()
		inv := seedInvocation(t, s, seedVersion(t, s))
		accuracy := 87.5
		updated, err := s.UpdateWorkflowInvocation(ctx, store.InvocationPatch{
			InvocationID: inv.InvocationID,
			Accuracy:     &accuracy,
		})
		require.NoError(t, err)
		require.NotNil(t, updated.Accuracy)
		assert.Equal(t, 88, *updated.Accuracy)
	})

	t.Run("fitness attaches after completion", func(t *testing.T) {
		s := New()
		inv := seedInvocation(t, s, seedVersion(t, s))
		completed := store.StatusCompleted
		_, err := s.UpdateWorkflowInvocation(ctx, store.InvocationPatch{
			InvocationID: inv.InvocationID,
			Status:       &completed,
		})
		require.NoError(t, err)

		fitness := store.NewScoreFitness(0.92)
		score := 0.92
		updated, err := s.UpdateWorkflowInvocation(ctx, store.InvocationPatch{
			InvocationID: inv.InvocationID,
			Fitness:      &fitness,
			FitnessScore: &score,
		})
		require.NoError(t, err)
		require.NotNil(t, updated.Fitness)
		got, ok := updated.Fitness.Score()
		require.True(t, ok)
		assert.Equal(t, 0.92, got)
		assert.Equal(t, store.StatusCompleted, updated.Status)
	})

	t.Run("extras merge key-wise", func(t *testing.T) {
		s := New()
		inv := seedInvocation(t, s, seedVersion(t, s))
		_, err := s.UpdateWorkflowInvocation(ctx, store.InvocationPatch{
			InvocationID: inv.InvocationID,
			Extras:       map[string]any{"a": 1},
		})
		require.NoError(t, err)
		updated, err := s.UpdateWorkflowInvocation(ctx, store.InvocationPatch{
			InvocationID: inv.InvocationID,
			Extras:       map[string]any{"b": 2},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Extras["a"])
		assert.Equal(t, 2, updated.Extras["b"])
	})
}

func TestNodeVersionBumps(t *testing.T) {
	ctx := context.Background()
	s := New()
	versionID := seedVersion(t, s)

	_, err := s.LatestNodeVersion(ctx, versionID, "echo")
	assert.True(t, store.IsNotFound(err))

	cfg := workflow.NodeConfig{ID: "echo", Memory: map[string]string{"note": "v1"}}
	nv1, err := s.SaveNodeVersion(ctx, versionID, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, nv1.Version)

	cfg.Memory["note"] = "v2"
	nv2, err := s.SaveNodeVersion(ctx, versionID, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, nv2.Version)

	latest, err := s.LatestNodeVersion(ctx, versionID, "echo")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "v2", latest.Config.Memory["note"])

	// The v1 snapshot must not see the later mutation of the caller's map.
	assert.Equal(t, "v1", nv1.Config.Memory["note"])
}

func TestNodeInvocationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	inv := seedInvocation(t, s, seedVersion(t, s))

	ni, err := s.StartNodeInvocation(ctx, store.NodeInvocation{
		InvocationID: inv.InvocationID,
		NodeID:       "echo",
		Model:        "test-model",
	})
	require.NoError(t, err)
	assert.Equal(t, store.NodeRunning, ni.Status)
	assert.Equal(t, 1, ni.AttemptNo)
	assert.NotEmpty(t, ni.NodeInvocationID)

	ended, err := s.EndNodeInvocation(ctx, store.NodeInvocationEnd{
		NodeInvocationID: ni.NodeInvocationID,
		Status:           store.NodeCompleted,
		Output:           "done",
		Summary:          "echoed the input",
		USDCost:          0.002,
		Extras:           map[string]any{store.ExtraTrace: `{"steps":[]}`},
	})
	require.NoError(t, err)
	assert.Equal(t, store.NodeCompleted, ended.Status)
	require.NotNil(t, ended.EndTime)
	assert.Equal(t, "done", ended.Output)

	// Re-ending with the same terminal status is idempotent.
	_, err = s.EndNodeInvocation(ctx, store.NodeInvocationEnd{
		NodeInvocationID: ni.NodeInvocationID,
		Status:           store.NodeCompleted,
		Output:           "done",
	})
	require.NoError(t, err)

	// Switching terminal states is not.
	_, err = s.EndNodeInvocation(ctx, store.NodeInvocationEnd{
		NodeInvocationID: ni.NodeInvocationID,
		Status:           store.NodeFailed,
	})
	assert.True(t, store.IsConflict(err))
}

func TestSaveMessage(t *testing.T) {
	ctx := context.Background()
	s := New()
	inv := seedInvocation(t, s, seedVersion(t, s))

	msg, err := s.SaveMessage(ctx, store.Message{
		InvocationID: inv.InvocationID,
		FromNodeID:   store.StartNodeID,
		ToNodeID:     "echo",
		Seq:          1,
		Role:         store.RoleDelegation,
		Payload:      []byte(`{"text":"hello"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MsgID)

	t.Run("seq slots are unique per invocation", func(t *testing.T) {
		_, err := s.SaveMessage(ctx, store.Message{
			InvocationID: inv.InvocationID,
			FromNodeID:   "echo",
			ToNodeID:     "end",
			Seq:          1,
			Role:         store.RoleResult,
		})
		assert.True(t, store.IsDuplicateKey(err))
	})

	t.Run("message ids are unique", func(t *testing.T) {
		_, err := s.SaveMessage(ctx, store.Message{
			MsgID:        msg.MsgID,
			InvocationID: inv.InvocationID,
			Seq:          2,
			Role:         store.RoleResult,
		})
		assert.True(t, store.IsDuplicateKey(err))
	})

	t.Run("seq below one rejected", func(t *testing.T) {
		_, err := s.SaveMessage(ctx, store.Message{InvocationID: inv.InvocationID, Seq: 0})
		require.Error(t, err)
	})

	t.Run("unknown invocation rejected", func(t *testing.T) {
		_, err := s.SaveMessage(ctx, store.Message{InvocationID: "inv-ghost", Seq: 1})
		assert.True(t, store.IsNotFound(err))
	})
}

func TestListInvocations(t *testing.T) {
	ctx := context.Background()
	s := New()
	versionID := seedVersion(t, s)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id string, offset time.Duration, status store.InvocationStatus, cost float64, accuracy *float64) {
		t.Helper()
		_, err := s.CreateWorkflowInvocation(ctx, store.Invocation{
			InvocationID: id,
			VersionID:    versionID,
			StartTime:    base.Add(offset),
			RunID:        "run-1",
		})
		require.NoError(t, err)
		patch := store.InvocationPatch{InvocationID: id, USDCost: &cost, Accuracy: accuracy}
		if status != store.StatusRunning {
			patch.Status = &status
		}
		_, err = s.UpdateWorkflowInvocation(ctx, patch)
		require.NoError(t, err)
	}
	acc80, acc60 := 80.0, 60.0
	mk("inv-a", 0, store.StatusCompleted, 0.10, &acc80)
	mk("inv-b", time.Minute, store.StatusFailed, 0.30, &acc60)
	mk("inv-c", 2*time.Minute, store.StatusRunning, 0.05, nil)

	t.Run("default order is newest first with aggregates", func(t *testing.T) {
		page, err := s.ListInvocations(ctx, store.ListQuery{})
		require.NoError(t, err)
		require.Len(t, page.Invocations, 3)
		assert.Equal(t, "inv-c", page.Invocations[0].InvocationID)
		assert.Equal(t, "inv-a", page.Invocations[2].InvocationID)
		assert.Equal(t, 3, page.TotalCount)
		assert.InDelta(t, 0.45, page.Aggregates.TotalSpentUSD, 1e-9)
		assert.InDelta(t, 70.0, page.Aggregates.AvgAccuracy, 1e-9)
		assert.Equal(t, 1, page.Aggregates.FailedCount)
	})

	t.Run("status filter", func(t *testing.T) {
		failed := store.StatusFailed
		page, err := s.ListInvocations(ctx, store.ListQuery{Filters: store.ListFilters{Status: &failed}})
		require.NoError(t, err)
		require.Len(t, page.Invocations, 1)
		assert.Equal(t, "inv-b", page.Invocations[0].InvocationID)
	})

	t.Run("cost bounds", func(t *testing.T) {
		minCost := 0.08
		page, err := s.ListInvocations(ctx, store.ListQuery{Filters: store.ListFilters{MinCost: &minCost}})
		require.NoError(t, err)
		assert.Equal(t, 2, page.TotalCount)
	})

	t.Run("accuracy filter skips rows without accuracy", func(t *testing.T) {
		minAcc := 50
		page, err := s.ListInvocations(ctx, store.ListQuery{Filters: store.ListFilters{MinAccuracy: &minAcc}})
		require.NoError(t, err)
		assert.Equal(t, 2, page.TotalCount)
	})

	t.Run("sort by cost ascending", func(t *testing.T) {
		page, err := s.ListInvocations(ctx, store.ListQuery{SortBy: store.SortUSDCost})
		require.NoError(t, err)
		require.Len(t, page.Invocations, 3)
		assert.Equal(t, "inv-c", page.Invocations[0].InvocationID)
		assert.Equal(t, "inv-b", page.Invocations[2].InvocationID)
	})

	t.Run("paging", func(t *testing.T) {
		page, err := s.ListInvocations(ctx, store.ListQuery{Page: 2, PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page.Invocations, 1)
		assert.Equal(t, 3, page.TotalCount)
	})
}

func TestGetTrace(t *testing.T) {
	ctx := context.Background()
	s := New()
	inv := seedInvocation(t, s, seedVersion(t, s))

	for seq := 1; seq <= 3; seq++ {
		_, err := s.SaveMessage(ctx, store.Message{
			InvocationID: inv.InvocationID,
			Seq:          seq,
			Role:         store.RoleSequential,
		})
		require.NoError(t, err)
	}
	ni, err := s.StartNodeInvocation(ctx, store.NodeInvocation{
		InvocationID: inv.InvocationID,
		NodeID:       "echo",
	})
	require.NoError(t, err)

	view, err := s.GetTrace(ctx, inv.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", view.Workflow.WorkflowID)
	assert.Equal(t, "ver-1", view.Version.VersionID)
	require.Len(t, view.Messages, 3)
	for i, m := range view.Messages {
		assert.Equal(t, i+1, m.Seq)
	}
	require.Len(t, view.NodeInvocations, 1)
	assert.Equal(t, ni.NodeInvocationID, view.NodeInvocations[0].NodeInvocationID)

	_, err = s.GetTrace(ctx, "inv-ghost")
	assert.True(t, store.IsNotFound(err))
}

func TestDeleteInvocationsCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	versionID := seedVersion(t, s)
	inv := seedInvocation(t, s, versionID)
	keep := seedInvocation(t, s, versionID)

	_, err := s.StartNodeInvocation(ctx, store.NodeInvocation{InvocationID: inv.InvocationID, NodeID: "echo"})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, store.Message{InvocationID: inv.InvocationID, Seq: 1, Role: store.RoleDelegation})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, store.Message{InvocationID: inv.InvocationID, Seq: 2, Role: store.RoleResult})
	require.NoError(t, err)

	res, err := s.DeleteInvocations(ctx, []string{inv.InvocationID, "inv-ghost"})
	require.NoError(t, err)
	assert.Equal(t, store.DeleteResult{Invocations: 1, NodeInvocations: 1, Messages: 2}, res)

	_, err = s.GetWorkflowInvocation(ctx, inv.InvocationID)
	assert.True(t, store.IsNotFound(err))
	_, err = s.GetWorkflowInvocation(ctx, keep.InvocationID)
	assert.NoError(t, err)
}

func TestCleanupStale(t *testing.T) {
	ctx := context.Background()
	s := New()
	versionID := seedVersion(t, s)

	stale, err := s.CreateWorkflowInvocation(ctx, store.Invocation{
		VersionID: versionID,
		StartTime: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)
	fresh := seedInvocation(t, s, versionID)
	_, err = s.StartNodeInvocation(ctx, store.NodeInvocation{
		InvocationID: stale.InvocationID,
		NodeID:       "echo",
		StartTime:    time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	res, err := s.CleanupStale(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.WorkflowInvocations, 1)
	assert.Equal(t, 1, res.NodeInvocations)

	got, err := s.GetWorkflowInvocation(ctx, stale.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, "stale", got.Extras[store.ExtraError])

	untouched, err := s.GetWorkflowInvocation(ctx, fresh.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, untouched.Status)
}

func TestWithTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commit persists writes", func(t *testing.T) {
		s := New()
		versionID := seedVersion(t, s)
		err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
			_, err := tx.CreateWorkflowInvocation(ctx, store.Invocation{
				InvocationID: "inv-tx",
				VersionID:    versionID,
			})
			return err
		})
		require.NoError(t, err)
		_, err = s.GetWorkflowInvocation(ctx, "inv-tx")
		assert.NoError(t, err)
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		s := New()
		versionID := seedVersion(t, s)
		boom := errors.New("boom")
		err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
			if _, err := tx.CreateWorkflowInvocation(ctx, store.Invocation{
				InvocationID: "inv-tx",
				VersionID:    versionID,
			}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		_, err = s.GetWorkflowInvocation(ctx, "inv-tx")
		assert.True(t, store.IsNotFound(err))
	})
}
