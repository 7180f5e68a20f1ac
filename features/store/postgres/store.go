package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
	"goa.design/clue/health"

	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/workflow"
)

const clientName = "store-postgres"

// bumpRetries bounds how often SaveNodeVersion retries after losing a race on
// the (version_id, node_id, version) unique index.
const bumpRetries = 3

// Options configures the PostgreSQL store.
type Options struct {
	// DB is the bun database handle. Required.
	DB *bun.DB
}

// Store implements store.Store on PostgreSQL. It also implements
// health.Pinger so it can be mounted on a clue health check endpoint.
type Store struct {
	db   bun.IDB
	root *bun.DB
	inTx bool
}

var (
	_ store.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New prepares the store, creating the tables and indexes the port
// invariants rely on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.DB == nil {
		return nil, errors.New("bun db is required")
	}
	s := &Store{db: opts.DB, root: opts.DB}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.root.PingContext(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	models := []any{
		(*workflowRow)(nil),
		(*versionRow)(nil),
		(*invocationRow)(nil),
		(*nodeVersionRow)(nil),
		(*nodeInvocationRow)(nil),
		(*messageRow)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	indexes := []struct {
		model   any
		name    string
		columns []string
		unique  bool
	}{
		{(*messageRow)(nil), "messages_invocation_seq_uq", []string{"invocation_id", "seq"}, true},
		{(*nodeVersionRow)(nil), "node_versions_bump_uq", []string{"version_id", "node_id", "version"}, true},
		{(*nodeInvocationRow)(nil), "node_invocations_invocation_idx", []string{"invocation_id", "start_time"}, false},
		{(*nodeInvocationRow)(nil), "node_invocations_status_idx", []string{"status", "start_time"}, false},
		{(*invocationRow)(nil), "workflow_invocations_start_idx", []string{"start_time"}, false},
		{(*invocationRow)(nil), "workflow_invocations_status_idx", []string{"status", "start_time"}, false},
		{(*invocationRow)(nil), "workflow_invocations_run_idx", []string{"run_id"}, false},
		{(*invocationRow)(nil), "workflow_invocations_generation_idx", []string{"generation_id"}, false},
		{(*invocationRow)(nil), "workflow_invocations_version_idx", []string{"version_id"}, false},
	}
	for _, idx := range indexes {
		q := s.db.NewCreateIndex().Model(idx.model).Index(idx.name).IfNotExists().Column(idx.columns...)
		if idx.unique {
			q = q.Unique()
		}
		if _, err := q.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// wrapWrite maps driver write failures onto the port taxonomy.
func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
		return store.WrapErr(store.KindDuplicateKey, op, err)
	}
	return store.WrapErr(store.KindBackend, op, err)
}

func isDuplicate(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.IntegrityViolation()
}

// EnsureWorkflow implements store.Store.
func (s *Store) EnsureWorkflow(ctx context.Context, wf store.Workflow) error {
	const op = "ensure_workflow"
	if wf.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	row := toWorkflowRow(wf)
	q := s.db.NewInsert().Model(&row)
	if wf.Description != "" {
		q = q.On("CONFLICT (id) DO UPDATE").Set("description = EXCLUDED.description")
	} else {
		q = q.On("CONFLICT (id) DO NOTHING")
	}
	_, err := q.Exec(ctx)
	return wrapWrite(op, err)
}

// GetWorkflow implements store.Store.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (store.Workflow, error) {
	const op = "get_workflow"
	if workflowID == "" {
		return store.Workflow{}, errors.New("workflow id is required")
	}
	var row workflowRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", workflowID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Workflow{}, store.Errf(store.KindNotFound, op, "workflow %q", workflowID)
		}
		return store.Workflow{}, store.WrapErr(store.KindBackend, op, err)
	}
	return fromWorkflowRow(row), nil
}

// CreateWorkflowVersion implements store.Store.
func (s *Store) CreateWorkflowVersion(ctx context.Context, v store.Version) (store.Version, error) {
	const op = "create_workflow_version"
	if v.VersionID == "" {
		return store.Version{}, errors.New("version id is required")
	}
	if v.WorkflowID == "" {
		return store.Version{}, errors.New("workflow id is required")
	}
	if v.Operation == "" {
		v.Operation = store.OpInit
	}
	if !v.Operation.Valid() {
		return store.Version{}, fmt.Errorf("unknown version operation %q", v.Operation)
	}
	if _, err := workflow.ParseGraph(v.DSL); err != nil {
		return store.Version{}, store.WrapErr(store.KindConflict, op, err)
	}
	annotated, err := workflow.AnnotateSchemaVersion(v.DSL)
	if err != nil {
		return store.Version{}, store.WrapErr(store.KindConflict, op, err)
	}
	v.DSL = annotated

	exists, err := s.db.NewSelect().Model((*workflowRow)(nil)).Where("id = ?", v.WorkflowID).Exists(ctx)
	if err != nil {
		return store.Version{}, store.WrapErr(store.KindBackend, op, err)
	}
	if !exists {
		return store.Version{}, store.Errf(store.KindNotFound, op, "workflow %q", v.WorkflowID)
	}

	// Preserve the original creation time on re-creates.
	var existing versionRow
	findErr := s.db.NewSelect().Model(&existing).Where("id = ?", v.VersionID).Scan(ctx)
	switch {
	case findErr == nil:
		v.CreatedAt = existing.CreatedAt
	case errors.Is(findErr, sql.ErrNoRows):
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now().UTC()
		}
	default:
		return store.Version{}, store.WrapErr(store.KindBackend, op, findErr)
	}
	row := toVersionRow(v)
	_, err = s.db.NewInsert().Model(&row).
		On("CONFLICT (id) DO UPDATE").
		Set("workflow_id = EXCLUDED.workflow_id").
		Set("dsl = EXCLUDED.dsl").
		Set("operation = EXCLUDED.operation").
		Set("commit_message = EXCLUDED.commit_message").
		Set("generation_id = EXCLUDED.generation_id").
		Exec(ctx)
	if err != nil {
		return store.Version{}, wrapWrite(op, err)
	}
	return v, nil
}

// GetWorkflowVersion implements store.Store.
func (s *Store) GetWorkflowVersion(ctx context.Context, versionID string) (store.Version, error) {
	const op = "get_workflow_version"
	if versionID == "" {
		return store.Version{}, errors.New("version id is required")
	}
	var row versionRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", versionID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Version{}, store.Errf(store.KindNotFound, op, "version %q", versionID)
		}
		return store.Version{}, store.WrapErr(store.KindBackend, op, err)
	}
	return fromVersionRow(row), nil
}

// CreateWorkflowInvocation implements store.Store.
func (s *Store) CreateWorkflowInvocation(ctx context.Context, inv store.Invocation) (store.Invocation, error) {
	const op = "create_workflow_invocation"
	if inv.VersionID == "" {
		return store.Invocation{}, errors.New("version id is required")
	}
	if inv.InvocationID == "" {
		inv.InvocationID = store.NewInvocationID()
	}
	inv.Status = store.StatusRunning
	if inv.StartTime.IsZero() {
		inv.StartTime = time.Now().UTC()
	}
	inv.EndTime = nil

	exists, err := s.db.NewSelect().Model((*versionRow)(nil)).Where("id = ?", inv.VersionID).Exists(ctx)
	if err != nil {
		return store.Invocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	if !exists {
		return store.Invocation{}, store.Errf(store.KindNotFound, op, "version %q", inv.VersionID)
	}
	row, err := toInvocationRow(inv)
	if err != nil {
		return store.Invocation{}, store.WrapErr(store.KindConflict, op, err)
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return store.Invocation{}, wrapWrite(op, err)
	}
	return inv, nil
}

// UpdateWorkflowInvocation implements store.Store. The update is conditioned
// on the status observed at read time so a concurrent terminal transition
// surfaces as Conflict instead of being silently overwritten.
func (s *Store) UpdateWorkflowInvocation(ctx context.Context, patch store.InvocationPatch) (store.Invocation, error) {
	const op = "update_workflow_invocation"
	if patch.InvocationID == "" {
		return store.Invocation{}, errors.New("invocation id is required")
	}
	var current invocationRow
	err := s.db.NewSelect().Model(&current).Where("id = ?", patch.InvocationID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Invocation{}, store.Errf(store.KindNotFound, op, "invocation %q", patch.InvocationID)
		}
		return store.Invocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	inv, err := fromInvocationRow(current)
	if err != nil {
		return store.Invocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	updated, err := store.ApplyPatch(inv, patch)
	if err != nil {
		return store.Invocation{}, err
	}
	row, err := toInvocationRow(updated)
	if err != nil {
		return store.Invocation{}, store.WrapErr(store.KindConflict, op, err)
	}
	res, err := s.db.NewUpdate().Model(&row).WherePK().Where("status = ?", current.Status).Exec(ctx)
	if err != nil {
		return store.Invocation{}, wrapWrite(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Invocation{}, store.Errf(store.KindConflict, op,
			"invocation %q changed concurrently", patch.InvocationID)
	}
	return updated, nil
}

// GetWorkflowInvocation implements store.Store.
func (s *Store) GetWorkflowInvocation(ctx context.Context, invocationID string) (store.Invocation, error) {
	const op = "get_workflow_invocation"
	if invocationID == "" {
		return store.Invocation{}, errors.New("invocation id is required")
	}
	var row invocationRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", invocationID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Invocation{}, store.Errf(store.KindNotFound, op, "invocation %q", invocationID)
		}
		return store.Invocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	return fromInvocationRow(row)
}

// SaveNodeVersion implements store.Store. The bump integer is assigned inside
// the insert statement; when two bumps race, the unique index rejects one and
// the insert is retried with a fresh assignment.
func (s *Store) SaveNodeVersion(ctx context.Context, versionID string, cfg workflow.NodeConfig) (store.NodeVersion, error) {
	const op = "save_node_version"
	if versionID == "" {
		return store.NodeVersion{}, errors.New("version id is required")
	}
	if cfg.ID == "" {
		return store.NodeVersion{}, errors.New("node id is required")
	}
	exists, err := s.db.NewSelect().Model((*versionRow)(nil)).Where("id = ?", versionID).Exists(ctx)
	if err != nil {
		return store.NodeVersion{}, store.WrapErr(store.KindBackend, op, err)
	}
	if !exists {
		return store.NodeVersion{}, store.Errf(store.KindNotFound, op, "version %q", versionID)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return store.NodeVersion{}, store.WrapErr(store.KindConflict, op, err)
	}

	now := time.Now().UTC()
	var lastErr error
	for attempt := 0; attempt < bumpRetries; attempt++ {
		var id string
		var version int
		err := s.db.NewRaw(`
WITH next AS (
    SELECT COALESCE(MAX(version), 0) + 1 AS v
    FROM node_versions
    WHERE version_id = ? AND node_id = ?
)
INSERT INTO node_versions (id, version_id, node_id, version, config, updated_at)
SELECT 'nv-' || ? || '-' || ? || '-' || next.v, ?, ?, next.v, ?::jsonb, ?
FROM next
RETURNING id, version`,
			versionID, cfg.ID,
			versionID, cfg.ID,
			versionID, cfg.ID,
			string(cfgJSON), now,
		).Scan(ctx, &id, &version)
		if err == nil {
			return store.NodeVersion{
				ID:        id,
				VersionID: versionID,
				NodeID:    cfg.ID,
				Version:   version,
				Config:    cfg.Clone(),
				UpdatedAt: now,
			}, nil
		}
		if !isDuplicate(err) {
			return store.NodeVersion{}, store.WrapErr(store.KindBackend, op, err)
		}
		lastErr = err
	}
	return store.NodeVersion{}, store.WrapErr(store.KindBackend, op, lastErr)
}

// LatestNodeVersion implements store.Store.
func (s *Store) LatestNodeVersion(ctx context.Context, versionID, nodeID string) (store.NodeVersion, error) {
	const op = "latest_node_version"
	if versionID == "" || nodeID == "" {
		return store.NodeVersion{}, errors.New("version id and node id are required")
	}
	var row nodeVersionRow
	err := s.db.NewSelect().Model(&row).
		Where("version_id = ?", versionID).
		Where("node_id = ?", nodeID).
		OrderExpr("version DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NodeVersion{}, store.Errf(store.KindNotFound, op, "node %q in version %q", nodeID, versionID)
		}
		return store.NodeVersion{}, store.WrapErr(store.KindBackend, op, err)
	}
	return fromNodeVersionRow(row)
}

// StartNodeInvocation implements store.Store.
func (s *Store) StartNodeInvocation(ctx context.Context, ni store.NodeInvocation) (store.NodeInvocation, error) {
	const op = "start_node_invocation"
	if ni.InvocationID == "" {
		return store.NodeInvocation{}, errors.New("invocation id is required")
	}
	if ni.NodeID == "" {
		return store.NodeInvocation{}, errors.New("node id is required")
	}
	if ni.NodeInvocationID == "" {
		ni.NodeInvocationID = store.NewNodeInvocationID()
	}
	ni.Status = store.NodeRunning
	if ni.AttemptNo <= 0 {
		ni.AttemptNo = 1
	}
	if ni.StartTime.IsZero() {
		ni.StartTime = time.Now().UTC()
	}
	ni.EndTime = nil

	exists, err := s.db.NewSelect().Model((*invocationRow)(nil)).Where("id = ?", ni.InvocationID).Exists(ctx)
	if err != nil {
		return store.NodeInvocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	if !exists {
		return store.NodeInvocation{}, store.Errf(store.KindNotFound, op, "invocation %q", ni.InvocationID)
	}
	row := toNodeInvocationRow(ni)
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return store.NodeInvocation{}, wrapWrite(op, err)
	}
	return ni, nil
}

// EndNodeInvocation implements store.Store.
func (s *Store) EndNodeInvocation(ctx context.Context, end store.NodeInvocationEnd) (store.NodeInvocation, error) {
	const op = "end_node_invocation"
	if end.NodeInvocationID == "" {
		return store.NodeInvocation{}, errors.New("node invocation id is required")
	}
	if !end.Status.Terminal() {
		return store.NodeInvocation{}, fmt.Errorf("node invocation end status must be terminal, got %q", end.Status)
	}
	var current nodeInvocationRow
	err := s.db.NewSelect().Model(&current).Where("id = ?", end.NodeInvocationID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NodeInvocation{}, store.Errf(store.KindNotFound, op, "node invocation %q", end.NodeInvocationID)
		}
		return store.NodeInvocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	ni := fromNodeInvocationRow(current)
	if ni.Status.Terminal() && ni.Status != end.Status {
		return store.NodeInvocation{}, store.Errf(store.KindConflict, op,
			"node invocation %q is %s, cannot transition to %s", ni.NodeInvocationID, ni.Status, end.Status)
	}
	ni.Status = end.Status
	ni.Output = end.Output
	ni.Summary = end.Summary
	ni.USDCost = end.USDCost
	ni.Files = end.Files
	ni.Error = end.Error
	at := end.EndTime
	if at.IsZero() {
		at = time.Now().UTC()
	} else {
		at = at.UTC()
	}
	ni.EndTime = &at
	if len(end.Extras) > 0 {
		if ni.Extras == nil {
			ni.Extras = make(map[string]any, len(end.Extras))
		}
		for k, v := range end.Extras {
			ni.Extras[k] = v
		}
	}
	row := toNodeInvocationRow(ni)
	res, err := s.db.NewUpdate().Model(&row).WherePK().Where("status = ?", current.Status).Exec(ctx)
	if err != nil {
		return store.NodeInvocation{}, wrapWrite(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NodeInvocation{}, store.Errf(store.KindConflict, op,
			"node invocation %q changed concurrently", end.NodeInvocationID)
	}
	return ni, nil
}

// SaveMessage implements store.Store. The unique (invocation_id, seq) index
// turns a reused slot into a DuplicateKey error at insert time.
func (s *Store) SaveMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	const op = "save_message"
	if msg.InvocationID == "" {
		return store.Message{}, errors.New("invocation id is required")
	}
	if msg.Seq < 1 {
		return store.Message{}, fmt.Errorf("message seq must be >= 1, got %d", msg.Seq)
	}
	if msg.MsgID == "" {
		msg.MsgID = store.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	exists, err := s.db.NewSelect().Model((*invocationRow)(nil)).Where("id = ?", msg.InvocationID).Exists(ctx)
	if err != nil {
		return store.Message{}, store.WrapErr(store.KindBackend, op, err)
	}
	if !exists {
		return store.Message{}, store.Errf(store.KindNotFound, op, "invocation %q", msg.InvocationID)
	}
	row := toMessageRow(msg)
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return store.Message{}, wrapWrite(op, err)
	}
	return msg, nil
}

// GetTrace implements store.Store.
func (s *Store) GetTrace(ctx context.Context, invocationID string) (store.TraceView, error) {
	const op = "get_trace"
	if invocationID == "" {
		return store.TraceView{}, errors.New("invocation id is required")
	}
	inv, err := s.GetWorkflowInvocation(ctx, invocationID)
	if err != nil {
		return store.TraceView{}, err
	}
	version, err := s.GetWorkflowVersion(ctx, inv.VersionID)
	if err != nil {
		return store.TraceView{}, err
	}
	wf, err := s.GetWorkflow(ctx, version.WorkflowID)
	if err != nil {
		return store.TraceView{}, err
	}

	var niRows []nodeInvocationRow
	err = s.db.NewSelect().Model(&niRows).
		Where("invocation_id = ?", invocationID).
		OrderExpr("start_time ASC").
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return store.TraceView{}, store.WrapErr(store.KindBackend, op, err)
	}
	nodeInvs := make([]store.NodeInvocation, 0, len(niRows))
	for _, row := range niRows {
		nodeInvs = append(nodeInvs, fromNodeInvocationRow(row))
	}

	var msgRows []messageRow
	err = s.db.NewSelect().Model(&msgRows).
		Where("invocation_id = ?", invocationID).
		OrderExpr("seq ASC").
		Scan(ctx)
	if err != nil {
		return store.TraceView{}, store.WrapErr(store.KindBackend, op, err)
	}
	msgs := make([]store.Message, 0, len(msgRows))
	for _, row := range msgRows {
		msgs = append(msgs, fromMessageRow(row))
	}

	return store.TraceView{
		Workflow:        wf,
		Version:         version,
		Invocation:      inv,
		NodeInvocations: nodeInvs,
		Messages:        msgs,
	}, nil
}

// DeleteInvocations implements store.Store.
func (s *Store) DeleteInvocations(ctx context.Context, invocationIDs []string) (store.DeleteResult, error) {
	const op = "delete_invocations"
	if len(invocationIDs) == 0 {
		return store.DeleteResult{}, nil
	}
	var res store.DeleteResult
	del, err := s.db.NewDelete().Model((*nodeInvocationRow)(nil)).
		Where("invocation_id IN (?)", bun.In(invocationIDs)).Exec(ctx)
	if err != nil {
		return store.DeleteResult{}, store.WrapErr(store.KindBackend, op, err)
	}
	if n, err := del.RowsAffected(); err == nil {
		res.NodeInvocations = int(n)
	}

	del, err = s.db.NewDelete().Model((*messageRow)(nil)).
		Where("invocation_id IN (?)", bun.In(invocationIDs)).Exec(ctx)
	if err != nil {
		return store.DeleteResult{}, store.WrapErr(store.KindBackend, op, err)
	}
	if n, err := del.RowsAffected(); err == nil {
		res.Messages = int(n)
	}

	del, err = s.db.NewDelete().Model((*invocationRow)(nil)).
		Where("id IN (?)", bun.In(invocationIDs)).Exec(ctx)
	if err != nil {
		return store.DeleteResult{}, store.WrapErr(store.KindBackend, op, err)
	}
	if n, err := del.RowsAffected(); err == nil {
		res.Invocations = int(n)
	}
	return res, nil
}

// CleanupStale implements store.Store.
func (s *Store) CleanupStale(ctx context.Context, grace time.Duration) (store.CleanupResult, error) {
	const op = "cleanup_stale"
	if grace <= 0 {
		grace = store.DefaultStaleGrace
	}
	now := time.Now().UTC()
	cutoff := now.Add(-grace)
	staleExtras, err := json.Marshal(map[string]string{store.ExtraError: "stale"})
	if err != nil {
		return store.CleanupResult{}, store.WrapErr(store.KindBackend, op, err)
	}

	var res store.CleanupResult
	upd, err := s.db.NewUpdate().Model((*invocationRow)(nil)).
		Set("status = ?", string(store.StatusFailed)).
		Set("end_time = ?", now).
		Set("extras = COALESCE(extras, '{}'::jsonb) || ?::jsonb", string(staleExtras)).
		Where("status = ?", string(store.StatusRunning)).
		Where("start_time < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return store.CleanupResult{}, store.WrapErr(store.KindBackend, op, err)
	}
	if n, err := upd.RowsAffected(); err == nil {
		res.WorkflowInvocations = int(n)
	}

	upd, err = s.db.NewUpdate().Model((*nodeInvocationRow)(nil)).
		Set("status = ?", string(store.NodeFailed)).
		Set("end_time = ?", now).
		Set("error = ?", "stale").
		Where("status = ?", string(store.NodeRunning)).
		Where("start_time < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return store.CleanupResult{}, store.WrapErr(store.KindBackend, op, err)
	}
	if n, err := upd.RowsAffected(); err == nil {
		res.NodeInvocations = int(n)
	}
	return res, nil
}

// WithTransaction implements store.Store. The callback receives a tx-scoped
// store; nested calls run in the enclosing transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	return s.root.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &Store{db: tx, root: s.root, inTx: true})
	})
}
