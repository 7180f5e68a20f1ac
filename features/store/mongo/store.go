package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/workflow"
)

const (
	defaultTimeout = 5 * time.Second
	clientName     = "store-mongo"
)

// Options configures the MongoDB store.
type Options struct {
	// Client is the connected driver client. Required.
	Client *mongodriver.Client
	// Database names the database holding the loom collections. Required.
	Database string
	// Timeout bounds individual operations. Zero means 5s.
	Timeout time.Duration
}

// Store implements store.Store on MongoDB. It also implements health.Pinger
// so it can be mounted on a clue health check endpoint.
type Store struct {
	client  *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration
}

var (
	_ store.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New connects the store to the given database and ensures the indexes the
// port invariants rely on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &Store{
		client:  opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := []struct {
		coll   string
		models []mongodriver.IndexModel
	}{
		{collMessages, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "invocation_id", Value: 1}, {Key: "seq", Value: 1}}, Options: unique},
		}},
		{collNodeVersions, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "version_id", Value: 1}, {Key: "node_id", Value: 1}, {Key: "version", Value: -1}}, Options: unique},
		}},
		{collNodeInvocations, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "invocation_id", Value: 1}, {Key: "start_time", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "start_time", Value: 1}}},
		}},
		{collInvocations, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "start_time", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "start_time", Value: 1}}},
			{Keys: bson.D{{Key: "run_id", Value: 1}}},
			{Keys: bson.D{{Key: "generation_id", Value: 1}}},
			{Keys: bson.D{{Key: "version_id", Value: 1}}},
		}},
	}
	for _, spec := range specs {
		if _, err := s.db.Collection(spec.coll).Indexes().CreateMany(ctx, spec.models); err != nil {
			return fmt.Errorf("collection %s: %w", spec.coll, err)
		}
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// wrapWrite maps driver write failures onto the port taxonomy.
func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongodriver.IsDuplicateKeyError(err) {
		return store.WrapErr(store.KindDuplicateKey, op, err)
	}
	return store.WrapErr(store.KindBackend, op, err)
}

// EnsureWorkflow implements store.Store.
func (s *Store) EnsureWorkflow(ctx context.Context, wf store.Workflow) error {
	const op = "ensure_workflow"
	if wf.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	set := bson.M{}
	if wf.Description != "" {
		set["description"] = wf.Description
	}
	update := bson.M{
		"$setOnInsert": bson.M{"created_at": wf.CreatedAt},
	}
	if len(set) > 0 {
		update["$set"] = set
	}
	_, err := s.db.Collection(collWorkflows).UpdateOne(ctx,
		bson.M{"_id": wf.WorkflowID}, update, options.UpdateOne().SetUpsert(true))
	return wrapWrite(op, err)
}

// GetWorkflow implements store.Store.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (store.Workflow, error) {
	const op = "get_workflow"
	if workflowID == "" {
		return store.Workflow{}, errors.New("workflow id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc workflowDoc
	err := s.db.Collection(collWorkflows).FindOne(ctx, bson.M{"_id": workflowID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Workflow{}, store.Errf(store.KindNotFound, op, "workflow %q", workflowID)
		}
		return store.Workflow{}, store.WrapErr(store.KindBackend, op, err)
	}
	return fromWorkflowDoc(doc), nil
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.db.Collection(collWorkflows).CountDocuments(ctx, bson.M{"_id": v.WorkflowID})
	if err != nil {
		return store.Version{}, store.WrapErr(store.KindBackend, op, err)
	}
	if n == 0 {
		return store.Version{}, store.Errf(store.KindNotFound, op, "workflow %q", v.WorkflowID)
	}

	// Upsert by id, preserving the original creation time on re-creates.
	var existing versionDoc
	findErr := s.db.Collection(collVersions).FindOne(ctx, bson.M{"_id": v.VersionID}).Decode(&existing)
	switch {
	case findErr == nil:
		v.CreatedAt = existing.CreatedAt
	case errors.Is(findErr, mongodriver.ErrNoDocuments):
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now().UTC()
		}
	default:
		return store.Version{}, store.WrapErr(store.KindBackend, op, findErr)
	}
	_, err = s.db.Collection(collVersions).ReplaceOne(ctx,
		bson.M{"_id": v.VersionID}, toVersionDoc(v), options.Replace().SetUpsert(true))
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
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc versionDoc
	err := s.db.Collection(collVersions).FindOne(ctx, bson.M{"_id": versionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Version{}, store.Errf(store.KindNotFound, op, "version %q", versionID)
		}
		return store.Version{}, store.WrapErr(store.KindBackend, op, err)
	}
	return fromVersionDoc(doc), nil
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.db.Collection(collVersions).CountDocuments(ctx, bson.M{"_id": inv.VersionID})
	if err != nil {
		return store.Invocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	if n == 0 {
		return store.Invocation{}, store.Errf(store.KindNotFound, op, "version %q", inv.VersionID)
	}
	doc, err := toInvocationDoc(inv)
	if err != nil {
		return store.Invocation{}, store.WrapErr(store.KindConflict, op, err)
	}
	if _, err := s.db.Collection(collInvocations).InsertOne(ctx, doc); err != nil {
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
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var current invocationDoc
	err := s.db.Collection(collInvocations).FindOne(ctx, bson.M{"_id": patch.InvocationID}).Decode(&current)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Invocation{}, store.Errf(store.KindNotFound, op, "invocation %q", patch.InvocationID)
		}
		return store.Invocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	inv, err := fromInvocationDoc(current)
	if err != nil {
		return store.Invocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	updated, err := store.ApplyPatch(inv, patch)
	if err != nil {
		return store.Invocation{}, err
	}
	doc, err := toInvocationDoc(updated)
	if err != nil {
		return store.Invocation{}, store.WrapErr(store.KindConflict, op, err)
	}
	res, err := s.db.Collection(collInvocations).ReplaceOne(ctx,
		bson.M{"_id": patch.InvocationID, "status": current.Status}, doc)
	if err != nil {
		return store.Invocation{}, wrapWrite(op, err)
	}
	if res.MatchedCount == 0 {
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
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc invocationDoc
	err := s.db.Collection(collInvocations).FindOne(ctx, bson.M{"_id": invocationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Invocation{}, store.Errf(store.KindNotFound, op, "invocation %q", invocationID)
		}
		return store.Invocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	inv, err := fromInvocationDoc(doc)
	if err != nil {
		return store.Invocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	return inv, nil
}

// SaveNodeVersion implements store.Store. The bump counter lives in a
// dedicated collection and is advanced with an atomic findAndModify, so two
// concurrent bumps of the same node never share a version integer.
func (s *Store) SaveNodeVersion(ctx context.Context, versionID string, cfg workflow.NodeConfig) (store.NodeVersion, error) {
	const op = "save_node_version"
	if versionID == "" {
		return store.NodeVersion{}, errors.New("version id is required")
	}
	if cfg.ID == "" {
		return store.NodeVersion{}, errors.New("node id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.db.Collection(collVersions).CountDocuments(ctx, bson.M{"_id": versionID})
	if err != nil {
		return store.NodeVersion{}, store.WrapErr(store.KindBackend, op, err)
	}
	if n == 0 {
		return store.NodeVersion{}, store.Errf(store.KindNotFound, op, "version %q", versionID)
	}

	counterID := versionID + "/" + cfg.ID
	var counter counterDoc
	err = s.db.Collection(collNodeVersionSeq).FindOneAndUpdate(ctx,
		bson.M{"_id": counterID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return store.NodeVersion{}, store.WrapErr(store.KindBackend, op, err)
	}

	nv := store.NodeVersion{
		ID:        fmt.Sprintf("nv-%s-%s-%d", versionID, cfg.ID, counter.Seq),
		VersionID: versionID,
		NodeID:    cfg.ID,
		Version:   counter.Seq,
		Config:    cfg.Clone(),
		UpdatedAt: time.Now().UTC(),
	}
	doc, err := toNodeVersionDoc(nv)
	if err != nil {
		return store.NodeVersion{}, store.WrapErr(store.KindConflict, op, err)
	}
	if _, err := s.db.Collection(collNodeVersions).InsertOne(ctx, doc); err != nil {
		return store.NodeVersion{}, wrapWrite(op, err)
	}
	return nv, nil
}

// LatestNodeVersion implements store.Store.
func (s *Store) LatestNodeVersion(ctx context.Context, versionID, nodeID string) (store.NodeVersion, error) {
	const op = "latest_node_version"
	if versionID == "" || nodeID == "" {
		return store.NodeVersion{}, errors.New("version id and node id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc nodeVersionDoc
	err := s.db.Collection(collNodeVersions).FindOne(ctx,
		bson.M{"version_id": versionID, "node_id": nodeID},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.NodeVersion{}, store.Errf(store.KindNotFound, op, "node %q in version %q", nodeID, versionID)
		}
		return store.NodeVersion{}, store.WrapErr(store.KindBackend, op, err)
	}
	return fromNodeVersionDoc(doc)
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.db.Collection(collInvocations).CountDocuments(ctx, bson.M{"_id": ni.InvocationID})
	if err != nil {
		return store.NodeInvocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	if n == 0 {
		return store.NodeInvocation{}, store.Errf(store.KindNotFound, op, "invocation %q", ni.InvocationID)
	}
	if _, err := s.db.Collection(collNodeInvocations).InsertOne(ctx, toNodeInvocationDoc(ni)); err != nil {
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
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var current nodeInvocationDoc
	err := s.db.Collection(collNodeInvocations).FindOne(ctx, bson.M{"_id": end.NodeInvocationID}).Decode(&current)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.NodeInvocation{}, store.Errf(store.KindNotFound, op, "node invocation %q", end.NodeInvocationID)
		}
		return store.NodeInvocation{}, store.WrapErr(store.KindBackend, op, err)
	}
	ni := fromNodeInvocationDoc(current)
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
	res, err := s.db.Collection(collNodeInvocations).ReplaceOne(ctx,
		bson.M{"_id": end.NodeInvocationID, "status": current.Status}, toNodeInvocationDoc(ni))
	if err != nil {
		return store.NodeInvocation{}, wrapWrite(op, err)
	}
	if res.MatchedCount == 0 {
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
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.db.Collection(collInvocations).CountDocuments(ctx, bson.M{"_id": msg.InvocationID})
	if err != nil {
		return store.Message{}, store.WrapErr(store.KindBackend, op, err)
	}
	if n == 0 {
		return store.Message{}, store.Errf(store.KindNotFound, op, "invocation %q", msg.InvocationID)
	}
	if _, err := s.db.Collection(collMessages).InsertOne(ctx, toMessageDoc(msg)); err != nil {
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.db.Collection(collNodeInvocations).Find(ctx,
		bson.M{"invocation_id": invocationID},
		options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return store.TraceView{}, store.WrapErr(store.KindBackend, op, err)
	}
	var niDocs []nodeInvocationDoc
	if err := cur.All(ctx, &niDocs); err != nil {
		return store.TraceView{}, store.WrapErr(store.KindBackend, op, err)
	}
	nodeInvs := make([]store.NodeInvocation, 0, len(niDocs))
	for _, doc := range niDocs {
		nodeInvs = append(nodeInvs, fromNodeInvocationDoc(doc))
	}

	cur, err = s.db.Collection(collMessages).Find(ctx,
		bson.M{"invocation_id": invocationID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return store.TraceView{}, store.WrapErr(store.KindBackend, op, err)
	}
	var msgDocs []messageDoc
	if err := cur.All(ctx, &msgDocs); err != nil {
		return store.TraceView{}, store.WrapErr(store.KindBackend, op, err)
	}
	msgs := make([]store.Message, 0, len(msgDocs))
	for _, doc := range msgDocs {
		msgs = append(msgs, fromMessageDoc(doc))
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
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var res store.DeleteResult
	del, err := s.db.Collection(collNodeInvocations).DeleteMany(ctx,
		bson.M{"invocation_id": bson.M{"$in": invocationIDs}})
	if err != nil {
		return store.DeleteResult{}, store.WrapErr(store.KindBackend, op, err)
	}
	res.NodeInvocations = int(del.DeletedCount)

	del, err = s.db.Collection(collMessages).DeleteMany(ctx,
		bson.M{"invocation_id": bson.M{"$in": invocationIDs}})
	if err != nil {
		return store.DeleteResult{}, store.WrapErr(store.KindBackend, op, err)
	}
	res.Messages = int(del.DeletedCount)

	del, err = s.db.Collection(collInvocations).DeleteMany(ctx,
		bson.M{"_id": bson.M{"$in": invocationIDs}})
	if err != nil {
		return store.DeleteResult{}, store.WrapErr(store.KindBackend, op, err)
	}
	res.Invocations = int(del.DeletedCount)
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var res store.CleanupResult
	upd, err := s.db.Collection(collInvocations).UpdateMany(ctx,
		bson.M{"status": string(store.StatusRunning), "start_time": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{
			"status":                     string(store.StatusFailed),
			"end_time":                   now,
			"extras." + store.ExtraError: "stale",
		}})
	if err != nil {
		return store.CleanupResult{}, store.WrapErr(store.KindBackend, op, err)
	}
	res.WorkflowInvocations = int(upd.ModifiedCount)

	upd, err = s.db.Collection(collNodeInvocations).UpdateMany(ctx,
		bson.M{"status": string(store.NodeRunning), "start_time": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{
			"status":   string(store.NodeFailed),
			"end_time": now,
			"error":    "stale",
		}})
	if err != nil {
		return store.CleanupResult{}, store.WrapErr(store.KindBackend, op, err)
	}
	res.NodeInvocations = int(upd.ModifiedCount)
	return res, nil
}

// WithTransaction implements store.Store. The callback context carries the
// driver session, so every store operation issued through it joins the
// transaction. Requires a replica set or mongos deployment.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	const op = "with_transaction"
	sess, err := s.client.StartSession()
	if err != nil {
		return store.WrapErr(store.KindBackend, op, err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx, s)
	})
	return err
}
