// Package inmem provides the in-memory implementation of store.Store. It is
// the reference backend: every invariant the port promises (status
// monotonicity, seq uniqueness, version bumps, cascade deletes) is enforced
// here exactly as the durable backends enforce it. Use it for tests, local
// runs and the in-process engine; production deployments use the MongoDB or
// Postgres backends under features/store.
package inmem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/workflow"
)

// Store implements store.Store with plain maps guarded by a single mutex.
// All records are defensively copied on the way in and out so callers can
// never mutate stored state. Transactions run against a full snapshot that
// is swapped in atomically on commit, which gives WithTransaction
// serializable semantics.
type Store struct {
	mu           sync.RWMutex
	workflows    map[string]store.Workflow
	versions     map[string]store.Version
	invocations  map[string]store.Invocation
	nodeVersions map[string][]store.NodeVersion
	nodeInvs     map[string]store.NodeInvocation
	nodeOrder    map[string][]string
	messages     map[string]store.Message
	seqIndex     map[string]map[int]string
	inTx         bool
}

var _ store.Store = (*Store)(nil)

// New constructs an empty Store ready for use.
func New() *Store {
	return &Store{
		workflows:    make(map[string]store.Workflow),
		versions:     make(map[string]store.Version),
		invocations:  make(map[string]store.Invocation),
		nodeVersions: make(map[string][]store.NodeVersion),
		nodeInvs:     make(map[string]store.NodeInvocation),
		nodeOrder:    make(map[string][]string),
		messages:     make(map[string]store.Message),
		seqIndex:     make(map[string]map[int]string),
	}
}

// Reset clears all stored records. Test helper, not part of store.Store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows = make(map[string]store.Workflow)
	s.versions = make(map[string]store.Version)
	s.invocations = make(map[string]store.Invocation)
	s.nodeVersions = make(map[string][]store.NodeVersion)
	s.nodeInvs = make(map[string]store.NodeInvocation)
	s.nodeOrder = make(map[string][]string)
	s.messages = make(map[string]store.Message)
	s.seqIndex = make(map[string]map[int]string)
}

// EnsureWorkflow implements store.Store.
func (s *Store) EnsureWorkflow(_ context.Context, wf store.Workflow) error {
	if wf.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.workflows[wf.WorkflowID]
	if ok {
		if wf.Description != "" {
			existing.Description = wf.Description
			s.workflows[wf.WorkflowID] = existing
		}
		return nil
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	s.workflows[wf.WorkflowID] = wf
	return nil
}

// GetWorkflow implements store.Store.
func (s *Store) GetWorkflow(_ context.Context, workflowID string) (store.Workflow, error) {
	if workflowID == "" {
		return store.Workflow{}, errors.New("workflow id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return store.Workflow{}, store.Errf(store.KindNotFound, "get_workflow", "workflow %q", workflowID)
	}
	return wf, nil
}

// CreateWorkflowVersion implements store.Store.
func (s *Store) CreateWorkflowVersion(_ context.Context, v store.Version) (store.Version, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[v.WorkflowID]; !ok {
		return store.Version{}, store.Errf(store.KindNotFound, op, "workflow %q", v.WorkflowID)
	}
	if existing, ok := s.versions[v.VersionID]; ok {
		if sameVersion(existing, v) {
			return cloneVersion(existing), nil
		}
		v.CreatedAt = existing.CreatedAt
		s.versions[v.VersionID] = cloneVersion(v)
		return cloneVersion(v), nil
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	s.versions[v.VersionID] = cloneVersion(v)
	return cloneVersion(v), nil
}

// GetWorkflowVersion implements store.Store.
func (s *Store) GetWorkflowVersion(_ context.Context, versionID string) (store.Version, error) {
	if versionID == "" {
		return store.Version{}, errors.New("version id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[versionID]
	if !ok {
		return store.Version{}, store.Errf(store.KindNotFound, "get_workflow_version", "version %q", versionID)
	}
	return cloneVersion(v), nil
}

// CreateWorkflowInvocation implements store.Store.
func (s *Store) CreateWorkflowInvocation(_ context.Context, inv store.Invocation) (store.Invocation, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[inv.VersionID]; !ok {
		return store.Invocation{}, store.Errf(store.KindNotFound, op, "version %q", inv.VersionID)
	}
	if _, ok := s.invocations[inv.InvocationID]; ok {
		return store.Invocation{}, store.Errf(store.KindDuplicateKey, op, "invocation %q", inv.InvocationID)
	}
	s.invocations[inv.InvocationID] = cloneInvocation(inv)
	return cloneInvocation(inv), nil
}

// UpdateWorkflowInvocation implements store.Store.
func (s *Store) UpdateWorkflowInvocation(_ context.Context, patch store.InvocationPatch) (store.Invocation, error) {
	const op = "update_workflow_invocation"
	if patch.InvocationID == "" {
		return store.Invocation{}, errors.New("invocation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[patch.InvocationID]
	if !ok {
		return store.Invocation{}, store.Errf(store.KindNotFound, op, "invocation %q", patch.InvocationID)
	}
	inv, err := store.ApplyPatch(inv, patch)
	if err != nil {
		return store.Invocation{}, err
	}
	s.invocations[inv.InvocationID] = cloneInvocation(inv)
	return cloneInvocation(inv), nil
}

// GetWorkflowInvocation implements store.Store.
func (s *Store) GetWorkflowInvocation(_ context.Context, invocationID string) (store.Invocation, error) {
	if invocationID == "" {
		return store.Invocation{}, errors.New("invocation id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invocations[invocationID]
	if !ok {
		return store.Invocation{}, store.Errf(store.KindNotFound, "get_workflow_invocation", "invocation %q", invocationID)
	}
	return cloneInvocation(inv), nil
}

// SaveNodeVersion implements store.Store.
func (s *Store) SaveNodeVersion(_ context.Context, versionID string, cfg workflow.NodeConfig) (store.NodeVersion, error) {
	const op = "save_node_version"
	if versionID == "" {
		return store.NodeVersion{}, errors.New("version id is required")
	}
	if cfg.ID == "" {
		return store.NodeVersion{}, errors.New("node id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[versionID]; !ok {
		return store.NodeVersion{}, store.Errf(store.KindNotFound, op, "version %q", versionID)
	}
	key := nodeKey(versionID, cfg.ID)
	next := 1
	if list := s.nodeVersions[key]; len(list) > 0 {
		next = list[len(list)-1].Version + 1
	}
	nv := store.NodeVersion{
		ID:        fmt.Sprintf("nv-%s-%s-%d", versionID, cfg.ID, next),
		VersionID: versionID,
		NodeID:    cfg.ID,
		Version:   next,
		Config:    cfg.Clone(),
		UpdatedAt: time.Now().UTC(),
	}
	s.nodeVersions[key] = append(s.nodeVersions[key], nv)
	return cloneNodeVersion(nv), nil
}

// LatestNodeVersion implements store.Store.
func (s *Store) LatestNodeVersion(_ context.Context, versionID, nodeID string) (store.NodeVersion, error) {
	if versionID == "" || nodeID == "" {
		return store.NodeVersion{}, errors.New("version id and node id are required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.nodeVersions[nodeKey(versionID, nodeID)]
	if len(list) == 0 {
		return store.NodeVersion{}, store.Errf(store.KindNotFound, "latest_node_version", "node %q in version %q", nodeID, versionID)
	}
	return cloneNodeVersion(list[len(list)-1]), nil
}

// StartNodeInvocation implements store.Store.
func (s *Store) StartNodeInvocation(_ context.Context, ni store.NodeInvocation) (store.NodeInvocation, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invocations[ni.InvocationID]; !ok {
		return store.NodeInvocation{}, store.Errf(store.KindNotFound, op, "invocation %q", ni.InvocationID)
	}
	if _, ok := s.nodeInvs[ni.NodeInvocationID]; ok {
		return store.NodeInvocation{}, store.Errf(store.KindDuplicateKey, op, "node invocation %q", ni.NodeInvocationID)
	}
	s.nodeInvs[ni.NodeInvocationID] = cloneNodeInvocation(ni)
	s.nodeOrder[ni.InvocationID] = append(s.nodeOrder[ni.InvocationID], ni.NodeInvocationID)
	return cloneNodeInvocation(ni), nil
}

// EndNodeInvocation implements store.Store.
func (s *Store) EndNodeInvocation(_ context.Context, end store.NodeInvocationEnd) (store.NodeInvocation, error) {
	const op = "end_node_invocation"
	if end.NodeInvocationID == "" {
		return store.NodeInvocation{}, errors.New("node invocation id is required")
	}
	if !end.Status.Terminal() {
		return store.NodeInvocation{}, fmt.Errorf("node invocation end status must be terminal, got %q", end.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ni, ok := s.nodeInvs[end.NodeInvocationID]
	if !ok {
		return store.NodeInvocation{}, store.Errf(store.KindNotFound, op, "node invocation %q", end.NodeInvocationID)
	}
	if ni.Status.Terminal() && ni.Status != end.Status {
		return store.NodeInvocation{}, store.Errf(store.KindConflict, op,
			"node invocation %q is %s, cannot transition to %s", ni.NodeInvocationID, ni.Status, end.Status)
	}
	ni.Status = end.Status
	ni.Output = end.Output
	ni.Summary = end.Summary
	ni.USDCost = end.USDCost
	ni.Files = cloneStrings(end.Files)
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
	s.nodeInvs[ni.NodeInvocationID] = cloneNodeInvocation(ni)
	return cloneNodeInvocation(ni), nil
}

// SaveMessage implements store.Store.
func (s *Store) SaveMessage(_ context.Context, msg store.Message) (store.Message, error) {
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invocations[msg.InvocationID]; !ok {
		return store.Message{}, store.Errf(store.KindNotFound, op, "invocation %q", msg.InvocationID)
	}
	if _, ok := s.messages[msg.MsgID]; ok {
		return store.Message{}, store.Errf(store.KindDuplicateKey, op, "message %q", msg.MsgID)
	}
	seqs := s.seqIndex[msg.InvocationID]
	if seqs == nil {
		seqs = make(map[int]string)
		s.seqIndex[msg.InvocationID] = seqs
	}
	if taken, ok := seqs[msg.Seq]; ok {
		return store.Message{}, store.Errf(store.KindDuplicateKey, op,
			"seq %d already used by message %q", msg.Seq, taken)
	}
	seqs[msg.Seq] = msg.MsgID
	s.messages[msg.MsgID] = cloneMessage(msg)
	return cloneMessage(msg), nil
}

// ListInvocations implements store.Store.
func (s *Store) ListInvocations(_ context.Context, q store.ListQuery) (store.ListPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]store.Invocation, 0, len(s.invocations))
	for _, inv := range s.invocations {
		if matchesFilters(inv, q.Filters) {
			matched = append(matched, inv)
		}
	}
	sortInvocations(matched, q.SortBy, sortDescending(q))

	var agg store.Aggregates
	accuracySum, accuracyCount := 0, 0
	for _, inv := range matched {
		agg.TotalSpentUSD += inv.USDCost
		if inv.Status == store.StatusFailed {
			agg.FailedCount++
		}
		if inv.Accuracy != nil {
			accuracySum += *inv.Accuracy
			accuracyCount++
		}
	}
	if accuracyCount > 0 {
		agg.AvgAccuracy = float64(accuracySum) / float64(accuracyCount)
	}

	page, size := q.Page, q.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = store.DefaultPageSize
	}
	if size > store.MaxPageSize {
		size = store.MaxPageSize
	}
	start := (page - 1) * size
	rows := []store.Invocation{}
	if start < len(matched) {
		end := start + size
		if end > len(matched) {
			end = len(matched)
		}
		rows = make([]store.Invocation, 0, end-start)
		for _, inv := range matched[start:end] {
			rows = append(rows, cloneInvocation(inv))
		}
	}
	return store.ListPage{Invocations: rows, TotalCount: len(matched), Aggregates: agg}, nil
}

// GetTrace implements store.Store.
func (s *Store) GetTrace(_ context.Context, invocationID string) (store.TraceView, error) {
	const op = "get_trace"
	if invocationID == "" {
		return store.TraceView{}, errors.New("invocation id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invocations[invocationID]
	if !ok {
		return store.TraceView{}, store.Errf(store.KindNotFound, op, "invocation %q", invocationID)
	}
	version, ok := s.versions[inv.VersionID]
	if !ok {
		return store.TraceView{}, store.Errf(store.KindNotFound, op, "version %q", inv.VersionID)
	}
	wf, ok := s.workflows[version.WorkflowID]
	if !ok {
		return store.TraceView{}, store.Errf(store.KindNotFound, op, "workflow %q", version.WorkflowID)
	}

	nodeInvs := make([]store.NodeInvocation, 0, len(s.nodeOrder[invocationID]))
	for _, id := range s.nodeOrder[invocationID] {
		if ni, ok := s.nodeInvs[id]; ok {
			nodeInvs = append(nodeInvs, cloneNodeInvocation(ni))
		}
	}
	sort.SliceStable(nodeInvs, func(i, j int) bool {
		return nodeInvs[i].StartTime.Before(nodeInvs[j].StartTime)
	})

	msgs := make([]store.Message, 0, len(s.seqIndex[invocationID]))
	for _, id := range s.seqIndex[invocationID] {
		if m, ok := s.messages[id]; ok {
			msgs = append(msgs, cloneMessage(m))
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })

	return store.TraceView{
		Workflow:        wf,
		Version:         cloneVersion(version),
		Invocation:      cloneInvocation(inv),
		NodeInvocations: nodeInvs,
		Messages:        msgs,
	}, nil
}

// DeleteInvocations implements store.Store.
func (s *Store) DeleteInvocations(_ context.Context, invocationIDs []string) (store.DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.DeleteResult
	for _, id := range invocationIDs {
		if _, ok := s.invocations[id]; !ok {
			continue
		}
		delete(s.invocations, id)
		res.Invocations++
		for _, niID := range s.nodeOrder[id] {
			if _, ok := s.nodeInvs[niID]; ok {
				delete(s.nodeInvs, niID)
				res.NodeInvocations++
			}
		}
		delete(s.nodeOrder, id)
		for _, msgID := range s.seqIndex[id] {
			if _, ok := s.messages[msgID]; ok {
				delete(s.messages, msgID)
				res.Messages++
			}
		}
		delete(s.seqIndex, id)
	}
	return res, nil
}

// CleanupStale implements store.Store.
func (s *Store) CleanupStale(_ context.Context, grace time.Duration) (store.CleanupResult, error) {
	if grace <= 0 {
		grace = store.DefaultStaleGrace
	}
	now := time.Now().UTC()
	cutoff := now.Add(-grace)

	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.CleanupResult
	for id, inv := range s.invocations {
		if inv.Status != store.StatusRunning || !inv.StartTime.Before(cutoff) {
			continue
		}
		inv.Status = store.StatusFailed
		at := now
		inv.EndTime = &at
		if inv.Extras == nil {
			inv.Extras = make(map[string]any, 1)
		}
		inv.Extras[store.ExtraError] = "stale"
		s.invocations[id] = inv
		res.WorkflowInvocations++
	}
	for id, ni := range s.nodeInvs {
		if ni.Status != store.NodeRunning || !ni.StartTime.Before(cutoff) {
			continue
		}
		ni.Status = store.NodeFailed
		at := now
		ni.EndTime = &at
		ni.Error = "stale"
		s.nodeInvs[id] = ni
		res.NodeInvocations++
	}
	return res, nil
}

// WithTransaction implements store.Store. The store is locked for the whole
// callback; fn runs against a snapshot whose maps replace the live ones only
// when fn returns nil.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.snapshotLocked()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.workflows = tx.workflows
	s.versions = tx.versions
	s.invocations = tx.invocations
	s.nodeVersions = tx.nodeVersions
	s.nodeInvs = tx.nodeInvs
	s.nodeOrder = tx.nodeOrder
	s.messages = tx.messages
	s.seqIndex = tx.seqIndex
	return nil
}

func (s *Store) snapshotLocked() *Store {
	tx := New()
	tx.inTx = true
	for k, v := range s.workflows {
		tx.workflows[k] = v
	}
	for k, v := range s.versions {
		tx.versions[k] = cloneVersion(v)
	}
	for k, v := range s.invocations {
		tx.invocations[k] = cloneInvocation(v)
	}
	for k, list := range s.nodeVersions {
		copied := make([]store.NodeVersion, 0, len(list))
		for _, nv := range list {
			copied = append(copied, cloneNodeVersion(nv))
		}
		tx.nodeVersions[k] = copied
	}
	for k, v := range s.nodeInvs {
		tx.nodeInvs[k] = cloneNodeInvocation(v)
	}
	for k, list := range s.nodeOrder {
		tx.nodeOrder[k] = append([]string(nil), list...)
	}
	for k, v := range s.messages {
		tx.messages[k] = cloneMessage(v)
	}
	for k, seqs := range s.seqIndex {
		copied := make(map[int]string, len(seqs))
		for seq, id := range seqs {
			copied[seq] = id
		}
		tx.seqIndex[k] = copied
	}
	return tx
}

func nodeKey(versionID, nodeID string) string {
	return versionID + "\x00" + nodeID
}

func sameVersion(a, b store.Version) bool {
	return a.WorkflowID == b.WorkflowID &&
		a.Operation == b.Operation &&
		a.CommitMessage == b.CommitMessage &&
		a.GenerationID == b.GenerationID &&
		bytes.Equal(a.DSL, b.DSL)
}

func matchesFilters(inv store.Invocation, f store.ListFilters) bool {
	if f.Status != nil && inv.Status != *f.Status {
		return false
	}
	if f.MinCost != nil && inv.USDCost < *f.MinCost {
		return false
	}
	if f.MaxCost != nil && inv.USDCost > *f.MaxCost {
		return false
	}
	if f.MinAccuracy != nil && (inv.Accuracy == nil || *inv.Accuracy < *f.MinAccuracy) {
		return false
	}
	if f.MaxAccuracy != nil && (inv.Accuracy == nil || *inv.Accuracy > *f.MaxAccuracy) {
		return false
	}
	if f.MinFitness != nil && (inv.FitnessScore == nil || *inv.FitnessScore < *f.MinFitness) {
		return false
	}
	if f.MaxFitness != nil && (inv.FitnessScore == nil || *inv.FitnessScore > *f.MaxFitness) {
		return false
	}
	if f.DateFrom != nil && inv.StartTime.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && inv.StartTime.After(*f.DateTo) {
		return false
	}
	if f.RunID != "" && inv.RunID != f.RunID {
		return false
	}
	if f.GenerationID != "" && inv.GenerationID != f.GenerationID {
		return false
	}
	if f.VersionID != "" && inv.VersionID != f.VersionID {
		return false
	}
	return true
}

// sortDescending resolves the direction: an unset sort field means newest
// first, an explicit one follows the query flag.
func sortDescending(q store.ListQuery) bool {
	if q.SortBy == "" {
		return true
	}
	return q.SortDesc
}

func sortInvocations(list []store.Invocation, field store.SortField, desc bool) {
	if field == "" {
		field = store.SortStartTime
	}
	sort.Slice(list, func(i, j int) bool {
		c := compareInvocations(list[i], list[j], field)
		if c == 0 {
			if !list[i].StartTime.Equal(list[j].StartTime) {
				c = compareTime(list[i].StartTime, list[j].StartTime)
			} else if list[i].InvocationID < list[j].InvocationID {
				c = -1
			} else if list[i].InvocationID > list[j].InvocationID {
				c = 1
			}
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareInvocations(a, b store.Invocation, field store.SortField) int {
	switch field {
	case store.SortUSDCost:
		return compareFloat(a.USDCost, b.USDCost)
	case store.SortStatus:
		switch {
		case a.Status < b.Status:
			return -1
		case a.Status > b.Status:
			return 1
		}
		return 0
	case store.SortFitness:
		return compareFloatPtr(a.FitnessScore, b.FitnessScore)
	case store.SortAccuracy:
		return compareIntPtr(a.Accuracy, b.Accuracy)
	case store.SortDuration:
		return compareFloat(durationOf(a).Seconds(), durationOf(b).Seconds())
	default:
		return compareTime(a.StartTime, b.StartTime)
	}
}

func durationOf(inv store.Invocation) time.Duration {
	if inv.EndTime == nil {
		return 0
	}
	return inv.EndTime.Sub(inv.StartTime)
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareFloatPtr sorts missing values ahead of any present value.
func compareFloatPtr(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return compareFloat(*a, *b)
}

func compareIntPtr(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

func cloneVersion(v store.Version) store.Version {
	out := v
	out.DSL = append([]byte(nil), v.DSL...)
	return out
}

func cloneInvocation(inv store.Invocation) store.Invocation {
	out := inv
	if inv.EndTime != nil {
		at := *inv.EndTime
		out.EndTime = &at
	}
	if inv.Fitness != nil {
		f := *inv.Fitness
		out.Fitness = &f
	}
	if inv.Accuracy != nil {
		a := *inv.Accuracy
		out.Accuracy = &a
	}
	if inv.FitnessScore != nil {
		score := *inv.FitnessScore
		out.FitnessScore = &score
	}
	out.Extras = cloneExtras(inv.Extras)
	return out
}

func cloneNodeVersion(nv store.NodeVersion) store.NodeVersion {
	out := nv
	out.Config = nv.Config.Clone()
	return out
}

func cloneNodeInvocation(ni store.NodeInvocation) store.NodeInvocation {
	out := ni
	if ni.EndTime != nil {
		at := *ni.EndTime
		out.EndTime = &at
	}
	out.Files = cloneStrings(ni.Files)
	out.Extras = cloneExtras(ni.Extras)
	return out
}

func cloneMessage(m store.Message) store.Message {
	out := m
	out.Payload = append([]byte(nil), m.Payload...)
	return out
}

func cloneStrings(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	return append([]string(nil), src...)
}

func cloneExtras(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
