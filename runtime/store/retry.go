package store

import (
	"context"
	"time"

	"goa.design/loom/runtime/workflow"
)

// RetryOptions tunes the retrying decorator. The zero value applies the
// defaults: three retries with a 100ms base delay.
type RetryOptions struct {
	// MaxRetries is the number of additional attempts after the first
	// failure. Zero means 3.
	MaxRetries int
	// BaseDelay is the initial backoff, doubled after each attempt.
	// Zero means 100ms.
	BaseDelay time.Duration
	// Sleep overrides the backoff sleep. Tests inject a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Retrying decorates a Store with bounded retries on Backend write failures.
// Reads and transactions pass through untouched: reads are cheap to retry at
// the call site and retrying inside a transaction would double-apply writes.
type Retrying struct {
	next    Store
	retries int
	base    time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ Store = (*Retrying)(nil)

// NewRetrying wraps a store with the retry policy.
func NewRetrying(next Store, opts RetryOptions) *Retrying {
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Retrying{next: next, retries: retries, base: base, sleep: sleep}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do runs fn up to 1+retries times, backing off exponentially. Only Backend
// failures are retried; every other kind is a deterministic outcome.
func (r *Retrying) do(ctx context.Context, fn func() error) error {
	delay := r.base
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsBackend(err) || attempt == r.retries {
			return err
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			return err
		}
		delay *= 2
	}
}

// EnsureWorkflow implements Store.
func (r *Retrying) EnsureWorkflow(ctx context.Context, wf Workflow) error {
	return r.do(ctx, func() error {
		return r.next.EnsureWorkflow(ctx, wf)
	})
}

// GetWorkflow implements Store.
func (r *Retrying) GetWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	return r.next.GetWorkflow(ctx, workflowID)
}

// CreateWorkflowVersion implements Store.
func (r *Retrying) CreateWorkflowVersion(ctx context.Context, v Version) (Version, error) {
	var out Version
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.CreateWorkflowVersion(ctx, v)
		return err
	})
	return out, err
}

// GetWorkflowVersion implements Store.
func (r *Retrying) GetWorkflowVersion(ctx context.Context, versionID string) (Version, error) {
	return r.next.GetWorkflowVersion(ctx, versionID)
}

// CreateWorkflowInvocation implements Store.
func (r *Retrying) CreateWorkflowInvocation(ctx context.Context, inv Invocation) (Invocation, error) {
	var out Invocation
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.CreateWorkflowInvocation(ctx, inv)
		return err
	})
	return out, err
}

// UpdateWorkflowInvocation implements Store.
func (r *Retrying) UpdateWorkflowInvocation(ctx context.Context, patch InvocationPatch) (Invocation, error) {
	var out Invocation
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.UpdateWorkflowInvocation(ctx, patch)
		return err
	})
	return out, err
}

// GetWorkflowInvocation implements Store.
func (r *Retrying) GetWorkflowInvocation(ctx context.Context, invocationID string) (Invocation, error) {
	return r.next.GetWorkflowInvocation(ctx, invocationID)
}

// SaveNodeVersion implements Store.
func (r *Retrying) SaveNodeVersion(ctx context.Context, versionID string, cfg workflow.NodeConfig) (NodeVersion, error) {
	var out NodeVersion
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.SaveNodeVersion(ctx, versionID, cfg)
		return err
	})
	return out, err
}

// LatestNodeVersion implements Store.
func (r *Retrying) LatestNodeVersion(ctx context.Context, versionID, nodeID string) (NodeVersion, error) {
	return r.next.LatestNodeVersion(ctx, versionID, nodeID)
}

// StartNodeInvocation implements Store.
func (r *Retrying) StartNodeInvocation(ctx context.Context, ni NodeInvocation) (NodeInvocation, error) {
	var out NodeInvocation
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.StartNodeInvocation(ctx, ni)
		return err
	})
	return out, err
}

// EndNodeInvocation implements Store.
func (r *Retrying) EndNodeInvocation(ctx context.Context, end NodeInvocationEnd) (NodeInvocation, error) {
	var out NodeInvocation
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.EndNodeInvocation(ctx, end)
		return err
	})
	return out, err
}

// SaveMessage implements Store.
func (r *Retrying) SaveMessage(ctx context.Context, msg Message) (Message, error) {
	var out Message
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.SaveMessage(ctx, msg)
		return err
	})
	return out, err
}

// ListInvocations implements Store.
func (r *Retrying) ListInvocations(ctx context.Context, q ListQuery) (ListPage, error) {
	return r.next.ListInvocations(ctx, q)
}

// GetTrace implements Store.
func (r *Retrying) GetTrace(ctx context.Context, invocationID string) (TraceView, error) {
	return r.next.GetTrace(ctx, invocationID)
}

// DeleteInvocations implements Store.
func (r *Retrying) DeleteInvocations(ctx context.Context, invocationIDs []string) (DeleteResult, error) {
	var out DeleteResult
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.DeleteInvocations(ctx, invocationIDs)
		return err
	})
	return out, err
}

// CleanupStale implements Store.
func (r *Retrying) CleanupStale(ctx context.Context, grace time.Duration) (CleanupResult, error) {
	var out CleanupResult
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.CleanupStale(ctx, grace)
		return err
	})
	return out, err
}

// WithTransaction implements Store. Transactions are not retried; callers
// that want retry semantics wrap the whole transaction.
func (r *Retrying) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return r.next.WithTransaction(ctx, fn)
}
