// Package inmem provides an in-memory implementation of the workflow engine
// for tests, the CLI and single-process deployments. Workflows run
// immediately in their own goroutine; there is no durability and no replay.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/loom/runtime/api"
	"goa.design/loom/runtime/engine"
)

type (
	eng struct {
		mu sync.RWMutex

		workflows map[string]engine.WorkflowDefinition

		invokeActivities   map[string]activityDef[*api.NodeActivityInput, *api.NodeActivityOutput]
		recordActivities   map[string]activityDef[*api.RecordInput, *api.RecordOutput]
		finalizeActivities map[string]activityDef[*api.FinalizeInput, struct{}]
		hookActivities     map[string]activityDef[*api.HookActivityInput, struct{}]

		handles  map[string]*handle
		statuses map[string]engine.RunStatus
	}

	activityDef[In, Out any] struct {
		handler func(context.Context, In) (Out, error)
		opts    engine.ActivityOptions
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		cancel context.CancelFunc
		err    error
		result *api.RunOutput
		wfCtx  *wfCtx
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		runID string
		eng   *eng

		cancelCh chan api.CancelRequest
	}

	future[T any] struct {
		ready  chan struct{}
		result T
		err    error
	}

	receiver[T any] struct {
		ch chan T
	}
)

// New returns an in-memory Engine. It is not deterministic or replay-safe
// and must not be used for durable workloads.
func New() engine.Engine {
	return &eng{
		workflows:          make(map[string]engine.WorkflowDefinition),
		invokeActivities:   make(map[string]activityDef[*api.NodeActivityInput, *api.NodeActivityOutput]),
		recordActivities:   make(map[string]activityDef[*api.RecordInput, *api.RecordOutput]),
		finalizeActivities: make(map[string]activityDef[*api.FinalizeInput, struct{}]),
		hookActivities:     make(map[string]activityDef[*api.HookActivityInput, struct{}]),
		handles:            make(map[string]*handle),
		statuses:           make(map[string]engine.RunStatus),
	}
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *eng) RegisterInvokeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.NodeActivityInput) (*api.NodeActivityOutput, error)) error {
	return registerActivity(e, e.invokeActivities, "invoke", name, opts, fn)
}

func (e *eng) RegisterRecordActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.RecordInput) (*api.RecordOutput, error)) error {
	return registerActivity(e, e.recordActivities, "record", name, opts, fn)
}

func (e *eng) RegisterFinalizeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.FinalizeInput) error) error {
	if fn == nil {
		return errors.New("finalize activity handler is required")
	}
	return registerActivity(e, e.finalizeActivities, "finalize", name, opts, func(ctx context.Context, in *api.FinalizeInput) (struct{}, error) {
		return struct{}{}, fn(ctx, in)
	})
}

func (e *eng) RegisterHookActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.HookActivityInput) error) error {
	if fn == nil {
		return errors.New("hook activity handler is required")
	}
	return registerActivity(e, e.hookActivities, "hook", name, opts, func(ctx context.Context, in *api.HookActivityInput) (struct{}, error) {
		return struct{}{}, fn(ctx, in)
	})
}

func registerActivity[In, Out any](e *eng, reg map[string]activityDef[In, Out], kind, name string, opts engine.ActivityOptions, fn func(context.Context, In) (Out, error)) error {
	if name == "" {
		return fmt.Errorf("%s activity name is required", kind)
	}
	if fn == nil {
		return fmt.Errorf("%s activity handler is required", kind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := reg[name]; dup {
		return fmt.Errorf("%s activity %q already registered", kind, name)
	}
	reg[name] = activityDef[In, Out]{handler: fn, opts: opts}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	// The workflow outlives the caller's request scope. Only Cancel or the
	// optional run timeout stop it.
	base := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if req.RunTimeout > 0 {
		base, cancel = context.WithTimeout(base, req.RunTimeout)
	} else {
		base, cancel = context.WithCancel(base)
	}

	wctx := &wfCtx{
		ctx:      base,
		id:       req.ID,
		runID:    req.ID, // in-memory assigns the workflow ID as the run ID
		eng:      e,
		cancelCh: make(chan api.CancelRequest, 1),
	}
	h := &handle{done: make(chan struct{}), cancel: cancel, wfCtx: wctx}

	e.mu.Lock()
	if st, exists := e.statuses[req.ID]; exists && st == engine.RunStatusRunning {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("workflow id %q is already running", req.ID)
	}
	e.statuses[req.ID] = engine.RunStatusRunning
	e.handles[req.ID] = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()
		e.mu.Lock()
		switch {
		case err == nil:
			e.statuses[req.ID] = engine.RunStatusCompleted
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			e.statuses[req.ID] = engine.RunStatusCanceled
		default:
			e.statuses[req.ID] = engine.RunStatusFailed
		}
		e.mu.Unlock()
	}()

	return h, nil
}

// QueryRunStatus returns the lifecycle status recorded for a workflow
// execution.
func (e *eng) QueryRunStatus(_ context.Context, runID string) (engine.RunStatus, error) {
	if runID == "" {
		return "", errors.New("run id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[runID]
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	return status, nil
}

// SignalByID delivers a signal through the locally held handle, so the
// runner's cancellation path works the same against either engine.
func (e *eng) SignalByID(ctx context.Context, workflowID, _, name string, payload any) error {
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	return h.Signal(ctx, name, payload)
}

func (h *handle) Wait(ctx context.Context) (*api.RunOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	switch name {
	case api.SignalCancel:
		req, ok := payload.(api.CancelRequest)
		if !ok {
			return fmt.Errorf("signal %q expects api.CancelRequest, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.cancelCh, req)
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
}

func (h *handle) Cancel(context.Context) error {
	h.cancel()
	return nil
}

func (w *wfCtx) Context() context.Context {
	return w.ctx
}

func (w *wfCtx) WorkflowID() string {
	return w.id
}

func (w *wfCtx) RunID() string {
	return w.runID
}

func (w *wfCtx) Now() time.Time {
	return time.Now()
}

func (w *wfCtx) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	fut := &future[time.Time]{ready: make(chan struct{})}
	if d <= 0 {
		fut.result = time.Now()
		close(fut.ready)
		return fut, nil
	}
	go func() {
		defer close(fut.ready)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			fut.err = ctx.Err()
		case at := <-timer.C:
			fut.result = at
		}
	}()
	return fut, nil
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wfCtx) WithCancel() (engine.WorkflowContext, func()) {
	ctx, cancel := context.WithCancel(w.ctx)
	child := *w
	child.ctx = ctx
	return &child, cancel
}

func (w *wfCtx) InvokeNode(ctx context.Context, call engine.InvokeCall) (*api.NodeActivityOutput, error) {
	fut, err := w.InvokeNodeAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *wfCtx) InvokeNodeAsync(ctx context.Context, call engine.InvokeCall) (engine.Future[*api.NodeActivityOutput], error) {
	def, err := lookupActivity(w.eng, w.eng.invokeActivities, "invoke", call.Name, call.Input)
	if err != nil {
		return nil, err
	}
	fut := &future[*api.NodeActivityOutput]{ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		actCtx, cancel := withOptionalTimeout(ctx, pickTimeout(call.Options, def.opts))
		defer cancel()
		fut.result, fut.err = def.handler(actCtx, call.Input)
	}()
	return fut, nil
}

func (w *wfCtx) RecordMessages(ctx context.Context, call engine.RecordCall) (*api.RecordOutput, error) {
	def, err := lookupActivity(w.eng, w.eng.recordActivities, "record", call.Name, call.Input)
	if err != nil {
		return nil, err
	}
	actCtx, cancel := withOptionalTimeout(ctx, pickTimeout(call.Options, def.opts))
	defer cancel()
	return def.handler(actCtx, call.Input)
}

func (w *wfCtx) FinalizeInvocation(ctx context.Context, call engine.FinalizeCall) error {
	def, err := lookupActivity(w.eng, w.eng.finalizeActivities, "finalize", call.Name, call.Input)
	if err != nil {
		return err
	}
	actCtx, cancel := withOptionalTimeout(ctx, pickTimeout(call.Options, def.opts))
	defer cancel()
	_, err = def.handler(actCtx, call.Input)
	return err
}

func (w *wfCtx) PublishHook(ctx context.Context, call engine.HookCall) error {
	def, err := lookupActivity(w.eng, w.eng.hookActivities, "hook", call.Name, call.Input)
	if err != nil {
		return err
	}
	actCtx, cancel := withOptionalTimeout(ctx, pickTimeout(call.Options, def.opts))
	defer cancel()
	_, err = def.handler(actCtx, call.Input)
	return err
}

func (w *wfCtx) CancelRequests() engine.Receiver[api.CancelRequest] {
	return receiver[api.CancelRequest]{ch: w.cancelCh}
}

func lookupActivity[In, Out any](e *eng, reg map[string]activityDef[In, Out], kind, name string, input any) (activityDef[In, Out], error) {
	var zero activityDef[In, Out]
	if name == "" {
		return zero, fmt.Errorf("%s activity name is required", kind)
	}
	if input == nil {
		return zero, fmt.Errorf("%s activity input is required", kind)
	}
	e.mu.RLock()
	def, ok := reg[name]
	e.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%s activity %q not registered", kind, name)
	}
	return def, nil
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case val := <-r.ch:
		return val, nil
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}

func (r receiver[T]) Len() int {
	return len(r.ch)
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func sendSignal[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, payload T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return engine.ErrWorkflowCompleted
	case ch <- payload:
		return nil
	}
}

func pickTimeout(override, registered engine.ActivityOptions) time.Duration {
	if override.Timeout > 0 {
		return override.Timeout
	}
	return registered.Timeout
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
