package temporal

import (
	"context"
	"fmt"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/loom/runtime/api"
	"goa.design/loom/runtime/engine"
	"goa.design/loom/runtime/telemetry"
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided. The adapter wires OTEL
// instrumentation, installs the runtime data converter when none is set,
// manages per-queue workers, and optionally auto-starts workers on first
// workflow execution.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the
	// adapter creates a lazy client from ClientOptions, which lets it install
	// the OTEL interceptors and the runtime data converter automatically.
	// Provide a pre-configured client when you need custom interceptors or
	// connection pooling; in that case the client must already carry a data
	// converter that understands hook activity payloads.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when Client
	// is nil. Only connection fields (HostPort, Namespace, ...) need to be
	// set. When DataConverter is nil the adapter installs NewDataConverter().
	ClientOptions *client.Options

	// WorkerOptions configures worker defaults. TaskQueue is required and is
	// the default queue used when definitions omit one. One worker is created
	// per unique task queue.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics for the client and
	// workers. Both are enabled by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables automatic worker startup on first
	// workflow execution. Set it when registration order matters or when the
	// process is a pure client that never hosts workers.
	DisableWorkerAutoStart bool

	// Logger emits worker lifecycle logs. If nil, a noop logger is used.
	Logger telemetry.Logger
}

// WorkerOptions configures the shared worker settings applied to every task
// queue managed by the engine.
type WorkerOptions struct {
	// TaskQueue is the default queue used when workflow or activity
	// registrations omit one. Required.
	TaskQueue string

	// Options are forwarded to Temporal's worker.New constructor.
	Options worker.Options
}

// InstrumentationOptions configures how the engine wires OpenTelemetry
// tracing and metrics into the Temporal client and workers. Both are enabled
// by default; set the Disable flags to opt out.
type InstrumentationOptions struct {
	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips installing the OTEL metrics handler.
	DisableMetrics bool

	// TracerOptions customize the OTEL tracing interceptor.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the OTEL metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine on Temporal. It owns workflow and activity
// registration, per-queue worker lifecycle, and workflow handles. All methods
// are safe for concurrent use.
//
// Lifecycle: construct via New, register the workflow and activities, then
// either let workers auto-start on the first StartWorkflow or drive them
// manually through Worker(). Call Close during shutdown after stopping
// workers.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger telemetry.Logger

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions

	// baseContexts carries the telemetry context captured at StartWorkflow
	// into activity executions on the same process. Keyed by run ID.
	baseContexts sync.Map
}

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided, and WorkerOptions must name a default task queue.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		if clientOpts.DataConverter == nil {
			clientOpts.DataConverter = NewDataConverter()
		}
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers a workflow definition with the worker for its
// task queue. The handler is wrapped so it receives the engine's
// WorkflowContext instead of a raw Temporal context. Registration must
// complete before StartWorkflow.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow handler is required")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}

	e.mu.Lock()
	if _, exists := e.workflows[def.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	e.mu.Unlock()

	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *api.RunInput) (*api.RunOutput, error) {
		wfCtx := newWorkflowContext(e, tctx)
		defer e.releaseBaseContext(wfCtx.RunID())
		return def.Handler(wfCtx, input)
	})
	return nil
}

// RegisterInvokeActivity registers the activity that runs a single node
// end to end.
func (e *Engine) RegisterInvokeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.NodeActivityInput) (*api.NodeActivityOutput, error)) error {
	if fn == nil {
		return fmt.Errorf("temporal engine: invoke activity handler is required")
	}
	return e.registerActivity(name, opts, func(actx context.Context, input *api.NodeActivityInput) (*api.NodeActivityOutput, error) {
		return fn(e.activityContext(actx), input)
	})
}

// RegisterRecordActivity registers the activity that persists routed
// messages.
func (e *Engine) RegisterRecordActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.RecordInput) (*api.RecordOutput, error)) error {
	if fn == nil {
		return fmt.Errorf("temporal engine: record activity handler is required")
	}
	return e.registerActivity(name, opts, func(actx context.Context, input *api.RecordInput) (*api.RecordOutput, error) {
		return fn(e.activityContext(actx), input)
	})
}

// RegisterFinalizeActivity registers the activity that persists the terminal
// invocation state.
func (e *Engine) RegisterFinalizeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.FinalizeInput) error) error {
	if fn == nil {
		return fmt.Errorf("temporal engine: finalize activity handler is required")
	}
	return e.registerActivity(name, opts, func(actx context.Context, input *api.FinalizeInput) error {
		return fn(e.activityContext(actx), input)
	})
}

// RegisterHookActivity registers the activity that publishes workflow
// lifecycle events outside the deterministic workflow thread.
func (e *Engine) RegisterHookActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.HookActivityInput) error) error {
	if fn == nil {
		return fmt.Errorf("temporal engine: hook activity handler is required")
	}
	return e.registerActivity(name, opts, func(actx context.Context, input *api.HookActivityInput) error {
		return fn(e.activityContext(actx), input)
	})
}

func (e *Engine) registerActivity(name string, opts engine.ActivityOptions, fn any) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	queue := opts.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, fn)

	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// StartWorkflow launches a workflow execution. The task queue resolves in
// order: req.TaskQueue, the definition queue, the engine default. A base
// context is captured so activities executing on this process inherit the
// caller's telemetry context.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
		Memo:               req.Memo,
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}
	e.baseContexts.Store(run.GetRunID(), context.WithoutCancel(ctx))

	return &workflowHandle{run: run, client: e.client}, nil
}

// QueryRunStatus maps the Temporal execution status of the workflow
// identified by runID (the workflow ID in this runtime) onto the engine's
// lifecycle statuses.
func (e *Engine) QueryRunStatus(ctx context.Context, runID string) (engine.RunStatus, error) {
	if runID == "" {
		return "", fmt.Errorf("temporal engine: run id is required")
	}
	resp, err := e.client.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		return "", mapSignalError(err)
	}
	switch resp.GetWorkflowExecutionInfo().GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return engine.RunStatusRunning, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.RunStatusCanceled, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.RunStatusFailed, nil
	default:
		return "", fmt.Errorf("temporal engine: unknown workflow status %v", resp.GetWorkflowExecutionInfo().GetStatus())
	}
}

// SignalByID sends a signal to a workflow by its workflow ID and run ID
// without holding a handle. An empty run ID targets the latest run.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	return mapSignalError(e.client.SignalWorkflow(ctx, workflowID, runID, name, payload))
}

// Worker returns a controller for the lifecycle of all workers managed by
// this engine. When auto-start is active (default) calling it is optional.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client if the engine created it. Clients
// provided by the caller are left open.
func (e *Engine) Close() {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{queue: queue, worker: w, logger: e.logger}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) releaseBaseContext(runID string) {
	if runID == "" {
		return
	}
	e.baseContexts.Delete(runID)
}

func (e *Engine) workflowBaseContext(runID string) context.Context {
	if runID == "" {
		return nil
	}
	if base, ok := e.baseContexts.Load(runID); ok {
		if ctx, ok := base.(context.Context); ok {
			return ctx
		}
	}
	return nil
}

// activityContext merges the telemetry context captured at StartWorkflow
// into the activity context when the activity runs on the starting process.
// Activities on remote workers keep the bare Temporal context.
func (e *Engine) activityContext(ctx context.Context) context.Context {
	runID := activity.GetInfo(ctx).WorkflowExecution.RunID
	if base := e.workflowBaseContext(runID); base != nil {
		ctx = telemetry.MergeContext(ctx, base)
	}
	return ctx
}

// WorkerController manages worker lifecycle for all task queues managed by
// the engine. Obtain one via Engine.Worker. Controllers share engine state,
// so Start and Stop affect all workers globally.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Workers registered afterwards are
// started as they are created.
func (c *WorkerController) Start() {
	c.engine.ensureWorkersStarted()
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context) (*api.RunOutput, error) {
	var out api.RunOutput
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return mapSignalError(h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload))
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return mapSignalError(h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID()))
}
