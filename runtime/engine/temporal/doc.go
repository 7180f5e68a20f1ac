// Package temporal implements the loom workflow engine adapter backed by
// Temporal (https://temporal.io). It satisfies the generic engine.Engine
// interface, letting the executor orchestrate durable workflow invocations
// without importing the Temporal SDK directly.
//
// # Why Temporal?
//
// Workflow invocations fan out to AI providers and external tools, run for
// minutes and cost real money. Temporal makes the orchestration durable: the
// workflow state survives process restarts, network failures and crashes,
// and the runtime replays the execution from event history to resume exactly
// where it stopped instead of re-invoking nodes that already ran.
//
// # Constructing an Engine
//
// Use New to create an engine with Temporal client and worker options:
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{
//	        HostPort:  "temporal:7233",
//	        Namespace: "default",
//	    },
//	    WorkerOptions: temporal.WorkerOptions{
//	        TaskQueue: "loom.invocations",
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// # Worker vs Client Mode
//
// The same engine operates in two modes:
//
//   - Worker mode: polls task queues and executes workflow and node
//     activities locally. Use this in processes that host the executor.
//
//   - Client mode: submits invocations without local execution. Use this in
//     API gateways or CLI tools that start runs but don't process them.
//
// Both modes use the same Options; client-only processes set
// DisableWorkerAutoStart and skip executor registration.
//
// # Workflow Determinism
//
// Temporal workflows must be deterministic: given the same inputs and event
// history, they must produce the same outputs. This package provides a
// WorkflowContext that exposes only deterministic operations:
//
//   - Now returns workflow time, not wall clock
//   - InvokeNode, RecordMessages, FinalizeInvocation and PublishHook
//     schedule activities
//   - CancelRequests returns a deterministic signal receiver
//   - NewTimer and Await suspend on workflow time
//
// Node execution, message persistence and hook publication run inside
// activities, which are not constrained by determinism. The executor
// workflow coordinates activities and routes their results deterministically.
//
// # Hook Payloads
//
// Hook activity inputs carry a typed event interface that the default JSON
// converter cannot round-trip. New installs NewDataConverter on the client
// it creates; pre-configured clients must install it themselves.
//
// # OpenTelemetry Integration
//
// The engine installs OTEL interceptors on the Temporal client and worker,
// propagating trace context through workflow and activity boundaries. No
// additional configuration is needed.
package temporal
