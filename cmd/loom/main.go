// Command loom runs workflows from the terminal. It registers workflow files
// as versions, starts and awaits invocations, prints traces and listings and
// cleans up stale runs. The persistence backend, provider adapter and
// optional Temporal engine and Pulse stream are all selected through the
// environment; see the config package for the recognized keys.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"goa.design/clue/log"

	"goa.design/loom"
	"goa.design/loom/runtime/config"
	"goa.design/loom/runtime/runner"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		return 2
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Errorf(ctx, err, "load configuration")
		return 1
	}

	var code int
	switch cmd := args[0]; cmd {
	case "register":
		code = cmdRegister(ctx, cfg, args[1:])
	case "run":
		code = cmdRun(ctx, cfg, args[1:])
	case "trace":
		code = cmdTrace(ctx, cfg, args[1:])
	case "list":
		code = cmdList(ctx, cfg, args[1:])
	case "cleanup-stale":
		code = cmdCleanup(ctx, cfg, args[1:])
	case "delete":
		code = cmdDelete(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		code = 2
	}
	return code
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: loom <command> [flags]

Commands:
  register       create a workflow version from a YAML workflow file
  run            register (or reuse) a version, start an invocation and await it
  trace          print the full audit trace of an invocation
  list           list invocations with filters and aggregates
  cleanup-stale  force-fail invocations stuck past the stale grace window
  delete         delete invocations and their node invocations and messages

Run "loom <command> -h" for the command's flags.
`)
}

func cmdRegister(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	fileF := fs.String("file", "", "Path to the YAML workflow file (required)")
	msgF := fs.String("message", "registered from file", "Commit message recorded on the version")
	_ = fs.Parse(args)
	if *fileF == "" {
		fs.Usage()
		return 2
	}

	wf, err := loadWorkflowFile(*fileF)
	if err != nil {
		log.Errorf(ctx, err, "load workflow")
		return 1
	}
	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, err, "build store")
		return 1
	}
	defer func() { _ = closeStore(ctx) }()

	ver, err := loom.Register(ctx, st, loom.Design{Name: wf.Name, Description: wf.Description, Graph: wf.Graph}, *msgF)
	if err != nil {
		log.Errorf(ctx, err, "register workflow")
		return 1
	}
	fmt.Println(ver.VersionID)
	return 0
}

func cmdRun(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fileF := fs.String("file", "", "YAML workflow file to register and run")
	versionF := fs.String("version-id", "", "Existing version ID to run instead of -file")
	inputF := fs.String("input", "", "Workflow input: a file path, JSON or plain text")
	goalF := fs.String("goal", "", "Workflow-level goal injected into node prompts")
	runIDF := fs.String("run-id", "", "Optimizer run correlation ID")
	generationF := fs.String("generation", "", "Optimizer generation correlation ID")
	_ = fs.Parse(args)
	if (*fileF == "") == (*versionF == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -file and -version-id is required")
		fs.Usage()
		return 2
	}

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, err, "build store")
		return 1
	}
	defer func() { _ = closeStore(ctx) }()

	versionID := *versionF
	if *fileF != "" {
		wf, err := loadWorkflowFile(*fileF)
		if err != nil {
			log.Errorf(ctx, err, "load workflow")
			return 1
		}
		ver, err := loom.Register(ctx, st, loom.Design{Name: wf.Name, Description: wf.Description, Graph: wf.Graph}, "registered by loom run")
		if err != nil {
			log.Errorf(ctx, err, "register workflow")
			return 1
		}
		versionID = ver.VersionID
		log.Print(ctx, log.KV{K: "version", V: versionID}, log.KV{K: "workflow", V: wf.Name})
	}

	client, closeClient, err := buildModelClient(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, err, "build model client")
		return 1
	}
	defer func() { _ = closeClient(ctx) }()
	logger := telemetry.NewClueLogger()
	eng, closeEngine, err := buildEngine(logger)
	if err != nil {
		log.Errorf(ctx, err, "build engine")
		return 1
	}
	defer func() { _ = closeEngine(ctx) }()
	sink, closeStream, err := buildStream(ctx)
	if err != nil {
		log.Errorf(ctx, err, "build stream")
		return 1
	}
	defer func() { _ = closeStream(ctx) }()

	r, err := runner.New(ctx, runner.Options{
		Store:       st,
		ModelClient: client,
		Model:       cfg.AIProviderModel,
		Engine:      eng,
		Config:      cfg,
		Stream:      sink,
		Logger:      logger,
		Metrics:     telemetry.NewOTELMetrics(),
		Tracer:      telemetry.NewOTELTracer(),
	})
	if err != nil {
		log.Errorf(ctx, err, "build runner")
		return 1
	}

	input := normalizeInput(*inputF)
	invocationID, err := r.RunWorkflow(ctx, versionID, input, runner.RunOptions{
		MainGoal:     *goalF,
		RunID:        *runIDF,
		GenerationID: *generationF,
	})
	if err != nil {
		log.Errorf(ctx, err, "start invocation")
		return 1
	}
	log.Print(ctx, log.KV{K: "invocation", V: invocationID})

	result, err := r.AwaitInvocation(ctx, invocationID)
	if err != nil {
		log.Errorf(ctx, err, "await invocation")
		return 1
	}
	fmt.Printf("invocation: %s\nstatus:     %s\ncost:       $%.4f\n", result.InvocationID, result.Status, result.Cost)
	if result.Reason != "" {
		fmt.Printf("reason:     %s\n", result.Reason)
	}
	if result.Output != "" {
		fmt.Printf("output:\n%s\n", result.Output)
	}
	if result.Status != store.StatusCompleted {
		return 1
	}
	return 0
}

// normalizeInput resolves the -input flag. A value naming a readable file is
// replaced by the file contents; JSON passes through untouched and anything
// else is quoted so plain text works on the command line.
func normalizeInput(in string) json.RawMessage {
	if in == "" {
		return nil
	}
	if raw, err := os.ReadFile(in); err == nil {
		in = string(raw)
	}
	if json.Valid([]byte(in)) {
		return json.RawMessage(in)
	}
	quoted, _ := json.Marshal(in)
	return quoted
}

func cmdTrace(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "Usage: loom trace <invocation-id>") }
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	invocationID := fs.Arg(0)

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, err, "build store")
		return 1
	}
	defer func() { _ = closeStore(ctx) }()

	trace, err := st.GetTrace(ctx, invocationID)
	if err != nil {
		log.Errorf(ctx, err, "get trace")
		return 1
	}
	out, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		log.Errorf(ctx, err, "encode trace")
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func cmdList(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	statusF := fs.String("status", "", "Filter by status (running, completed, failed, rolled_back)")
	runIDF := fs.String("run-id", "", "Filter by optimizer run ID")
	versionF := fs.String("version", "", "Filter by workflow version ID")
	sortF := fs.String("sort", "", "Sort field (start_time, usd_cost, status, fitness, accuracy, duration)")
	descF := fs.Bool("desc", false, "Sort descending")
	pageF := fs.Int("page", 1, "Page number")
	sizeF := fs.Int("size", store.DefaultPageSize, "Page size")
	_ = fs.Parse(args)

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, err, "build store")
		return 1
	}
	defer func() { _ = closeStore(ctx) }()

	q := store.ListQuery{
		Page:     *pageF,
		PageSize: *sizeF,
		SortBy:   store.SortField(*sortF),
		SortDesc: *descF,
	}
	if *statusF != "" {
		status := store.InvocationStatus(*statusF)
		q.Filters.Status = &status
	}
	q.Filters.RunID = *runIDF
	q.Filters.VersionID = *versionF

	page, err := st.ListInvocations(ctx, q)
	if err != nil {
		log.Errorf(ctx, err, "list invocations")
		return 1
	}
	for _, inv := range page.Invocations {
		end := "-"
		if inv.EndTime != nil {
			end = inv.EndTime.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-11s  %s  %s  $%.4f\n",
			inv.InvocationID, inv.Status, inv.StartTime.Format(time.RFC3339), end, inv.USDCost)
	}
	fmt.Printf("total: %d  spent: $%.4f  failed: %d\n",
		page.TotalCount, page.Aggregates.TotalSpentUSD, page.Aggregates.FailedCount)
	return 0
}

func cmdCleanup(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	graceF := fs.Duration("grace", time.Duration(cfg.StaleGraceSeconds)*time.Second,
		"Age after which running invocations are force-failed")
	_ = fs.Parse(args)

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, err, "build store")
		return 1
	}
	defer func() { _ = closeStore(ctx) }()

	res, err := st.CleanupStale(ctx, *graceF)
	if err != nil {
		log.Errorf(ctx, err, "cleanup stale")
		return 1
	}
	fmt.Printf("invocations: %d\nnodes:       %d\n", res.WorkflowInvocations, res.NodeInvocations)
	return 0
}

func cmdDelete(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	idsF := fs.String("invocations", "", "Comma-separated invocation IDs (required)")
	_ = fs.Parse(args)
	if *idsF == "" {
		fs.Usage()
		return 2
	}
	ids := strings.Split(*idsF, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, err, "build store")
		return 1
	}
	defer func() { _ = closeStore(ctx) }()

	res, err := st.DeleteInvocations(ctx, ids)
	if err != nil {
		log.Errorf(ctx, err, "delete invocations")
		return 1
	}
	fmt.Printf("invocations: %d\nnodes:       %d\nmessages:    %d\n",
		res.Invocations, res.NodeInvocations, res.Messages)
	return 0
}
