package dsl_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/goa/v3/eval"
	. "goa.design/loom/dsl"
	"goa.design/loom/expr"
	"goa.design/loom/runtime/workflow"
)

func TestWorkflowDSLExample(t *testing.T) {
	runDSL(t, func() {
		Workflow("support", func() {
			Description("Triage and answer customer tickets")
			Node("triage", func() {
				Description("Routes tickets by topic")
				SystemPrompt("Classify the ticket and route it.")
				Model("gpt-4o-mini")
				HandOffs("billing", "tech")
				HandOffType(Conditional)
				MaxSteps(4)
			})
			Node("billing", func() {
				SystemPrompt("Resolve billing questions.")
				CodeTools("lookup_invoice", "issue_refund")
				Memory("tone", "formal")
				HandOffs(End)
			})
			Node("tech", func() {
				SystemPrompt("Resolve technical questions.")
				MCPTools("search_docs")
				DirectSDK()
				HandOffs(End)
			})
		})
	})

	require.Len(t, expr.Root.Workflows, 1)
	wf := expr.Root.Workflows[0]
	require.Equal(t, "support", wf.Name)
	require.Equal(t, "Triage and answer customer tickets", wf.Description)
	require.Equal(t, "triage", wf.Entry)
	require.Len(t, wf.Nodes, 3)

	triage := wf.Node("triage")
	require.NotNil(t, triage)
	require.Equal(t, "Routes tickets by topic", triage.Description)
	require.Equal(t, "gpt-4o-mini", triage.ModelName)
	require.Equal(t, []string{"billing", "tech"}, triage.HandOffs)
	require.Equal(t, workflow.HandOffConditional, triage.HandOffType)
	require.NotNil(t, triage.MaxSteps)
	require.Equal(t, 4, *triage.MaxSteps)

	billing := wf.Node("billing")
	require.NotNil(t, billing)
	require.Equal(t, []string{"lookup_invoice", "issue_refund"}, billing.CodeTools)
	require.Equal(t, map[string]string{"tone": "formal"}, billing.Memory)
	require.Equal(t, []string{End}, billing.HandOffs)

	tech := wf.Node("tech")
	require.NotNil(t, tech)
	require.Equal(t, []string{"search_docs"}, tech.MCPTools)
	require.True(t, tech.UseDirectSDK)
}

func TestEntryOverridesFirstNode(t *testing.T) {
	runDSL(t, func() {
		Workflow("pipeline", func() {
			Entry("collect")
			Node("report", func() {
				WaitFor("collect")
				HandOffs(End)
			})
			Node("collect", func() {
				HandOffs("report")
				HandOffType(Parallel)
			})
		})
	})

	wf := expr.Root.Workflows[0]
	require.Equal(t, "collect", wf.Entry)
	require.Equal(t, []string{"collect"}, wf.Node("report").WaitFor)
}

func TestGraphLowering(t *testing.T) {
	runDSL(t, func() {
		Workflow("echo", func() {
			Node("echo", func() {
				SystemPrompt("Echo the input back.")
				HandOffs(End)
			})
		})
	})

	g := expr.Root.Workflows[0].Graph()
	require.Equal(t, workflow.CurrentSchemaVersion, g.SchemaVersion)
	require.Equal(t, "echo", g.Entry)
	require.NoError(t, g.Validate())

	blob, err := workflow.MarshalGraph(g)
	require.NoError(t, err)
	parsed, err := workflow.ParseGraph(blob)
	require.NoError(t, err)
	node, ok := parsed.Node("echo")
	require.True(t, ok)
	require.Equal(t, "Echo the input back.", node.SystemPrompt)
	require.Equal(t, workflow.HandOffSequential, node.HandOffType)
}

func TestDuplicateNodeFailsValidation(t *testing.T) {
	err := runDSLErr(t, func() {
		Workflow("dup", func() {
			Node("a", func() { HandOffs(End) })
			Node("a", func() { HandOffs(End) })
		})
	})
	require.Contains(t, err.Error(), `duplicate node "a"`)
}

func TestUnknownHandOffTargetFailsValidation(t *testing.T) {
	err := runDSLErr(t, func() {
		Workflow("dangling", func() {
			Node("a", func() { HandOffs("missing") })
		})
	})
	require.Contains(t, err.Error(), `hand-off target "missing" not defined`)
}

func TestReservedNodeIDReported(t *testing.T) {
	err := runDSLErr(t, func() {
		Workflow("bad", func() {
			Node("end", func() {})
			Node("a", func() { HandOffs(End) })
		})
	})
	require.Contains(t, err.Error(), "reserved")
}

func TestDuplicateWorkflowNameFailsValidation(t *testing.T) {
	err := runDSLErr(t, func() {
		Workflow("twice", func() {
			Node("a", func() { HandOffs(End) })
		})
		Workflow("twice", func() {
			Node("b", func() { HandOffs(End) })
		})
	})
	require.Contains(t, err.Error(), `workflow "twice" declared twice`)
}

func TestWaitForSelfFailsValidation(t *testing.T) {
	err := runDSLErr(t, func() {
		Workflow("selfwait", func() {
			Node("a", func() {
				WaitFor("a")
				HandOffs(End)
			})
		})
	})
	require.Contains(t, err.Error(), "wait-for references itself")
}

func TestNodeDSLOutsideWorkflowRejected(t *testing.T) {
	resetDesign(t)
	require.False(t, eval.Execute(func() {
		Node("stray", func() {})
	}, nil))
	require.True(t, strings.Contains(eval.Context.Error(), "invalid use of Node"))
}

func runDSL(t *testing.T, fn func()) {
	t.Helper()

	resetDesign(t)
	require.True(t, eval.Execute(fn, nil), eval.Context.Error())
	require.NoError(t, eval.RunDSL())
}

func runDSLErr(t *testing.T, fn func()) error {
	t.Helper()

	resetDesign(t)
	require.True(t, eval.Execute(fn, nil), eval.Context.Error())
	err := eval.RunDSL()
	require.Error(t, err)
	return err
}

func resetDesign(t *testing.T) {
	t.Helper()

	eval.Reset()
	expr.Root = &expr.RootExpr{}
	require.NoError(t, eval.Register(expr.Root))
}
