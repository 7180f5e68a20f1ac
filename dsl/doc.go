// Package dsl implements the loom workflow design language. A design declares
// workflows and the agent nodes they run; loom.Build evaluates the design and
// lowers each workflow to the graph blob consumed by CreateWorkflowVersion.
//
// A minimal design:
//
//	package design
//
//	import . "goa.design/loom/dsl"
//
//	var _ = Workflow("support", func() {
//		Description("Triage and answer customer tickets")
//		Node("triage", func() {
//			SystemPrompt("Classify the ticket and route it.")
//			Model("gpt-4o-mini")
//			HandOffs("billing", "tech")
//			HandOffType(Conditional)
//		})
//		Node("billing", func() {
//			SystemPrompt("Resolve billing questions.")
//			CodeTools("lookup_invoice")
//			HandOffs(End)
//		})
//		Node("tech", func() {
//			SystemPrompt("Resolve technical questions.")
//			MCPTools("search_docs")
//			HandOffs(End)
//		})
//	})
//
// Execution starts at the entry node (the first declared node unless Entry
// names another) and follows hand-offs until every path reaches End.
package dsl
