// Package tools defines the tool surface exposed to nodes: canonical
// identifiers, callable handles with JSON Schema validated arguments, and the
// invocation context handed to in-process tools. Registries assemble handles
// into a Set; the completion loop and pipeline consume them without knowing
// whether a handle is backed by in-process code or a remote MCP server.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Ident is the strong type for canonical tool names. Use this type when
	// referencing tools in maps or APIs to avoid accidental mixing with
	// free-form strings.
	Ident string

	// InitContext carries the execution context a tool may need: which
	// invocation it runs for, the workflow goal, and any files attached to
	// the run. Code tools receive it at construction, once per node
	// invocation.
	InitContext struct {
		// WorkflowInvocationID identifies the running workflow invocation.
		WorkflowInvocationID string
		// WorkflowVersionID identifies the workflow version being executed.
		WorkflowVersionID string
		// NodeID is the node the tool runs for.
		NodeID string
		// MainGoal is the top-level goal text of the workflow run.
		MainGoal string
		// Files lists file references attached to the invocation.
		Files []string
	}

	// Handle is a callable tool. Implementations validate their own
	// arguments; Call returns the tool output as text the model can read.
	Handle interface {
		// Name returns the canonical tool name.
		Name() Ident
		// Description documents the tool for prompting purposes.
		Description() string
		// Schema returns the JSON Schema describing the tool arguments,
		// decoded into plain Go values for provider translation.
		Schema() any
		// Call executes the tool with the given JSON arguments.
		Call(ctx context.Context, args json.RawMessage) (string, error)
	}

	// Set maps canonical tool names to their handles for one node
	// invocation.
	Set map[Ident]Handle

	// Options configures an in-process tool built with New.
	Options struct {
		// Name is the canonical tool name. Required.
		Name Ident
		// Description documents the tool for the model. Required.
		Description string
		// Schema is the JSON Schema for the tool arguments. Required.
		Schema []byte
		// Run executes the tool once its arguments validated. Required.
		Run func(ctx context.Context, args json.RawMessage) (string, error)
	}

	// Factory constructs a code tool bound to one invocation context.
	Factory func(ic InitContext) (Handle, error)

	// tool is the in-process Handle implementation.
	tool struct {
		name        Ident
		description string
		decoded     any
		compiled    *jsonschema.Schema
		run         func(ctx context.Context, args json.RawMessage) (string, error)
	}
)

// New builds an in-process tool handle. The schema is compiled once here so
// malformed schemas fail at registration, not mid-run.
func New(opts Options) (Handle, error) {
	if opts.Name == "" {
		return nil, errors.New("tool name is required")
	}
	if opts.Description == "" {
		return nil, fmt.Errorf("tool %s: description is required", opts.Name)
	}
	if len(opts.Schema) == 0 {
		return nil, fmt.Errorf("tool %s: schema is required", opts.Name)
	}
	if opts.Run == nil {
		return nil, fmt.Errorf("tool %s: run function is required", opts.Name)
	}
	var decoded any
	if err := json.Unmarshal(opts.Schema, &decoded); err != nil {
		return nil, fmt.Errorf("tool %s: invalid schema JSON: %w", opts.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", decoded); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", opts.Name, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", opts.Name, err)
	}
	return &tool{
		name:        opts.Name,
		description: opts.Description,
		decoded:     decoded,
		compiled:    compiled,
		run:         opts.Run,
	}, nil
}

func (t *tool) Name() Ident         { return t.name }
func (t *tool) Description() string { return t.description }
func (t *tool) Schema() any         { return t.decoded }

// Call validates args against the tool schema and runs the tool. Validation
// failures come back as *Error with KindInvalidArguments so callers can feed
// a readable message back to the model instead of aborting.
func (t *tool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", &Error{Tool: t.name, Kind: KindInvalidArguments, Err: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}
	if err := t.compiled.Validate(payload); err != nil {
		return "", &Error{Tool: t.name, Kind: KindInvalidArguments, Err: err}
	}
	out, err := t.run(ctx, args)
	if err != nil {
		var terr *Error
		if errors.As(err, &terr) {
			return "", err
		}
		return "", &Error{Tool: t.name, Kind: KindExecution, Err: err}
	}
	return out, nil
}

// Get returns the handle for name.
func (s Set) Get(name Ident) (Handle, bool) {
	h, ok := s[name]
	return h, ok
}

// Names returns the tool names in sorted order so prompts and provider
// requests are deterministic.
func (s Set) Names() []Ident {
	names := make([]Ident, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
