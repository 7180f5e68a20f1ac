// Package toolregistry resolves the tool names a node declares into callable
// handles. Code tools are registered as factories and constructed fresh for
// every node invocation; MCP tools are discovered from registered servers at
// resolution time, so unreachable servers fail the node before the model ever
// runs.
package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/loom/runtime/mcp"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/tools"
)

// DefaultDiscoveryTTL bounds how long a server's tools/list result is reused
// before Resolve lists again.
const DefaultDiscoveryTTL = 5 * time.Minute

type (
	// Options configure a Registry.
	Options struct {
		// Logger receives resolution warnings. Defaults to a noop logger.
		Logger telemetry.Logger
		// DiscoveryTTL overrides DefaultDiscoveryTTL. Zero keeps the
		// default; negative disables caching so every Resolve lists.
		DiscoveryTTL time.Duration
	}

	// Registry maps tool names to code factories and MCP servers.
	// Registration happens at process start; Resolve is safe for concurrent
	// use afterwards.
	Registry struct {
		logger telemetry.Logger
		ttl    time.Duration

		mu        sync.RWMutex
		factories map[tools.Ident]tools.Factory
		servers   map[string]mcp.Caller
		listings  map[string]*serverListing
	}

	// serverListing caches one server's discovered tools keyed by name.
	serverListing struct {
		byName    map[tools.Ident]mcp.ToolInfo
		expiresAt time.Time
	}

	// UnknownToolsError reports requested names no factory or server
	// provides.
	UnknownToolsError struct {
		Names []tools.Ident
	}
)

// Error implements the error interface.
func (e *UnknownToolsError) Error() string {
	names := make([]string, len(e.Names))
	for i, n := range e.Names {
		names[i] = string(n)
	}
	return fmt.Sprintf("unknown tools: %s", strings.Join(names, ", "))
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	ttl := opts.DiscoveryTTL
	if ttl == 0 {
		ttl = DefaultDiscoveryTTL
	}
	return &Registry{
		logger:    logger,
		ttl:       ttl,
		factories: make(map[tools.Ident]tools.Factory),
		servers:   make(map[string]mcp.Caller),
		listings:  make(map[string]*serverListing),
	}
}

// RegisterTool registers a code tool factory. The factory runs once per node
// invocation with that invocation's InitContext.
func (r *Registry) RegisterTool(name tools.Ident, factory tools.Factory) error {
	if name == "" {
		return errors.New("tool name is required")
	}
	if factory == nil {
		return errors.New("tool factory is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("tool %s is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// RegisterServer registers an MCP server whose tools become resolvable under
// the names the server advertises.
func (r *Registry) RegisterServer(name string, caller mcp.Caller) error {
	if name == "" {
		return errors.New("server name is required")
	}
	if caller == nil {
		return errors.New("server caller is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[name]; ok {
		return fmt.Errorf("server %s is already registered", name)
	}
	r.servers[name] = caller
	return nil
}

// Tools returns the registered code tool names.
func (r *Registry) Tools() []tools.Ident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.factories) == 0 {
		return nil
	}
	out := make([]tools.Ident, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Servers returns the registered MCP server names.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.servers) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.servers))
	for name := range r.servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve builds the handle set for the given tool names. Code factories win
// name collisions with MCP tools; the shadowed server tool is logged, not an
// error. When several servers advertise the same name, the first in server
// name order wins. Names nothing provides come back as *UnknownToolsError,
// and an unreachable server needed for discovery fails the whole resolution.
func (r *Registry) Resolve(ctx context.Context, names []tools.Ident, ic tools.InitContext) (tools.Set, error) {
	r.mu.RLock()
	factories := make(map[tools.Ident]tools.Factory, len(r.factories))
	for name, factory := range r.factories {
		factories[name] = factory
	}
	serverNames := make([]string, 0, len(r.servers))
	for name := range r.servers {
		serverNames = append(serverNames, name)
	}
	r.mu.RUnlock()
	sort.Strings(serverNames)

	set := make(tools.Set, len(names))
	remaining := make(map[tools.Ident]struct{})
	for _, name := range names {
		if _, ok := set[name]; ok {
			continue
		}
		if _, ok := remaining[name]; ok {
			continue
		}
		factory, ok := factories[name]
		if !ok {
			remaining[name] = struct{}{}
			continue
		}
		handle, err := factory(ic)
		if err != nil {
			return nil, fmt.Errorf("build tool %s: %w", name, err)
		}
		set[name] = handle
	}

	// Walk servers in order until every remaining name resolved. Servers
	// past that point are not contacted, so an idle server being down does
	// not fail nodes that never needed it.
	for _, server := range serverNames {
		if len(remaining) == 0 {
			break
		}
		listing, caller, err := r.listing(ctx, server)
		if err != nil {
			return nil, err
		}
		for name := range remaining {
			info, ok := listing.byName[name]
			if !ok {
				continue
			}
			handle, err := newMCPTool(server, caller, info)
			if err != nil {
				return nil, err
			}
			set[name] = handle
			delete(remaining, name)
		}
	}
	if len(remaining) > 0 {
		missing := make([]tools.Ident, 0, len(remaining))
		for name := range remaining {
			missing = append(missing, name)
		}
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return nil, &UnknownToolsError{Names: missing}
	}

	r.logShadowed(ctx, factories)
	return set, nil
}

// listing returns the cached discovery for server, listing again when the
// cache entry is missing or expired.
func (r *Registry) listing(ctx context.Context, server string) (*serverListing, mcp.Caller, error) {
	r.mu.RLock()
	caller := r.servers[server]
	cached := r.listings[server]
	r.mu.RUnlock()
	if caller == nil {
		return nil, nil, fmt.Errorf("server %s is not registered", server)
	}
	now := time.Now()
	if cached != nil && now.Before(cached.expiresAt) {
		return cached, caller, nil
	}

	infos, err := caller.ListTools(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list tools from server %s: %w", server, err)
	}
	listing := &serverListing{
		byName:    make(map[tools.Ident]mcp.ToolInfo, len(infos)),
		expiresAt: now.Add(r.ttl),
	}
	for _, info := range infos {
		listing.byName[tools.Ident(info.Name)] = info
	}
	r.mu.Lock()
	r.listings[server] = listing
	r.mu.Unlock()
	return listing, caller, nil
}

// logShadowed warns for every code tool whose name also appears in an already
// fetched server listing. Shadowing is allowed; the code tool wins.
func (r *Registry) logShadowed(ctx context.Context, factories map[tools.Ident]tools.Factory) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	for server, listing := range r.listings {
		if now.After(listing.expiresAt) {
			continue
		}
		for name := range listing.byName {
			if _, ok := factories[name]; ok {
				r.logger.Warn(ctx, "code tool shadows MCP tool",
					"tool", string(name), "server", server)
			}
		}
	}
}

// mcpTool adapts one discovered MCP tool to the Handle interface. Arguments
// are validated by the server; an invalid-params response maps to the same
// repairable error kind code tools report.
type mcpTool struct {
	server string
	name   tools.Ident
	desc   string
	schema any
	caller mcp.Caller
}

func newMCPTool(server string, caller mcp.Caller, info mcp.ToolInfo) (*mcpTool, error) {
	var schema any
	if len(info.InputSchema) > 0 {
		if err := json.Unmarshal(info.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s from server %s: invalid schema: %w", info.Name, server, err)
		}
	} else {
		schema = map[string]any{"type": "object"}
	}
	return &mcpTool{
		server: server,
		name:   tools.Ident(info.Name),
		desc:   info.Description,
		schema: schema,
		caller: caller,
	}, nil
}

// Name implements tools.Handle.
func (t *mcpTool) Name() tools.Ident { return t.name }

// Description implements tools.Handle.
func (t *mcpTool) Description() string { return t.desc }

// Schema implements tools.Handle.
func (t *mcpTool) Schema() any { return t.schema }

// Call invokes the tool on its server and maps MCP failures onto the tool
// error taxonomy.
func (t *mcpTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	out, err := t.caller.CallTool(ctx, string(t.name), args)
	if err == nil {
		return out, nil
	}
	kind := tools.KindUnavailable
	var failure *mcp.ToolFailure
	switch {
	case mcp.IsInvalidParams(err):
		kind = tools.KindInvalidArguments
	case errors.As(err, &failure):
		kind = tools.KindExecution
	}
	return "", &tools.Error{Tool: t.name, Kind: kind, Err: err}
}
