// Package mcpbridge mounts external MCP servers into a [tool.Registry].
//
// It connects to servers via stdio or streamable-HTTP transports using the
// official MCP Go SDK (github.com/modelcontextprotocol/go-sdk), discovers
// each server's tool catalogue, and registers every remote tool as an
// ordinary [tool.Tool] under the category "mcp:<server>". Remote tools keep
// their server-supplied JSON Schema verbatim (via [tool.Schema.Raw]), so the
// manager validates arguments against the server's own contract before any
// call crosses the wire.
//
// Typical usage:
//
//	b, err := mcpbridge.New(registry)
//
//	names, err := b.Mount(ctx, mcpbridge.ServerConfig{
//	    Name:      "dice",
//	    Transport: mcpbridge.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-dice-server",
//	})
//
//	// Remote tools are now callable through the manager like any other.
//	res := mgr.Call(ctx, names[0], map[string]any{"sides": 20})
//
//	b.Close()
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/scribax/internal/tool"
)

// Transport identifies how the bridge reaches an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one external MCP server to mount.
type ServerConfig struct {
	// Name identifies the server within the bridge. Its tools register under
	// the category "mcp:<Name>".
	Name string

	// Transport selects how to reach the server.
	Transport Transport

	// Command is the full command line for stdio servers, split on whitespace
	// into executable and arguments (e.g. "/bin/srv --port 9").
	Command string

	// URL is the endpoint address for streamable-http servers.
	URL string

	// Env holds additional environment variables for stdio subprocesses,
	// appended to the parent environment.
	Env map[string]string
}

// Validate checks that the config is complete for its transport.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcpbridge: server config must have a non-empty name")
	}
	if !c.Transport.IsValid() {
		return fmt.Errorf("mcpbridge: unknown transport %q for server %q", c.Transport, c.Name)
	}
	if c.Transport == TransportStdio && strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("mcpbridge: stdio server %q requires a non-empty Command", c.Name)
	}
	if c.Transport == TransportStreamableHTTP && c.URL == "" {
		return fmt.Errorf("mcpbridge: streamable-http server %q requires a non-empty URL", c.Name)
	}
	return nil
}

// Category returns the registry category remote tools of the named server
// register under.
func Category(serverName string) string {
	return "mcp:" + serverName
}

// Bridge connects to external MCP servers and mirrors their tools into a
// [tool.Registry]. It is safe for concurrent use.
//
// The zero value is not usable; create instances with [New].
type Bridge struct {
	registry *tool.Registry

	// client is reused across all server connections. The official SDK allows
	// a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
	mounted  map[string][]string // server name -> registered tool names
}

// New creates a Bridge that registers remote tools into reg.
func New(reg *tool.Registry) (*Bridge, error) {
	if reg == nil {
		return nil, fmt.Errorf("mcpbridge: registry must not be nil")
	}
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "scribax-mcpbridge", Version: "1.0.0"},
		nil,
	)
	return &Bridge{
		registry: reg,
		client:   client,
		sessions: make(map[string]*mcpsdk.ClientSession),
		mounted:  make(map[string][]string),
	}, nil
}

// Mount connects to the server described by cfg, discovers its tools and
// registers each one with the bridge's registry. It returns the registered
// tool names in sorted order.
//
// If a server with the same Name is already mounted, the old connection is
// closed and its tools replaced. If any discovered tool clashes with a name
// already present in the registry, the whole mount is rolled back and an
// error returned.
func (b *Bridge) Mount(ctx context.Context, cfg ServerConfig) ([]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	return b.mount(ctx, cfg.Name, transport)
}

// mount performs the transport-independent part of Mount.
func (b *Bridge) mount(ctx context.Context, serverName string, transport mcpsdk.Transport) ([]string, error) {
	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: failed to connect to server %q: %w", serverName, err)
	}

	// Discover the tool catalogue using the listing iterator.
	var discovered []mcpsdk.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcpbridge: failed to list tools for server %q: %w", serverName, err)
		}
		discovered = append(discovered, *t)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Replace an existing mount of the same server.
	if old, ok := b.sessions[serverName]; ok {
		b.unmountLocked(serverName, old)
	}

	category := Category(serverName)
	registered := make([]string, 0, len(discovered))
	for _, mt := range discovered {
		st := serverTool{session: session, schema: schemaFromMCP(mt)}
		if err := b.registry.Register(st, category); err != nil {
			for _, name := range registered {
				_ = b.registry.Unregister(name)
			}
			_ = session.Close()
			return nil, fmt.Errorf("mcpbridge: failed to register tool %q from server %q: %w", mt.Name, serverName, err)
		}
		registered = append(registered, mt.Name)
	}
	slices.Sort(registered)

	b.sessions[serverName] = session
	b.mounted[serverName] = registered
	return registered, nil
}

// Unmount disconnects the named server and removes its tools from the
// registry.
func (b *Bridge) Unmount(serverName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	session, ok := b.sessions[serverName]
	if !ok {
		return fmt.Errorf("mcpbridge: server %q is not mounted", serverName)
	}
	b.unmountLocked(serverName, session)
	return nil
}

// unmountLocked removes the server's tools and closes its session.
// The caller must hold b.mu.
func (b *Bridge) unmountLocked(serverName string, session *mcpsdk.ClientSession) {
	for _, name := range b.mounted[serverName] {
		_ = b.registry.Unregister(name)
	}
	_ = session.Close()
	delete(b.sessions, serverName)
	delete(b.mounted, serverName)
}

// Servers returns the names of all currently mounted servers in sorted order.
func (b *Bridge) Servers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.sessions))
	for name := range b.sessions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close unmounts every server and releases all connections. The first error
// encountered while closing sessions is returned. After Close the bridge must
// not be used again.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, session := range b.sessions {
		for _, toolName := range b.mounted[name] {
			_ = b.registry.Unregister(toolName)
		}
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: error closing server %q: %w", name, err)
		}
	}
	b.sessions = make(map[string]*mcpsdk.ClientSession)
	b.mounted = make(map[string][]string)
	return firstErr
}

// ───────────────────────── Remote tool adapter ─────────────────────────

// serverTool adapts a single remote MCP tool to the [tool.Tool] interface.
type serverTool struct {
	session *mcpsdk.ClientSession
	schema  tool.Schema
}

// Compile-time check: serverTool must implement tool.Tool.
var _ tool.Tool = serverTool{}

// Schema returns the contract built from the server's tool listing.
func (s serverTool) Schema() tool.Schema { return s.schema }

// Execute forwards the call to the remote server and concatenates all text
// content from the result. A result flagged IsError by the server is
// surfaced as a Go error carrying the server's message.
func (s serverTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	result, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      s.schema.Name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: call to tool %q failed: %w", s.schema.Name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	if result.IsError {
		return nil, fmt.Errorf("mcpbridge: tool %q reported an error: %s", s.schema.Name, sb.String())
	}
	return sb.String(), nil
}

// ───────────────────────── Schema conversion ─────────────────────────

// metadataProperty is a conventional pseudo-parameter some MCP servers embed
// in their input schema to carry latency hints. It is never a real argument.
const metadataProperty = "_metadata"

// schemaFromMCP converts a discovered SDK tool into a [tool.Schema]. The
// server's input schema is kept verbatim in Raw so validation matches the
// server's contract exactly; Params is filled on a best-effort basis for
// prompt rendering.
func schemaFromMCP(t mcpsdk.Tool) tool.Schema {
	raw := schemaToMap(t.InputSchema)
	return tool.Schema{
		Name:        t.Name,
		Description: t.Description,
		Params:      paramsFromSchema(raw),
		Raw:         raw,
		MaxDuration: maxDurationHint(raw),
	}
}

// schemaToMap converts any schema value to a map[string]any via a JSON
// round-trip. nil or unconvertible schemas collapse to a permissive object
// schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// paramsFromSchema extracts a flat parameter list from a JSON Schema object.
// Nested or exotic property shapes degrade to type "string"; defaults are
// deliberately not extracted because Raw already carries them and the server
// applies its own. Parameters come back sorted by name.
func paramsFromSchema(raw map[string]any) []tool.Param {
	props, ok := raw["properties"].(map[string]any)
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if req, ok := raw["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		if name == metadataProperty {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)

	params := make([]tool.Param, 0, len(names))
	for _, name := range names {
		p := tool.Param{Name: name, Type: "string", Required: required[name]}
		if prop, ok := props[name].(map[string]any); ok {
			if typ, ok := prop["type"].(string); ok && validParamType(typ) {
				p.Type = typ
			}
			if desc, ok := prop["description"].(string); ok {
				p.Description = desc
			}
			if enum, ok := prop["enum"].([]any); ok {
				p.Enum = enum
			}
		}
		params = append(params, p)
	}
	return params
}

// validParamType reports whether typ is a type [tool.Param] accepts.
func validParamType(typ string) bool {
	switch typ {
	case "string", "number", "integer", "boolean", "array", "object":
		return true
	}
	return false
}

// maxDurationHint reads the conventional _metadata.max_duration_ms property
// some servers embed in their input schema. Zero when absent.
func maxDurationHint(raw map[string]any) time.Duration {
	props, ok := raw["properties"].(map[string]any)
	if !ok {
		return 0
	}
	meta, ok := props[metadataProperty].(map[string]any)
	if !ok {
		return 0
	}
	switch n := meta["max_duration_ms"].(type) {
	case float64:
		return time.Duration(n) * time.Millisecond
	case int64:
		return time.Duration(n) * time.Millisecond
	case json.Number:
		ms, err := n.Int64()
		if err != nil {
			return 0
		}
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
