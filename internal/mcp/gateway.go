package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/internal/observability"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// ErrNotConnected is returned for servers that are configured but not running.
var ErrNotConnected = errors.New("server not connected")

// ServerStatus reports the state of one configured server.
type ServerStatus struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Connected bool     `json:"connected"`
	Server    string   `json:"server,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	// Shadowed lists advertised tools owned by an earlier server.
	Shadowed []string `json:"shadowed,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type serverConn struct {
	cfg     *ServerConfig
	session Session
	info    mcptypes.Implementation
	tools   []mcptypes.Tool
}

type route struct {
	server string
	desc   agent.ToolDescriptor
}

// Gateway owns the connections to external tool servers and resolves tool
// names to the server that advertises them. Names are never prefixed with
// the server id; when two servers advertise the same name the one listed
// first in the configuration owns it.
type Gateway struct {
	config  *Config
	dial    Dialer
	logger  *slog.Logger
	metrics *observability.Metrics
	client  mcptypes.Implementation

	mu     sync.RWMutex
	conns  map[string]*serverConn
	errs   map[string]string
	routes map[string]route
	shadow map[string][]string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDialer replaces the session factory.
func WithDialer(d Dialer) Option {
	return func(g *Gateway) { g.dial = d }
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records server liveness.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClientInfo sets the implementation name sent during initialize.
func WithClientInfo(name, version string) Option {
	return func(g *Gateway) { g.client = mcptypes.Implementation{Name: name, Version: version} }
}

// NewGateway creates a gateway for cfg. No server is contacted until Start.
func NewGateway(cfg *Config, opts ...Option) *Gateway {
	if cfg == nil {
		cfg = &Config{}
	}
	g := &Gateway{
		config: cfg,
		dial:   DefaultDialer,
		logger: slog.Default(),
		client: mcptypes.Implementation{Name: "codeagent", Version: "dev"},
		conns:  make(map[string]*serverConn),
		errs:   make(map[string]string),
		routes: make(map[string]route),
		shadow: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "mcp")
	return g
}

// Name identifies the gateway as a registry resolver.
func (g *Gateway) Name() string { return "mcp" }

// Start connects every auto-start server concurrently. A server that fails
// to start is recorded in Status and skipped; Start itself only fails when
// ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.config.Enabled {
		g.logger.Debug("MCP disabled")
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, cfg := range g.config.Servers {
		if !cfg.AutoStart {
			continue
		}
		eg.Go(func() error {
			if err := g.connect(egCtx, cfg); err != nil {
				g.logger.Error("failed to connect to MCP server", "server", cfg.ID, "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	g.mu.Lock()
	g.rebuildLocked()
	g.mu.Unlock()
	return ctx.Err()
}

// Connect starts a single configured server by id.
func (g *Gateway) Connect(ctx context.Context, serverID string) error {
	cfg := g.server(serverID)
	if cfg == nil {
		return fmt.Errorf("server %q not found in config", serverID)
	}
	g.mu.RLock()
	_, connected := g.conns[serverID]
	g.mu.RUnlock()
	if connected {
		return nil
	}
	if err := g.connect(ctx, cfg); err != nil {
		return err
	}
	g.mu.Lock()
	g.rebuildLocked()
	g.mu.Unlock()
	return nil
}

func (g *Gateway) server(id string) *ServerConfig {
	for _, cfg := range g.config.Servers {
		if cfg.ID == id {
			return cfg
		}
	}
	return nil
}

// connect performs the initialize and tools/list handshake.
func (g *Gateway) connect(ctx context.Context, cfg *ServerConfig) (err error) {
	defer func() {
		g.mu.Lock()
		if err != nil {
			g.errs[cfg.ID] = err.Error()
		} else {
			delete(g.errs, cfg.ID)
		}
		g.mu.Unlock()
		g.metrics.SetServerUp(cfg.ID, err == nil)
	}()

	if err := cfg.Validate(); err != nil {
		return err
	}
	hsCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	session, err := g.dial(hsCtx, cfg)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	initReq := mcptypes.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcptypes.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = g.client
	initResult, err := session.Initialize(hsCtx, initReq)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := session.ListTools(hsCtx, mcptypes.ListToolsRequest{})
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	conn := &serverConn{
		cfg:     cfg,
		session: session,
		info:    initResult.ServerInfo,
		tools:   filterTools(listed.Tools, cfg.Tools),
	}

	g.mu.Lock()
	if old, ok := g.conns[cfg.ID]; ok {
		_ = old.session.Close()
	}
	g.conns[cfg.ID] = conn
	g.mu.Unlock()

	g.logger.Info("connected to MCP server",
		"server", cfg.ID,
		"name", conn.info.Name,
		"tools", len(conn.tools))
	return nil
}

func filterTools(tools []mcptypes.Tool, allow []string) []mcptypes.Tool {
	if len(allow) == 0 {
		return tools
	}
	allowed := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowed[name] = true
	}
	var out []mcptypes.Tool
	for _, t := range tools {
		if allowed[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// rebuildLocked recomputes name ownership in configuration order.
func (g *Gateway) rebuildLocked() {
	g.routes = make(map[string]route)
	g.shadow = make(map[string][]string)
	for _, cfg := range g.config.Servers {
		conn, ok := g.conns[cfg.ID]
		if !ok {
			continue
		}
		for _, tool := range conn.tools {
			if owner, taken := g.routes[tool.Name]; taken {
				g.shadow[cfg.ID] = append(g.shadow[cfg.ID], tool.Name)
				g.logger.Warn("MCP tool name collision, keeping first server",
					"tool", tool.Name,
					"owner", owner.server,
					"shadowed", cfg.ID)
				continue
			}
			g.routes[tool.Name] = route{
				server: cfg.ID,
				desc: agent.ToolDescriptor{
					Name:        tool.Name,
					Description: tool.Description,
					Schema:      inputSchema(tool),
					Origin:      agent.ExternalOrigin(cfg.ID),
				},
			}
		}
	}
}

// inputSchema extracts the tool's parameter schema as sent on the wire.
func inputSchema(tool mcptypes.Tool) json.RawMessage {
	if tool.RawInputSchema == nil && tool.InputSchema.Type == "" {
		tool.InputSchema.Type = "object"
	}
	data, err := json.Marshal(tool)
	if err != nil {
		return nil
	}
	var wire struct {
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil
	}
	return wire.InputSchema
}

// Resolve returns a handler that forwards calls to the owning server.
func (g *Gateway) Resolve(name string) (agent.Handler, agent.ToolDescriptor, bool) {
	g.mu.RLock()
	r, ok := g.routes[name]
	g.mu.RUnlock()
	if !ok {
		return nil, agent.ToolDescriptor{}, false
	}
	h := agent.HandlerFunc(func(ctx context.Context, params models.Params) (models.ToolResult, error) {
		return g.Invoke(ctx, name, params), nil
	})
	return h, r.desc, true
}

// Descriptors lists every routed tool sorted by name.
func (g *Gateway) Descriptors() []agent.ToolDescriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]agent.ToolDescriptor, 0, len(g.routes))
	for _, r := range g.routes {
		out = append(out, r.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke calls a tool on the server that owns name. Transport and protocol
// failures are reported as failed results, never as panics or errors.
func (g *Gateway) Invoke(ctx context.Context, name string, params models.Params) models.ToolResult {
	g.mu.RLock()
	r, routed := g.routes[name]
	conn := g.conns[r.server]
	g.mu.RUnlock()

	if !routed {
		return gatewayFault(name, "", fmt.Errorf("no external server provides tool %q", name))
	}
	if conn == nil {
		return gatewayFault(name, r.server, ErrNotConnected)
	}

	callCtx, cancel := context.WithTimeout(ctx, conn.cfg.timeout())
	defer cancel()

	req := mcptypes.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = params.Map()

	start := time.Now()
	result, err := conn.session.CallTool(callCtx, req)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Warn("MCP tool call failed",
				"server", r.server,
				"tool", name,
				"duration", time.Since(start),
				"error", err)
		}
		return gatewayFault(name, r.server, err)
	}

	text := renderContent(result)
	if result.IsError {
		return models.ToolResult{
			ToolName: name,
			Success:  false,
			Output:   text,
			Error:    text,
			Metadata: map[string]any{
				"error_kind": string(agent.KindToolExecution),
				"server":     r.server,
			},
		}
	}
	return models.ToolResult{
		ToolName: name,
		Success:  true,
		Output:   text,
		Metadata: map[string]any{"server": r.server},
	}
}

func gatewayFault(tool, server string, err error) models.ToolResult {
	msg := err.Error()
	if server != "" {
		msg = fmt.Sprintf("external server %s: %v", server, err)
	}
	meta := map[string]any{"error_kind": string(agent.KindGateway)}
	if server != "" {
		meta["server"] = server
	}
	return models.ToolResult{
		ToolName: tool,
		Success:  false,
		Error:    msg,
		Metadata: meta,
	}
}

// renderContent flattens a call result into text for the model.
func renderContent(result *mcptypes.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := mcptypes.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if ic, ok := mcptypes.AsImageContent(c); ok {
			parts = append(parts, fmt.Sprintf("[image: %s]", ic.MIMEType))
			continue
		}
		if ac, ok := mcptypes.AsAudioContent(c); ok {
			parts = append(parts, fmt.Sprintf("[audio: %s]", ac.MIMEType))
			continue
		}
		if data, err := json.Marshal(c); err == nil {
			parts = append(parts, string(data))
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}

// Status returns the state of every configured server in configuration order.
func (g *Gateway) Status() []ServerStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(g.config.Servers))
	for _, cfg := range g.config.Servers {
		status := ServerStatus{
			ID:       cfg.ID,
			Name:     cfg.Name,
			Error:    g.errs[cfg.ID],
			Shadowed: g.shadow[cfg.ID],
		}
		if conn, ok := g.conns[cfg.ID]; ok {
			status.Connected = true
			status.Server = strings.TrimSpace(conn.info.Name + " " + conn.info.Version)
			for name, r := range g.routes {
				if r.server == cfg.ID {
					status.Tools = append(status.Tools, name)
				}
			}
			sort.Strings(status.Tools)
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Disconnect stops one server and drops its tools.
func (g *Gateway) Disconnect(serverID string) error {
	g.mu.Lock()
	conn, ok := g.conns[serverID]
	if ok {
		delete(g.conns, serverID)
		g.rebuildLocked()
	}
	g.mu.Unlock()
	if !ok {
		return nil
	}
	g.metrics.SetServerUp(serverID, false)
	g.logger.Info("disconnected from MCP server", "server", serverID)
	return conn.session.Close()
}

// Close stops every server.
func (g *Gateway) Close() error {
	g.mu.Lock()
	conns := g.conns
	g.conns = make(map[string]*serverConn)
	g.routes = make(map[string]route)
	g.shadow = make(map[string][]string)
	g.mu.Unlock()

	var errs []error
	for id, conn := range conns {
		if err := conn.session.Close(); err != nil {
			g.logger.Error("failed to close MCP client", "server", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		g.metrics.SetServerUp(id, false)
	}
	return errors.Join(errs...)
}
