package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// Session is a connected MCP client. *client.Client satisfies it.
type Session interface {
	Initialize(ctx context.Context, req mcptypes.InitializeRequest) (*mcptypes.InitializeResult, error)
	ListTools(ctx context.Context, req mcptypes.ListToolsRequest) (*mcptypes.ListToolsResult, error)
	CallTool(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error)
	Close() error
}

// Dialer opens a session to a server. The session must be started but not
// yet initialized.
type Dialer func(ctx context.Context, cfg *ServerConfig) (Session, error)

// DefaultDialer spawns stdio servers as subprocesses and connects to http
// servers with the streamable HTTP transport.
func DefaultDialer(ctx context.Context, cfg *ServerConfig) (Session, error) {
	switch cfg.transport() {
	case TransportHTTP:
		opts := []transport.StreamableHTTPCOption{transport.WithHTTPTimeout(cfg.timeout())}
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err := client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http transport: %w", err)
		}
		return c, nil
	default:
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		workDir := cfg.WorkDir
		cmdFunc := func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = env
			cmd.Dir = workDir
			return cmd, nil
		}
		// The subprocess outlives the dial context; Close stops it.
		c, err := client.NewStdioMCPClientWithOptions(cfg.Command, env, cfg.Args, transport.WithCommandFunc(cmdFunc))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
