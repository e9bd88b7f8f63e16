// Package mcp connects to external Model Context Protocol servers and exposes
// their tools to the agent registry.
package mcp

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportType specifies the MCP transport protocol.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
)

// DefaultTimeout bounds the handshake and each tool call when a server sets
// no timeout of its own.
const DefaultTimeout = 60 * time.Second

// Config holds the gateway configuration.
type Config struct {
	Enabled bool            `yaml:"enabled" json:"enabled" toml:"enabled"`
	Servers []*ServerConfig `yaml:"servers" json:"servers,omitempty" toml:"servers"`
}

// ServerConfig describes one external tool server.
type ServerConfig struct {
	ID        string        `yaml:"id" json:"id" toml:"id" jsonschema:"required"`
	Name      string        `yaml:"name" json:"name,omitempty" toml:"name"`
	Transport TransportType `yaml:"transport" json:"transport,omitempty" toml:"transport" jsonschema:"enum=stdio,enum=http"`

	// Stdio transport options
	Command string            `yaml:"command" json:"command,omitempty" toml:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty" toml:"args"`
	Env     map[string]string `yaml:"env" json:"env,omitempty" toml:"env"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty" toml:"workdir"`

	// HTTP transport options
	URL     string            `yaml:"url" json:"url,omitempty" toml:"url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty" toml:"headers"`

	// Tools optionally restricts which advertised tools are exposed.
	Tools []string `yaml:"tools" json:"tools,omitempty" toml:"tools"`

	Timeout   time.Duration `yaml:"timeout" json:"timeout,omitempty" toml:"timeout"`
	AutoStart bool          `yaml:"auto_start" json:"auto_start,omitempty" toml:"auto_start"`
}

// transport returns the configured transport, inferring it when unset.
func (c *ServerConfig) transport() TransportType {
	if c.Transport != "" {
		return c.Transport
	}
	if c.URL != "" && c.Command == "" {
		return TransportHTTP
	}
	return TransportStdio
}

func (c *ServerConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Validate checks the server configuration for security issues.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("server ID is required")
	}

	switch c.transport() {
	case TransportStdio:
		if err := c.validateStdioConfig(); err != nil {
			return fmt.Errorf("stdio config for %s: %w", c.ID, err)
		}
	case TransportHTTP:
		if err := c.validateHTTPConfig(); err != nil {
			return fmt.Errorf("http config for %s: %w", c.ID, err)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", c.ID, c.Transport)
	}
	return nil
}

func (c *ServerConfig) validateStdioConfig() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if err := validatePath(c.Command, "command"); err != nil {
		return err
	}
	if c.WorkDir != "" {
		if err := validatePath(c.WorkDir, "workdir"); err != nil {
			return err
		}
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("arg[%d] contains suspicious shell metacharacters: %q", i, arg)
		}
	}
	return nil
}

func (c *ServerConfig) validateHTTPConfig() error {
	if c.URL == "" {
		return fmt.Errorf("URL is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("URL must start with http:// or https://")
	}
	return nil
}

// Validate checks every server and rejects duplicate ids.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s == nil {
			return fmt.Errorf("servers[%d] is empty", i)
		}
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server ID %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// validatePath checks a path for traversal attacks.
func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

// containsShellMetachars flags patterns that suggest command chaining.
// Spaces and quotes are common in legitimate args and are allowed.
func containsShellMetachars(s string) bool {
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
