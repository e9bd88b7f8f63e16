// Package config loads the codeagent configuration file.
//
// YAML, JSON/JSON5 and TOML are accepted, selected by file extension. Files
// may pull in others with $include, and ${VAR} or ${VAR:-default} are
// expanded from the environment before parsing.
//
// JSON5 support is the subset handled by yosuke-furukawa/json5: comments and
// unquoted keys are accepted, while single-quoted strings and trailing commas
// are not.
package config

import (
	"math"
	"path/filepath"
	"time"

	"github.com/haasonsaas/codeagent/internal/agent/providers"
	"github.com/haasonsaas/codeagent/internal/compaction"
	"github.com/haasonsaas/codeagent/internal/instructions"
	"github.com/haasonsaas/codeagent/internal/mcp"
	"github.com/haasonsaas/codeagent/internal/observability"
	"github.com/haasonsaas/codeagent/internal/policy"
)

// Config is the main configuration structure for codeagent.
type Config struct {
	Version      int                       `yaml:"version"`
	Model        providers.Config          `yaml:"model"`
	Agent        AgentConfig               `yaml:"agent"`
	Compaction   compaction.Config         `yaml:"compaction"`
	Policy       policy.Rules              `yaml:"policy"`
	MCP          mcp.Config                `yaml:"mcp"`
	Instructions InstructionsConfig        `yaml:"instructions"`
	Tools        ToolsConfig               `yaml:"tools"`
	Logging      observability.LogConfig   `yaml:"logging"`
	Metrics      MetricsConfig             `yaml:"metrics"`
	Tracing      observability.TraceConfig `yaml:"tracing"`
	Store        StoreConfig               `yaml:"store"`
	Stream       StreamConfig              `yaml:"stream"`
}

// AgentConfig controls the agent loop and tool orchestration.
type AgentConfig struct {
	// Workspace is the root all file and shell tools are confined to.
	// Default: the current directory.
	Workspace     string `yaml:"workspace"`
	MaxIterations int    `yaml:"max_iterations"`
	MaxTokens     int    `yaml:"max_tokens"`
	SystemPrompt  string `yaml:"system_prompt"`

	// ApprovalTimeout bounds a pending approval. Zero waits until the run ends.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	MaxOutputChars  int           `yaml:"max_output_chars"`
}

// InstructionsConfig controls AGENTS.md discovery.
type InstructionsConfig struct {
	Disabled bool `yaml:"disabled"`
	// MaxBytes bounds the combined instruction text. Unset uses 32 KiB,
	// zero disables loading and a negative value removes the bound.
	MaxBytes  *int     `yaml:"max_bytes"`
	Fallbacks []string `yaml:"fallbacks"`
	Watch     bool     `yaml:"watch"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	Files FilesConfig `yaml:"files"`
	Shell ShellConfig `yaml:"shell"`
}

type FilesConfig struct {
	MaxReadBytes int `yaml:"max_read_bytes"`
	MaxResults   int `yaml:"max_results"`
}

type ShellConfig struct {
	Disabled  bool              `yaml:"disabled"`
	Shell     string            `yaml:"shell"`
	Timeout   time.Duration     `yaml:"timeout"`
	MaxOutput int               `yaml:"max_output"`
	Env       map[string]string `yaml:"env"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr"`
}

// StoreConfig selects where runs and timelines are persisted.
type StoreConfig struct {
	Disabled bool `yaml:"disabled"`
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver" jsonschema:"enum=sqlite,enum=postgres"`
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN string `yaml:"dsn"`
}

// StreamConfig configures the websocket timeline broadcaster.
type StreamConfig struct {
	// Listen serves /ws when set, e.g. "127.0.0.1:7070".
	Listen string `yaml:"listen"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "anthropic"
	}
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = "."
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 30
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 120 * time.Second
	}
	if cfg.Agent.MaxOutputChars == 0 {
		cfg.Agent.MaxOutputChars = 30000
	}
	compactionDefaults := compaction.DefaultConfig()
	if cfg.Compaction.ContextWindow == 0 {
		cfg.Compaction.ContextWindow = compactionDefaults.ContextWindow
	}
	if cfg.Compaction.Threshold == 0 {
		cfg.Compaction.Threshold = compactionDefaults.Threshold
	}
	if cfg.Compaction.PreserveTurns == 0 {
		cfg.Compaction.PreserveTurns = compactionDefaults.PreserveTurns
	}
	if cfg.Instructions.Fallbacks == nil {
		cfg.Instructions.Fallbacks = append([]string(nil), instructions.DefaultFallbacks...)
	}
	if cfg.Tools.Shell.Timeout == 0 {
		cfg.Tools.Shell.Timeout = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "codeagent"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = filepath.Join(".codeagent", "runs.db")
	}
}

// InstructionsMaxBytes maps the configured bound onto the loader's
// convention, where zero disables loading.
func (c InstructionsConfig) InstructionsMaxBytes() int {
	switch {
	case c.MaxBytes == nil:
		return instructions.DefaultMaxBytes
	case *c.MaxBytes < 0:
		return math.MaxInt
	default:
		return *c.MaxBytes
	}
}
