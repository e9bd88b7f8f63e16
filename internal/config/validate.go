package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/codeagent/internal/policy"
)

var validProviders = map[string]bool{"anthropic": true, "openai": true, "google": true, "bedrock": true}

// Validate checks the configuration after defaults are applied and reports
// every problem found.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if !validProviders[strings.ToLower(strings.TrimSpace(c.Model.Provider))] {
		add("model.provider %q must be one of anthropic, openai, google, bedrock", c.Model.Provider)
	}
	if c.Agent.MaxIterations < 0 {
		add("agent.max_iterations must not be negative")
	}
	if c.Agent.MaxTokens < 0 {
		add("agent.max_tokens must not be negative")
	}
	if c.Agent.ApprovalTimeout < 0 {
		add("agent.approval_timeout must not be negative")
	}
	if c.Agent.ToolTimeout < 0 {
		add("agent.tool_timeout must not be negative")
	}
	if c.Compaction.Threshold < 0 || c.Compaction.Threshold > 1 {
		add("compaction.threshold must be between 0 and 1")
	}
	if c.Compaction.PreserveTurns < 0 {
		add("compaction.preserve_turns must not be negative")
	}
	if _, err := policy.NewEngine(c.Policy); err != nil {
		errs = append(errs, err)
	}
	if err := c.MCP.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Tools.Shell.Timeout < 0 {
		add("tools.shell.timeout must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format %q must be json or text", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}
	if !c.Store.Disabled {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			add("store.driver %q must be sqlite or postgres", c.Store.Driver)
		}
		if strings.TrimSpace(c.Store.DSN) == "" {
			add("store.dsn is required for driver %s", c.Store.Driver)
		}
	}
	return errors.Join(errs...)
}
