package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/internal/config"
	"github.com/haasonsaas/codeagent/internal/instructions"
	"github.com/haasonsaas/codeagent/internal/mcp"
	"github.com/haasonsaas/codeagent/internal/observability"
	"github.com/haasonsaas/codeagent/internal/policy"
	"github.com/haasonsaas/codeagent/internal/store"
	"github.com/haasonsaas/codeagent/internal/tools/exec"
	"github.com/haasonsaas/codeagent/internal/tools/files"
)

// resolveConfigPath returns the config file to load and whether it was
// named explicitly by flag or environment.
func resolveConfigPath(flagValue string) (string, bool) {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p, true
	}
	if p := strings.TrimSpace(os.Getenv("CODEAGENT_CONFIG")); p != "" {
		return p, true
	}
	return defaultConfigName, false
}

// loadConfig loads the configuration. A missing default file yields the
// built-in defaults and an empty path.
func loadConfig(flagValue string) (*config.Config, string, error) {
	path, explicit := resolveConfigPath(flagValue)
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// runtime holds the components shared by the subcommands.
type runtime struct {
	cfg        *config.Config
	configPath string
	workspace  string

	logger         *slog.Logger
	registry       *prometheus.Registry
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	shutdownTracer func(context.Context) error

	tools        *agent.Registry
	gateway      *mcp.Gateway
	policy       *policy.Reloadable
	instructions *instructions.Loader
}

// newRuntime wires logging, metrics, tracing, tools, the MCP gateway and the
// policy engine from configuration. It does not connect MCP servers.
func newRuntime(configFlag, workspace string) (*runtime, error) {
	cfg, path, err := loadConfig(configFlag)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Agent.Workspace = workspace
	}
	ws, err := filepath.Abs(cfg.Agent.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if info, err := os.Stat(ws); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", ws)
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	traceCfg := cfg.Tracing
	if traceCfg.ServiceVersion == "" {
		traceCfg.ServiceVersion = version
	}
	tracer, shutdown := observability.NewTracer(traceCfg)

	engine, err := policy.NewEngine(cfg.Policy)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:            cfg,
		configPath:     path,
		workspace:      ws,
		logger:         logger,
		registry:       reg,
		metrics:        metrics,
		tracer:         tracer,
		shutdownTracer: shutdown,
		tools:          agent.NewRegistry(),
		policy:         policy.NewReloadable(engine),
		instructions: &instructions.Loader{
			MaxBytes:  cfg.Instructions.InstructionsMaxBytes(),
			Fallbacks: cfg.Instructions.Fallbacks,
			Logger:    logger,
		},
	}
	if err := rt.registerTools(); err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) registerTools() error {
	fileCfg := files.Config{
		Workspace:    rt.workspace,
		MaxReadBytes: rt.cfg.Tools.Files.MaxReadBytes,
		MaxResults:   rt.cfg.Tools.Files.MaxResults,
	}
	for _, tool := range files.Tools(fileCfg) {
		if err := rt.tools.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}

	if shell := rt.cfg.Tools.Shell; !shell.Disabled {
		var runnerOpts []exec.RunnerOption
		if shell.Shell != "" {
			runnerOpts = append(runnerOpts, exec.WithShell(shell.Shell))
		}
		if shell.MaxOutput > 0 {
			runnerOpts = append(runnerOpts, exec.WithMaxOutput(shell.MaxOutput))
		}
		tool := exec.NewShellTool(
			exec.NewRunner(rt.workspace, runnerOpts...),
			exec.WithDefaultTimeout(shell.Timeout),
			exec.WithEnv(shell.Env),
		)
		if err := rt.tools.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}

	rt.gateway = mcp.NewGateway(&rt.cfg.MCP,
		mcp.WithLogger(rt.logger),
		mcp.WithMetrics(rt.metrics),
		mcp.WithClientInfo("codeagent", version),
	)
	rt.tools.AddResolver(rt.gateway)
	return nil
}

// loadInstructions returns the project instructions for dir, or an empty
// document when disabled or unreadable.
func (rt *runtime) loadInstructions(dir string) instructions.Document {
	if rt.cfg.Instructions.Disabled {
		return instructions.Document{}
	}
	doc, err := rt.instructions.Load(dir)
	if err != nil {
		rt.logger.Warn("failed to load instructions", "dir", dir, "error", err)
		return instructions.Document{}
	}
	return doc
}

// systemPrompt renders the prompt for the current tool set.
func (rt *runtime) systemPrompt(doc instructions.Document) string {
	return agent.BuildSystemPrompt(agent.PromptParts{
		Base:         rt.cfg.Agent.SystemPrompt,
		Instructions: doc.Text,
		WorkDir:      rt.workspace,
		Tools:        rt.tools.ListEnabled(),
	})
}

// openStore opens the configured run store. Relative SQLite paths are
// resolved against the workspace.
func (rt *runtime) openStore(ctx context.Context) (*store.SQLStore, error) {
	sc := rt.cfg.Store
	dsn := sc.DSN
	if sc.Driver == "sqlite" && !filepath.IsAbs(dsn) && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = filepath.Join(rt.workspace, dsn)
	}
	return store.Open(ctx, store.Config{
		Driver:         sc.Driver,
		DSN:            dsn,
		ConnectTimeout: 10 * time.Second,
	})
}

// close releases the gateway and flushes traces.
func (rt *runtime) close() {
	if err := rt.gateway.Close(); err != nil {
		rt.logger.Warn("failed to close MCP gateway", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.shutdownTracer(ctx); err != nil {
		rt.logger.Warn("failed to flush traces", "error", err)
	}
}
