package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/internal/agent/providers"
	"github.com/haasonsaas/codeagent/internal/agent/tape"
	"github.com/haasonsaas/codeagent/internal/compaction"
	"github.com/haasonsaas/codeagent/internal/config"
	"github.com/haasonsaas/codeagent/internal/instructions"
	"github.com/haasonsaas/codeagent/internal/observability"
	"github.com/haasonsaas/codeagent/internal/store"
	"github.com/haasonsaas/codeagent/internal/stream"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// errNoApprover is returned to websocket clients resolving approvals when
// the run was started with a static approver.
var errNoApprover = errors.New("approvals are not interactive for this run")

// runAgent handles the run command.
func runAgent(cmd *cobra.Command, configPath, task string, opts runOptions) error {
	rt, err := newRuntime(configPath, opts.workspace)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg := rt.cfg
	logger := rt.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model, recorder, err := rt.modelClient(ctx, opts)
	if err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	err = rt.gateway.Start(startCtx)
	cancelStart()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	runID := uuid.NewString()
	ctx = observability.AddRunID(ctx, runID)
	out := cmd.OutOrStdout()
	termRenderer := newTerminalRenderer(out, opts.verbose)
	renderers := agent.MultiRenderer{termRenderer}

	var (
		runs       store.Store
		itemWriter *store.Recorder
	)
	if !cfg.Store.Disabled && !opts.noStore {
		st, err := rt.openStore(ctx)
		if err != nil {
			return fmt.Errorf("open run store: %w", err)
		}
		defer st.Close()
		runs = st
		itemWriter = store.NewRecorder(st, logger)
		renderers = append(renderers, itemWriter)
	}

	var (
		loop *agent.Loop
		hub  *stream.Hub
	)
	approver := rt.approver(opts)
	listen := firstNonEmpty(opts.listen, cfg.Stream.Listen)
	if listen != "" {
		hub = stream.NewHub(
			stream.WithLogger(logger),
			stream.WithController(&runController{approver: approver, loop: func() *agent.Loop { return loop }}),
			stream.WithSnapshot(func() []models.TimelineItem { return loop.Timeline().Snapshot() }),
		)
		renderers = append(renderers, hub)
	}

	orchestrator := agent.NewOrchestrator(rt.tools, rt.policy,
		agent.OrchestratorConfig{
			PerToolTimeout: cfg.Agent.ToolTimeout,
			MaxOutputChars: cfg.Agent.MaxOutputChars,
		},
		agent.WithOrchestratorLogger(logger),
		agent.WithOrchestratorMetrics(rt.metrics),
		agent.WithOrchestratorTracer(rt.tracer),
	)
	compressor := compaction.NewCompressor(&agent.ModelSummarizer{
		Client: model,
		Model:  cfg.Model.Model,
	}, cfg.Compaction, logger)

	loopOpts := []agent.LoopOption{
		agent.WithRenderer(renderers),
		agent.WithCompressor(compressor),
		agent.WithLoopLogger(logger),
		agent.WithLoopMetrics(rt.metrics),
		agent.WithLoopTracer(rt.tracer),
		agent.WithRunID(runID),
	}
	if approver != nil {
		loopOpts = append(loopOpts, agent.WithApprover(approver))
	}
	doc := rt.loadInstructions(rt.workspace)
	loop = agent.NewLoop(model, orchestrator, agent.LoopConfig{
		MaxIterations: cfg.Agent.MaxIterations,
		Model:         cfg.Model.Model,
		MaxTokens:     cfg.Agent.MaxTokens,
		SystemPrompt:  rt.systemPrompt(doc),
		WorkDir:       rt.workspace,
	}, loopOpts...)

	if ca, ok := approver.(*agent.ChannelApprover); ok {
		go rt.serveApprovals(ctx, ca, termRenderer, hub, interactive(opts))
	}
	if hub != nil {
		shutdown, err := serveHTTP(listen, "/ws", hub, logger)
		if err != nil {
			return err
		}
		defer hub.Close()
		defer shutdown()
		logger.Info("streaming timeline", "url", "ws://"+listen+"/ws")
	}
	if addr := firstNonEmpty(opts.metricsAddr, cfg.Metrics.Addr); addr != "" {
		shutdown, err := serveHTTP(addr, "/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}), logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}
	rt.watch(ctx, loop)

	started := time.Now()
	if runs != nil {
		if err := runs.CreateRun(ctx, &store.Run{
			ID:        runID,
			Task:      task,
			Model:     cfg.Model.Model,
			Workspace: rt.workspace,
			State:     string(agent.StateRunning),
			StartedAt: started,
		}); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
	}

	result, _ := loop.Run(ctx, task)

	if runs != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := itemWriter.Close(flushCtx); err != nil {
			logger.Warn("failed to flush timeline", "error", err)
		}
		if err := runs.FinishRun(flushCtx, &store.Run{
			ID:         runID,
			State:      string(result.State),
			Iterations: result.Iterations,
			Message:    result.Message,
			Tokens:     loop.TotalTokens(),
			FinishedAt: time.Now(),
		}); err != nil {
			logger.Warn("failed to record run result", "error", err)
		}
		cancel()
	}
	if recorder != nil {
		if err := recorder.Tape().Save(opts.record); err != nil {
			logger.Warn("failed to save tape", "path", opts.record, "error", err)
		} else {
			logger.Info("tape saved", "path", opts.record)
		}
	}

	logger.Debug("run finished",
		"state", result.State,
		"iterations", result.Iterations,
		"duration", time.Since(started).Round(time.Millisecond))
	if result.State != agent.StateCompleted {
		if result.Err != nil {
			return fmt.Errorf("run %s %s: %w", runID, result.State, result.Err)
		}
		return fmt.Errorf("run %s %s: %s", runID, result.State, result.Message)
	}
	return nil
}

// modelClient returns the provider client, a replayer for --replay, or a
// recording wrapper for --record.
func (rt *runtime) modelClient(ctx context.Context, opts runOptions) (agent.ModelClient, *tape.Recorder, error) {
	if opts.replay != "" {
		t, err := tape.Load(opts.replay)
		if err != nil {
			return nil, nil, fmt.Errorf("load tape: %w", err)
		}
		return tape.NewReplayer(t), nil, nil
	}
	client, err := providers.New(ctx, rt.cfg.Model, rt.logger)
	if err != nil {
		return nil, nil, err
	}
	if opts.record != "" {
		rec := tape.NewRecorder(client, rt.cfg.Model.Model)
		return rec, rec, nil
	}
	return client, nil, nil
}

// interactive reports whether approvals can be asked on the terminal.
func interactive(opts runOptions) bool {
	return !opts.autoApprove && term.IsTerminal(int(os.Stdin.Fd()))
}

// approver picks how approval requests are answered. Without a terminal or
// websocket client, calls that need approval are rejected by the
// orchestrator.
func (rt *runtime) approver(opts runOptions) agent.Approver {
	switch {
	case opts.autoApprove:
		return agent.StaticApprover(true)
	case interactive(opts), firstNonEmpty(opts.listen, rt.cfg.Stream.Listen) != "":
		return agent.NewChannelApprover(rt.cfg.Agent.ApprovalTimeout)
	default:
		return nil
	}
}

// serveApprovals forwards approval requests to websocket clients and, when
// attached to a terminal, asks on stdin. The first answer wins.
func (rt *runtime) serveApprovals(ctx context.Context, approver *agent.ChannelApprover, r *terminalRenderer, hub *stream.Hub, ask bool) {
	answers := make(chan bool)
	if ask {
		go readAnswers(ctx, os.Stdin, answers)
	}
	for {
		var req agent.ApprovalRequest
		select {
		case <-ctx.Done():
			return
		case req = <-approver.Requests():
		}
		if hub != nil {
			hub.PublishApproval(req)
		}
		if !ask {
			continue
		}
		r.prompt(req)
		select {
		case <-ctx.Done():
			return
		case ok := <-answers:
			if err := approver.Resolve(req.ID, ok); err != nil {
				rt.logger.Debug("approval already answered", "id", req.ID, "error", err)
			}
		}
	}
}

// readAnswers turns input lines into yes/no answers.
func readAnswers(ctx context.Context, in io.Reader, answers chan<- bool) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		select {
		case answers <- answer == "y" || answer == "yes":
		case <-ctx.Done():
			return
		}
	}
}

// watch installs the config and instruction watchers for the run.
func (rt *runtime) watch(ctx context.Context, loop *agent.Loop) {
	if rt.configPath != "" {
		err := config.Watch(ctx, rt.configPath, rt.logger, func(c *config.Config) {
			if err := rt.policy.Reload(c.Policy); err != nil {
				rt.logger.Warn("policy reload rejected", "error", err)
				return
			}
			rt.logger.Info("policy reloaded", "path", rt.configPath)
		})
		if err != nil {
			rt.logger.Warn("config watch disabled", "error", err)
		}
	}
	if rt.cfg.Instructions.Watch && !rt.cfg.Instructions.Disabled {
		err := rt.instructions.Watch(ctx, rt.workspace, func(doc instructions.Document) {
			loop.SetSystemPrompt(rt.systemPrompt(doc))
			rt.logger.Info("instructions reloaded", "sources", len(doc.Sources))
		})
		if err != nil {
			rt.logger.Warn("instruction watch disabled", "error", err)
		}
	}
}

// runController lets websocket clients answer approvals and stop the run.
type runController struct {
	approver agent.Approver
	loop     func() *agent.Loop
}

func (c *runController) Resolve(id string, approved bool) error {
	ca, ok := c.approver.(*agent.ChannelApprover)
	if !ok {
		return errNoApprover
	}
	return ca.Resolve(id, approved)
}

func (c *runController) Cancel() {
	if loop := c.loop(); loop != nil {
		go loop.ForceStop()
	}
}

// serveHTTP serves handler at pattern on addr and returns a shutdown func.
func serveHTTP(addr, pattern string, handler http.Handler, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(pattern, handler)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
