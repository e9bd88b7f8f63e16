package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// Status is the outcome of a compression attempt.
type Status string

const (
	StatusNoop    Status = "NOOP"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Result describes one compression attempt. On SUCCESS Messages holds the
// replacement history; otherwise the caller keeps its history unchanged.
type Result struct {
	Status         Status
	OriginalTokens int
	NewTokens      int
	Messages       []models.Message
	Err            error
}

// ErrNotSmaller is reported when a summary would not shrink the history.
var ErrNotSmaller = errors.New("summary did not reduce history size")

// Config controls when and how history is compressed.
type Config struct {
	// ContextWindow is the model context window in tokens.
	ContextWindow int `yaml:"context_window" json:"context_window,omitempty"`

	// Threshold is the share of ContextWindow above which history is
	// compressed. Default: 0.7.
	Threshold float64 `yaml:"threshold" json:"threshold,omitempty"`

	// PreserveTurns is the number of most recent turns kept verbatim.
	// Default: 2.
	PreserveTurns int `yaml:"preserve_turns" json:"preserve_turns,omitempty"`

	// MaxChunkTokens caps one summarization request.
	MaxChunkTokens int `yaml:"max_chunk_tokens" json:"max_chunk_tokens,omitempty"`
}

// DefaultConfig returns the default compression settings.
func DefaultConfig() Config {
	return Config{
		ContextWindow: DefaultContextWindow,
		Threshold:     0.7,
		PreserveTurns: 2,
	}
}

// Compressor replaces the middle of a conversation with a summary.
type Compressor struct {
	summarizer Summarizer
	config     Config
	logger     *slog.Logger
}

// NewCompressor creates a compressor. Zero config fields take defaults.
func NewCompressor(summarizer Summarizer, config Config, logger *slog.Logger) *Compressor {
	defaults := DefaultConfig()
	if config.ContextWindow <= 0 {
		config.ContextWindow = defaults.ContextWindow
	}
	if config.Threshold <= 0 || config.Threshold > 1 {
		config.Threshold = defaults.Threshold
	}
	if config.PreserveTurns <= 0 {
		config.PreserveTurns = defaults.PreserveTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		summarizer: summarizer,
		config:     config,
		logger:     logger.With("component", "compaction"),
	}
}

// Config returns the effective configuration.
func (c *Compressor) Config() Config {
	return c.config
}

// TryCompressHistory compresses messages when they exceed the threshold, or
// unconditionally when force is set. It never panics and never returns a
// history without its leading system messages.
func (c *Compressor) TryCompressHistory(ctx context.Context, messages []models.Message, force bool) Result {
	if len(messages) == 0 {
		return Result{Status: StatusNoop}
	}
	original := EstimateTokens(messages)
	noop := Result{Status: StatusNoop, OriginalTokens: original, NewTokens: original}

	limit := int(float64(c.config.ContextWindow) * c.config.Threshold)
	if !force && original <= limit {
		return noop
	}

	head := leadingSystem(messages)
	tailStart := turnStart(messages, head, c.config.PreserveTurns)
	middle := messages[head:tailStart]
	if len(middle) == 0 {
		return noop
	}

	summary, err := c.summarize(ctx, middle)
	if err == nil && strings.TrimSpace(summary) == "" {
		err = errors.New("summarizer returned an empty summary")
	}
	if err != nil {
		c.logger.WarnContext(ctx, "history compression failed", "error", err, "messages", len(middle))
		return Result{Status: StatusFailed, OriginalTokens: original, NewTokens: original, Err: err}
	}

	compressed := make([]models.Message, 0, head+1+len(messages)-tailStart)
	compressed = append(compressed, messages[:head]...)
	summaryMsg := models.Message{
		Role:    models.RoleUser,
		Content: SummaryPrefix + "\n" + strings.TrimSpace(summary),
	}
	summaryMsg.Tokens = EstimateMessageTokens(summaryMsg)
	compressed = append(compressed, summaryMsg)
	compressed = append(compressed, messages[tailStart:]...)

	newTokens := EstimateTokens(compressed)
	if newTokens >= original {
		return Result{Status: StatusFailed, OriginalTokens: original, NewTokens: original, Err: ErrNotSmaller}
	}

	c.logger.InfoContext(ctx, "history compressed",
		"original_tokens", original,
		"new_tokens", newTokens,
		"summarized_messages", len(middle))
	return Result{
		Status:         StatusSuccess,
		OriginalTokens: original,
		NewTokens:      newTokens,
		Messages:       compressed,
	}
}

func (c *Compressor) summarize(ctx context.Context, messages []models.Message) (summary string, err error) {
	if c.summarizer == nil {
		return "", ErrNoSummarizer
	}
	defer func() {
		if r := recover(); r != nil {
			summary, err = "", fmt.Errorf("summarizer panicked: %v", r)
		}
	}()
	return SummarizeInChunks(ctx, c.summarizer, messages, ChunkConfig{
		ContextWindow:  c.config.ContextWindow,
		MaxChunkTokens: c.config.MaxChunkTokens,
	})
}

// leadingSystem returns the number of leading system messages.
func leadingSystem(messages []models.Message) int {
	n := 0
	for n < len(messages) && messages[n].Role == models.RoleSystem {
		n++
	}
	return n
}

// turnStart returns the index where the last turns kept verbatim begin. A
// turn starts at a user or assistant message and owns the tool messages that
// follow it. The result is never before from.
func turnStart(messages []models.Message, from, turns int) int {
	idx := len(messages)
	for i := len(messages) - 1; i >= from && turns > 0; i-- {
		if messages[i].Role == models.RoleUser || messages[i].Role == models.RoleAssistant {
			idx = i
			turns--
		}
	}
	if turns > 0 {
		return from
	}
	return idx
}
