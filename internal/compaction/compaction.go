// Package compaction keeps conversation history within a token budget. It
// implements token estimation, chunked summarization and the Compressor that
// replaces the middle of a history with a model-written summary.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

const (
	// CharsPerToken is the approximate character-to-token ratio for estimation.
	CharsPerToken = 4

	// MessageOverheadTokens is added per message for role and framing.
	MessageOverheadTokens = 4

	// BaseChunkRatio is the default share of the context window per chunk.
	BaseChunkRatio = 0.4

	// OversizedThreshold is the share of the context window above which a
	// single message is too large to summarize.
	OversizedThreshold = 0.5

	// DefaultContextWindow is the fallback context window size in tokens.
	DefaultContextWindow = 128000

	// DefaultSummaryFallback is the summary of an empty slice.
	DefaultSummaryFallback = "No prior history."

	// SummaryPrefix marks the message that replaces summarized history.
	SummaryPrefix = "[Conversation summary]"
)

// ErrNoSummarizer is returned when summarization is requested without a Summarizer.
var ErrNoSummarizer = errors.New("summarizer is nil")

// Summarizer produces a summary of messages. instructions, when non-empty,
// refines what the summary should focus on.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message, instructions string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, messages []models.Message, instructions string) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, messages []models.Message, instructions string) (string, error) {
	return f(ctx, messages, instructions)
}

// EstimateMessageTokens estimates the tokens of one message:
// ceil(chars/4) plus a fixed overhead.
func EstimateMessageTokens(msg models.Message) int {
	return (len(msg.Content)+CharsPerToken-1)/CharsPerToken + MessageOverheadTokens
}

// EstimateTokens estimates the total tokens of messages.
func EstimateTokens(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessageTokens(msg)
	}
	return total
}

// ChunkMessagesByMaxTokens splits messages into chunks that each stay under
// maxTokens. A message larger than maxTokens gets a chunk of its own.
func ChunkMessagesByMaxTokens(messages []models.Message, maxTokens int) [][]models.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]models.Message{messages}
	}

	var (
		result  [][]models.Message
		current []models.Message
		tokens  int
	)
	for _, msg := range messages {
		n := EstimateMessageTokens(msg)
		if n > maxTokens {
			if len(current) > 0 {
				result = append(result, current)
				current, tokens = nil, 0
			}
			result = append(result, []models.Message{msg})
			continue
		}
		if tokens+n > maxTokens && len(current) > 0 {
			result = append(result, current)
			current, tokens = nil, 0
		}
		current = append(current, msg)
		tokens += n
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// IsOversizedForSummary reports whether msg exceeds half the context window.
func IsOversizedForSummary(msg models.Message, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(EstimateMessageTokens(msg)) > float64(contextWindow)*OversizedThreshold
}

// ChunkConfig bounds chunked summarization.
type ChunkConfig struct {
	// ContextWindow is the summarizing model's window in tokens.
	ContextWindow int
	// MaxChunkTokens caps one summarization request. Zero derives it from
	// the context window.
	MaxChunkTokens int
	// Instructions are passed to every chunk summarization.
	Instructions string
}

// SummarizeInChunks summarizes messages chunk by chunk and merges the chunk
// summaries in a final pass. Messages too large to summarize are replaced by
// an omission note instead of failing the whole summary.
func SummarizeInChunks(ctx context.Context, summarizer Summarizer, messages []models.Message, cfg ChunkConfig) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if summarizer == nil {
		return "", ErrNoSummarizer
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}
	maxChunk := cfg.MaxChunkTokens
	if maxChunk <= 0 {
		maxChunk = int(float64(cfg.ContextWindow) * BaseChunkRatio)
	}

	var (
		normal []models.Message
		notes  []string
	)
	for _, msg := range messages {
		if IsOversizedForSummary(msg, cfg.ContextWindow) {
			notes = append(notes, fmt.Sprintf("[Oversized %s message with %d tokens - content omitted]",
				msg.Role, EstimateMessageTokens(msg)))
			continue
		}
		normal = append(normal, msg)
	}

	summary := DefaultSummaryFallback
	if len(normal) > 0 {
		chunks := ChunkMessagesByMaxTokens(normal, maxChunk)
		summaries := make([]string, 0, len(chunks))
		for i, chunk := range chunks {
			s, err := summarizer.Summarize(ctx, chunk, cfg.Instructions)
			if err != nil {
				return "", fmt.Errorf("summarizing chunk %d: %w", i, err)
			}
			summaries = append(summaries, s)
		}
		merged, err := mergeSummaries(ctx, summarizer, summaries, cfg.Instructions)
		if err != nil {
			return "", err
		}
		summary = merged
	}

	if len(notes) > 0 {
		summary += "\n\n" + strings.Join(notes, "\n")
	}
	return summary, nil
}

func mergeSummaries(ctx context.Context, summarizer Summarizer, summaries []string, instructions string) (string, error) {
	if len(summaries) == 1 {
		return summaries[0], nil
	}
	merge := make([]models.Message, len(summaries))
	for i, s := range summaries {
		merge[i] = models.Message{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("Chunk %d summary:\n%s", i+1, s),
		}
	}
	mergeInstructions := "Merge these chunk summaries into a single coherent summary. Preserve key details and maintain chronological flow."
	if instructions != "" {
		mergeInstructions = instructions + "\n\n" + mergeInstructions
	}
	out, err := summarizer.Summarize(ctx, merge, mergeInstructions)
	if err != nil {
		return "", fmt.Errorf("merging summaries: %w", err)
	}
	return out, nil
}

// FormatMessagesForSummary renders messages as a transcript for a
// summarization prompt.
func FormatMessagesForSummary(messages []models.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString("[")
		sb.WriteString(string(msg.Role))
		if msg.ToolName != "" {
			sb.WriteString(" " + msg.ToolName)
		}
		sb.WriteString("]: ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
