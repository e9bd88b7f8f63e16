package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/codeagent/pkg/models"
)

func msg(role models.Role, content string) models.Message {
	return models.Message{Role: role, Content: content}
}

func longHistory() []models.Message {
	filler := strings.Repeat("lorem ipsum dolor sit amet ", 40)
	return []models.Message{
		msg(models.RoleSystem, "You are a coding agent."),
		msg(models.RoleUser, "Refactor the parser. "+filler),
		msg(models.RoleAssistant, "Reading files. "+filler),
		msg(models.RoleTool, "file contents "+filler),
		msg(models.RoleAssistant, "Editing. "+filler),
		msg(models.RoleTool, "ok "+filler),
		msg(models.RoleAssistant, "Running tests."),
		msg(models.RoleTool, "PASS"),
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 4},
		{"one char", "a", 5},
		{"exact multiple", "abcdefgh", 6},
		{"rounds up", "abcdefghi", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateMessageTokens(msg(models.RoleUser, tt.content)); got != tt.want {
				t.Errorf("EstimateMessageTokens(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestTryCompressHistoryEmpty(t *testing.T) {
	c := NewCompressor(nil, Config{}, nil)
	res := c.TryCompressHistory(context.Background(), nil, false)
	if res.Status != StatusNoop || res.OriginalTokens != 0 || res.NewTokens != 0 {
		t.Fatalf("expected NOOP 0/0, got %+v", res)
	}
	res = c.TryCompressHistory(context.Background(), []models.Message{}, true)
	if res.Status != StatusNoop || res.OriginalTokens != 0 || res.NewTokens != 0 {
		t.Fatalf("expected NOOP 0/0 when forced, got %+v", res)
	}
}

func TestTryCompressHistoryUnderThreshold(t *testing.T) {
	called := false
	s := SummarizerFunc(func(context.Context, []models.Message, string) (string, error) {
		called = true
		return "summary", nil
	})
	c := NewCompressor(s, Config{ContextWindow: 100000}, nil)
	history := longHistory()
	res := c.TryCompressHistory(context.Background(), history, false)
	if res.Status != StatusNoop {
		t.Fatalf("expected NOOP, got %s", res.Status)
	}
	if res.OriginalTokens != EstimateTokens(history) || res.NewTokens != res.OriginalTokens {
		t.Fatalf("unexpected counts %+v", res)
	}
	if called {
		t.Fatal("summarizer should not be called under threshold")
	}
}

func TestTryCompressHistoryForcedFailure(t *testing.T) {
	s := SummarizerFunc(func(context.Context, []models.Message, string) (string, error) {
		return "", errors.New("model unavailable")
	})
	c := NewCompressor(s, Config{PreserveTurns: 1}, nil)
	history := longHistory()
	res := c.TryCompressHistory(context.Background(), history, true)
	if res.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "model unavailable") {
		t.Fatalf("expected diagnostic error, got %v", res.Err)
	}
	if res.Messages != nil {
		t.Fatal("failed result must not carry a replacement history")
	}
}

func TestTryCompressHistoryRecoversPanic(t *testing.T) {
	s := SummarizerFunc(func(context.Context, []models.Message, string) (string, error) {
		panic("boom")
	})
	c := NewCompressor(s, Config{PreserveTurns: 1}, nil)
	res := c.TryCompressHistory(context.Background(), longHistory(), true)
	if res.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
}

func TestTryCompressHistoryNilSummarizer(t *testing.T) {
	c := NewCompressor(nil, Config{PreserveTurns: 1}, nil)
	res := c.TryCompressHistory(context.Background(), longHistory(), true)
	if res.Status != StatusFailed || !errors.Is(res.Err, ErrNoSummarizer) {
		t.Fatalf("expected FAILED with ErrNoSummarizer, got %+v", res)
	}
}

func TestTryCompressHistorySuccess(t *testing.T) {
	var seen []models.Message
	s := SummarizerFunc(func(_ context.Context, messages []models.Message, _ string) (string, error) {
		seen = messages
		return "Parser refactor in progress; files read and edited.", nil
	})
	c := NewCompressor(s, Config{PreserveTurns: 1}, nil)
	history := longHistory()
	res := c.TryCompressHistory(context.Background(), history, true)
	if res.Status != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%v)", res.Status, res.Err)
	}
	if res.NewTokens >= res.OriginalTokens {
		t.Fatalf("expected fewer tokens, got %d >= %d", res.NewTokens, res.OriginalTokens)
	}
	if res.Messages[0].Role != models.RoleSystem || res.Messages[0].Content != history[0].Content {
		t.Fatal("system message must be preserved")
	}
	if !strings.HasPrefix(res.Messages[1].Content, SummaryPrefix) || res.Messages[1].Role != models.RoleUser {
		t.Fatalf("expected summary message, got %+v", res.Messages[1])
	}
	// The last turn (assistant + tool) is kept verbatim.
	tail := res.Messages[len(res.Messages)-2:]
	if tail[0].Content != "Running tests." || tail[1].Content != "PASS" {
		t.Fatalf("expected last turn preserved, got %+v", tail)
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 summarized messages, got %d", len(seen))
	}
}

func TestTryCompressHistoryNotSmaller(t *testing.T) {
	s := SummarizerFunc(func(context.Context, []models.Message, string) (string, error) {
		return strings.Repeat("verbose ", 2000), nil
	})
	c := NewCompressor(s, Config{PreserveTurns: 1}, nil)
	res := c.TryCompressHistory(context.Background(), longHistory(), true)
	if res.Status != StatusFailed || !errors.Is(res.Err, ErrNotSmaller) {
		t.Fatalf("expected FAILED with ErrNotSmaller, got %+v", res)
	}
}

func TestTryCompressHistoryNothingToSummarize(t *testing.T) {
	s := SummarizerFunc(func(context.Context, []models.Message, string) (string, error) {
		t.Fatal("summarizer should not be called")
		return "", nil
	})
	c := NewCompressor(s, Config{PreserveTurns: 5}, nil)
	history := []models.Message{
		msg(models.RoleSystem, "sys"),
		msg(models.RoleUser, "hi"),
	}
	if res := c.TryCompressHistory(context.Background(), history, true); res.Status != StatusNoop {
		t.Fatalf("expected NOOP, got %s", res.Status)
	}
}

func TestChunkMessagesByMaxTokens(t *testing.T) {
	messages := []models.Message{
		msg(models.RoleUser, strings.Repeat("a", 40)),  // 14 tokens
		msg(models.RoleUser, strings.Repeat("b", 40)),  // 14 tokens
		msg(models.RoleUser, strings.Repeat("c", 400)), // 104 tokens
		msg(models.RoleUser, "d"),                      // 5 tokens
	}
	chunks := ChunkMessagesByMaxTokens(messages, 30)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 2 || len(chunks[1]) != 1 || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunk sizes: %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestSummarizeInChunksMergesAndNotesOversized(t *testing.T) {
	calls := 0
	var mergeInstructions string
	s := SummarizerFunc(func(_ context.Context, messages []models.Message, instructions string) (string, error) {
		calls++
		if strings.HasPrefix(messages[0].Content, "Chunk 1 summary") {
			mergeInstructions = instructions
			return "merged", nil
		}
		return "part", nil
	})
	messages := []models.Message{
		msg(models.RoleUser, strings.Repeat("a", 40)),
		msg(models.RoleUser, strings.Repeat("b", 40)),
		msg(models.RoleTool, strings.Repeat("x", 1000)),
	}
	out, err := SummarizeInChunks(context.Background(), s, messages, ChunkConfig{ContextWindow: 200, MaxChunkTokens: 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "merged") {
		t.Fatalf("expected merged summary, got %q", out)
	}
	if !strings.Contains(out, "[Oversized tool message") {
		t.Fatalf("expected oversized note, got %q", out)
	}
	if calls != 3 {
		t.Fatalf("expected 2 chunk calls and 1 merge, got %d", calls)
	}
	if !strings.Contains(mergeInstructions, "Merge these chunk summaries") {
		t.Fatalf("unexpected merge instructions %q", mergeInstructions)
	}
}

func TestSummarizeInChunksEmpty(t *testing.T) {
	out, err := SummarizeInChunks(context.Background(), nil, nil, ChunkConfig{})
	if err != nil || out != DefaultSummaryFallback {
		t.Fatalf("expected fallback, got %q, %v", out, err)
	}
}
