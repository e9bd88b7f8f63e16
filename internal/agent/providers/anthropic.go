package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// DefaultModel is used when a request names no model.
	// Default: "claude-sonnet-4-20250514".
	DefaultModel string
	Retry        RetryOptions
	Logger       *slog.Logger
}

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	retry        RetryOptions
	logger       *slog.Logger
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are handled by streamTurn.
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: orDefault(cfg.DefaultModel, "claude-sonnet-4-20250514"),
		retry:        cfg.Retry.withDefaults(),
		logger:       loggerOrDefault(cfg.Logger).With("provider", "anthropic"),
	}, nil
}

// Name returns "anthropic".
func (p *Anthropic) Name() string { return "anthropic" }

// Stream implements agent.ModelClient.
func (p *Anthropic) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	model := orDefault(req.Model, p.defaultModel)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return streamTurn(ctx, p.logger, p.Name(), p.retry, func(ctx context.Context, emit emitFunc) error {
		return p.consume(ctx, params, model, emit)
	}), nil
}

func (p *Anthropic) consume(ctx context.Context, params anthropic.MessageNewParams, model string, emit emitFunc) error {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var input, output int
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			usage := event.AsMessageStart().Message.Usage
			input = int(usage.InputTokens + usage.CacheReadInputTokens + usage.CacheCreationInputTokens)
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				if !emit(&agent.Chunk{Text: delta.Text}) {
					return ctx.Err()
				}
			}
		case "message_delta":
			if n := event.AsMessageDelta().Usage.OutputTokens; n > 0 {
				output = int(n)
			}
		case "message_stop":
			emit(done(input, output))
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		return p.wrapError(err, model)
	}
	// The server closed the stream without message_stop.
	emit(done(input, output))
	return nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) wrapError(err error, model string) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return newError(p.Name(), model, 0, "", "", err)
	}
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" {
		_ = json.Unmarshal([]byte(raw), &payload)
	}
	msg := payload.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", apiErr.StatusCode)
	}
	e := newError(p.Name(), model, apiErr.StatusCode, payload.Error.Type, msg, err)
	e.RequestID = apiErr.RequestID
	return e
}

func anthropicMessages(messages []models.Message) []anthropic.MessageParam {
	turns := conversation(messages)
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.text)
		if t.assistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

var _ agent.ModelClient = (*Anthropic)(nil)
