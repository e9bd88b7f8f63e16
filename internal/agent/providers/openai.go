package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// OpenAIConfig configures the OpenAI client. BaseURL makes it usable with
// any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        RetryOptions
	Logger       *slog.Logger
}

// OpenAI streams chat completions from OpenAI-compatible APIs.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	retry        RetryOptions
	logger       *slog.Logger
}

// NewOpenAI creates an OpenAI client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: orDefault(cfg.DefaultModel, openai.GPT4o),
		retry:        cfg.Retry.withDefaults(),
		logger:       loggerOrDefault(cfg.Logger).With("provider", "openai"),
	}, nil
}

// Name returns "openai".
func (p *OpenAI) Name() string { return "openai" }

// Stream implements agent.ModelClient.
func (p *OpenAI) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	model := orDefault(req.Model, p.defaultModel)
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      openAIMessages(req.System, req.Messages),
		MaxTokens:     maxTokens(req.MaxTokens),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	return streamTurn(ctx, p.logger, p.Name(), p.retry, func(ctx context.Context, emit emitFunc) error {
		return p.consume(ctx, chatReq, emit)
	}), nil
}

func (p *OpenAI) consume(ctx context.Context, req openai.ChatCompletionRequest, emit emitFunc) error {
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return p.wrapError(err, req.Model)
	}
	defer stream.Close()

	var input, output int
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			emit(done(input, output))
			return nil
		}
		if err != nil {
			return p.wrapError(err, req.Model)
		}
		if resp.Usage != nil {
			input, output = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			if !emit(&agent.Chunk{Text: text}) {
				return ctx.Err()
			}
		}
	}
}

func (p *OpenAI) wrapError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code, _ := apiErr.Code.(string)
		if code == "" {
			code = apiErr.Type
		}
		return newError(p.Name(), model, apiErr.HTTPStatusCode, code, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newError(p.Name(), model, reqErr.HTTPStatusCode, "",
			fmt.Sprintf("request failed with status %d", reqErr.HTTPStatusCode), err)
	}
	return newError(p.Name(), model, 0, "", "", err)
}

// openAIMessages renders the history. Tool results are sent as user
// messages because the model calls tools through text, not native tool calls.
func openAIMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	turns := conversation(messages)
	out := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.assistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: t.text})
	}
	return out
}

var _ agent.ModelClient = (*OpenAI)(nil)
