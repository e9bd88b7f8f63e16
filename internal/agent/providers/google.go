package providers

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/genai"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// GoogleConfig configures the Gemini client.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	Retry        RetryOptions
	Logger       *slog.Logger
}

// Google streams completions from the Gemini API.
type Google struct {
	client       *genai.Client
	defaultModel string
	retry        RetryOptions
	logger       *slog.Logger
}

// NewGoogle creates a Gemini client.
func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Join(errors.New("google: failed to create client"), err)
	}
	return &Google{
		client:       client,
		defaultModel: orDefault(cfg.DefaultModel, "gemini-2.0-flash"),
		retry:        cfg.Retry.withDefaults(),
		logger:       loggerOrDefault(cfg.Logger).With("provider", "google"),
	}, nil
}

// Name returns "google".
func (p *Google) Name() string { return "google" }

// Stream implements agent.ModelClient.
func (p *Google) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	model := orDefault(req.Model, p.defaultModel)
	contents := geminiContents(req.Messages)
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens(req.MaxTokens)), // #nosec G115 -- bounded by request budgets
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return streamTurn(ctx, p.logger, p.Name(), p.retry, func(ctx context.Context, emit emitFunc) error {
		var input, output int
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				return p.wrapError(err, model)
			}
			if resp == nil {
				continue
			}
			if u := resp.UsageMetadata; u != nil {
				input, output = int(u.PromptTokenCount), int(u.CandidatesTokenCount)
			}
			if text := resp.Text(); text != "" {
				if !emit(&agent.Chunk{Text: text}) {
					return ctx.Err()
				}
			}
		}
		emit(done(input, output))
		return nil
	}), nil
}

func (p *Google) wrapError(err error, model string) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return newError(p.Name(), model, apiErr.Code, apiErr.Status, apiErr.Message, err)
	}
	return newError(p.Name(), model, 0, "", "", err)
}

func geminiContents(messages []models.Message) []*genai.Content {
	turns := conversation(messages)
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.assistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(t.text, role))
	}
	return out
}

var _ agent.ModelClient = (*Google)(nil)
