package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// BedrockConfig configures the AWS Bedrock client. Without explicit keys the
// default AWS credential chain is used.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	Retry           RetryOptions
	Logger          *slog.Logger
}

// Bedrock streams completions through the Bedrock ConverseStream API.
type Bedrock struct {
	client       *bedrockruntime.Client
	defaultModel string
	retry        RetryOptions
	logger       *slog.Logger
}

// NewBedrock creates a Bedrock client.
func NewBedrock(ctx context.Context, cfg BedrockConfig) (*Bedrock, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(orDefault(cfg.Region, "us-east-1")),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}
	return &Bedrock{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: orDefault(cfg.DefaultModel, "anthropic.claude-3-5-sonnet-20240620-v1:0"),
		retry:        cfg.Retry.withDefaults(),
		logger:       loggerOrDefault(cfg.Logger).With("provider", "bedrock"),
	}, nil
}

// Name returns "bedrock".
func (p *Bedrock) Name() string { return "bedrock" }

// Stream implements agent.ModelClient.
func (p *Bedrock) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	model := orDefault(req.Model, p.defaultModel)
	limit := min(maxTokens(req.MaxTokens), math.MaxInt32)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: bedrockMessages(req.Messages),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(limit)), // #nosec G115 -- bounded by min above
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	return streamTurn(ctx, p.logger, p.Name(), p.retry, func(ctx context.Context, emit emitFunc) error {
		return p.consume(ctx, input, model, emit)
	}), nil
}

func (p *Bedrock) consume(ctx context.Context, input *bedrockruntime.ConverseStreamInput, model string, emit emitFunc) error {
	out, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return p.wrapError(err, model)
	}
	events := out.GetStream()
	defer events.Close()

	var inTokens, outTokens int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events.Events():
			if !ok {
				if err := events.Err(); err != nil {
					return p.wrapError(err, model)
				}
				emit(done(inTokens, outTokens))
				return nil
			}
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && delta.Value != "" {
					if !emit(&agent.Chunk{Text: delta.Value}) {
						return ctx.Err()
					}
				}
			case *types.ConverseStreamOutputMemberMetadata:
				if u := ev.Value.Usage; u != nil {
					inTokens = int(aws.ToInt32(u.InputTokens))
					outTokens = int(aws.ToInt32(u.OutputTokens))
				}
			}
		}
	}
}

func (p *Bedrock) wrapError(err error, model string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return newError(p.Name(), model, 0, apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
	}
	return newError(p.Name(), model, 0, "", "", err)
}

func bedrockMessages(messages []models.Message) []types.Message {
	turns := conversation(messages)
	out := make([]types.Message, 0, len(turns))
	for _, t := range turns {
		role := types.ConversationRoleUser
		if t.assistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: t.text}},
		})
	}
	return out
}

var _ agent.ModelClient = (*Bedrock)(nil)
