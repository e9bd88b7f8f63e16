package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/codeagent/internal/compaction"
	"github.com/haasonsaas/codeagent/pkg/models"
)

const summaryInstructions = `Summarize the conversation transcript below for an agent that will continue the work.
Keep: the user's goal, decisions made, files read or changed, commands run and their outcomes,
open problems and next steps. Drop pleasantries and repeated tool output. Reply with the summary only.`

// ModelSummarizer summarizes history with a model client.
type ModelSummarizer struct {
	Client    ModelClient
	Model     string
	MaxTokens int
}

// Summarize implements compaction.Summarizer.
func (s *ModelSummarizer) Summarize(ctx context.Context, messages []models.Message, instructions string) (string, error) {
	if s == nil || s.Client == nil {
		return "", ErrNoModel
	}
	system := summaryInstructions
	if instructions != "" {
		system += "\n\n" + instructions
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	text, _, err := Complete(ctx, s.Client, &CompletionRequest{
		Model:  s.Model,
		System: system,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: compaction.FormatMessagesForSummary(messages),
		}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("model returned an empty summary")
	}
	return text, nil
}

var _ compaction.Summarizer = (*ModelSummarizer)(nil)
