package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

// DefaultTitlePrompt is the system prompt used to summarize a first message into a title.
const DefaultTitlePrompt = "Summarize the user's message as a conversation title of at most six words. " +
	"Reply with the title only, without quotes or punctuation at the end."

// OpenAI generates conversation titles with the OpenAI chat completion API.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL uses OpenAIAPIEndpoint and an empty
// systemPrompt uses DefaultTitlePrompt.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if systemPrompt == "" {
		systemPrompt = DefaultTitlePrompt
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// GenerateTitle is a wrapper around the OpenAI chat completion API.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	req := goopenai.ChatCompletionRequest{
		Model: o.model,
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: o.systemPrompt,
			},
			{
				Role:    goopenai.ChatMessageRoleUser,
				Content: message,
			},
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", classify(err))
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	title := resp.Choices[0].Message.Content
	o.logger.Debug("Title generated", slog.String("title", title))
	return title, nil
}
