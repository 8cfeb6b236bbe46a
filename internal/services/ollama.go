package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama wraps a connection to an Ollama server. It generates conversation titles and serves as
// the generator of the local backend.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. An empty
// systemPrompt uses DefaultTitlePrompt for titles.
func NewOllama(host, model, systemPrompt string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if systemPrompt == "" {
		systemPrompt = DefaultTitlePrompt
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

// Chat forwards a chat request to the Ollama server.
func (o Ollama) Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error {
	return o.client.Chat(ctx, req, fn)
}

// GenerateTitle generates a title for a given message using the Ollama API. The context can be used
// to cancel ongoing requests.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: o.systemPrompt,
			},
			{
				Role:    "user",
				Content: message,
			},
		},
		Stream: &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title += res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("%w: error sending request: %w", models.ErrTransport, err)
	}

	return title, nil
}
