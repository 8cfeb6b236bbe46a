package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/assistant-chat/internal/transcript"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAIAssistant is the conversation backend backed by the OpenAI Assistants API. Conversations
// are threads; responses are runs of the configured assistant.
//
// Thread, message, run and file management go through the go-openai client. Streaming runs are
// requested directly over HTTP, because the body must be handed to the stream decoder as-is.
type OpenAIAssistant struct {
	apiKey  string
	baseURL string

	client     *goopenai.Client
	httpClient *http.Client
	sources    *sourceCache

	logger *slog.Logger
}

type assistantRunRequest struct {
	AssistantID            string                     `json:"assistant_id"`
	Model                  string                     `json:"model,omitempty"`
	AdditionalInstructions string                     `json:"additional_instructions,omitempty"`
	MaxCompletionTokens    int                        `json:"max_completion_tokens,omitempty"`
	TruncationStrategy     *assistantTruncation       `json:"truncation_strategy,omitempty"`
	ToolResources          *assistantRunToolResources `json:"tool_resources,omitempty"`
	Stream                 bool                       `json:"stream"`
}

type assistantTruncation struct {
	Type         string `json:"type"`
	LastMessages int    `json:"last_messages"`
}

type assistantRunToolResources struct {
	FileSearch struct {
		VectorStoreIDs []string `json:"vector_store_ids"`
	} `json:"file_search"`
}

type assistantToolOutputsRequest struct {
	ToolOutputs []models.ToolOutput `json:"tool_outputs"`
	Stream      bool                `json:"stream"`
}

type assistantError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

type assistantAnnotation struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	FileCitation *struct {
		FileID string `json:"file_id"`
	} `json:"file_citation"`
	FilePath *struct {
		FileID string `json:"file_id"`
	} `json:"file_path"`
}

const (
	// OpenAIAPIEndpoint is the default base URL of the Assistants API.
	OpenAIAPIEndpoint = "https://api.openai.com/v1"

	messageHistoryLimit = 100
)

// NewOpenAIAssistant creates an OpenAIAssistant. An empty baseURL uses OpenAIAPIEndpoint.
func NewOpenAIAssistant(apiKey, baseURL string, logger *slog.Logger) OpenAIAssistant {
	if baseURL == "" {
		baseURL = OpenAIAPIEndpoint
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL

	return OpenAIAssistant{
		apiKey:     apiKey,
		baseURL:    baseURL,
		client:     goopenai.NewClientWithConfig(cfg),
		httpClient: &http.Client{},
		sources:    newSourceCache(),
		logger:     logger.With(slog.String("module", "openai-assistant")),
	}
}

// CreateConversation creates an empty thread and returns its id.
func (o OpenAIAssistant) CreateConversation(ctx context.Context) (string, error) {
	thread, err := o.client.CreateThread(ctx, goopenai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", classify(err))
	}
	o.logger.Debug("Thread created", slog.String("threadID", thread.ID))
	return thread.ID, nil
}

// AppendMessage adds a message to the thread. It fails with ErrConflict while a run is active on
// the thread.
func (o OpenAIAssistant) AppendMessage(ctx context.Context, conversationID string, role models.Role, text string) error {
	_, err := o.client.CreateMessage(ctx, conversationID, goopenai.MessageRequest{
		Role:    string(role),
		Content: text,
	})
	if err != nil {
		return fmt.Errorf("failed to create message: %w", classify(err))
	}
	return nil
}

// ListRuns returns the most recent runs of the thread, newest first.
func (o OpenAIAssistant) ListRuns(ctx context.Context, conversationID string, limit int) ([]models.Run, error) {
	order := "desc"
	list, err := o.client.ListRuns(ctx, conversationID, goopenai.Pagination{
		Limit: &limit,
		Order: &order,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", classify(err))
	}

	runs := make([]models.Run, len(list.Runs))
	for i, r := range list.Runs {
		runs[i] = models.Run{ID: r.ID, Status: models.RunStatus(r.Status)}
	}
	return runs, nil
}

// CancelRun requests cancellation of a run.
func (o OpenAIAssistant) CancelRun(ctx context.Context, conversationID, runID string) error {
	if _, err := o.client.CancelRun(ctx, conversationID, runID); err != nil {
		return fmt.Errorf("failed to cancel run %s: %w", runID, classify(err))
	}
	return nil
}

// StartRunStream starts a streaming run of the assistant on the thread and returns the event
// stream body.
func (o OpenAIAssistant) StartRunStream(ctx context.Context, conversationID string, opts models.RunOptions) (io.ReadCloser, error) {
	if opts.AssistantID == "" {
		return nil, errors.New("assistant id is required")
	}

	req := assistantRunRequest{
		AssistantID:            opts.AssistantID,
		Model:                  opts.Model,
		AdditionalInstructions: opts.AdditionalInstructions,
		MaxCompletionTokens:    opts.MaxCompletionTokens,
		Stream:                 true,
	}
	if opts.TruncationLastMessages > 0 {
		req.TruncationStrategy = &assistantTruncation{
			Type:         "last_messages",
			LastMessages: opts.TruncationLastMessages,
		}
	}
	if len(opts.VectorStoreIDs) > 0 {
		req.ToolResources = &assistantRunToolResources{}
		req.ToolResources.FileSearch.VectorStoreIDs = opts.VectorStoreIDs
	}

	return o.stream(ctx, fmt.Sprintf("/threads/%s/runs", conversationID), req)
}

// SubmitToolOutputs submits the results of the tool calls a run requires and returns the event
// stream of the resumed run.
func (o OpenAIAssistant) SubmitToolOutputs(
	ctx context.Context,
	conversationID, runID string,
	outputs []models.ToolOutput,
) (io.ReadCloser, error) {
	return o.stream(ctx,
		fmt.Sprintf("/threads/%s/runs/%s/submit_tool_outputs", conversationID, runID),
		assistantToolOutputsRequest{ToolOutputs: outputs, Stream: true})
}

func (o OpenAIAssistant) stream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}
	o.logger.Debug("Request", slog.String("path", path), slog.String("req", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: error sending request: %w", models.ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)

		msg := strings.TrimSpace(string(respBody))
		var apiErr assistantError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, statusError(resp.StatusCode, msg,
			fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, msg))
	}

	return resp.Body, nil
}

// ListMessages returns the thread's history, oldest first, with citation markers replaced by
// their source references.
func (o OpenAIAssistant) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	limit := messageHistoryLimit
	order := "asc"
	list, err := o.client.ListMessage(ctx, conversationID, &limit, &order, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", classify(err))
	}

	msgs := make([]models.Message, 0, len(list.Messages))
	for _, m := range list.Messages {
		msg := models.Message{
			ID:   m.ID,
			Role: models.RoleAssistant,
		}
		if m.Role == string(models.RoleUser) {
			msg.Role = models.RoleUser
		}

		var texts []string
		for _, c := range m.Content {
			if c.Type != "text" || c.Text == nil {
				continue
			}
			texts = append(texts, c.Text.Value)
			msg.Annotations = append(msg.Annotations, o.annotations(ctx, c.Text.Annotations)...)
		}
		msg.Text = transcript.RewriteCitations(strings.Join(texts, "\n"), msg.Annotations)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (o OpenAIAssistant) annotations(ctx context.Context, raw []any) []models.Annotation {
	var res []models.Annotation
	for _, r := range raw {
		b, err := json.Marshal(r)
		if err != nil {
			continue
		}
		var a assistantAnnotation
		if err := json.Unmarshal(b, &a); err != nil {
			o.logger.Warn("Skipping malformed annotation", slog.String(errLoggerKey, err.Error()))
			continue
		}

		ann := models.Annotation{Type: a.Type, Text: a.Text}
		switch {
		case a.FileCitation != nil:
			ann.FileID = a.FileCitation.FileID
		case a.FilePath != nil:
			ann.FileID = a.FilePath.FileID
		}
		if ann.FileID != "" {
			name, err := o.SourceName(ctx, ann.FileID)
			if err != nil {
				name = models.DeletedFileName
			}
			ann.FileName = name
		}
		res = append(res, ann)
	}
	return res
}

// SourceName resolves a file id into its file name. Names are cached; files that cannot be
// retrieved are not.
func (o OpenAIAssistant) SourceName(ctx context.Context, fileID string) (string, error) {
	if name, ok := o.sources.get(fileID); ok {
		return name, nil
	}

	file, err := o.client.GetFile(ctx, fileID)
	if err != nil {
		o.logger.Warn("Failed to retrieve cited file",
			slog.String("fileID", fileID),
			slog.String(errLoggerKey, err.Error()))
		return "", fmt.Errorf("failed to retrieve file %s: %w", fileID, classify(err))
	}

	o.sources.put(fileID, file.FileName)
	return file.FileName, nil
}

// ClearSourceCache drops every cached file name.
func (o OpenAIAssistant) ClearSourceCache() {
	o.sources.clear()
}
