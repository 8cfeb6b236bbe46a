package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/assistant-chat/internal/services"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestOpenAIGenerateTitle(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			writeAPIError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","choices":[
			{"index":0,"message":{"role":"assistant","content":"SPT basics"},"finish_reason":"stop"}
		]}`)
	}))
	defer srv.Close()

	o := services.NewOpenAI("sk-test", srv.URL+"/v1", "gpt-4o-mini", "", discardLogger())
	title, err := o.GenerateTitle(context.Background(), "What is SPT test?")
	if err != nil {
		t.Fatalf("GenerateTitle() error = %v", err)
	}
	if title != "SPT basics" {
		t.Errorf("GenerateTitle() = %q, want %q", title, "SPT basics")
	}
	if got.Model != "gpt-4o-mini" || len(got.Messages) != 2 {
		t.Fatalf("request = %+v, want system and user messages", got)
	}
	if got.Messages[0].Content != services.DefaultTitlePrompt || got.Messages[1].Content != "What is SPT test?" {
		t.Errorf("Messages = %+v, want default prompt then the message", got.Messages)
	}
}

func TestOpenAIGenerateTitleRejectedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "Incorrect API key provided.")
	}))
	defer srv.Close()

	o := services.NewOpenAI("sk-bad", srv.URL+"/v1", "gpt-4o-mini", "", discardLogger())
	if _, err := o.GenerateTitle(context.Background(), "hi"); !errors.Is(err, models.ErrAuth) {
		t.Errorf("GenerateTitle() error = %v, want %v", err, models.ErrAuth)
	}
}

func TestOllamaGenerateTitle(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"Soil liquefaction"},"done":true}`)
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama3", "Title it.")
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}
	title, err := o.GenerateTitle(context.Background(), "Explain soil liquefaction")
	if err != nil {
		t.Fatalf("GenerateTitle() error = %v", err)
	}
	if title != "Soil liquefaction" {
		t.Errorf("GenerateTitle() = %q, want %q", title, "Soil liquefaction")
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "Title it." {
		t.Errorf("Messages = %+v, want the configured prompt first", got.Messages)
	}
}

func TestOllamaGenerateTitleUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	o, err := services.NewOllama(url, "llama3", "")
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}
	if _, err := o.GenerateTitle(context.Background(), "hi"); !errors.Is(err, models.ErrTransport) {
		t.Errorf("GenerateTitle() error = %v, want %v", err, models.ErrTransport)
	}
}
