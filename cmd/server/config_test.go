package main

import (
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/handlers"
	"github.com/MegaGrindStone/assistant-chat/internal/services"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		check   func(t *testing.T, cfg config)
	}{
		{
			name: "openai backend with defaults",
			input: `
backend:
  provider: openai
  assistantID: asst_1
  vectorStoreIDs: [vs_1]
titleGenerator:
  provider: ollama
  model: llama3
  host: http://localhost:11434
session:
  pollInterval: 500ms
  maxEventSize: 8388608
`,
			check: func(t *testing.T, cfg config) {
				if cfg.Port != defaultPort || cfg.UserID != defaultUserID {
					t.Errorf("Port, UserID = %q, %q, want defaults", cfg.Port, cfg.UserID)
				}
				backend, ok := cfg.Backend.(*openAIBackendConfig)
				if !ok {
					t.Fatalf("Backend = %T, want *openAIBackendConfig", cfg.Backend)
				}
				opts := backend.runOptions()
				if opts.AssistantID != "asst_1" || opts.TruncationLastMessages != 10 || opts.MaxCompletionTokens != 1000 {
					t.Errorf("runOptions() = %+v, want assistant with default limits", opts)
				}
				if len(opts.VectorStoreIDs) != 1 || opts.VectorStoreIDs[0] != "vs_1" {
					t.Errorf("VectorStoreIDs = %v, want [vs_1]", opts.VectorStoreIDs)
				}
				if _, ok := cfg.TitleGenerator.(*ollamaTitleConfig); !ok {
					t.Errorf("TitleGenerator = %T, want *ollamaTitleConfig", cfg.TitleGenerator)
				}
				if cfg.Session.PollInterval != 500*time.Millisecond {
					t.Errorf("PollInterval = %v, want 500ms", cfg.Session.PollInterval)
				}
				if cfg.Session.MaxEventSize != 8<<20 {
					t.Errorf("MaxEventSize = %d, want %d", cfg.Session.MaxEventSize, 8<<20)
				}
				if cfg.Session.DrainDelay != time.Second || cfg.Session.RunLookback != 5 ||
					cfg.Session.IdleTimeout != handlers.DefaultSessionIdleTimeout {
					t.Errorf("Session = %+v, want defaults for unset keys", cfg.Session)
				}
			},
		},
		{
			name: "local backend without title generator",
			input: `
port: "9090"
backend:
  provider: local
  model: llama3
  systemPrompt: Be brief.
mcpStdIOServers:
  files:
    command: mcp-files
    args: [--root, /tmp]
`,
			check: func(t *testing.T, cfg config) {
				backend, ok := cfg.Backend.(*localBackendConfig)
				if !ok {
					t.Fatalf("Backend = %T, want *localBackendConfig", cfg.Backend)
				}
				if backend.Model != "llama3" || backend.SystemPrompt != "Be brief." {
					t.Errorf("Backend = %+v", backend)
				}
				if cfg.TitleGenerator != nil {
					t.Errorf("TitleGenerator = %T, want nil", cfg.TitleGenerator)
				}
				if cfg.Port != "9090" || cfg.Session != defaultSession {
					t.Errorf("Port, Session = %q, %+v", cfg.Port, cfg.Session)
				}
				if srv := cfg.MCPStdIOServers["files"]; srv.Command != "mcp-files" || len(srv.Args) != 2 {
					t.Errorf("MCPStdIOServers = %+v", cfg.MCPStdIOServers)
				}
			},
		},
		{
			name:    "missing backend",
			input:   "port: \"8080\"\n",
			wantErr: "backend provider is required",
		},
		{
			name:    "unknown backend",
			input:   "backend:\n  provider: anthropic\n",
			wantErr: "unknown backend provider",
		},
		{
			name:    "unknown title generator",
			input:   "backend:\n  provider: local\n  model: llama3\ntitleGenerator:\n  provider: gemini\n",
			wantErr: "unknown title generator provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.input), &cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Unmarshal() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestBackendValidation(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	tests := []struct {
		name    string
		backend backendConfig
		wantErr string
	}{
		{
			name:    "openai without assistant",
			backend: &openAIBackendConfig{APIKey: "sk-test"},
			wantErr: "assistantID is required",
		},
		{
			name:    "openai without key",
			backend: &openAIBackendConfig{AssistantID: "asst_1"},
			wantErr: "apiKey is required",
		},
		{
			name:    "local without model",
			backend: &localBackendConfig{},
			wantErr: "model is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.backend.backend(services.BoltDB{}, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("backend() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config
		wantErr bool
	}{
		{name: "defaults", cfg: config{}},
		{name: "json debug", cfg: config{LogLevel: "debug", LogFormat: "json"}},
		{name: "bad level", cfg: config{LogLevel: "loud"}, wantErr: true},
		{name: "bad format", cfg: config{LogFormat: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := tt.cfg.logger()
			if (err != nil) != tt.wantErr {
				t.Fatalf("logger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Error("logger() = nil")
			}
		})
	}
}
