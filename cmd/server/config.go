package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/handlers"
	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/assistant-chat/internal/services"
	"github.com/MegaGrindStone/assistant-chat/internal/session"
	"github.com/MegaGrindStone/assistant-chat/internal/stream"
	"gopkg.in/yaml.v3"
)

type backendConfig interface {
	backend(store services.BoltDB, logger *slog.Logger) (session.Backend, error)
	runOptions() models.RunOptions
}

type titleGenConfig interface {
	titleGen(logger *slog.Logger) (session.TitleGenerator, error)
}

// BaseProviderConfig contains the common fields of every provider configuration.
type BaseProviderConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port            string
	UserID          string
	DataDir         string
	LogLevel        string
	LogFormat       string
	Backend         backendConfig
	TitleGenerator  titleGenConfig
	Session         sessionConfig
	MCPSSEServers   map[string]mcpSSEServerConfig
	MCPStdIOServers map[string]mcpStdIOServerConfig
}

type openAIBackendConfig struct {
	BaseProviderConfig     `yaml:",inline"`
	APIKey                 string   `yaml:"apiKey"`
	BaseURL                string   `yaml:"baseURL"`
	AssistantID            string   `yaml:"assistantID"`
	VectorStoreIDs         []string `yaml:"vectorStoreIDs"`
	TruncationLastMessages int      `yaml:"truncationLastMessages"`
	MaxCompletionTokens    int      `yaml:"maxCompletionTokens"`
	AdditionalInstructions string   `yaml:"additionalInstructions"`
}

type localBackendConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Host               string `yaml:"host"`
	SystemPrompt       string `yaml:"systemPrompt"`
}

type openAITitleConfig struct {
	BaseProviderConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
	BaseURL            string `yaml:"baseURL"`
	SystemPrompt       string `yaml:"systemPrompt"`
}

type ollamaTitleConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Host               string `yaml:"host"`
	SystemPrompt       string `yaml:"systemPrompt"`
}

type sessionConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	DrainDelay   time.Duration `yaml:"drainDelay"`
	StreamGrace  time.Duration `yaml:"streamGrace"`
	CancelGrace  time.Duration `yaml:"cancelGrace"`
	RunLookback  int           `yaml:"runLookback"`
	MaxEventSize int           `yaml:"maxEventSize"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

type mcpSSEServerConfig struct {
	URL string `yaml:"url"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

const (
	defaultPort                   = "8080"
	defaultUserID                 = "default-user"
	defaultTruncationLastMessages = 10
	defaultMaxCompletionTokens    = 1000
)

var defaultSession = sessionConfig{
	PollInterval: 2 * time.Second,
	DrainDelay:   time.Second,
	StreamGrace:  2 * time.Second,
	CancelGrace:  time.Second,
	RunLookback:  5,
	MaxEventSize: stream.DefaultMaxEventSize,
	IdleTimeout:  handlers.DefaultSessionIdleTimeout,
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port            string                          `yaml:"port"`
		UserID          string                          `yaml:"userID"`
		DataDir         string                          `yaml:"dataDir"`
		LogLevel        string                          `yaml:"logLevel"`
		LogFormat       string                          `yaml:"logFormat"`
		Backend         map[string]any                  `yaml:"backend"`
		TitleGenerator  map[string]any                  `yaml:"titleGenerator"`
		Session         sessionConfig                   `yaml:"session"`
		MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
		MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
	}
	// Keys missing from the session section keep their defaults.
	rawConfig.Session = defaultSession

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	c.UserID = rawConfig.UserID
	if c.UserID == "" {
		c.UserID = defaultUserID
	}
	c.DataDir = rawConfig.DataDir
	c.LogLevel = rawConfig.LogLevel
	c.LogFormat = rawConfig.LogFormat

	backendProvider, ok := rawConfig.Backend["provider"].(string)
	if !ok {
		return fmt.Errorf("backend provider is required")
	}
	var backend backendConfig
	switch backendProvider {
	case "openai":
		backend = &openAIBackendConfig{}
	case "local":
		backend = &localBackendConfig{}
	default:
		return fmt.Errorf("unknown backend provider: %s", backendProvider)
	}
	if err := remarshal(rawConfig.Backend, backend); err != nil {
		return fmt.Errorf("invalid backend config: %w", err)
	}
	c.Backend = backend

	if rawConfig.TitleGenerator != nil {
		titleProvider, ok := rawConfig.TitleGenerator["provider"].(string)
		if !ok {
			return fmt.Errorf("title generator provider is required")
		}
		var titleGen titleGenConfig
		switch titleProvider {
		case "openai":
			titleGen = &openAITitleConfig{}
		case "ollama":
			titleGen = &ollamaTitleConfig{}
		default:
			return fmt.Errorf("unknown title generator provider: %s", titleProvider)
		}
		if err := remarshal(rawConfig.TitleGenerator, titleGen); err != nil {
			return fmt.Errorf("invalid title generator config: %w", err)
		}
		c.TitleGenerator = titleGen
	}

	c.Session = rawConfig.Session.withDefaults()
	c.MCPSSEServers = rawConfig.MCPSSEServers
	c.MCPStdIOServers = rawConfig.MCPStdIOServers

	return nil
}

// remarshal decodes a provider section, captured as a generic map, into its concrete type.
func remarshal(raw map[string]any, out any) error {
	rawYAML, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(rawYAML, out)
}

func (s sessionConfig) withDefaults() sessionConfig {
	if s.PollInterval <= 0 {
		s.PollInterval = defaultSession.PollInterval
	}
	if s.DrainDelay < 0 {
		s.DrainDelay = defaultSession.DrainDelay
	}
	if s.StreamGrace <= 0 {
		s.StreamGrace = defaultSession.StreamGrace
	}
	if s.CancelGrace <= 0 {
		s.CancelGrace = defaultSession.CancelGrace
	}
	if s.RunLookback <= 0 {
		s.RunLookback = defaultSession.RunLookback
	}
	if s.MaxEventSize <= 0 {
		s.MaxEventSize = defaultSession.MaxEventSize
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = defaultSession.IdleTimeout
	}
	return s
}

func (o openAIBackendConfig) backend(_ services.BoltDB, logger *slog.Logger) (session.Backend, error) {
	if o.AssistantID == "" {
		return nil, fmt.Errorf("assistantID is required")
	}
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	return services.NewOpenAIAssistant(apiKey, o.BaseURL, logger), nil
}

func (o openAIBackendConfig) runOptions() models.RunOptions {
	opts := models.RunOptions{
		AssistantID:            o.AssistantID,
		Model:                  o.Model,
		TruncationLastMessages: o.TruncationLastMessages,
		MaxCompletionTokens:    o.MaxCompletionTokens,
		VectorStoreIDs:         o.VectorStoreIDs,
		AdditionalInstructions: o.AdditionalInstructions,
	}
	if opts.TruncationLastMessages == 0 {
		opts.TruncationLastMessages = defaultTruncationLastMessages
	}
	if opts.MaxCompletionTokens == 0 {
		opts.MaxCompletionTokens = defaultMaxCompletionTokens
	}
	return opts
}

func (l localBackendConfig) backend(store services.BoltDB, logger *slog.Logger) (session.Backend, error) {
	if l.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	host := l.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	ollama, err := services.NewOllama(host, l.Model, "")
	if err != nil {
		return nil, err
	}
	return services.NewLocal(store, ollama, l.Model, l.SystemPrompt, logger)
}

func (l localBackendConfig) runOptions() models.RunOptions {
	return models.RunOptions{Model: l.Model}
}

func (o openAITitleConfig) titleGen(logger *slog.Logger) (session.TitleGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.SystemPrompt, logger), nil
}

func (o ollamaTitleConfig) titleGen(_ *slog.Logger) (session.TitleGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, o.SystemPrompt)
}

func (c config) logger() (*slog.Logger, error) {
	var level slog.Level
	if c.LogLevel != "" {
		if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	switch c.LogFormat {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", c.LogFormat)
	}
}
