package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/logger"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
	titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error)
	modelLister(logger *slog.Logger) (handlers.ModelLister, error)
	model() string
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port                 string        `yaml:"port"`
	SystemPrompt         string        `yaml:"systemPrompt"`
	TitleGeneratorPrompt string        `yaml:"titleGeneratorPrompt"`
	DBPath               string        `yaml:"dbPath"`
	CachePath            string        `yaml:"cachePath"`
	Log                  logger.Config `yaml:"log"`
	MaxToolRounds        *int          `yaml:"maxToolRounds"`
	ModelCacheTTL        time.Duration `yaml:"modelCacheTTL"`
	LLM                  llmConfig     `yaml:"llm"`

	MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
	MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type mcpSSEServerConfig struct {
	URL string `yaml:"url"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

const (
	defaultPort          = "8080"
	defaultModelCacheTTL = 24 * time.Hour
	defaultTitlePrompt   = "Generate a short title, at most six words, for a conversation that starts with the " +
		"following message. Reply with the title only."
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string         `yaml:"port"`
		SystemPrompt         string         `yaml:"systemPrompt"`
		TitleGeneratorPrompt string         `yaml:"titleGeneratorPrompt"`
		DBPath               string         `yaml:"dbPath"`
		CachePath            string         `yaml:"cachePath"`
		Log                  logger.Config  `yaml:"log"`
		MaxToolRounds        *int           `yaml:"maxToolRounds"`
		ModelCacheTTL        string         `yaml:"modelCacheTTL"`
		LLM                  map[string]any `yaml:"llm"`

		MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
		MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.TitleGeneratorPrompt = rawConfig.TitleGeneratorPrompt
	c.DBPath = rawConfig.DBPath
	c.CachePath = rawConfig.CachePath
	c.Log = rawConfig.Log
	c.MaxToolRounds = rawConfig.MaxToolRounds
	c.MCPSSEServers = rawConfig.MCPSSEServers
	c.MCPStdIOServers = rawConfig.MCPStdIOServers

	for name, srv := range c.MCPStdIOServers {
		if srv.Command == "" {
			return fmt.Errorf("mcp server %s: command is required", name)
		}
	}
	for name, srv := range c.MCPSSEServers {
		if srv.URL == "" {
			return fmt.Errorf("mcp server %s: url is required", name)
		}
	}

	if rawConfig.ModelCacheTTL != "" {
		ttl, err := time.ParseDuration(rawConfig.ModelCacheTTL)
		if err != nil {
			return fmt.Errorf("invalid modelCacheTTL: %w", err)
		}
		c.ModelCacheTTL = ttl
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openrouter":
		llm = &openRouterConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// withDefaults fills in the values the file left out.
func (c config) withDefaults(cfgDir string) config {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.TitleGeneratorPrompt == "" {
		c.TitleGeneratorPrompt = defaultTitlePrompt
	}
	if c.DBPath == "" {
		c.DBPath = cfgDir + "/store.db"
	}
	if c.CachePath == "" {
		c.CachePath = cfgDir + "/cache.db"
	}
	if c.ModelCacheTTL == 0 {
		c.ModelCacheTTL = defaultModelCacheTTL
	}
	return c
}

func (c config) maxToolRounds() int {
	if c.MaxToolRounds == nil {
		return handlers.DefaultMaxToolRounds
	}
	return *c.MaxToolRounds
}

func (o openRouterConfig) newOpenRouter(systemPrompt string, logger *slog.Logger) (services.OpenRouter, error) {
	if o.Model == "" {
		return services.OpenRouter{}, fmt.Errorf("model is required")
	}

	apiKey := o.apiKey()
	if apiKey == "" {
		return services.OpenRouter{}, fmt.Errorf("apiKey is required")
	}
	return services.NewOpenRouter(apiKey, o.BaseURL, o.Model, systemPrompt, logger), nil
}

func (o openRouterConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOpenRouter(systemPrompt, logger)
}

func (o openRouterConfig) titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenRouter(systemPrompt, logger)
}

// modelLister reads the OpenRouter catalog through its OpenAI-compatible models endpoint.
func (o openRouterConfig) modelLister(logger *slog.Logger) (handlers.ModelLister, error) {
	if _, err := o.newOpenRouter("", logger); err != nil {
		return nil, err
	}
	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = services.OpenRouterAPIEndpoint
	}
	return services.NewOpenAI(o.apiKey(), baseURL, o.Model, "", services.LLMParameters{}, logger), nil
}

func (o openRouterConfig) apiKey() string {
	if o.APIKey != "" {
		return o.APIKey
	}
	return os.Getenv("OPENROUTER_API_KEY")
}

func (o openRouterConfig) model() string { return o.Model }

func (o openAIConfig) newOpenAI(systemPrompt string, logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (o openAIConfig) titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (o openAIConfig) modelLister(logger *slog.Logger) (handlers.ModelLister, error) {
	return o.newOpenAI("", logger)
}

func (o openAIConfig) model() string { return o.Model }

func (o ollamaConfig) newOllama(systemPrompt string) (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt)
}

func (o ollamaConfig) llm(systemPrompt string, _ *slog.Logger) (handlers.LLM, error) {
	return o.newOllama(systemPrompt)
}

func (o ollamaConfig) titleGen(systemPrompt string, _ *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOllama(systemPrompt)
}

func (o ollamaConfig) modelLister(*slog.Logger) (handlers.ModelLister, error) {
	return o.newOllama("")
}

func (o ollamaConfig) model() string { return o.Model }
