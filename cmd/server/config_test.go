package main

import (
	"testing"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		check   func(t *testing.T, cfg config)
		wantErr bool
	}{
		{
			name: "OpenRouter",
			input: `
port: "9000"
systemPrompt: be brief
modelCacheTTL: 1h
maxToolRounds: 2
log:
  level: debug
  format: json
llm:
  provider: openrouter
  model: deepseek/deepseek-r1
  apiKey: key
`,
			check: func(t *testing.T, cfg config) {
				assert.Equal(t, "9000", cfg.Port)
				assert.Equal(t, time.Hour, cfg.ModelCacheTTL)
				assert.Equal(t, 2, cfg.maxToolRounds())
				assert.Equal(t, "debug", cfg.Log.Level)
				or, ok := cfg.LLM.(*openRouterConfig)
				require.True(t, ok)
				assert.Equal(t, "key", or.APIKey)
				assert.Equal(t, "deepseek/deepseek-r1", cfg.LLM.model())
			},
		},
		{
			name: "Ollama",
			input: `
llm:
  provider: ollama
  model: llama3
  host: http://ollama:11434
`,
			check: func(t *testing.T, cfg config) {
				o, ok := cfg.LLM.(*ollamaConfig)
				require.True(t, ok)
				assert.Equal(t, "http://ollama:11434", o.Host)
				assert.Equal(t, handlers.DefaultMaxToolRounds, cfg.maxToolRounds())

				cfg = cfg.withDefaults("/tmp/sc")
				assert.Equal(t, defaultPort, cfg.Port)
				assert.Equal(t, defaultModelCacheTTL, cfg.ModelCacheTTL)
				assert.Equal(t, "/tmp/sc/store.db", cfg.DBPath)
			},
		},
		{
			name: "OpenAI parameters",
			input: `
llm:
  provider: openai
  model: gpt-4o
  parameters:
    temperature: 0.2
`,
			check: func(t *testing.T, cfg config) {
				o, ok := cfg.LLM.(*openAIConfig)
				require.True(t, ok)
				require.NotNil(t, o.Parameters.Temperature)
				assert.InDelta(t, 0.2, *o.Parameters.Temperature, 1e-6)
			},
		},
		{
			name: "MCP servers",
			input: `
llm:
  provider: ollama
  model: llama3
mcpSSEServers:
  search:
    url: http://localhost:7000/sse
mcpStdIOServers:
  files:
    command: mcp-files
    args: ["--root", "/srv"]
`,
			check: func(t *testing.T, cfg config) {
				assert.Equal(t, "http://localhost:7000/sse", cfg.MCPSSEServers["search"].URL)
				require.Contains(t, cfg.MCPStdIOServers, "files")
				assert.Equal(t, "mcp-files", cfg.MCPStdIOServers["files"].Command)
				assert.Equal(t, []string{"--root", "/srv"}, cfg.MCPStdIOServers["files"].Args)
			},
		},
		{
			name:    "MCP server without command",
			input:   "llm:\n  provider: ollama\nmcpStdIOServers:\n  files:\n    args: [x]\n",
			wantErr: true,
		},
		{
			name:    "Missing provider",
			input:   "llm:\n  model: x\n",
			wantErr: true,
		},
		{
			name:    "Unknown provider",
			input:   "llm:\n  provider: anthropic\n",
			wantErr: true,
		},
		{
			name:    "Bad TTL",
			input:   "modelCacheTTL: soon\nllm:\n  provider: ollama\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.input), &cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestOpenRouterConfigRequiresKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	c := openRouterConfig{BaseLLMConfig: BaseLLMConfig{Provider: "openrouter", Model: "m"}}
	_, err := c.llm("", nil)
	require.Error(t, err)

	t.Setenv("OPENROUTER_API_KEY", "env-key")
	assert.Equal(t, "env-key", c.apiKey())
}
