package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/streamchat/internal/models"
)

// MCPTools offers the built-in tools together with the tools of connected MCP servers. Built-in tools win
// a name clash, then the server listed first.
type MCPTools struct {
	builtin Tools
	specs   []models.ToolSpec
	owners  map[string]*mcp.Client

	logger *slog.Logger
}

// ConnectMCP starts the client's session and returns once the server finished the handshake. The session
// lives until ctx is cancelled.
func ConnectMCP(ctx context.Context, cli *mcp.Client) error {
	ready := make(chan struct{})
	errs := make(chan error, 1)

	go func() {
		if err := cli.Connect(ctx, ready); err != nil {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("error connecting to mcp server: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
		return nil
	}
}

// NewMCPTools lists the tools of every connected client. The clients must already be connected.
func NewMCPTools(ctx context.Context, builtin Tools, clients []*mcp.Client, logger *slog.Logger) (MCPTools, error) {
	t := MCPTools{
		builtin: builtin,
		specs:   builtin.Tools(),
		owners:  make(map[string]*mcp.Client),
		logger:  logger,
	}

	taken := make(map[string]bool, len(t.specs))
	for _, s := range t.specs {
		taken[s.Name] = true
	}

	for _, cli := range clients {
		res, err := cli.ListTools(ctx, mcp.ListToolsParams{})
		if err != nil {
			return MCPTools{}, fmt.Errorf("error listing tools of %s: %w", cli.ServerInfo().Name, err)
		}
		for _, tool := range res.Tools {
			if taken[tool.Name] {
				logger.Warn("Tool name already taken, skipping",
					slog.String("server", cli.ServerInfo().Name),
					slog.String("toolName", tool.Name))
				continue
			}
			schema, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return MCPTools{}, fmt.Errorf("error encoding schema of tool %s: %w", tool.Name, err)
			}
			if string(schema) == "null" {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			taken[tool.Name] = true
			t.owners[tool.Name] = cli
			t.specs = append(t.specs, models.ToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			})
		}
	}

	return t, nil
}

// Tools describes the built-in and MCP tools to the model.
func (t MCPTools) Tools() []models.ToolSpec {
	return t.specs
}

// CallTool runs a built-in tool, or forwards the call to the MCP server that offers it. A result the
// server flags as an error is returned as an error carrying the server's text.
func (t MCPTools) CallTool(ctx context.Context, name, arguments string) (string, error) {
	cli, ok := t.owners[name]
	if !ok {
		return t.builtin.CallTool(ctx, name, arguments)
	}

	if arguments == "" {
		arguments = "{}"
	}
	if !json.Valid([]byte(arguments)) {
		return "", fmt.Errorf("tool input %s is not valid json", arguments)
	}

	res, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      name,
		Arguments: json.RawMessage(arguments),
	})
	if err != nil {
		return "", fmt.Errorf("tool call failed: %w", err)
	}

	text, err := contentText(res.Content)
	if err != nil {
		return "", err
	}

	t.logger.Debug("Tool result content",
		slog.String("toolName", name),
		slog.String("toolResult", text))

	if res.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

// contentText flattens a tool result. Text parts are joined by newlines; other parts are kept as JSON.
func contentText(contents []mcp.Content) (string, error) {
	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		if c.Type == mcp.ContentTypeText {
			parts = append(parts, c.Text)
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return "", fmt.Errorf("failed to marshal content: %w", err)
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, "\n"), nil
}
