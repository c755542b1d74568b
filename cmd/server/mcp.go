package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/streamchat/internal/services"
)

var mcpClientInfo = mcp.Info{
	Name:    "streamchat",
	Version: "0.1.0",
}

// connectMCPServers starts the configured stdio servers and connects to every MCP server. The sessions and
// the stdio processes live until ctx is cancelled; the returned commands must then be waited for.
func connectMCPServers(ctx context.Context, cfg config, logger *slog.Logger) ([]*mcp.Client, []*exec.Cmd, error) {
	var (
		clients []*mcp.Client
		cmds    []*exec.Cmd
	)

	for name, srv := range cfg.MCPSSEServers {
		cli := mcp.NewClient(mcpClientInfo, mcp.NewSSEClient(srv.URL, nil))
		if err := services.ConnectMCP(ctx, cli); err != nil {
			return nil, cmds, fmt.Errorf("mcp server %s: %w", name, err)
		}
		logger.Info("Connected to MCP server", slog.String("name", name), slog.String("server", cli.ServerInfo().Name))
		clients = append(clients, cli)
	}

	for name, srv := range cfg.MCPStdIOServers {
		cmd := exec.CommandContext(ctx, srv.Command, srv.Args...)

		in, err := cmd.StdinPipe()
		if err != nil {
			return nil, cmds, fmt.Errorf("mcp server %s: %w", name, err)
		}
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, cmds, fmt.Errorf("mcp server %s: %w", name, err)
		}
		if err := cmd.Start(); err != nil {
			return nil, cmds, fmt.Errorf("error starting mcp server %s: %w", name, err)
		}
		cmds = append(cmds, cmd)

		cli := mcp.NewClient(mcpClientInfo, mcp.NewStdIO(out, in))
		if err := services.ConnectMCP(ctx, cli); err != nil {
			return nil, cmds, fmt.Errorf("mcp server %s: %w", name, err)
		}
		logger.Info("Connected to MCP server", slog.String("name", name), slog.String("server", cli.ServerInfo().Name))
		clients = append(clients, cli)
	}

	return clients, cmds, nil
}

func waitMCPServers(cmds []*exec.Cmd, logger *slog.Logger) {
	for _, cmd := range cmds {
		// Killed by the cancelled context, so an exit error is expected.
		if err := cmd.Wait(); err != nil {
			logger.Debug("MCP server exited", slog.String("command", cmd.Path), slog.String("error", err.Error()))
		}
	}
}
