package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/services"
	"github.com/MegaGrindStone/go-mcp"
)

// mcpConnection is the lifecycle of an MCP client. *mcp.Client implements it.
type mcpConnection interface {
	services.MCPClient
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ServerInfo() mcp.Info
}

var _ mcpConnection = (*mcp.Client)(nil)

const (
	mcpConnectTimeout    = 30 * time.Second
	mcpDisconnectTimeout = 5 * time.Second
)

// connectMCPClients connects the clients in order and returns them as tool clients. When one fails
// to connect, the clients connected before it are disconnected.
func connectMCPClients(ctx context.Context, clients []mcpConnection, logger *slog.Logger) ([]services.MCPClient, error) {
	connected := make([]services.MCPClient, 0, len(clients))
	for i, cli := range clients {
		logger.Info("Connecting to MCP server", slog.Int("index", i))

		connectCtx, cancel := context.WithTimeout(ctx, mcpConnectTimeout)
		err := cli.Connect(connectCtx)
		cancel()
		if err != nil {
			disconnectMCPClients(clients[:i], logger)
			return nil, fmt.Errorf("failed to connect to mcp server %d: %w", i, err)
		}

		connected = append(connected, cli)
		logger.Info("Connected to MCP server", slog.String("name", cli.ServerInfo().Name))
	}
	return connected, nil
}

func disconnectMCPClients(clients []mcpConnection, logger *slog.Logger) {
	for i, cli := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), mcpDisconnectTimeout)
		if err := cli.Disconnect(ctx); err != nil {
			logger.Warn("Failed to disconnect MCP server",
				slog.Int("index", i),
				slog.String(errLoggerKey, err.Error()))
		}
		cancel()
	}
}
