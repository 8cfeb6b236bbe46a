package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/go-mcp"
)

// MCPClient is the part of an MCP client used to resolve tool calls. *mcp.Client implements it.
type MCPClient interface {
	ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
}

// MCPTools resolves the tool calls of assistant runs by calling the tools of connected MCP
// servers.
type MCPTools struct {
	clients  []MCPClient
	toolsMap map[string]int

	logger *slog.Logger
}

// NewMCPTools lists the tools of every client. When two servers expose a tool with the same name,
// the first client wins.
func NewMCPTools(ctx context.Context, clients []MCPClient, logger *slog.Logger) (MCPTools, error) {
	logger = logger.With(slog.String("module", "mcp"))
	toolsMap := make(map[string]int)

	for i, cli := range clients {
		params := mcp.ListToolsParams{}
		for {
			res, err := cli.ListTools(ctx, params)
			if err != nil {
				return MCPTools{}, fmt.Errorf("failed to list tools of mcp server %d: %w", i, err)
			}
			for _, tool := range res.Tools {
				if _, ok := toolsMap[tool.Name]; ok {
					logger.Warn("Duplicate tool name", slog.String("toolName", tool.Name), slog.Int("client", i))
					continue
				}
				toolsMap[tool.Name] = i
			}
			if res.NextCursor == "" {
				break
			}
			params.Cursor = res.NextCursor
		}
	}
	logger.Info("MCP tools loaded", slog.Int("count", len(toolsMap)))

	return MCPTools{
		clients:  clients,
		toolsMap: toolsMap,
		logger:   logger,
	}, nil
}

// Resolve calls the tool named by call and returns its content encoded as JSON. A tool that
// reports an error fails the call.
func (m MCPTools) Resolve(ctx context.Context, call models.ToolCall) (string, error) {
	clientIdx, ok := m.toolsMap[call.Name]
	if !ok {
		return "", fmt.Errorf("tool %s is not found", call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	toolRes, err := m.clients[clientIdx].CallTool(ctx, mcp.CallToolParams{
		Name:      call.Name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("tool call failed: %w", err)
	}

	resContent, err := json.Marshal(toolRes.Content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal content: %w", err)
	}
	m.logger.Debug("Tool result content",
		slog.String("toolName", call.Name),
		slog.String("toolResult", string(resContent)))

	if toolRes.IsError {
		return "", fmt.Errorf("tool %s returned an error: %s", call.Name, resContent)
	}
	return string(resContent), nil
}
