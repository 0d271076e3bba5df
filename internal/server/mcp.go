package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/comigor/jarvis-chat/internal/logger"
	"github.com/comigor/jarvis-chat/internal/session"
)

const chatToolName = "chat"

func newMCPServer(chat ChatHandler, version string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("jarvis-chat", version, mcpserver.WithToolCapabilities(false))

	tool := mcp.NewTool(chatToolName,
		mcp.WithDescription("Send a prompt to the agriculture assistant and continue a conversation"),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("The user's message"),
		),
		mcp.WithString("conversationId",
			mcp.Description("Conversation to continue; omit to start a new one"),
		),
	)
	s.AddTool(tool, chatTool(chat))
	return s
}

func newMCPHandler(chat ChatHandler, version string) http.Handler {
	return mcpserver.NewStreamableHTTPServer(newMCPServer(chat, version))
}

// chatTool returns the MCP tool handler. Input and generation failures are tool
// errors the caller can read; anything else is a protocol error.
func chatTool(chat ChatHandler) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := session.Request{
			ConversationID: request.GetString("conversationId", ""),
			Prompt:         request.GetString("prompt", ""),
		}

		resp, err := chat.Handle(context.WithoutCancel(ctx), req)
		switch {
		case errors.Is(err, session.ErrInvalidInput):
			return mcp.NewToolResultError(err.Error()), nil
		case errors.Is(err, session.ErrGeneration):
			logger.L.Error("mcp chat generation failed", "conversation", resp.ConversationID, "error", err)
			return mcp.NewToolResultError(session.ErrGeneration.Error()), nil
		case err != nil:
			return nil, err
		}

		body, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}
