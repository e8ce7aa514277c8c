package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing chat and knowledge tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"moonchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("moonchat — conversational assistant with per-user sessions and a TTL-bound file knowledge cache."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a message as a user and get the assistant reply. Conversation history is kept per user."),
			mcp.WithString("user_id", mcp.Description("Identifier of the conversing user"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The message to send"), mcp.Required()),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("add_knowledge",
			mcp.WithDescription("Attach a local file as temporary knowledge for a user's conversation. Content is cached with a TTL and re-ingested on expiry."),
			mcp.WithString("user_id", mcp.Description("Identifier of the user"), mcp.Required()),
			mcp.WithString("path", mcp.Description("Path to the file to attach"), mcp.Required()),
			mcp.WithNumber("ttl_seconds", mcp.Description("Cache TTL in seconds (default one hour)")),
		),
		mcpAddKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("session_stats",
			mcp.WithDescription("Return message count, cache hit rate, and last activity for a user's session."),
			mcp.WithString("user_id", mcp.Description("Identifier of the user"), mcp.Required()),
		),
		mcpSessionStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"moonchat://sessions",
			"Active Sessions",
			mcp.WithResourceDescription("Identifiers of all live user sessions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSessions(deps),
	)

	return s
}

func mcpChat(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		reply, err := deps.Chat.Ask(ctx, userID, content)
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}

		return mcpText(reply), nil
	}
}

func mcpAddKnowledge(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		ttl := time.Duration(req.GetInt("ttl_seconds", 0)) * time.Second

		hash, err := deps.Sessions.AddTempKnowledge(ctx, userID, path, ttl)
		if err != nil {
			return mcpError(fmt.Sprintf("adding knowledge: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Cached %s as %s", path, hash)), nil
	}
}

func mcpSessionStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		sess, ok := deps.Sessions.Peek(userID)
		if !ok {
			return mcpError(fmt.Sprintf("no session for user %q", userID)), nil
		}

		stats := map[string]any{
			"user_id":          sess.UserID,
			"messages":         len(sess.Messages),
			"cache_hit_count":  sess.CacheHitCount,
			"cache_miss_count": sess.CacheMissCount,
			"hit_rate":         sess.HitRate(),
			"last_active_time": sess.LastActiveTime.Format(time.RFC3339),
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceSessions(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ids := deps.Sessions.UserIDs()

		b, err := json.Marshal(ids)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session list: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
