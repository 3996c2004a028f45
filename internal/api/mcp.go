package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/memoird/memoir/internal/jobs"
	"github.com/memoird/memoir/internal/ledger"
	"github.com/memoird/memoir/internal/query"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs      JobManager
	Query     Recaller
	Workspace string
}

// NewMCPServer creates an MCP server with the memoir tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"memoir",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("memoir — durable memory for chat sessions: remember distilled summaries, recall them ranked by relevance, recency, and lifecycle status."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Stage a conversation summary for durable storage. Returns immediately with an operation ID; indexing finishes in the background."),
			mcp.WithString("content", mcp.Description("The summary text to remember"), mcp.Required()),
			mcp.WithString("source", mcp.Description("Where the content came from (session ID, tool name)")),
		),
		mcpRemember(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search remembered summaries. Results are ranked by semantic relevance, decayed by age, and weighted by lifecycle status."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithBoolean("include_superseded", mcp.Description("Include superseded records (excluded by default)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("operation_status",
			mcp.WithDescription("Check a background operation. Omit the ID to list all operations."),
			mcp.WithString("operation_id", mcp.Description("Operation ID returned by remember")),
		),
		mcpOperationStatus(deps),
	)

	return s
}

func mcpRemember(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		source := req.GetString("source", "mcp")

		operationID, err := deps.Jobs.Stage(jobs.StageRequest{
			Source:  source,
			Payload: []byte(content),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("staging failed: %v", err)), nil
		}

		if err := deps.Jobs.EnqueueFinish(operationID); err != nil {
			if errors.Is(err, jobs.ErrBacklog) {
				return mcpError(fmt.Sprintf("BACKLOG: operation %s staged but the finish queue is full; retry later", operationID)), nil
			}
			return mcpError(fmt.Sprintf("enqueue failed: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Accepted operation %s; indexing continues in the background.", operationID)), nil
	}
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", query.DefaultLimit)
		if limit <= 0 {
			limit = query.DefaultLimit
		}
		if limit > 50 {
			limit = 50
		}

		matches, err := deps.Query.Recall(ctx, query.Request{
			Workspace:         deps.Workspace,
			Query:             q,
			Limit:             limit,
			IncludeSuperseded: req.GetBool("include_superseded", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(matches)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpOperationStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetString("operation_id", "")

		if id == "" {
			recs := deps.Jobs.GetAllStatus()
			b, err := json.Marshal(recs)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to marshal operations: %v", err)), nil
			}
			return mcpText(string(b)), nil
		}

		rec, err := deps.Jobs.GetStatus(id)
		if errors.Is(err, ledger.ErrNotFound) {
			return mcpError(fmt.Sprintf("operation %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get operation: %v", err)), nil
		}

		b, err := json.Marshal(rec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal operation: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
