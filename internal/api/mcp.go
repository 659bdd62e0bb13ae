package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"courseta/internal/retrieval"
)

// MCPRetriever abstracts semantic search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, text string, k int) ([]retrieval.Candidate, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline  Answerer
	Retriever MCPRetriever
}

// NewMCPServer creates an MCP server exposing the course assistant as tools:
// ask for full question answering with citations, search for raw retrieval.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"courseta",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("courseta answers questions about the course from indexed course material and forum discussions, with source links."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question about the course using indexed course material and forum posts. Returns the answer and cited source URLs."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Semantically search the indexed course material and forum posts, returning raw matching excerpts with scores."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results per corpus (default 5)")),
		),
		mcpSearch(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		resp, err := deps.Pipeline.Answer(ctx, question, nil, "mcp")
		if err != nil {
			return mcpError(fmt.Sprintf("answering failed: %v", err)), nil
		}

		b, err := json.Marshal(resp.Answer)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		candidates, err := deps.Retriever.Retrieve(ctx, q, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(candidates) == 0 {
			return mcpText("[]"), nil
		}

		type searchResult struct {
			SourceURL string  `json:"source_url"`
			Title     string  `json:"title"`
			Corpus    string  `json:"corpus"`
			Text      string  `json:"text"`
			Score     float32 `json:"score"`
		}

		results := make([]searchResult, len(candidates))
		for i, c := range candidates {
			results[i] = searchResult{
				SourceURL: c.SourceURL,
				Title:     c.Title,
				Corpus:    string(c.Chunk.Corpus),
				Text:      c.Chunk.Text,
				Score:     c.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
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
