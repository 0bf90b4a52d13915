package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ragdiary/internal/declaration"
	"github.com/kalambet/ragdiary/internal/ingest"
	"github.com/kalambet/ragdiary/internal/retrieval"
)

// MCPRetriever abstracts semantic search over one diary for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, diary, query string, topK int) ([]retrieval.ContextChunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Diaries   DiaryStore
	Retriever MCPRetriever
	Groups    GroupStore // optional; activate_groups reports an error when nil
	Time      TimeParser
	Jobs      ingest.JobStore
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d MCPDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server with all ragdiary tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ragdiary",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ragdiary: diary memory search, time phrase parsing and diary writing."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("recall_diary",
			mcp.WithDescription("Semantically search one diary and return the most relevant fragments."),
			mcp.WithString("diary", mcp.Description("Diary name, e.g. 小明"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecallDiary(deps),
	)

	s.AddTool(
		mcp.NewTool("parse_time",
			mcp.WithDescription("Extract Chinese relative time expressions (昨天, 上周, 3天前 ...) as UTC date ranges."),
			mcp.WithString("text", mcp.Description("Text to scan"), mcp.Required()),
		),
		mcpParseTime(deps),
	)

	s.AddTool(
		mcp.NewTool("activate_groups",
			mcp.WithDescription("Report which semantic groups the text activates and how strongly."),
			mcp.WithString("text", mcp.Description("Text to scan"), mcp.Required()),
		),
		mcpActivateGroups(deps),
	)

	s.AddTool(
		mcp.NewTool("write_diary",
			mcp.WithDescription("Append an entry to a diary. The diary is reindexed in the background."),
			mcp.WithString("diary", mcp.Description("Diary name"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Entry text"), mcp.Required()),
			mcp.WithString("author", mcp.Description("Signing name (defaults to the diary name)")),
			mcp.WithString("date", mcp.Description("Entry date YYYY-MM-DD (defaults to today)")),
		),
		mcpWriteDiary(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"diary://list",
			"Diaries",
			mcp.WithResourceDescription("Names of all diaries with their file counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDiaries(deps),
	)

	return s
}

func mcpRecallDiary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("diary")
		if err != nil {
			return mcpError("diary is required"), nil
		}
		query, err := req.RequireString("query")
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

		chunks, err := deps.Retriever.Retrieve(ctx, name, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}

		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			ID     string  `json:"id"`
			Source string  `json:"source"`
			Text   string  `json:"text"`
			Score  float32 `json:"score"`
			Date   string  `json:"date,omitempty"`
		}

		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{
				ID:     c.ID,
				Source: c.SourcePath,
				Text:   declaration.Neutralize(c.Text),
				Score:  c.Score,
			}
			if !c.CreatedAt.IsZero() {
				results[i].Date = c.CreatedAt.UTC().Format(time.DateOnly)
			}
		}

		return mcpJSON(results)
	}
}

func mcpParseTime(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		ranges := deps.Time.ParseAt(text, deps.now())
		if len(ranges) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(ranges)
	}
}

func mcpActivateGroups(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Groups == nil {
			return mcpError("semantic groups are not enabled"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		return mcpJSON(deps.Groups.DetectAndActivateGroups(text))
	}
}

func mcpWriteDiary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("diary")
		if err != nil {
			return mcpError("diary is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		gotName, file, _, err := writeEntry(deps.Diaries, deps.now(), name, WriteEntryRequest{
			Author:  req.GetString("author", ""),
			Date:    req.GetString("date", ""),
			Content: content,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to write entry: %v", err)), nil
		}

		if _, err := ingest.EnqueueIndex(deps.Jobs, gotName); err != nil {
			return mcpError(fmt.Sprintf("wrote %s/%s but failed to queue reindex: %v", gotName, file, err)), nil
		}

		return mcpText(fmt.Sprintf("Wrote %s/%s", gotName, file)), nil
	}
}

func mcpResourceDiaries(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		infos, err := diaryInfos(ctx, AppDeps{Diaries: deps.Diaries})
		if err != nil {
			return nil, fmt.Errorf("failed to list diaries: %w", err)
		}

		b, err := json.Marshal(infos)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal diaries: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
