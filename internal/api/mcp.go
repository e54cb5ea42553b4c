package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Questions *Questions
	Runs      RunLister // optional; the recent runs resource is omitted when nil
	Version   string
}

// NewMCPServer creates an MCP server exposing the question steps as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"vanna",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vanna answers questions about a SQL database. Call generate_sql first, then run_sql, then generate_chart, passing the returned id along."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_sql",
			mcp.WithDescription("Generate SQL for a natural-language question. Returns the question id and the SQL."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpGenerateSQL(deps),
	)

	s.AddTool(
		mcp.NewTool("run_sql",
			mcp.WithDescription("Execute the SQL generated for a question and return the first rows."),
			mcp.WithString("id", mcp.Description("Question id from generate_sql"), mcp.Required()),
		),
		mcpRunSQL(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_chart",
			mcp.WithDescription("Generate a Plotly figure for a question whose SQL has been run."),
			mcp.WithString("id", mcp.Description("Question id from generate_sql"), mcp.Required()),
		),
		mcpGenerateChart(deps),
	)

	s.AddTool(
		mcp.NewTool("load_question",
			mcp.WithDescription("Load everything cached for a fully answered question."),
			mcp.WithString("id", mcp.Description("Question id"), mcp.Required()),
		),
		mcpLoadQuestion(deps),
	)

	if deps.Runs != nil {
		s.AddResource(
			mcp.NewResource(
				"vanna://runs/recent",
				"Recent Runs",
				mcp.WithResourceDescription("Last 10 pipeline runs"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecentRuns(deps),
		)
	}

	return s
}

func mcpGenerateSQL(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		id, sql, err := deps.Questions.GenerateSQL(ctx, question)
		if err != nil {
			return mcpError(fmt.Sprintf("generating SQL: %v", err)), nil
		}
		return mcpJSON(map[string]string{"id": id, "sql": sql})
	}
}

func mcpRunSQL(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		rs, err := deps.Questions.RunSQL(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("running SQL: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("%d rows\n\n%s", rs.Len(), rs.Markdown(deps.Questions.previewRows()))), nil
	}
}

func mcpGenerateChart(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		fig, err := deps.Questions.GenerateChart(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("generating chart: %v", err)), nil
		}
		return mcpText(string(fig)), nil
	}
}

func mcpLoadQuestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		v, err := deps.Questions.Load(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("loading question: %v", err)), nil
		}
		return mcpJSON(v)
	}
}

func mcpResourceRecentRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Runs.ListRuns(ctx, "", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}

		type runSummary struct {
			ID        string `json:"id"`
			StartedAt string `json:"started_at"`
			Question  string `json:"question"`
			Outcome   string `json:"outcome"`
		}

		summaries := make([]runSummary, len(runs))
		for i, r := range runs {
			q := r.Question
			if utf8.RuneCountInString(q) > 200 {
				q = string([]rune(q)[:200]) + "..."
			}
			summaries[i] = runSummary{
				ID:        r.ID,
				StartedAt: r.StartedAt.Format(time.RFC3339),
				Question:  q,
				Outcome:   r.Outcome,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
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
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
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
