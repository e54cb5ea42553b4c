package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nichiyoo/open-webui-vanna/internal/storage"
)

func newTestMCPDeps(t *testing.T, eng *stubEngine) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{Questions: newTestQuestions(eng), Runs: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", name, err)
	}
	return result
}

func TestMCPTools_Flow(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &stubEngine{})

	result := callTool(t, mcpGenerateSQL(deps), "generate_sql", map[string]any{"question": "Top artists?"})
	if result.IsError {
		t.Fatalf("generate_sql: %s", toolText(t, result))
	}
	var gen struct{ ID, SQL string }
	if err := json.Unmarshal([]byte(toolText(t, result)), &gen); err != nil {
		t.Fatalf("parsing generate_sql result: %v", err)
	}
	if gen.ID == "" || gen.SQL != "SELECT name FROM artists LIMIT 2" {
		t.Fatalf("generate_sql = %+v", gen)
	}

	result = callTool(t, mcpRunSQL(deps), "run_sql", map[string]any{"id": gen.ID})
	if result.IsError {
		t.Fatalf("run_sql: %s", toolText(t, result))
	}
	text := toolText(t, result)
	if !strings.HasPrefix(text, "2 rows") || !strings.Contains(text, "| AC/DC |") {
		t.Errorf("run_sql = %q", text)
	}

	result = callTool(t, mcpGenerateChart(deps), "generate_chart", map[string]any{"id": gen.ID})
	if result.IsError || !strings.Contains(toolText(t, result), `"bar"`) {
		t.Fatalf("generate_chart = %s", toolText(t, result))
	}

	result = callTool(t, mcpLoadQuestion(deps), "load_question", map[string]any{"id": gen.ID})
	if result.IsError {
		t.Fatalf("load_question: %s", toolText(t, result))
	}
	var v QuestionView
	if err := json.Unmarshal([]byte(toolText(t, result)), &v); err != nil {
		t.Fatalf("parsing load_question result: %v", err)
	}
	if v.Question != "Top artists?" {
		t.Errorf("question = %q", v.Question)
	}
}

func TestMCPTools_Errors(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &stubEngine{})

	if r := callTool(t, mcpGenerateSQL(deps), "generate_sql", map[string]any{}); !r.IsError {
		t.Error("generate_sql without question should fail")
	}
	if r := callTool(t, mcpRunSQL(deps), "run_sql", map[string]any{}); !r.IsError {
		t.Error("run_sql without id should fail")
	}
	if r := callTool(t, mcpRunSQL(deps), "run_sql", map[string]any{"id": "unknown"}); !r.IsError {
		t.Error("run_sql with unknown id should fail")
	}

	r := callTool(t, mcpGenerateSQL(deps), "generate_sql", map[string]any{"question": "q"})
	var gen struct{ ID string }
	json.Unmarshal([]byte(toolText(t, r)), &gen)

	r = callTool(t, mcpLoadQuestion(deps), "load_question", map[string]any{"id": gen.ID})
	if !r.IsError || !strings.Contains(toolText(t, r), "resultset") {
		t.Errorf("load_question before run = %s", toolText(t, r))
	}
}

func TestMCPResource_RecentRuns(t *testing.T) {
	deps, store := newTestMCPDeps(t, &stubEngine{})

	err := store.SaveRun(context.Background(), storage.Run{
		ID:        "run-1",
		CacheID:   "c1",
		Question:  strings.Repeat("x", 250),
		Outcome:   "ok",
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("saving run: %v", err)
	}

	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "vanna://runs/recent"}}
	contents, err := mcpResourceRecentRuns(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summaries []struct {
		ID       string `json:"id"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &summaries); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != "run-1" {
		t.Fatalf("summaries = %+v", summaries)
	}
	if len([]rune(summaries[0].Question)) != 203 {
		t.Errorf("question not truncated: %d runes", len([]rune(summaries[0].Question)))
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &stubEngine{})
	gen := mcpGenerateSQL(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := strings.Repeat("q", i+1)
			r, err := gen(context.Background(), makeCallToolRequest("generate_sql", map[string]any{"question": q}))
			if err != nil || r.IsError {
				errs <- q
			}
		}()
	}
	wg.Wait()
	close(errs)

	for q := range errs {
		t.Errorf("concurrent generate_sql failed for %q", q)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &stubEngine{})
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("nil server")
	}
}
