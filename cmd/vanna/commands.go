package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/nichiyoo/open-webui-vanna/internal/api"
	"github.com/nichiyoo/open-webui-vanna/internal/chat"
	"github.com/nichiyoo/open-webui-vanna/internal/config"
	"github.com/nichiyoo/open-webui-vanna/internal/pipeline"
	"github.com/nichiyoo/open-webui-vanna/internal/relay"
	"github.com/nichiyoo/open-webui-vanna/internal/storage"
)

// --- ask ---

var askQuiet bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and stream the answer from a running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return ask(cmd.Context(), client, strings.Join(args, " "), os.Stdout)
	},
}

func init() {
	askCmd.Flags().BoolVarP(&askQuiet, "quiet", "q", false, "hide stage progress")
}

// ask streams one pipeline run. Answer text goes to out and stage progress to
// stderr. It fails if the run reports a failed stage.
func ask(ctx context.Context, c *apiClient, question string, out io.Writer) error {
	resp, err := c.post(ctx, "/v1/chat/completions", chat.ChatRequest{
		Model:    api.ModelID,
		Stream:   true,
		Messages: []chat.Message{{Role: "user", Content: question}},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}

	var failed *pipeline.Status
	wrote := false
	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			if st, ok := statusFrame(line); ok {
				if !askQuiet {
					printStage(st)
				}
				if st.State == pipeline.StateFailed {
					failed = &st
				}
				continue
			}
			parsed := relay.ParseLine(line)
			switch parsed.Kind {
			case relay.LineFragment:
				fmt.Fprint(out, parsed.Fragment)
				wrote = true
			case relay.LineError:
				return parsed.Err
			case relay.LineDone:
				readErr = io.EOF
			}
		}
		if readErr != nil {
			if wrote {
				fmt.Fprintln(out)
			}
			if !errors.Is(readErr, io.EOF) {
				return fmt.Errorf("reading answer: %w", readErr)
			}
			break
		}
	}

	if failed != nil {
		return fmt.Errorf("stage %s failed", failed.Stage)
	}
	return nil
}

// statusFrame extracts the pipeline status carried by a status chunk.
func statusFrame(line []byte) (pipeline.Status, bool) {
	data, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data:"))
	if !ok {
		return pipeline.Status{}, false
	}
	var frame struct {
		Event *struct {
			Type string          `json:"type"`
			Data pipeline.Status `json:"data"`
		} `json:"event"`
	}
	if json.Unmarshal(bytes.TrimSpace(data), &frame) != nil || frame.Event == nil || frame.Event.Type != "status" {
		return pipeline.Status{}, false
	}
	return frame.Event.Data, true
}

// --- question ---

var questionCmd = &cobra.Command{
	Use:   "question",
	Short: "Inspect cached questions",
}

var questionJSON bool

var questionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show everything cached for a fully answered question",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		v, err := loadQuestion(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		if questionJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		printQuestion(os.Stdout, client.baseURL, v)
		return nil
	},
}

func init() {
	questionShowCmd.Flags().BoolVar(&questionJSON, "json", false, "print the raw JSON")
	questionCmd.AddCommand(questionShowCmd)
}

func loadQuestion(ctx context.Context, c *apiClient, id string) (api.QuestionView, error) {
	var v api.QuestionView
	resp, err := c.get(ctx, "/api/load_question?id="+url.QueryEscape(id))
	if err != nil {
		return v, err
	}
	if err := decodeJSON(resp, &v); err != nil {
		return v, fmt.Errorf("loading question %s: %w", id, err)
	}
	return v, nil
}

func printQuestion(w io.Writer, baseURL string, v api.QuestionView) {
	var rows []json.RawMessage
	json.Unmarshal(v.DF, &rows)

	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Question:"), v.Question)
	fmt.Fprintf(w, "%s\n%s\n", colorize(colorBold, "SQL:"), v.SQL)
	fmt.Fprintf(w, "%s %d preview rows\n", colorize(colorBold, "Result:"), len(rows))
	fmt.Fprintf(w, "%s %s/api/charts/%s\n", colorize(colorBold, "Chart:"), baseURL, url.PathEscape(v.ID))
	if len(v.Followups) > 0 {
		fmt.Fprintln(w, colorize(colorBold, "Follow-up questions:"))
		for _, q := range v.Followups {
			fmt.Fprintf(w, "  - %s\n", q)
		}
	}
}

// --- runs ---

var (
	runsLimit    int
	runsQuestion string
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recent pipeline runs, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			var r storage.Run
			resp, err := client.get(cmd.Context(), "/api/runs/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &r); err != nil {
				return err
			}
			printRun(os.Stdout, r)
			return nil
		}
		runs, err := listRuns(cmd.Context(), client, runsQuestion, runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		printRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "maximum number of runs to list")
	runsCmd.Flags().StringVar(&runsQuestion, "question", "", "only runs for this question id")
}

func listRuns(ctx context.Context, c *apiClient, cacheID string, limit int) ([]storage.Run, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cacheID != "" {
		q.Set("cache_id", cacheID)
	}
	resp, err := c.get(ctx, "/api/runs?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var runs []storage.Run
	if err := decodeJSON(resp, &runs); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func printRuns(w io.Writer, runs []storage.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tOUTCOME\tDURATION\tQUESTION")
	for _, r := range runs {
		outcome := r.Outcome
		if r.FailedStage != "" {
			outcome += " (" + r.FailedStage + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			outcome,
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			truncate(r.Question, 60),
		)
	}
	tw.Flush()
}

func printRun(w io.Writer, r storage.Run) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Run:"), r.ID)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Question:"), r.Question)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Question id:"), r.CacheID)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Started:"), r.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Duration:"), time.Duration(r.DurationMs)*time.Millisecond)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Outcome:"), r.Outcome)
	if r.FailedStage != "" {
		fmt.Fprintf(w, "%s %s: %s\n", colorize(colorBold, "Failed:"), r.FailedStage, r.Error)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		if config.IsSecret(key) {
			printSuccess("Stored %s in the secrets file", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the question tools over MCP on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{
			Questions: a.questions,
			Runs:      a.runLister(),
			Version:   version,
		}))
		if err := srv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	},
}
