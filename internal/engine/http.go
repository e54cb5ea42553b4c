package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
	"github.com/nichiyoo/open-webui-vanna/internal/fault"
)

const serviceName = "question-answering engine"

// HTTPConfig describes how to reach a remote engine.
type HTTPConfig struct {
	BaseURL   string
	VerifyTLS bool
	Timeout   time.Duration
}

// HTTPEngine talks to a remote question-answering engine over its JSON API.
type HTTPEngine struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewHTTPEngine creates an HTTPEngine. A zero timeout uses 60s.
func NewHTTPEngine(cfg HTTPConfig) *HTTPEngine {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via engine.verify_tls
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPEngine{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{Transport: transport},
	}
}

// GenerateSQL calls GET /api/generate_sql and returns its "text" field.
func (e *HTTPEngine) GenerateSQL(ctx context.Context, question string) (string, error) {
	var resp struct {
		Text *string `json:"text"`
	}
	path := "/api/generate_sql?question=" + url.QueryEscape(question)
	if err := e.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	if resp.Text == nil {
		return "", &fault.MalformedResponseError{Service: serviceName, Fields: []string{"text"}}
	}
	return *resp.Text, nil
}

// Execute calls POST /api/execute_sql.
func (e *HTTPEngine) Execute(ctx context.Context, sql string) (cache.ResultSet, error) {
	var resp struct {
		Columns *[]string `json:"columns"`
		Rows    *[][]any  `json:"rows"`
	}
	if err := e.do(ctx, http.MethodPost, "/api/execute_sql", map[string]string{"sql": sql}, &resp); err != nil {
		return cache.ResultSet{}, err
	}
	var missing []string
	if resp.Columns == nil {
		missing = append(missing, "columns")
	}
	if resp.Rows == nil {
		missing = append(missing, "rows")
	}
	if len(missing) > 0 {
		return cache.ResultSet{}, &fault.MalformedResponseError{Service: serviceName, Fields: missing}
	}
	return cache.ResultSet{Columns: *resp.Columns, Rows: *resp.Rows}, nil
}

type chartRequest struct {
	Question   string   `json:"question"`
	SQL        string   `json:"sql"`
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	DFMetadata string   `json:"df_metadata"`
}

// GenerateChart calls POST /api/generate_chart and returns its "fig" field.
func (e *HTTPEngine) GenerateChart(ctx context.Context, rs cache.ResultSet, cc ChartContext) (json.RawMessage, error) {
	req := chartRequest{
		Question:   cc.Question,
		SQL:        cc.SQL,
		Columns:    rs.Columns,
		Rows:       rs.Rows,
		DFMetadata: "Running df.dtypes gives:\n" + rs.DTypes(),
	}
	var resp struct {
		Fig json.RawMessage `json:"fig"`
	}
	if err := e.do(ctx, http.MethodPost, "/api/generate_chart", req, &resp); err != nil {
		return nil, err
	}
	return decodeFigure(resp.Fig)
}

// decodeFigure accepts a figure either as a JSON object or as a string
// holding one.
func decodeFigure(fig json.RawMessage) (json.RawMessage, error) {
	if len(fig) == 0 || string(fig) == "null" {
		return nil, &fault.MalformedResponseError{Service: serviceName, Fields: []string{"fig"}}
	}
	if fig[0] == '"' {
		var s string
		if err := json.Unmarshal(fig, &s); err != nil || !json.Valid([]byte(s)) {
			return nil, &fault.MalformedResponseError{Service: serviceName, Fields: []string{"fig"}, Err: err}
		}
		return json.RawMessage(s), nil
	}
	return fig, nil
}

// IsRunning returns true if the engine answers GET /health with 200.
func (e *HTTPEngine) IsRunning(ctx context.Context) bool {
	return e.answers(ctx, "/health")
}

func (e *HTTPEngine) answers(ctx context.Context, path string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (e *HTTPEngine) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fault.Classify(serviceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &fault.StatusError{Service: serviceName, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if ctx.Err() != nil {
			return fault.Classify(serviceName, ctx.Err())
		}
		return &fault.MalformedResponseError{Service: serviceName, Err: err}
	}
	return nil
}
