package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
	"github.com/nichiyoo/open-webui-vanna/internal/fault"
)

// VannaPreviewRows is how many rows the backend's run_sql returns. It keeps
// the full frame on its side for charting.
const VannaPreviewRows = 10

// maxTrackedRuns bounds how many generated queries a VannaEngine remembers.
const maxTrackedRuns = 1024

// ErrUntrackedSQL is returned when a VannaEngine is asked to run or chart
// SQL it did not generate. The backend only executes a query through the id
// it issued for it.
var ErrUntrackedSQL = errors.New("sql was not generated by this engine")

type remoteRun struct {
	id       string
	executed bool
}

// VannaEngine talks to a backend that keys every step by the id it returns
// from generate_sql:
//
//	GET /api/generate_sql?question=     -> {"id", "text"}
//	GET /api/run_sql?id=                -> {"id", "df"}   df: records JSON string
//	GET /api/generate_plotly_figure?id= -> {"id", "fig"}  fig: figure JSON string
//
// It remembers the id of each query it generated so Execute and
// GenerateChart, which only see SQL, can address the backend.
type VannaEngine struct {
	http *HTTPEngine

	mu    sync.Mutex
	runs  map[string]*remoteRun
	order []string
}

// NewVannaEngine creates a VannaEngine. A zero timeout uses 60s.
func NewVannaEngine(cfg HTTPConfig) *VannaEngine {
	return &VannaEngine{
		http: NewHTTPEngine(cfg),
		runs: make(map[string]*remoteRun),
	}
}

func (e *VannaEngine) GenerateSQL(ctx context.Context, question string) (string, error) {
	var resp struct {
		ID   *string `json:"id"`
		Text *string `json:"text"`
	}
	path := "/api/generate_sql?question=" + url.QueryEscape(question)
	if err := e.http.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	var missing []string
	if resp.ID == nil || *resp.ID == "" {
		missing = append(missing, "id")
	}
	if resp.Text == nil {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		return "", &fault.MalformedResponseError{Service: serviceName, Fields: missing}
	}
	e.track(*resp.Text, *resp.ID)
	return *resp.Text, nil
}

// Execute runs sql through the backend run it was generated in. The result
// holds the backend's preview and is marked Truncated when the preview is
// full.
func (e *VannaEngine) Execute(ctx context.Context, sql string) (cache.ResultSet, error) {
	id, _, ok := e.lookup(sql)
	if !ok {
		return cache.ResultSet{}, ErrUntrackedSQL
	}
	return e.runSQL(ctx, sql, id)
}

// GenerateChart asks the backend to chart the frame it holds for cc.SQL. The
// query is run first when it was executed elsewhere.
func (e *VannaEngine) GenerateChart(ctx context.Context, _ cache.ResultSet, cc ChartContext) (json.RawMessage, error) {
	id, executed, ok := e.lookup(cc.SQL)
	if !ok {
		return nil, ErrUntrackedSQL
	}
	if !executed {
		if _, err := e.runSQL(ctx, cc.SQL, id); err != nil {
			return nil, err
		}
	}
	var resp struct {
		Fig json.RawMessage `json:"fig"`
	}
	if err := e.http.do(ctx, http.MethodGet, "/api/generate_plotly_figure?id="+url.QueryEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return decodeFigure(resp.Fig)
}

// IsRunning returns true if the backend serves its OpenAPI document.
func (e *VannaEngine) IsRunning(ctx context.Context) bool {
	return e.http.answers(ctx, "/openapi.json")
}

func (e *VannaEngine) Train(ctx context.Context, td TrainingData) (string, error) {
	return e.http.Train(ctx, td)
}

func (e *VannaEngine) RemoveTrainingData(ctx context.Context, id string) error {
	return e.http.RemoveTrainingData(ctx, id)
}

func (e *VannaEngine) InitializeTraining(ctx context.Context) error {
	return e.http.InitializeTraining(ctx)
}

func (e *VannaEngine) runSQL(ctx context.Context, sql, id string) (cache.ResultSet, error) {
	var resp struct {
		DF json.RawMessage `json:"df"`
	}
	if err := e.http.do(ctx, http.MethodGet, "/api/run_sql?id="+url.QueryEscape(id), nil, &resp); err != nil {
		return cache.ResultSet{}, err
	}
	if len(resp.DF) == 0 || string(resp.DF) == "null" {
		return cache.ResultSet{}, &fault.MalformedResponseError{Service: serviceName, Fields: []string{"df"}}
	}
	rs, err := decodeRecords(resp.DF)
	if err != nil {
		return cache.ResultSet{}, &fault.MalformedResponseError{Service: serviceName, Fields: []string{"df"}, Err: err}
	}
	rs.Truncated = rs.Len() >= VannaPreviewRows
	e.markExecuted(sql)
	return rs, nil
}

func (e *VannaEngine) track(sql, id string) {
	key := strings.TrimSpace(sql)
	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.runs[key]; ok {
		run.id, run.executed = id, false
		return
	}
	e.runs[key] = &remoteRun{id: id}
	e.order = append(e.order, key)
	for len(e.order) > maxTrackedRuns {
		delete(e.runs, e.order[0])
		e.order = e.order[1:]
	}
}

func (e *VannaEngine) lookup(sql string) (id string, executed, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[strings.TrimSpace(sql)]
	if !ok {
		return "", false, false
	}
	return run.id, run.executed, true
}

func (e *VannaEngine) markExecuted(sql string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.runs[strings.TrimSpace(sql)]; ok {
		run.executed = true
	}
}

// decodeRecords parses a records-oriented frame, either as a JSON array or
// as a string holding one. Columns keep the order of their first appearance.
func decodeRecords(raw json.RawMessage) (cache.ResultSet, error) {
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return cache.ResultSet{}, err
		}
		raw = json.RawMessage(s)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := expectDelim(dec, '['); err != nil {
		return cache.ResultSet{}, err
	}

	rs := cache.ResultSet{Columns: []string{}, Rows: [][]any{}}
	index := make(map[string]int)
	for dec.More() {
		if err := expectDelim(dec, '{'); err != nil {
			return cache.ResultSet{}, err
		}
		row := make([]any, len(rs.Columns))
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return cache.ResultSet{}, err
			}
			key, _ := tok.(string)
			var v any
			if err := dec.Decode(&v); err != nil {
				return cache.ResultSet{}, err
			}
			i, seen := index[key]
			if !seen {
				i = len(rs.Columns)
				index[key] = i
				rs.Columns = append(rs.Columns, key)
				for j := range rs.Rows {
					rs.Rows[j] = append(rs.Rows[j], nil)
				}
				row = append(row, nil)
			}
			row[i] = v
		}
		if err := expectDelim(dec, '}'); err != nil {
			return cache.ResultSet{}, err
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return cache.ResultSet{}, err
	}
	return rs, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
