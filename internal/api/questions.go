package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
	"github.com/nichiyoo/open-webui-vanna/internal/engine"
	"github.com/nichiyoo/open-webui-vanna/internal/fault"
	"github.com/nichiyoo/open-webui-vanna/internal/storage"
)

// Questions runs single steps of a question against the engine, reading and
// writing the cache through the gate. It backs both the /api routes and the
// MCP tools.
type Questions struct {
	Gate        *cache.Gate
	Engine      engine.Engine
	PreviewRows int
}

// QuestionView is everything cached for one question.
type QuestionView struct {
	ID        string          `json:"id"`
	Question  string          `json:"question"`
	SQL       string          `json:"sql"`
	DF        json.RawMessage `json:"df"`
	Fig       json.RawMessage `json:"fig"`
	Followups []string        `json:"followup_questions"`
}

// GenerateSQL starts a fresh record for question and caches the generated SQL.
func (q *Questions) GenerateSQL(ctx context.Context, question string) (id, sql string, err error) {
	id, err = q.Gate.Begin(ctx, question)
	if err != nil {
		return "", "", err
	}
	sql, err = q.Engine.GenerateSQL(ctx, question)
	if err != nil {
		return id, "", err
	}
	if err := cache.PutText(ctx, q.Gate.Store(), id, cache.FieldSQL, sql); err != nil {
		return id, "", err
	}
	return id, sql, nil
}

// RunSQL executes the cached SQL for id and caches the result set.
func (q *Questions) RunSQL(ctx context.Context, id string) (cache.ResultSet, error) {
	rec, err := q.Gate.Require(ctx, id, cache.FieldSQL)
	if err != nil {
		return cache.ResultSet{}, err
	}
	sql, err := rec.SQL()
	if err != nil {
		return cache.ResultSet{}, err
	}
	rs, err := q.Engine.Execute(ctx, sql)
	if err != nil {
		return cache.ResultSet{}, err
	}
	if err := cache.PutResultSet(ctx, q.Gate.Store(), id, rs); err != nil {
		return cache.ResultSet{}, err
	}
	return rs, nil
}

// GenerateChart asks the engine for a chart of the cached result set and
// caches it.
func (q *Questions) GenerateChart(ctx context.Context, id string) (json.RawMessage, error) {
	rec, err := q.Gate.Require(ctx, id, cache.FieldQuestion, cache.FieldSQL, cache.FieldResultSet)
	if err != nil {
		return nil, err
	}
	rs, err := rec.ResultSet()
	if err != nil {
		return nil, err
	}
	question, err := rec.Question()
	if err != nil {
		return nil, err
	}
	sql, err := rec.SQL()
	if err != nil {
		return nil, err
	}
	fig, err := q.Engine.GenerateChart(ctx, rs, engine.ChartContext{Question: question, SQL: sql})
	if err != nil {
		return nil, err
	}
	if err := q.Gate.Store().Write(ctx, id, cache.FieldChart, fig); err != nil {
		return nil, err
	}
	return fig, nil
}

// Chart returns the cached chart for id.
func (q *Questions) Chart(ctx context.Context, id string) (json.RawMessage, error) {
	rec, err := q.Gate.Require(ctx, id, cache.FieldChart)
	if err != nil {
		return nil, err
	}
	return rec.Chart()
}

// Load returns a fully answered question. Follow-up questions are included
// when they were generated.
func (q *Questions) Load(ctx context.Context, id string) (QuestionView, error) {
	rec, err := q.Gate.Require(ctx, id, cache.FieldQuestion, cache.FieldSQL, cache.FieldResultSet, cache.FieldChart)
	if err != nil {
		return QuestionView{}, err
	}
	rs, err := rec.ResultSet()
	if err != nil {
		return QuestionView{}, err
	}
	df, err := rs.RecordsJSON(q.previewRows())
	if err != nil {
		return QuestionView{}, err
	}
	v := QuestionView{ID: id, DF: json.RawMessage(df), Followups: []string{}}
	if v.Question, err = rec.Question(); err != nil {
		return QuestionView{}, err
	}
	if v.SQL, err = rec.SQL(); err != nil {
		return QuestionView{}, err
	}
	if v.Fig, err = rec.Chart(); err != nil {
		return QuestionView{}, err
	}
	if rec.Has(cache.FieldFollowups) {
		if v.Followups, err = rec.Followups(); err != nil {
			return QuestionView{}, err
		}
	}
	return v, nil
}

func (q *Questions) previewRows() int {
	if q.PreviewRows <= 0 {
		return 10
	}
	return q.PreviewRows
}

// RunLister lists recorded pipeline runs.
type RunLister interface {
	ListRuns(ctx context.Context, cacheID string, limit int) ([]storage.Run, error)
	GetRun(ctx context.Context, id string) (storage.Run, error)
}

// QuestionDeps holds dependencies for the /api routes.
type QuestionDeps struct {
	Questions *Questions
	Runs      RunLister      // optional; /api/runs answers 404 when nil
	Trainer   engine.Trainer // optional; training routes answer 404 when nil
	Token     string         // optional; bearer auth is off when empty. Chart pages stay public.
}

// NewQuestionHandler returns the question API, to be mounted under /api.
func NewQuestionHandler(deps QuestionDeps) http.Handler {
	r := chi.NewRouter()
	q := deps.Questions

	// Chart pages are opened from links in chat answers, where no bearer
	// token can be attached.
	r.Get("/charts/{id}", handleChartPage(q))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/generate_sql", handleGenerateSQL(q))
		r.Get("/run_sql", handleRunSQL(q))
		r.Get("/generate_plotly_figure", handleGenerateChart(q))
		r.Get("/load_question", handleLoadQuestion(q))
		if deps.Runs != nil {
			r.Get("/runs", handleListRuns(deps.Runs))
			r.Get("/runs/{id}", handleGetRun(deps.Runs))
		}
		if deps.Trainer != nil {
			r.Post("/train", handleTrain(deps.Trainer))
			r.Post("/remove_training_data", handleRemoveTrainingData(deps.Trainer))
			r.Get("/initialize_training", handleInitializeTraining(deps.Trainer))
		}
	})
	return r
}

func handleGenerateSQL(q *Questions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		question := strings.TrimSpace(r.URL.Query().Get("question"))
		if question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		id, sql, err := q.GenerateSQL(r.Context(), question)
		if err != nil {
			writeQuestionError(w, err)
			return
		}
		writeJSON(w, map[string]string{"id": id, "text": sql})
	}
}

func handleRunSQL(q *Questions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireID(w, r)
		if !ok {
			return
		}
		rs, err := q.RunSQL(r.Context(), id)
		if err != nil {
			writeQuestionError(w, err)
			return
		}
		df, err := rs.RecordsJSON(q.previewRows())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "encoding result: %v", err)
			return
		}
		writeJSON(w, map[string]any{"id": id, "df": json.RawMessage(df)})
	}
}

func handleGenerateChart(q *Questions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireID(w, r)
		if !ok {
			return
		}
		fig, err := q.GenerateChart(r.Context(), id)
		if err != nil {
			writeQuestionError(w, err)
			return
		}
		writeJSON(w, map[string]any{"id": id, "fig": fig})
	}
}

func handleLoadQuestion(q *Questions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireID(w, r)
		if !ok {
			return
		}
		v, err := q.Load(r.Context(), id)
		if err != nil {
			writeQuestionError(w, err)
			return
		}
		writeJSON(w, v)
	}
}

var chartPage = template.Must(template.New("chart").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<script src="https://cdn.plot.ly/plotly-2.35.2.min.js"></script>
</head>
<body style="margin:0">
<div id="chart" style="width:100vw;height:100vh"></div>
<script>
const fig = {{.Figure}};
Plotly.newPlot("chart", fig.data || [], fig.layout || {}, {responsive: true});
</script>
</body>
</html>
`))

func handleChartPage(q *Questions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		fig, err := q.Chart(r.Context(), id)
		if err != nil {
			writeQuestionError(w, err)
			return
		}
		title := "Chart"
		if rec, err := q.Gate.Require(r.Context(), id, cache.FieldQuestion); err == nil {
			if question, err := rec.Question(); err == nil {
				title = question
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := chartPage.Execute(w, map[string]any{
			"Title":  title,
			"Figure": scriptSafeJSON(fig),
		}); err != nil {
			slog.Error("rendering chart page", "id", id, "error", err)
		}
	}
}

// scriptSafeJSON escapes <, > and & inside JSON strings so a figure cannot
// close the surrounding script element.
func scriptSafeJSON(fig json.RawMessage) template.JS {
	var buf bytes.Buffer
	json.HTMLEscape(&buf, fig)
	return template.JS(buf.String())
}

func handleListRuns(runs RunLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, 500)
		}
		list, err := runs.ListRuns(r.Context(), r.URL.Query().Get("cache_id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}
		writeJSON(w, list)
	}
}

func handleGetRun(runs RunLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := runs.GetRun(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading run: %v", err)
			return
		}
		writeJSON(w, run)
	}
}

func requireID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
		return "", false
	}
	return id, true
}

// writeQuestionError maps gate, store and engine failures to HTTP statuses.
func writeQuestionError(w http.ResponseWriter, err error) {
	var missing *cache.FieldMissingError
	switch {
	case errors.As(err, &missing):
		names := make([]string, len(missing.Fields))
		for i, f := range missing.Fields {
			names[i] = string(f)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": fmt.Sprintf("question %s is missing %s", missing.ID, strings.Join(names, ", ")),
				"type":    "missing_fields_error",
				"missing": names,
			},
		})
	case errors.Is(err, cache.ErrRecordNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "no question cached under this id")
	case errors.Is(err, cache.ErrInvalidKey), errors.Is(err, cache.ErrEmptyQuestion):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, cache.ErrStoreUnavailable):
		slog.Error("cache store failure", "error", err)
		httpError(w, http.StatusServiceUnavailable, "api_error", "cache is unavailable")
	case errors.Is(err, fault.ErrRemoteTimeout):
		httpError(w, http.StatusGatewayTimeout, "api_error", "engine: %s", fault.Describe(err))
	default:
		slog.Warn("engine call failed", "error", err)
		httpError(w, http.StatusBadGateway, "api_error", "engine: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
