package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
	"github.com/nichiyoo/open-webui-vanna/internal/fault"
)

func newTestEngine(h http.HandlerFunc) (*HTTPEngine, func()) {
	srv := httptest.NewServer(h)
	return NewHTTPEngine(HTTPConfig{BaseURL: srv.URL + "/", VerifyTLS: true, Timeout: 2 * time.Second}), srv.Close
}

func TestHTTPEngine_GenerateSQL(t *testing.T) {
	var gotQuestion string
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate_sql" {
			http.NotFound(w, r)
			return
		}
		gotQuestion = r.URL.Query().Get("question")
		fmt.Fprint(w, `{"text":"SELECT name FROM artists LIMIT 5"}`)
	})
	defer done()

	sql, err := e.GenerateSQL(context.Background(), "top 5 artists & albums?")
	if err != nil {
		t.Fatalf("GenerateSQL: %v", err)
	}
	if sql != "SELECT name FROM artists LIMIT 5" {
		t.Errorf("sql = %q", sql)
	}
	if gotQuestion != "top 5 artists & albums?" {
		t.Errorf("question = %q, not escaped correctly", gotQuestion)
	}
}

func TestHTTPEngine_GenerateSQL_MissingText(t *testing.T) {
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"abc"}`)
	})
	defer done()

	_, err := e.GenerateSQL(context.Background(), "q")
	var malformed *fault.MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedResponseError", err)
	}
	if len(malformed.Fields) != 1 || malformed.Fields[0] != "text" {
		t.Errorf("fields = %v, want [text]", malformed.Fields)
	}
}

func TestHTTPEngine_GenerateSQL_NotJSON(t *testing.T) {
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>oops</html>`)
	})
	defer done()

	_, err := e.GenerateSQL(context.Background(), "q")
	var malformed *fault.MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedResponseError", err)
	}
}

func TestHTTPEngine_Execute(t *testing.T) {
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		var body struct{ SQL string }
		json.NewDecoder(r.Body).Decode(&body)
		if r.Method != http.MethodPost || body.SQL != "SELECT 1 AS n" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"columns":["n"],"rows":[[1]]}`)
	})
	defer done()

	rs, err := e.Execute(context.Background(), "SELECT 1 AS n")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rs.Columns) != 1 || rs.Columns[0] != "n" || rs.Len() != 1 {
		t.Fatalf("result = %+v", rs)
	}
	if rs.Rows[0][0] != json.Number("1") {
		t.Errorf("cell = %#v, want json.Number(1)", rs.Rows[0][0])
	}
}

func TestHTTPEngine_Execute_MissingFields(t *testing.T) {
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	})
	defer done()

	_, err := e.Execute(context.Background(), "SELECT 1")
	var malformed *fault.MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedResponseError", err)
	}
	if fmt.Sprint(malformed.Fields) != "[columns rows]" {
		t.Errorf("fields = %v, want every missing field", malformed.Fields)
	}
}

func TestHTTPEngine_Execute_ServerError(t *testing.T) {
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such table: artists", http.StatusInternalServerError)
	})
	defer done()

	_, err := e.Execute(context.Background(), "SELECT * FROM artists")
	if !errors.Is(err, fault.ErrRemoteUnavailable) {
		t.Errorf("error = %v, want ErrRemoteUnavailable", err)
	}
}

func TestHTTPEngine_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	e := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL, VerifyTLS: true, Timeout: 50 * time.Millisecond})
	_, err := e.GenerateSQL(context.Background(), "q")
	if !errors.Is(err, fault.ErrRemoteTimeout) {
		t.Errorf("error = %v, want ErrRemoteTimeout", err)
	}
}

func TestHTTPEngine_GenerateChart(t *testing.T) {
	var got chartRequest
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"fig":{"data":[{"type":"bar"}],"layout":{}}}`)
	})
	defer done()

	rs := cache.ResultSet{Columns: []string{"artist", "sales"}, Rows: [][]any{{"AC/DC", 42}}}
	fig, err := e.GenerateChart(context.Background(), rs, ChartContext{Question: "q", SQL: "SELECT"})
	if err != nil {
		t.Fatalf("GenerateChart: %v", err)
	}
	if string(fig) != `{"data":[{"type":"bar"}],"layout":{}}` {
		t.Errorf("fig = %s", fig)
	}
	if got.Question != "q" || got.SQL != "SELECT" || len(got.Rows) != 1 {
		t.Errorf("request = %+v", got)
	}
	if got.DFMetadata != "Running df.dtypes gives:\nartist: object\nsales: int64" {
		t.Errorf("df_metadata = %q", got.DFMetadata)
	}
}

func TestHTTPEngine_GenerateChart_StringFigure(t *testing.T) {
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"fig":"{\"data\":[]}"}`)
	})
	defer done()

	fig, err := e.GenerateChart(context.Background(), cache.ResultSet{}, ChartContext{})
	if err != nil {
		t.Fatalf("GenerateChart: %v", err)
	}
	if string(fig) != `{"data":[]}` {
		t.Errorf("fig = %s", fig)
	}
}

func TestHTTPEngine_GenerateChart_Missing(t *testing.T) {
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"fig":null}`)
	})
	defer done()

	_, err := e.GenerateChart(context.Background(), cache.ResultSet{}, ChartContext{})
	var malformed *fault.MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedResponseError", err)
	}
}

func TestHTTPEngine_IsRunning(t *testing.T) {
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	})
	if !e.IsRunning(context.Background()) {
		t.Error("IsRunning = false for a healthy server")
	}
	done()
	if e.IsRunning(context.Background()) {
		t.Error("IsRunning = true after server shut down")
	}
}
