package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageFinished(t *testing.T) {
	m := New()
	m.StageFinished("execute_sql", "ok", 200*time.Millisecond)
	m.StageFinished("execute_sql", "ok", 300*time.Millisecond)
	m.StageFinished("chart", "skipped", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StageOutcomes.WithLabelValues("execute_sql", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageOutcomes.WithLabelValues("chart", "skipped")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.StageDuration))
}

func TestRunFinished(t *testing.T) {
	m := New()
	m.RunFinished("ok", 3*time.Second)
	m.RunFinished("failed", time.Second)
	m.RunFinished("ok", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("failed")))
}

func TestEvicted(t *testing.T) {
	m := New()
	m.Evicted(0)
	m.Evicted(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.CacheEvictions))
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.RunFinished("ok", time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RunsTotal.WithLabelValues("ok")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RunFinished("ok", time.Second)
	m.ActiveRuns.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`vanna_pipeline_runs_total{outcome="ok"} 1`,
		`vanna_pipeline_active_runs 1`,
		`go_goroutines`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %q", want)
	}
}
