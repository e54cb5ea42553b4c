package engine

import (
	"context"
	"encoding/json"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
)

// Engine abstracts the question-answering backend that turns questions into
// SQL, SQL into result sets, and result sets into charts. Consumers such as
// the pipeline and the HTTP API use this interface instead of depending on a
// concrete client.
type Engine interface {
	// GenerateSQL returns a SQL query answering question.
	GenerateSQL(ctx context.Context, question string) (string, error)

	// Execute runs sql and returns its tabular result.
	Execute(ctx context.Context, sql string) (cache.ResultSet, error)

	// GenerateChart returns a serialized chart figure for rs.
	GenerateChart(ctx context.Context, rs cache.ResultSet, cc ChartContext) (json.RawMessage, error)
}

// ChartContext carries what a chart generator needs besides the data.
type ChartContext struct {
	Question string
	SQL      string
}

// Prober is implemented by backends that can report reachability.
type Prober interface {
	IsRunning(ctx context.Context) bool
}
