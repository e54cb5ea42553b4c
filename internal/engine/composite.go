package engine

import (
	"context"
	"encoding/json"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
)

// Executor runs SQL and returns its result.
type Executor interface {
	Execute(ctx context.Context, sql string) (cache.ResultSet, error)
}

// Composite routes SQL execution to a local Executor and everything else to
// a remote Engine.
type Composite struct {
	Remote   Engine
	Executor Executor
}

func (c *Composite) GenerateSQL(ctx context.Context, question string) (string, error) {
	return c.Remote.GenerateSQL(ctx, question)
}

func (c *Composite) Execute(ctx context.Context, sql string) (cache.ResultSet, error) {
	if c.Executor == nil {
		return c.Remote.Execute(ctx, sql)
	}
	return c.Executor.Execute(ctx, sql)
}

func (c *Composite) GenerateChart(ctx context.Context, rs cache.ResultSet, cc ChartContext) (json.RawMessage, error) {
	return c.Remote.GenerateChart(ctx, rs, cc)
}

// IsRunning reports whether every part that can be probed is reachable.
func (c *Composite) IsRunning(ctx context.Context) bool {
	for _, part := range []any{c.Remote, c.Executor} {
		if p, ok := part.(Prober); ok && !p.IsRunning(ctx) {
			return false
		}
	}
	return true
}
