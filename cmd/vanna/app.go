package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/nichiyoo/open-webui-vanna/internal/api"
	"github.com/nichiyoo/open-webui-vanna/internal/cache"
	"github.com/nichiyoo/open-webui-vanna/internal/chat"
	"github.com/nichiyoo/open-webui-vanna/internal/config"
	"github.com/nichiyoo/open-webui-vanna/internal/engine"
	"github.com/nichiyoo/open-webui-vanna/internal/metrics"
	"github.com/nichiyoo/open-webui-vanna/internal/pipeline"
	"github.com/nichiyoo/open-webui-vanna/internal/relay"
	"github.com/nichiyoo/open-webui-vanna/internal/storage"
	"github.com/nichiyoo/open-webui-vanna/internal/sweeper"
)

// runHistoryTTL is how long run summaries are kept.
const runHistoryTTL = 30 * 24 * time.Hour

// app holds everything serve and mcp share.
type app struct {
	cfg        config.Config
	store      cache.Store
	runs       *storage.Store // nil when run history is unavailable
	engine     engine.Engine
	trainer    engine.Trainer
	completion *chat.Client
	pipeline   *pipeline.Pipeline
	questions  *api.Questions
	metrics    *metrics.Metrics
	sweeper    *sweeper.Worker // nil when the store expires records itself
	closers    []func() error
}

func newApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	if err := a.openStores(); err != nil {
		a.Close()
		return nil, err
	}

	remote := newRemoteEngine(cfg.Engine)
	a.engine, a.trainer = remote, remote
	if cfg.Engine.SQLitePath != "" {
		exec, err := engine.OpenSQLite(cfg.Engine.SQLitePath, engine.DefaultMaxRows, cfg.Engine.Timeout)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		a.closers = append(a.closers, exec.Close)
		a.engine = &engine.Composite{Remote: remote, Executor: exec}
	}

	a.completion = newCompletionClient(cfg)

	gate := cache.NewGate(a.store)
	opts := []pipeline.Option{pipeline.WithObserver(a.metrics)}
	if a.runs != nil {
		opts = append(opts, pipeline.WithRecorder(runRecorder{a.runs}))
	}
	a.pipeline = pipeline.New(gate, a.engine, relay.New(a.completion, slog.Default()), pipeline.Config{
		TaskMarker:  cfg.Pipeline.TaskMarker,
		ChartURL:    cfg.Server.PublicURL,
		PreviewRows: cfg.Pipeline.PreviewRows,
		Followups:   cfg.Pipeline.Followups,
	}, opts...)

	a.questions = &api.Questions{Gate: gate, Engine: a.engine, PreviewRows: cfg.Pipeline.PreviewRows}
	return a, nil
}

// openStores opens the configured cache backend and, where possible, the
// SQLite run history. Run history is best effort: a data dir that cannot be
// opened only disables it.
func (a *app) openStores() error {
	cfg := a.cfg
	switch cfg.Cache.Backend {
	case config.BackendSQLite:
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.store, a.runs = s, s
	case config.BackendRedis:
		r, err := storage.OpenRedis(cfg.Cache.RedisURL, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("opening redis: %w", err)
		}
		a.closers = append(a.closers, r.Close)
		a.store = r
	default:
		a.store = cache.NewMemoryStore()
	}

	if a.runs == nil {
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			slog.Warn("run history disabled", "data_dir", cfg.Storage.DataDir, "error", err)
		} else {
			a.closers = append(a.closers, s.Close)
			a.runs = s
		}
	}

	sw, ok := a.store.(cache.Sweeper)
	if ok && cfg.Cache.TTL > 0 {
		opts := []sweeper.Option{sweeper.WithSweepHook(a.metrics.Evicted)}
		if a.runs != nil {
			opts = append(opts, sweeper.WithRunHistory(a.runs, runHistoryTTL))
		}
		a.sweeper = sweeper.NewWorker(sw, cfg.Cache.TTL, 0, opts...)
	}
	return nil
}

// runLister returns the run history as an api.RunLister, or nil when it is
// disabled. A nil *storage.Store must not leak into the interface.
func (a *app) runLister() api.RunLister {
	if a.runs == nil {
		return nil
	}
	return a.runs
}

// limiter returns the pipeline run limiter, or nil when rate limiting is off.
func (a *app) limiter() *rate.Limiter {
	r := a.cfg.Server.RateLimit
	if r <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(r), max(1, int(math.Ceil(r))))
}

// checks lists the remote collaborators probed at startup and by status.
func (a *app) checks() []engine.Check {
	var checks []engine.Check
	if p, ok := a.engine.(engine.Prober); ok {
		checks = append(checks, engine.Check{Name: "question-answering engine", Probe: p})
	}
	checks = append(checks, engine.Check{Name: "completion service", Probe: completionProbe(a.completion)})
	return checks
}

// remoteEngine is what both engine protocols offer.
type remoteEngine interface {
	engine.Engine
	engine.Trainer
	engine.Prober
}

func newRemoteEngine(cfg config.EngineConfig) remoteEngine {
	hc := engine.HTTPConfig{
		BaseURL:   cfg.BaseURL,
		VerifyTLS: cfg.VerifyTLS,
		Timeout:   cfg.Timeout,
	}
	if cfg.Protocol == config.ProtocolJSON {
		return engine.NewHTTPEngine(hc)
	}
	return engine.NewVannaEngine(hc)
}

func newCompletionClient(cfg config.Config) *chat.Client {
	return chat.New(chat.Config{
		BaseURL:   cfg.Completion.BaseURL,
		APIKey:    cfg.Completion.APIKey,
		Model:     cfg.Completion.Model,
		VerifyTLS: cfg.Completion.VerifyTLS,
		Timeout:   cfg.Completion.Timeout,
	})
}

func completionProbe(c *chat.Client) engine.ProbeFunc {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := c.ListModels(ctx)
		return err == nil
	}
}

// Close releases stores and executors in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// runRecorder stores pipeline run summaries in the run history.
type runRecorder struct {
	store *storage.Store
}

func (r runRecorder) RecordRun(ctx context.Context, s pipeline.Summary) error {
	return r.store.SaveRun(ctx, storage.Run{
		ID:          s.RunID,
		CacheID:     s.CacheID,
		Question:    s.Question,
		Outcome:     s.Outcome,
		FailedStage: s.FailedStage,
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		DurationMs:  s.Duration.Milliseconds(),
	})
}
