// Package pipeline runs a question through the ordered stages that turn it
// into SQL, a result set, a streamed answer and a chart, emitting progress
// and content events as it goes.
package pipeline

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
	"github.com/nichiyoo/open-webui-vanna/internal/chat"
	"github.com/nichiyoo/open-webui-vanna/internal/engine"
	"github.com/nichiyoo/open-webui-vanna/internal/fault"
	"github.com/nichiyoo/open-webui-vanna/internal/relay"
)

// DefaultTaskMarker prefixes maintenance prompts sent by the chat host, such
// as title or tag generation.
const DefaultTaskMarker = "### Task:"

// Outcomes reported to an Observer and a Recorder.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeAborted = "aborted"
	OutcomeTask    = "task"
)

// errStopped is returned by a stage when the consumer stopped reading.
var errStopped = errors.New("consumer stopped")

// Stage is one step of a run. The list of stages and their failure policy
// is data; Run has no per-stage control flow.
type Stage struct {
	Name string
	// Status is shown before the stage runs. Empty emits nothing.
	Status string
	// Requires lists the cached fields that must exist before Run is called.
	Requires []cache.Field
	// Fatal stages end the run on failure; others emit a skipped status.
	Fatal bool
	// Timeout bounds Run. Zero leaves the bound to the remote client.
	Timeout time.Duration
	// Failure is the user-facing text for a failed or skipped stage.
	Failure string
	Run     func(ctx context.Context, s *Step) error
}

// Step is what a stage sees while it runs.
type Step struct {
	ID     string
	Record cache.Record
	// Prior is the conversation that preceded the question.
	Prior []chat.Message

	store   cache.Store
	emit    func(Event) bool
	stopped bool
}

// Content sends text to the consumer. It returns false once the consumer
// has stopped reading; the stage should then return promptly.
func (s *Step) Content(text string) bool {
	if s.stopped {
		return false
	}
	if !s.emit(contentEvent(text)) {
		s.stopped = true
	}
	return !s.stopped
}

// Put writes one field of the record.
func (s *Step) Put(ctx context.Context, f cache.Field, value []byte) error {
	return s.store.Write(ctx, s.ID, f, value)
}

// Observer receives stage and run timings.
type Observer interface {
	StageFinished(stage, outcome string, d time.Duration)
	RunFinished(outcome string, d time.Duration)
}

// Summary describes a finished run.
type Summary struct {
	RunID       string
	CacheID     string
	Question    string
	Outcome     string
	FailedStage string
	Error       string
	StartedAt   time.Time
	Duration    time.Duration
}

// Recorder persists run summaries.
type Recorder interface {
	RecordRun(ctx context.Context, s Summary) error
}

// Config tunes a Pipeline.
type Config struct {
	// TaskMarker identifies maintenance prompts that bypass every stage.
	TaskMarker string
	// ChartURL is the public base URL charts are served from. When empty the
	// chart figure is emitted inline as JSON.
	ChartURL string
	// PreviewRows is how many rows the formatting prompt includes.
	PreviewRows int
	// Followups enables the follow-up question stage.
	Followups bool
}

// Pipeline runs questions through its stages.
type Pipeline struct {
	gate     *cache.Gate
	engine   engine.Engine
	relay    *relay.Relay
	cfg      Config
	stages   []Stage
	observer Observer
	recorder Recorder
	logger   *slog.Logger
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

func WithObserver(o Observer) Option { return func(p *Pipeline) { p.observer = o } }

func WithRecorder(r Recorder) Option { return func(p *Pipeline) { p.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithStages replaces the default stage table.
func WithStages(stages ...Stage) Option { return func(p *Pipeline) { p.stages = stages } }

// New creates a Pipeline with the default stage table.
func New(gate *cache.Gate, eng engine.Engine, rl *relay.Relay, cfg Config, opts ...Option) *Pipeline {
	if cfg.TaskMarker == "" {
		cfg.TaskMarker = DefaultTaskMarker
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = 10
	}
	p := &Pipeline{
		gate:   gate,
		engine: eng,
		relay:  rl,
		cfg:    cfg,
		logger: slog.Default(),
	}
	p.stages = p.defaultStages()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stages returns the stage names in run order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// IsTask reports whether question is a maintenance prompt rather than a
// user question.
func (p *Pipeline) IsTask(question string) bool {
	return strings.HasPrefix(strings.TrimSpace(question), p.cfg.TaskMarker)
}

// Run returns the ordered events for question. prior is the conversation
// that preceded it. The sequence is single-use; stopping the range stops the
// run before its next remote call.
func (p *Pipeline) Run(ctx context.Context, question string, prior []chat.Message) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		r := &run{
			p:     p,
			yield: yield,
			prior: prior,
			sum: Summary{
				RunID:     uuid.NewString(),
				Question:  question,
				StartedAt: time.Now(),
			},
		}
		r.log = p.logger.With("run_id", r.sum.RunID)

		if p.IsTask(question) {
			r.task(ctx, append(prior[:len(prior):len(prior)], chat.Message{Role: "user", Content: question}))
		} else {
			r.stages(ctx)
		}
		r.finish(ctx)
	}
}

type run struct {
	p       *Pipeline
	yield   func(Event) bool
	prior   []chat.Message
	stopped bool
	sum     Summary
	log     *slog.Logger
}

func (r *run) emit(ev Event) bool {
	if r.stopped {
		return false
	}
	if !r.yield(ev) {
		r.stopped = true
	}
	return !r.stopped
}

func (r *run) task(ctx context.Context, msgs []chat.Message) {
	r.sum.Outcome = OutcomeTask
	stream, err := r.p.relay.Open(ctx, msgs)
	if err != nil {
		r.fail(ctx, "task", "Failed to answer the request", err)
		return
	}
	defer stream.Close()

	for stream.Next() {
		if !r.emit(contentEvent(stream.Fragment())) {
			r.sum.Outcome = OutcomeAborted
			return
		}
	}
	if err := stream.Err(); err != nil {
		r.fail(ctx, "task", "The answer stream was interrupted", err)
	}
}

func (r *run) stages(ctx context.Context) {
	store := r.p.gate.Store()
	id, err := r.p.gate.Begin(ctx, r.sum.Question)
	if err != nil {
		r.fail(ctx, "cache", "Could not start the question", err)
		return
	}
	r.sum.CacheID = id
	r.log = r.log.With("cache_id", id)

	for _, st := range r.p.stages {
		if st.Status != "" && !r.emit(statusEvent(st.Name, StateInProgress, st.Status, false)) {
			r.sum.Outcome = OutcomeAborted
			return
		}

		start := time.Now()
		err := r.runStage(ctx, st, store, id)
		outcome := OutcomeOK
		switch {
		case r.stopped:
			outcome = OutcomeAborted
		case err != nil && st.Fatal:
			outcome = OutcomeFailed
		case err != nil:
			outcome = OutcomeSkipped
		}
		if r.p.observer != nil {
			r.p.observer.StageFinished(st.Name, outcome, time.Since(start))
		}

		switch outcome {
		case OutcomeAborted:
			r.sum.Outcome = OutcomeAborted
			return
		case OutcomeFailed:
			r.fail(ctx, st.Name, st.Failure, err)
			return
		case OutcomeSkipped:
			r.log.Warn("stage skipped", "stage", st.Name, "error", err)
			if !r.emit(statusEvent(st.Name, StateSkipped, st.Failure, false)) {
				r.sum.Outcome = OutcomeAborted
				return
			}
		default:
			r.log.Debug("stage complete", "stage", st.Name, "duration", time.Since(start))
		}
	}

	r.sum.Outcome = OutcomeOK
	r.emit(statusEvent(StageDone, StateComplete, "Done", true))
}

func (r *run) runStage(ctx context.Context, st Stage, store cache.Store, id string) error {
	rec, err := r.p.gate.Require(ctx, id, st.Requires...)
	if err != nil {
		return err
	}
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}
	step := &Step{ID: id, Record: rec, Prior: r.prior, store: store, emit: r.emit}
	err = st.Run(ctx, step)
	if step.stopped {
		return errStopped
	}
	return err
}

// fail emits the explanatory message and terminal status for a fatal error.
// Nothing is emitted when the caller has gone away.
func (r *run) fail(ctx context.Context, stage, msg string, err error) {
	r.sum.FailedStage = stage
	r.sum.Error = err.Error()
	if ctx.Err() != nil {
		r.sum.Outcome = OutcomeAborted
		r.log.Info("run canceled", "stage", stage, "error", err)
		return
	}
	r.sum.Outcome = OutcomeFailed
	r.log.Error("stage failed", "stage", stage, "error", err)

	if !r.emit(Event{Kind: KindError, Content: msg + ": " + describe(err) + "."}) {
		return
	}
	r.emit(statusEvent(stage, StateFailed, msg, true))
}

// describe extends fault.Describe with cache failures, naming every missing
// field.
func describe(err error) string {
	var missing *cache.FieldMissingError
	switch {
	case errors.As(err, &missing):
		names := make([]string, len(missing.Fields))
		for i, f := range missing.Fields {
			names[i] = string(f)
		}
		return "this question is missing cached " + strings.Join(names, ", ")
	case errors.Is(err, cache.ErrRecordNotFound):
		return "nothing is cached for this question"
	case errors.Is(err, engine.ErrUntrackedSQL):
		return "the engine no longer knows this query, ask the question again"
	default:
		return fault.Describe(err)
	}
}

func (r *run) finish(ctx context.Context) {
	r.sum.Duration = time.Since(r.sum.StartedAt)
	if r.p.observer != nil {
		r.p.observer.RunFinished(r.sum.Outcome, r.sum.Duration)
	}
	if r.p.recorder != nil {
		if err := r.p.recorder.RecordRun(context.WithoutCancel(ctx), r.sum); err != nil {
			r.log.Warn("recording run", "error", err)
		}
	}
	r.log.Info("run finished", "outcome", r.sum.Outcome, "duration_ms", r.sum.Duration.Milliseconds())
}
