package api

import (
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nichiyoo/open-webui-vanna/internal/chat"
	"github.com/nichiyoo/open-webui-vanna/internal/metrics"
	"github.com/nichiyoo/open-webui-vanna/internal/pipeline"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ModelID is the single model advertised on /v1/models.
const ModelID = "vanna-sql"

// ChatDeps holds dependencies for the OpenAI-compatible routes.
type ChatDeps struct {
	Pipeline *pipeline.Pipeline
	Limiter  *rate.Limiter    // optional; nil disables rate limiting
	Metrics  *metrics.Metrics // optional; also serves /metrics when set
	Token    string           // optional; guards /v1 when set. /health and /metrics stay public.
}

// NewOpenAIHandler returns an http.Handler implementing the subset of the
// OpenAI REST API a chat frontend needs. Each chat completion request is
// answered by one pipeline run over the latest user message.
func NewOpenAIHandler(deps ChatDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/v1/models", handleModels)
		r.Post("/v1/chat/completions", handleChatCompletions(deps))
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, chat.ModelList{
		Object: "list",
		Data:   []chat.Model{{ID: ModelID, Object: "model", OwnedBy: "vanna"}},
	})
}

func handleChatCompletions(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chat.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}
		question, prior := splitConversation(req.Messages)
		if strings.TrimSpace(question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no user message to answer")
			return
		}

		if deps.Limiter != nil && !deps.Limiter.Allow() {
			if deps.Metrics != nil {
				deps.Metrics.RateLimited.Inc()
			}
			w.Header().Set("Retry-After", "1")
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many requests, retry shortly")
			return
		}
		if deps.Metrics != nil {
			deps.Metrics.ActiveRuns.Inc()
			defer deps.Metrics.ActiveRuns.Dec()
		}

		model := req.Model
		if model == "" {
			model = ModelID
		}
		c := completion{id: "chatcmpl-" + uuid.NewString(), model: model, created: time.Now().Unix()}
		events := deps.Pipeline.Run(r.Context(), question, prior)

		if req.Stream {
			streamRun(w, c, events)
		} else {
			collectRun(w, c, events)
		}
	}
}

// splitConversation returns the last user message and everything before it.
func splitConversation(msgs []chat.Message) (string, []chat.Message) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content, msgs[:i]
		}
	}
	return "", nil
}

type completion struct {
	id      string
	model   string
	created int64
}

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Event   *statusFrame  `json:"event,omitempty"`
}

type chunkChoice struct {
	Index        int     `json:"index"`
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// statusFrame mirrors the status event shape chat frontends render as a
// progress line above the answer.
type statusFrame struct {
	Type string          `json:"type"`
	Data pipeline.Status `json:"data"`
}

func (c completion) chunk() chunk {
	return chunk{ID: c.id, Object: "chat.completion.chunk", Created: c.created, Model: c.model, Choices: []chunkChoice{}}
}

func (c completion) frame(ev pipeline.Event) chunk {
	ch := c.chunk()
	switch ev.Kind {
	case pipeline.KindStatus:
		ch.Event = &statusFrame{Type: "status", Data: ev.Status}
	default:
		ch.Choices = []chunkChoice{{Delta: delta{Content: ev.Content}}}
	}
	return ch
}

func streamRun(w http.ResponseWriter, c completion, events iter.Seq[pipeline.Event]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(v any) bool {
		b, err := json.Marshal(v)
		if err != nil {
			slog.Error("encoding stream frame", "error", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	first := c.chunk()
	first.Choices = []chunkChoice{{Delta: delta{Role: "assistant"}}}
	if !send(first) {
		return
	}
	for ev := range events {
		if !send(c.frame(ev)) {
			slog.Debug("client went away mid-stream", "completion_id", c.id)
			return
		}
	}

	stop := "stop"
	last := c.chunk()
	last.Choices = []chunkChoice{{Delta: delta{}, FinishReason: &stop}}
	if send(last) {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func collectRun(w http.ResponseWriter, c completion, events iter.Seq[pipeline.Event]) {
	var b strings.Builder
	for ev := range events {
		if ev.Kind != pipeline.KindStatus {
			b.WriteString(ev.Content)
		}
	}
	writeJSON(w, map[string]any{
		"id":      c.id,
		"object":  "chat.completion",
		"created": c.created,
		"model":   c.model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       chat.Message{Role: "assistant", Content: b.String()},
			"finish_reason": "stop",
		}},
	})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
