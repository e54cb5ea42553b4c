package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
	"github.com/nichiyoo/open-webui-vanna/internal/chat"
	"github.com/nichiyoo/open-webui-vanna/internal/engine"
)

const (
	StageGenerateSQL = "generate_sql"
	StageExecuteSQL  = "execute_sql"
	StageFormat      = "format"
	StageChart       = "chart"
	StageFollowups   = "followups"
)

const maxFollowups = 3

const formatPrompt = `You are a data analyst answering questions about a SQL database.
You are given the user's question, the SQL query that was run to answer it, and
the first rows of its result as a markdown table. Answer the question in a few
sentences of markdown. Include a short table when it helps. Do not repeat the SQL
and do not invent rows that are not in the result. When the result says it stopped
at the row limit, say that counts and totals may be incomplete.`

const followupPrompt = `You suggest follow-up questions for a SQL database assistant.
Given a question, the SQL that answered it and a sample of the result, reply with
up to %d short follow-up questions the user could ask next, one per line, and
nothing else.`

func (p *Pipeline) defaultStages() []Stage {
	stages := []Stage{
		{
			Name:     StageGenerateSQL,
			Status:   "Generating SQL",
			Requires: []cache.Field{cache.FieldQuestion},
			Fatal:    true,
			Failure:  "Failed to generate SQL",
			Run:      p.generateSQL,
		},
		{
			Name:     StageExecuteSQL,
			Status:   "Running query",
			Requires: []cache.Field{cache.FieldSQL},
			Fatal:    true,
			Failure:  "Failed to run the query",
			Run:      p.executeSQL,
		},
		{
			Name:     StageFormat,
			Requires: []cache.Field{cache.FieldQuestion, cache.FieldSQL, cache.FieldResultSet},
			Fatal:    true,
			Failure:  "The answer stream was interrupted",
			Run:      p.format,
		},
		{
			Name:     StageChart,
			Status:   "Generating chart",
			Requires: []cache.Field{cache.FieldQuestion, cache.FieldSQL, cache.FieldResultSet},
			Timeout:  2 * time.Minute,
			Failure:  "Chart skipped",
			Run:      p.chart,
		},
	}
	if p.cfg.Followups {
		stages = append(stages, Stage{
			Name:     StageFollowups,
			Status:   "Suggesting follow-up questions",
			Requires: []cache.Field{cache.FieldQuestion, cache.FieldSQL, cache.FieldResultSet},
			Timeout:  time.Minute,
			Failure:  "Follow-up questions skipped",
			Run:      p.followups,
		})
	}
	return stages
}

func (p *Pipeline) generateSQL(ctx context.Context, s *Step) error {
	question, err := s.Record.Question()
	if err != nil {
		return err
	}
	sql, err := p.engine.GenerateSQL(ctx, question)
	if err != nil {
		return err
	}
	sql = strings.TrimSpace(sql)
	if err := s.Put(ctx, cache.FieldSQL, []byte(sql)); err != nil {
		return err
	}
	s.Content("```sql\n" + sql + "\n```\n\n")
	return nil
}

func (p *Pipeline) executeSQL(ctx context.Context, s *Step) error {
	sql, err := s.Record.SQL()
	if err != nil {
		return err
	}
	rs, err := p.engine.Execute(ctx, sql)
	if err != nil {
		return err
	}
	b, err := rs.Encode()
	if err != nil {
		return err
	}
	return s.Put(ctx, cache.FieldResultSet, b)
}

func (p *Pipeline) format(ctx context.Context, s *Step) error {
	msgs, err := p.dataMessages(s.Record, s.Prior, formatPrompt)
	if err != nil {
		return err
	}
	stream, err := p.relay.Open(ctx, msgs)
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Next() {
		if !s.Content(stream.Fragment()) {
			return errStopped
		}
	}
	return stream.Err()
}

func (p *Pipeline) chart(ctx context.Context, s *Step) error {
	rs, err := s.Record.ResultSet()
	if err != nil {
		return err
	}
	cc, err := chartContext(s.Record)
	if err != nil {
		return err
	}
	fig, err := p.engine.GenerateChart(ctx, rs, cc)
	if err != nil {
		return err
	}
	if !json.Valid(fig) {
		return fmt.Errorf("chart figure is not valid JSON")
	}
	if err := s.Put(ctx, cache.FieldChart, fig); err != nil {
		return err
	}
	s.Content("\n\n" + p.chartReference(s.ID, fig))
	return nil
}

func chartContext(rec cache.Record) (engine.ChartContext, error) {
	question, err := rec.Question()
	if err != nil {
		return engine.ChartContext{}, err
	}
	sql, err := rec.SQL()
	if err != nil {
		return engine.ChartContext{}, err
	}
	return engine.ChartContext{Question: question, SQL: sql}, nil
}

func (p *Pipeline) chartReference(id string, fig json.RawMessage) string {
	if p.cfg.ChartURL == "" {
		return "```json\n" + string(fig) + "\n```\n"
	}
	return fmt.Sprintf("[View chart](%s/api/charts/%s)\n", strings.TrimRight(p.cfg.ChartURL, "/"), id)
}

func (p *Pipeline) followups(ctx context.Context, s *Step) error {
	msgs, err := p.dataMessages(s.Record, nil, fmt.Sprintf(followupPrompt, maxFollowups))
	if err != nil {
		return err
	}
	out, err := p.relay.Collect(ctx, msgs)
	if err != nil {
		return err
	}
	questions := ParseFollowups(out, maxFollowups)
	if len(questions) == 0 {
		return fmt.Errorf("no follow-up questions in reply")
	}
	b, err := json.Marshal(questions)
	if err != nil {
		return err
	}
	if err := s.Put(ctx, cache.FieldFollowups, b); err != nil {
		return err
	}

	var text strings.Builder
	text.WriteString("\n**Follow-up questions**\n")
	for _, q := range questions {
		text.WriteString("- " + q + "\n")
	}
	s.Content(text.String())
	return nil
}

// dataMessages builds the prompt that shows the model a question and its
// result, after any earlier conversation turns.
func (p *Pipeline) dataMessages(rec cache.Record, prior []chat.Message, system string) ([]chat.Message, error) {
	rs, err := rec.ResultSet()
	if err != nil {
		return nil, err
	}
	cc, err := chartContext(rec)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nSQL:\n```sql\n%s\n```\n\n", cc.Question, cc.SQL)
	fmt.Fprintf(&b, "Result (%d rows", rs.Len())
	if rs.Truncated {
		b.WriteString(", stopped at the row limit so the query returned more")
	}
	if rs.Len() > p.cfg.PreviewRows {
		fmt.Fprintf(&b, ", first %d shown", p.cfg.PreviewRows)
	}
	b.WriteString("):\n")
	b.WriteString(rs.Markdown(p.cfg.PreviewRows))

	msgs := []chat.Message{{Role: "system", Content: system}}
	for _, m := range prior {
		if m.Role == "user" || m.Role == "assistant" {
			msgs = append(msgs, m)
		}
	}
	return append(msgs, chat.Message{Role: "user", Content: b.String()}), nil
}

// ParseFollowups extracts at most limit questions from a model reply with one
// question per line, dropping list markers and blank lines.
func ParseFollowups(reply string, limit int) []string {
	var out []string
	for line := range strings.Lines(reply) {
		line = stripListMarker(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == limit {
			break
		}
	}
	return out
}

func stripListMarker(line string) string {
	for _, bullet := range []string{"-", "*", "•"} {
		if rest, ok := strings.CutPrefix(line, bullet); ok {
			return strings.TrimSpace(rest)
		}
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}
