package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ResultSet is the canonical in-memory form of an executed query's output.
// Textual encodings (JSON records, markdown, dtype summaries) are produced on
// demand at the boundary that needs them; only this form is cached.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	// Truncated is set when the executor stopped reading before the query
	// ran out of rows.
	Truncated bool `json:"truncated,omitempty"`
}

// DecodeResultSet parses the JSON produced by Encode. Numbers are kept as
// json.Number so integer columns survive the round trip.
func DecodeResultSet(raw []byte) (ResultSet, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rs ResultSet
	if err := dec.Decode(&rs); err != nil {
		return ResultSet{}, fmt.Errorf("decoding result set: %w", err)
	}
	return rs, nil
}

// Encode returns the JSON form stored in the cache.
func (rs ResultSet) Encode() ([]byte, error) {
	if rs.Columns == nil {
		rs.Columns = []string{}
	}
	if rs.Rows == nil {
		rs.Rows = [][]any{}
	}
	return json.Marshal(rs)
}

// Len returns the number of rows.
func (rs ResultSet) Len() int {
	return len(rs.Rows)
}

// Head returns a ResultSet holding at most n rows. n <= 0 means all rows.
func (rs ResultSet) Head(n int) ResultSet {
	if n <= 0 || n >= len(rs.Rows) {
		return rs
	}
	return ResultSet{Columns: rs.Columns, Rows: rs.Rows[:n], Truncated: rs.Truncated}
}

// Records returns the first limit rows as column-keyed maps.
func (rs ResultSet) Records(limit int) []map[string]any {
	head := rs.Head(limit)
	out := make([]map[string]any, 0, len(head.Rows))
	for _, row := range head.Rows {
		m := make(map[string]any, len(rs.Columns))
		for i, col := range rs.Columns {
			if i < len(row) {
				m[col] = row[i]
			} else {
				m[col] = nil
			}
		}
		out = append(out, m)
	}
	return out
}

// RecordsJSON encodes Records(limit) as a JSON array.
func (rs ResultSet) RecordsJSON(limit int) (string, error) {
	b, err := json.Marshal(rs.Records(limit))
	if err != nil {
		return "", fmt.Errorf("encoding records: %w", err)
	}
	return string(b), nil
}

// Markdown renders the first limit rows as a GitHub-flavored markdown table.
func (rs ResultSet) Markdown(limit int) string {
	if len(rs.Columns) == 0 {
		return "_(no columns)_"
	}
	var b strings.Builder
	b.WriteString("|")
	for _, c := range rs.Columns {
		b.WriteString(" " + escapeCell(c) + " |")
	}
	b.WriteString("\n|")
	for range rs.Columns {
		b.WriteString(" --- |")
	}
	for _, row := range rs.Head(limit).Rows {
		b.WriteString("\n|")
		for i := range rs.Columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			b.WriteString(" " + escapeCell(formatCell(v)) + " |")
		}
	}
	return b.String()
}

// DTypes describes the inferred type of every column, one "name: type" line
// per column, in the spirit of a dataframe's dtypes listing.
func (rs ResultSet) DTypes() string {
	var b strings.Builder
	for i, c := range rs.Columns {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", c, rs.columnType(i))
	}
	return b.String()
}

func (rs ResultSet) columnType(col int) string {
	for _, row := range rs.Rows {
		if col >= len(row) || row[col] == nil {
			continue
		}
		switch v := row[col].(type) {
		case json.Number:
			if _, err := v.Int64(); err == nil {
				return "int64"
			}
			return "float64"
		case int, int32, int64, uint, uint32, uint64:
			return "int64"
		case float32, float64:
			return "float64"
		case bool:
			return "bool"
		case time.Time:
			return "datetime64"
		default:
			return "object"
		}
	}
	return "object"
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
