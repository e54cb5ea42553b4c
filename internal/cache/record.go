package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Field names one piece of cached state for a question.
type Field string

const (
	FieldQuestion  Field = "question"
	FieldSQL       Field = "sql"
	FieldResultSet Field = "resultset"
	FieldChart     Field = "chart"
	FieldFollowups Field = "followups"
)

// fieldOrder is the canonical order fields are produced in. Diagnostics list
// fields in this order.
var fieldOrder = []Field{FieldQuestion, FieldSQL, FieldResultSet, FieldChart, FieldFollowups}

// Fields returns every known field in canonical order.
func Fields() []Field {
	return slices.Clone(fieldOrder)
}

// Valid reports whether f is a known field.
func (f Field) Valid() bool {
	return slices.Contains(fieldOrder, f)
}

// ParseField converts a field name into a Field.
func ParseField(name string) (Field, error) {
	f := Field(name)
	if !f.Valid() {
		return "", fmt.Errorf("unknown cache field %q", name)
	}
	return f, nil
}

// Record is a point-in-time snapshot of the fields cached for one question.
// Values are stored encoded: question and sql as UTF-8 text, everything else
// as JSON.
type Record struct {
	ID     string
	fields map[Field][]byte
}

// NewRecord builds a Record from raw field values. The map is copied.
func NewRecord(id string, fields map[Field][]byte) Record {
	cp := make(map[Field][]byte, len(fields))
	for f, v := range fields {
		cp[f] = bytes.Clone(v)
	}
	return Record{ID: id, fields: cp}
}

// Has reports whether f has been written.
func (r Record) Has(f Field) bool {
	_, ok := r.fields[f]
	return ok
}

// Present returns the written fields in canonical order.
func (r Record) Present() []Field {
	var out []Field
	for _, f := range fieldOrder {
		if r.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// Raw returns the encoded value of f.
func (r Record) Raw(f Field) ([]byte, bool) {
	v, ok := r.fields[f]
	return v, ok
}

// Question returns the cached question text.
func (r Record) Question() (string, error) {
	return r.text(FieldQuestion)
}

// SQL returns the cached SQL text.
func (r Record) SQL() (string, error) {
	return r.text(FieldSQL)
}

func (r Record) text(f Field) (string, error) {
	raw, ok := r.fields[f]
	if !ok {
		return "", &FieldMissingError{ID: r.ID, Fields: []Field{f}}
	}
	return string(raw), nil
}

// ResultSet decodes the cached result set.
func (r Record) ResultSet() (ResultSet, error) {
	raw, ok := r.fields[FieldResultSet]
	if !ok {
		return ResultSet{}, &FieldMissingError{ID: r.ID, Fields: []Field{FieldResultSet}}
	}
	return DecodeResultSet(raw)
}

// Chart returns the cached chart artifact as raw JSON.
func (r Record) Chart() (json.RawMessage, error) {
	raw, ok := r.fields[FieldChart]
	if !ok {
		return nil, &FieldMissingError{ID: r.ID, Fields: []Field{FieldChart}}
	}
	return json.RawMessage(raw), nil
}

// Followups decodes the cached follow-up questions.
func (r Record) Followups() ([]string, error) {
	raw, ok := r.fields[FieldFollowups]
	if !ok {
		return nil, &FieldMissingError{ID: r.ID, Fields: []Field{FieldFollowups}}
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding followups: %w", err)
	}
	return out, nil
}
