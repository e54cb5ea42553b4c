package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrEmptyQuestion is returned by Begin for blank input.
var ErrEmptyQuestion = errors.New("cache: question is empty")

// Gate is the single place where dependencies between cached fields are
// enforced. Callers declare the fields they need; the gate either returns a
// record holding all of them or fails naming every one that is absent.
type Gate struct {
	store Store
}

// NewGate wraps store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Store returns the underlying store for writes.
func (g *Gate) Store() Store {
	return g.store
}

// Begin derives the id for question and records the question text. Fields
// cached by earlier runs of the same question are kept; each stage overwrites
// its own field, so the latest write wins and a run already in flight for the
// same id still finds what it wrote.
func (g *Gate) Begin(ctx context.Context, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", ErrEmptyQuestion
	}
	id := DeriveID(question)
	if err := PutText(ctx, g.store, id, FieldQuestion, question); err != nil {
		return "", fmt.Errorf("writing question: %w", err)
	}
	return id, nil
}

// Require reads the record for id and checks that every field in fields has
// been written. It returns ErrRecordNotFound (wrapped) when nothing exists for
// id, and a *FieldMissingError listing all absent fields otherwise.
func (g *Gate) Require(ctx context.Context, id string, fields ...Field) (Record, error) {
	if id == "" {
		return Record{}, fmt.Errorf("%w: empty id", ErrInvalidKey)
	}
	rec, err := g.store.Read(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("reading record %s: %w", id, err)
	}

	var missing []Field
	for _, f := range canonical(fields) {
		if !rec.Has(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return Record{}, &FieldMissingError{ID: id, Fields: missing}
	}
	return rec, nil
}

// canonical de-duplicates fields and sorts known ones into production order.
func canonical(fields []Field) []Field {
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	slices.SortStableFunc(out, func(a, b Field) int {
		return rank(a) - rank(b)
	})
	return out
}

func rank(f Field) int {
	if i := slices.Index(fieldOrder, f); i >= 0 {
		return i
	}
	return len(fieldOrder)
}
