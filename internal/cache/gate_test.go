package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// text calls a text accessor and fails the test if the field is absent.
func text(t *testing.T, read func() (string, error)) string {
	t.Helper()
	v, err := read()
	require.NoError(t, err)
	return v
}

func TestDeriveID_Deterministic(t *testing.T) {
	questions := []string{"", "How many customers?", "how many customers?", "How many customers? "}
	seen := make(map[string]string)
	for _, q := range questions {
		id := DeriveID(q)
		assert.Equal(t, id, DeriveID(q), "DeriveID(%q) not repeatable", q)
		assert.Len(t, id, 32)
		if prev, ok := seen[id]; ok {
			t.Fatalf("DeriveID collision between %q and %q", prev, q)
		}
		seen[id] = q
	}
}

func TestGate_RequireRoundTrip(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryStore())

	id, err := g.Begin(ctx, "Top 5 artists by sales")
	require.NoError(t, err)
	require.NoError(t, PutText(ctx, g.Store(), id, FieldSQL, "SELECT 1"))

	rec, err := g.Require(ctx, id, FieldQuestion, FieldSQL)
	require.NoError(t, err)
	assert.Equal(t, "Top 5 artists by sales", text(t, rec.Question))
	assert.Equal(t, "SELECT 1", text(t, rec.SQL))
	assert.Equal(t, []Field{FieldQuestion, FieldSQL}, rec.Present())
}

func TestGate_RequireMissingField(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryStore())

	id, err := g.Begin(ctx, "Top 5 artists by sales")
	require.NoError(t, err)
	require.NoError(t, PutText(ctx, g.Store(), id, FieldSQL, "SELECT 1"))

	_, err = g.Require(ctx, id, FieldQuestion, FieldSQL, FieldResultSet)
	var missing *FieldMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, id, missing.ID)
	assert.Equal(t, []Field{FieldResultSet}, missing.Fields)
}

func TestGate_RequireListsEveryMissingField(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryStore())

	id, err := g.Begin(ctx, "q")
	require.NoError(t, err)

	_, err = g.Require(ctx, id, FieldChart, FieldSQL, FieldQuestion, FieldResultSet, FieldSQL)
	var missing *FieldMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []Field{FieldSQL, FieldResultSet, FieldChart}, missing.Fields)
	assert.Contains(t, err.Error(), "sql, resultset, chart")
}

func TestGate_RequireRecordNotFound(t *testing.T) {
	g := NewGate(NewMemoryStore())

	_, err := g.Require(context.Background(), DeriveID("never asked"), FieldQuestion)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	var missing *FieldMissingError
	assert.False(t, errors.As(err, &missing))
}

func TestGate_BeginKeepsFieldsOfRunInFlight(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryStore())

	id, err := g.Begin(ctx, "q")
	require.NoError(t, err)
	require.NoError(t, PutText(ctx, g.Store(), id, FieldSQL, "SELECT 1"))

	again, err := g.Begin(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	rec, err := g.Require(ctx, id, FieldQuestion, FieldSQL)
	require.NoError(t, err, "a second Begin must not take away fields the first run wrote")
	assert.Equal(t, "SELECT 1", text(t, rec.SQL))

	require.NoError(t, PutText(ctx, g.Store(), id, FieldSQL, "SELECT 2"))
	rec, err = g.Require(ctx, id, FieldSQL)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", text(t, rec.SQL), "later write wins")
}

func TestGate_ConcurrentBeginSameQuestion(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryStore())
	id := DeriveID("q")
	require.NoError(t, PutText(ctx, g.Store(), id, FieldSQL, "SELECT 1"))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Begin(ctx, "q")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := g.Require(ctx, id, FieldQuestion, FieldSQL)
	assert.NoError(t, err)
}

func TestGate_BeginRejectsBlankQuestion(t *testing.T) {
	_, err := NewGate(NewMemoryStore()).Begin(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestMemoryStore_InvalidKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.ErrorIs(t, s.Write(ctx, "", FieldSQL, nil), ErrInvalidKey)
	assert.ErrorIs(t, s.Write(ctx, "x", Field("nope"), nil), ErrInvalidKey)
}

func TestMemoryStore_ReadIsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, PutText(ctx, s, "x", FieldSQL, "SELECT 1"))

	rec, err := s.Read(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, PutText(ctx, s, "x", FieldSQL, "SELECT 2"))

	assert.Equal(t, "SELECT 1", text(t, rec.SQL))
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	require.NoError(t, PutText(ctx, s, "old", FieldQuestion, "old"))
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	require.NoError(t, PutText(ctx, s, "new", FieldQuestion, "new"))

	n, err := s.Sweep(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Read(ctx, "old")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = s.Read(ctx, "new")
	assert.NoError(t, err)
}

func TestMemoryStore_ConcurrentDistinctIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := DeriveID(fmt.Sprintf("question %d", i))
			for _, f := range []Field{FieldQuestion, FieldSQL, FieldChart} {
				if err := PutText(ctx, s, id, f, string(f)); err != nil {
					t.Errorf("write %s: %v", f, err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
	for i := range 50 {
		rec, err := s.Read(ctx, DeriveID(fmt.Sprintf("question %d", i)))
		require.NoError(t, err)
		assert.Len(t, rec.Present(), 3)
	}
}
