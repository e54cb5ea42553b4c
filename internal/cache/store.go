// Package cache holds the per-question result cache: a pluggable Store of
// partially filled records keyed by a deterministic question id, and the Gate
// that enforces which fields must exist before a stage may read them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRecordNotFound is returned when nothing was ever written for an id.
	ErrRecordNotFound = errors.New("cache: record not found")

	// ErrStoreUnavailable wraps failures of the backing storage.
	ErrStoreUnavailable = errors.New("cache: store unavailable")

	// ErrInvalidKey is returned for an empty id or an unknown field.
	ErrInvalidKey = errors.New("cache: invalid key")
)

// FieldMissingError reports every required field absent from a record.
type FieldMissingError struct {
	ID     string
	Fields []Field
}

func (e *FieldMissingError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = string(f)
	}
	return fmt.Sprintf("cache: record %s is missing %s", e.ID, strings.Join(names, ", "))
}

// Store is the backing key-value storage for cache records. Implementations
// must be safe for concurrent use across distinct ids; concurrent writers to
// the same id are last-write-wins.
type Store interface {
	// Write upserts one field, creating the record if needed.
	Write(ctx context.Context, id string, field Field, value []byte) error

	// Read returns a snapshot of every field written for id, or
	// ErrRecordNotFound.
	Read(ctx context.Context, id string) (Record, error)

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, id string) error
}

// Sweeper is implemented by stores that need explicit expiry of old records.
type Sweeper interface {
	// Sweep deletes records last written before cutoff and returns how many
	// were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// PutText writes a UTF-8 text field.
func PutText(ctx context.Context, s Store, id string, f Field, v string) error {
	return s.Write(ctx, id, f, []byte(v))
}

// PutJSON writes v encoded as JSON.
func PutJSON(ctx context.Context, s Store, id string, f Field, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", f, err)
	}
	return s.Write(ctx, id, f, b)
}

// PutResultSet writes the canonical encoding of rs.
func PutResultSet(ctx context.Context, s Store, id string, rs ResultSet) error {
	b, err := rs.Encode()
	if err != nil {
		return fmt.Errorf("encoding result set: %w", err)
	}
	return s.Write(ctx, id, FieldResultSet, b)
}

// ValidateKey checks an id/field pair before it reaches a backend.
func ValidateKey(id string, f Field) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidKey)
	}
	if !f.Valid() {
		return fmt.Errorf("%w: unknown field %q", ErrInvalidKey, f)
	}
	return nil
}
