// Package store provides the SQLite-backed indexed store: the relational
// mirror of the journal plus its FTS5 full-text index.
package store

import (
	"errors"
	"strings"
	"time"
)

// SchemaVersion is the version this code writes into schema_meta.
const SchemaVersion = 3

// Trigger names the schema guard requires.
var RequiredTriggers = []string{"memory_ai", "memory_bu", "memory_au", "memory_bd"}

var (
	// ErrNotFound is returned for get, update or delete of an unknown id.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a record's fingerprint is already stored.
	ErrDuplicate = errors.New("duplicate record")
	// ErrConstraint marks a row invariant violated at the database.
	ErrConstraint = errors.New("store constraint")
	// ErrSchemaGuard is returned at open when the schema version or a
	// required trigger is missing.
	ErrSchemaGuard = errors.New("schema guard")
	// ErrIntegrity marks an index that disagrees with its content table.
	ErrIntegrity = errors.New("integrity failure")
	// ErrReadOnly is returned for writes against a store opened with writes forbidden.
	ErrReadOnly = errors.New("store is read-only")
)

// Options configures Open.
type Options struct {
	Path            string
	RequiredVersion int
	BusyTimeout     time.Duration
	// WriteForbidden opens every connection with query_only set.
	WriteForbidden bool
}

// Order selects the ranking of full-text results.
type Order int

const (
	// OrderRank sorts by bm25, then newest first.
	OrderRank Order = iota
	// OrderRecent sorts newest first.
	OrderRecent
)

// MatchParams holds parameters for a full-text search.
type MatchParams struct {
	Expr   string
	Role   string
	Tag    string
	From   int64 // inclusive, 0 means unbounded
	To     int64 // inclusive, 0 means unbounded
	Limit  int
	Offset int
	Order  Order
}

// FilterParams holds parameters for a listing without full-text matching.
type FilterParams struct {
	Role   string
	Tag    string
	From   int64
	To     int64
	Limit  int
	Offset int
}

// Hit is a matched row with its engine score (lower is better for bm25).
type Hit struct {
	ID    int64
	Score float64
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: memory.fp"):
		return errors.Join(ErrDuplicate, err)
	case strings.Contains(msg, "attempt to write a readonly database"):
		return errors.Join(ErrReadOnly, err)
	case strings.Contains(msg, "constraint failed"):
		return errors.Join(ErrConstraint, err)
	}
	return err
}
