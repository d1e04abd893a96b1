// Package evidence implements the append-only evidence store shared by
// worker agents and the report synthesizer. Records are immutable once
// written and addressed by opaque ids that are stable for the lifetime of
// the store.
package evidence

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is an immutable bundle of excerpts, a distilled answer, and
// provenance metadata. Records are never updated, only superseded.
type Record struct {
	ID            string    `json:"evidence_id"`
	Source        string    `json:"source"`
	Context       []string  `json:"context"`
	Answer        string    `json:"answer"`
	RetrievedAt   time.Time `json:"retrieved_at"`
	RetrievalTool string    `json:"retrieval_tool"`
}

// Draft carries the fields of a record before an id is assigned.
type Draft struct {
	Source        string   `json:"source"`
	Context       []string `json:"context"`
	Answer        string   `json:"answer"`
	RetrievalTool string   `json:"retrieval_tool"`
}

// Validate enforces the record invariants: non-empty context and answer.
func (d Draft) Validate() error {
	if len(d.Context) == 0 {
		return fmt.Errorf("evidence: context must not be empty")
	}
	for i, c := range d.Context {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("evidence: context excerpt %d is blank", i)
		}
	}
	if strings.TrimSpace(d.Answer) == "" {
		return fmt.Errorf("evidence: answer must not be empty")
	}
	return nil
}

// ErrNotFound indicates the requested evidence id has no stored record.
var ErrNotFound = errors.New("evidence: record not found")

// Lookup is one entry of a MultiGet result. Found is false when the id had
// no record; Record is the zero value in that case.
type Lookup struct {
	ID     string
	Record Record
	Found  bool
}

// Store is the shared mutable state between workers and the synthesizer.
// Put calls from parallel workers must all succeed; id assignment is
// arbitrary but total. Reads never block writes.
type Store interface {
	// Put assigns a fresh id, stores the record, and returns the id.
	// It never overwrites an existing record.
	Put(ctx context.Context, draft Draft) (string, error)

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// MultiGet resolves ids preserving input order, with not-found
	// placeholders for missing ids.
	MultiGet(ctx context.Context, ids []string) ([]Lookup, error)
}

// NewID returns a fresh opaque evidence id: a random 128-bit value rendered
// as a 32-character hex token, short enough to embed repeatedly in prose.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Resolve is a strict MultiGet: any missing id fails the whole call. The
// synthesizer uses it so stale references abort instead of degrading.
func Resolve(ctx context.Context, store Store, ids []string) ([]Record, error) {
	lookups, err := store.MultiGet(ctx, ids)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(lookups))
	for _, l := range lookups {
		if !l.Found {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, l.ID)
		}
		records = append(records, l.Record)
	}
	return records, nil
}
