package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists evidence records in the evidence_records table.
// The primary-key constraint enforces uniqueness of id assignment; inserts
// never touch existing rows.
type PostgresStore struct {
	db    *sql.DB
	runID string
	clock func() time.Time
}

// NewPostgresStore scopes a store to a run id.
func NewPostgresStore(db *sql.DB, runID string) *PostgresStore {
	return &PostgresStore{db: db, runID: runID, clock: time.Now}
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, draft Draft) (string, error) {
	if err := draft.Validate(); err != nil {
		return "", err
	}
	contextJSON, err := json.Marshal(draft.Context)
	if err != nil {
		return "", err
	}
	retrievedAt := s.clock().UTC()
	for attempt := 0; attempt < 5; attempt++ {
		id := NewID()
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO evidence_records (id, run_id, source, context, answer, retrieved_at, retrieval_tool)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			id, s.runID, draft.Source, contextJSON, draft.Answer, retrievedAt, draft.RetrievalTool)
		if err == nil {
			return id, nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			continue
		}
		return "", fmt.Errorf("evidence: postgres put: %w", err)
	}
	return "", fmt.Errorf("evidence: postgres put: id space exhausted")
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, context, answer, retrieved_at, retrieval_tool
		 FROM evidence_records WHERE id = $1 AND run_id = $2`, id, s.runID)
	return scanRecord(row)
}

// MultiGet implements Store.
func (s *PostgresStore) MultiGet(ctx context.Context, ids []string) ([]Lookup, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, context, answer, retrieved_at, retrieval_tool
		 FROM evidence_records WHERE run_id = $1 AND id = ANY($2)`,
		s.runID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("evidence: postgres multi_get: %w", err)
	}
	defer rows.Close()
	byID := make(map[string]Record, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: postgres multi_get: %w", err)
	}
	out := make([]Lookup, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		out = append(out, Lookup{ID: id, Record: rec, Found: ok})
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var contextJSON []byte
	err := row.Scan(&rec.ID, &rec.Source, &contextJSON, &rec.Answer, &rec.RetrievedAt, &rec.RetrievalTool)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("evidence: postgres scan: %w", err)
	}
	if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
		return Record{}, fmt.Errorf("evidence: postgres decode context: %w", err)
	}
	rec.RetrievedAt = rec.RetrievedAt.UTC()
	return rec, nil
}
