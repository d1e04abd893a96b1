// Package index maintains a BM25 full-text index over evidence records,
// backing the evidence_search tool that lets workers rediscover findings
// from earlier sections of the same run.
package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/biosleuth/biosleuth/internal/evidence"
	"github.com/biosleuth/biosleuth/internal/registry"
)

// Hit is one search result.
type Hit struct {
	EvidenceID string  `json:"evidence_id"`
	Source     string  `json:"source"`
	Answer     string  `json:"answer"`
	Score      float64 `json:"score"`
}

type indexDoc struct {
	Source  string `json:"source"`
	Context string `json:"context"`
	Answer  string `json:"answer"`
}

// EvidenceIndex is an in-memory BM25 index keyed by evidence id.
type EvidenceIndex struct {
	mu    sync.RWMutex
	bleve bleve.Index
	store evidence.Store
}

// New creates an empty in-memory index over the given store.
func New(store evidence.Store) (*EvidenceIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("bleve index: %w", err)
	}
	return &EvidenceIndex{bleve: idx, store: store}, nil
}

// Add indexes one record under its evidence id.
func (x *EvidenceIndex) Add(rec evidence.Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	joined := ""
	for _, c := range rec.Context {
		joined += c + "\n"
	}
	return x.bleve.Index(rec.ID, indexDoc{
		Source:  rec.Source,
		Context: joined,
		Answer:  rec.Answer,
	})
}

// Search runs a query-string search and hydrates the hits from the
// evidence store.
func (x *EvidenceIndex) Search(ctx context.Context, q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	x.mu.RLock()
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := x.bleve.Search(req)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("evidence search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		rec, err := x.store.Get(ctx, h.ID)
		if err != nil {
			// The index can briefly lag the store; skip unresolvable ids.
			continue
		}
		hits = append(hits, Hit{
			EvidenceID: rec.ID,
			Source:     rec.Source,
			Answer:     rec.Answer,
			Score:      h.Score,
		})
	}
	return hits, nil
}

// Close releases the index.
func (x *EvidenceIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.bleve.Close()
}

// Tool exposes the index as a registry tool named evidence_search.
func (x *EvidenceIndex) Tool() registry.Tool {
	return registry.Tool{
		Name:        "evidence_search",
		Description: "Search evidence already gathered in this run by keyword. Returns evidence ids with their distilled answers.",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"query"},
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "minLength": 1},
				"limit": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 20},
			},
		},
		OutputNote: "list of {evidence_id, source, answer, score}",
		Executor: func(ctx context.Context, in registry.Input) (registry.Output, error) {
			q, _ := in["query"].(string)
			limit := 5
			if v, ok := in["limit"].(float64); ok {
				limit = int(v)
			}
			hits, err := x.Search(ctx, q, limit)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(hits))
			for _, h := range hits {
				out = append(out, map[string]interface{}{
					"evidence_id": h.EvidenceID,
					"source":      h.Source,
					"answer":      h.Answer,
					"score":       h.Score,
				})
			}
			return registry.Output{"hits": out}, nil
		},
	}
}

// IndexingStore wraps an evidence store so every Put also lands in the
// index.
type IndexingStore struct {
	evidence.Store
	index *EvidenceIndex
}

// WrapStore returns a store that mirrors writes into the index.
func WrapStore(store evidence.Store, idx *EvidenceIndex) *IndexingStore {
	return &IndexingStore{Store: store, index: idx}
}

func (s *IndexingStore) Put(ctx context.Context, draft evidence.Draft) (string, error) {
	id, err := s.Store.Put(ctx, draft)
	if err != nil {
		return "", err
	}
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return id, nil
	}
	if err := s.index.Add(rec); err != nil {
		// Index lag is tolerable; the store remains authoritative.
		return id, nil
	}
	return id, nil
}
