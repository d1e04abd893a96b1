package index

import (
	"context"
	"testing"

	"github.com/biosleuth/biosleuth/internal/evidence"
	"github.com/biosleuth/biosleuth/internal/registry"
)

func seed(t *testing.T, store evidence.Store, idx *EvidenceIndex) []string {
	t.Helper()
	wrapped := WrapStore(store, idx)
	drafts := []evidence.Draft{
		{Source: "PMID:1", Context: []string{"metformin activates AMPK in hepatocytes"}, Answer: "metformin activates AMPK", RetrievalTool: "t"},
		{Source: "PMID:2", Context: []string{"rapamycin inhibits mTOR signalling"}, Answer: "rapamycin inhibits mTOR", RetrievalTool: "t"},
		{Source: "PMID:3", Context: []string{"AMPK phosphorylates ACC"}, Answer: "AMPK phosphorylates ACC", RetrievalTool: "t"},
	}
	ids := make([]string, 0, len(drafts))
	for _, d := range drafts {
		id, err := wrapped.Put(context.Background(), d)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestSearchFindsIndexedEvidence(t *testing.T) {
	store := evidence.NewMemoryStore()
	idx, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer idx.Close()
	seed(t, store, idx)

	hits, err := idx.Search(context.Background(), "AMPK", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 AMPK hits, got %d: %+v", len(hits), hits)
	}
	for _, h := range hits {
		if h.EvidenceID == "" || h.Answer == "" {
			t.Fatalf("hit not hydrated: %+v", h)
		}
	}
}

func TestSearchTool(t *testing.T) {
	store := evidence.NewMemoryStore()
	idx, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer idx.Close()
	seed(t, store, idx)

	reg := registry.New(nil)
	if err := reg.Register(idx.Tool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := reg.Invoke(context.Background(), "evidence_search", registry.Input{"query": "rapamycin"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	hits, ok := out["hits"].([]interface{})
	if !ok || len(hits) != 1 {
		t.Fatalf("unexpected tool output: %+v", out)
	}

	// Missing required query must fail schema validation.
	if _, err := reg.Invoke(context.Background(), "evidence_search", registry.Input{}); err == nil {
		t.Fatalf("expected schema rejection for missing query")
	}
}
