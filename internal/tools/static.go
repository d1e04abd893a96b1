// Package tools holds host-side tool builders. The engine itself ships
// no domain connectors; callers register their own executors. The static
// corpus tool here backs demos and tests with a canned literature set.
package tools

import (
	"context"
	"strings"

	"github.com/biosleuth/biosleuth/internal/registry"
)

// CorpusEntry is one canned document for a static search tool.
type CorpusEntry struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
}

// StaticSearchTool builds a keyword-matching search tool over a fixed
// corpus. Matching is case-insensitive substring over title and excerpt.
func StaticSearchTool(name, description string, corpus []CorpusEntry) registry.Tool {
	return registry.Tool{
		Name:        name,
		Description: description,
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"query"},
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "minLength": 1},
			},
		},
		OutputNote: "list of {id, title, excerpt}",
		Executor: func(ctx context.Context, in registry.Input) (registry.Output, error) {
			q, _ := in["query"].(string)
			terms := strings.Fields(strings.ToLower(q))
			var hits []interface{}
			for _, e := range corpus {
				haystack := strings.ToLower(e.Title + " " + e.Excerpt)
				for _, term := range terms {
					if strings.Contains(haystack, term) {
						hits = append(hits, map[string]interface{}{
							"id":      e.ID,
							"title":   e.Title,
							"excerpt": e.Excerpt,
						})
						break
					}
				}
			}
			return registry.Output{"hits": hits}, nil
		},
	}
}
