package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// markerPattern matches inline citation markers of the form [id:TOKEN].
var markerPattern = regexp.MustCompile(`\[id:([^\[\]\s]+)\]`)

// ParseMarkers returns the document ids referenced by inline citation
// markers, in order of appearance (duplicates preserved).
func ParseMarkers(text string) []string {
	matches := markerPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	return ids
}

// StripMarkers removes all citation markers from text, collapsing the
// whitespace left behind.
func StripMarkers(text string) string {
	out := markerPattern.ReplaceAllString(text, "")
	out = strings.ReplaceAll(out, "  ", " ")
	return strings.TrimSpace(out)
}

// VerifyMarkers checks that every marker in text names one of the allowed
// document ids. It returns the ordered citations on success and
// ErrCitationUnmatched naming the first offender otherwise.
func VerifyMarkers(text string, docs []DocumentBlock) ([]Citation, error) {
	allowed := make(map[string]bool, len(docs))
	for _, d := range docs {
		allowed[d.ID] = true
	}
	ids := ParseMarkers(text)
	citations := make([]Citation, 0, len(ids))
	for _, id := range ids {
		if !allowed[id] {
			return nil, fmt.Errorf("%w: %s", ErrCitationUnmatched, id)
		}
		citations = append(citations, Citation{DocumentID: id})
	}
	return citations, nil
}

// RenderDocumentBlocks formats document blocks for providers without
// native citation support. Each block is numbered by its opaque id so the
// model can emit [id:TOKEN] markers.
func RenderDocumentBlocks(docs []DocumentBlock) string {
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "DOCUMENT [id:%s] %s\n", d.ID, d.Title)
		for _, excerpt := range d.Excerpts {
			fmt.Fprintf(&b, "  - %s\n", excerpt)
		}
		b.WriteString("\n")
	}
	return b.String()
}
