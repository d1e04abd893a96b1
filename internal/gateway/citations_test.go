package gateway

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseMarkers(t *testing.T) {
	text := "Insulin lowers glucose [id:aa11]. It was isolated in 1921 [id:bb22]. " +
		"Both findings are settled [id:aa11]."
	got := ParseMarkers(text)
	want := []string{"aa11", "bb22", "aa11"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseMarkers = %v, want %v", got, want)
	}

	if got := ParseMarkers("no markers here"); got != nil {
		t.Fatalf("expected nil for marker-free text, got %v", got)
	}
}

func TestVerifyMarkers(t *testing.T) {
	docs := []DocumentBlock{
		{ID: "aa11", Title: "Banting 1922"},
		{ID: "bb22", Title: "UniProt P01308"},
	}

	citations, err := VerifyMarkers("claim one [id:aa11]. claim two [id:bb22].", docs)
	if err != nil {
		t.Fatalf("VerifyMarkers: %v", err)
	}
	if len(citations) != 2 || citations[0].DocumentID != "aa11" {
		t.Fatalf("unexpected citations: %+v", citations)
	}

	_, err = VerifyMarkers("claim [id:cc33].", docs)
	if !errors.Is(err, ErrCitationUnmatched) {
		t.Fatalf("expected ErrCitationUnmatched, got %v", err)
	}
	if !strings.Contains(err.Error(), "cc33") {
		t.Fatalf("error should name the offending id: %v", err)
	}
}

func TestStripMarkers(t *testing.T) {
	got := StripMarkers("Insulin lowers glucose [id:aa11].")
	if got != "Insulin lowers glucose." {
		t.Fatalf("StripMarkers = %q", got)
	}
}

func TestRenderDocumentBlocks(t *testing.T) {
	out := RenderDocumentBlocks([]DocumentBlock{
		{ID: "aa11", Title: "PMID:123", Excerpts: []string{"first excerpt", "second excerpt"}},
	})
	for _, want := range []string{"[id:aa11]", "PMID:123", "first excerpt", "second excerpt"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered blocks missing %q:\n%s", want, out)
		}
	}
}
