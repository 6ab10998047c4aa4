package ingest

import (
	"reflect"
	"testing"

	"github.com/nlehoang/diamondwire/internal/kb"
)

// TestNormalize_TypeMapping verifies source tags map onto the canonical
// enumeration case-insensitively.
func TestNormalize_TypeMapping(t *testing.T) {
	res := Normalize([]RawRecord{
		{Type: "IPv4", Value: "1.2.3.4"},
		{Type: "hostname", Value: "evil.example"},
		{Type: "FileHash-SHA256", Value: "ab"},
		{Type: "URI", Value: "http://evil.example/p"},
	})
	if res.Skipped != 0 || res.Deduplicated != 0 {
		t.Fatalf("clean input should have zero counters, got %+v", res)
	}
	want := []kb.IndicatorType{kb.TypeIPv4, kb.TypeDomain, kb.TypeSHA256, kb.TypeURL}
	for i, c := range res.Candidates {
		if c.Type != want[i] {
			t.Errorf("candidate %d: want type %s, got %s", i, want[i], c.Type)
		}
	}
}

// TestNormalize_SkipsUnsupported verifies unknown types and empty values
// are dropped and counted, never an error.
func TestNormalize_SkipsUnsupported(t *testing.T) {
	res := Normalize([]RawRecord{
		{Type: "email", Value: "a@b.c"},
		{Type: "ipv4", Value: ""},
		{Type: "ipv4", Value: "1.2.3.4"},
	})
	if res.Skipped != 2 {
		t.Errorf("expected 2 skipped, got %d", res.Skipped)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(res.Candidates))
	}
}

// TestNormalize_DedupLastWins verifies in-batch duplicates collapse to
// one candidate carrying the last record's fields at the first
// occurrence's position.
func TestNormalize_DedupLastWins(t *testing.T) {
	res := Normalize([]RawRecord{
		{Type: "ipv4", Value: "1.2.3.4", Context: "first sighting"},
		{Type: "domain", Value: "evil.example"},
		{Type: "ip", Value: "1.2.3.4", Context: "second sighting"},
	})
	if res.Deduplicated != 1 {
		t.Errorf("expected 1 deduplicated, got %d", res.Deduplicated)
	}
	want := []kb.Indicator{
		{Type: kb.TypeIPv4, Value: "1.2.3.4", Description: "second sighting"},
		{Type: kb.TypeDomain, Value: "evil.example"},
	}
	if !reflect.DeepEqual(res.Candidates, want) {
		t.Errorf("candidates mismatch:\n got %+v\nwant %+v", res.Candidates, want)
	}
}

// TestNormalize_Deterministic verifies the same input always yields the
// same output slice.
func TestNormalize_Deterministic(t *testing.T) {
	in := []RawRecord{
		{Type: "ipv4", Value: "1.1.1.1"},
		{Type: "ipv4", Value: "2.2.2.2"},
		{Type: "ipv4", Value: "1.1.1.1"},
		{Type: "badtype", Value: "x"},
	}
	first := Normalize(in)
	for i := 0; i < 5; i++ {
		if got := Normalize(in); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d diverged:\n got %+v\nwant %+v", i, got, first)
		}
	}
}

// TestNormalize_Empty verifies empty input yields an empty result.
func TestNormalize_Empty(t *testing.T) {
	res := Normalize(nil)
	if len(res.Candidates) != 0 || res.Skipped != 0 || res.Deduplicated != 0 {
		t.Errorf("empty input should yield zero result, got %+v", res)
	}
}
