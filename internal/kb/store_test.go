package kb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kb.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open should succeed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustResolve(t *testing.T, ids map[string]int64, key string) int64 {
	t.Helper()
	id, ok := ids[key]
	if !ok {
		t.Fatalf("key %q should have resolved", key)
	}
	return id
}

// TestInsertAdversaries_NoClobber verifies that re-inserting an existing
// name neither fails nor overwrites the original row.
func TestInsertAdversaries_NoClobber(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := []Adversary{{Name: "APT-X", Description: "original", Aliases: []string{"GroupX"}}}
	if err := s.InsertAdversaries(ctx, first); err != nil {
		t.Fatalf("insert should succeed: %v", err)
	}
	again := []Adversary{{Name: "APT-X", Description: "clobbered"}}
	if err := s.InsertAdversaries(ctx, again); err != nil {
		t.Fatalf("duplicate insert should be a no-op, got: %v", err)
	}

	adv, err := s.AdversaryByName(ctx, "APT-X")
	if err != nil {
		t.Fatalf("lookup should succeed: %v", err)
	}
	if adv == nil || adv.Description != "original" {
		t.Errorf("original row should survive, got %+v", adv)
	}
	if len(adv.Aliases) != 1 || adv.Aliases[0] != "GroupX" {
		t.Errorf("aliases should round-trip, got %v", adv.Aliases)
	}
}

// TestIndicatorByValue_Missing verifies a miss returns nil without error.
func TestIndicatorByValue_Missing(t *testing.T) {
	s := testStore(t)

	ind, err := s.IndicatorByValue(context.Background(), "9.9.9.9")
	if err != nil {
		t.Fatalf("miss should not error: %v", err)
	}
	if ind != nil {
		t.Errorf("miss should return nil, got %+v", ind)
	}
}

// TestBatchLookups verifies set lookups return only existing keys and
// tolerate empty input without I/O errors.
func TestBatchLookups(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertIndicators(ctx, []Indicator{
		{Type: TypeIPv4, Value: "1.2.3.4"},
		{Type: TypeDomain, Value: "evil.example"},
	}); err != nil {
		t.Fatalf("insert should succeed: %v", err)
	}

	ids, err := s.IndicatorIDsByValue(ctx, []string{"1.2.3.4", "evil.example", "missing.example"})
	if err != nil {
		t.Fatalf("batch lookup should succeed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 resolved values, got %d", len(ids))
	}
	if _, ok := ids["missing.example"]; ok {
		t.Error("missing key should not resolve")
	}

	empty, err := s.IndicatorIDsByValue(ctx, nil)
	if err != nil {
		t.Fatalf("empty lookup should succeed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty input should yield empty map, got %v", empty)
	}
}

// TestUpsertTechniques verifies techniques update in place on
// re-ingestion, keyed by TID.
func TestUpsertTechniques(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertTechniques(ctx, []Technique{{TID: "T1003", Name: "Credential Dumping"}}); err != nil {
		t.Fatalf("upsert should succeed: %v", err)
	}
	if err := s.UpsertTechniques(ctx, []Technique{{TID: "T1003", Name: "OS Credential Dumping", Description: "updated"}}); err != nil {
		t.Fatalf("re-upsert should succeed: %v", err)
	}

	ts, err := s.TechniquesByAdversary(ctx, "nobody")
	if err != nil {
		t.Fatalf("technique listing should succeed: %v", err)
	}
	if len(ts) != 0 {
		t.Errorf("unlinked techniques should not list, got %v", ts)
	}
}

// TestInsertEvents_RejectsDegenerate verifies events with neither an
// indicator nor a technique reference, or out-of-range confidence, fail
// validation before any write.
func TestInsertEvents_RejectsDegenerate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertAdversaries(ctx, []Adversary{{Name: "APT-X"}}); err != nil {
		t.Fatalf("insert should succeed: %v", err)
	}
	ids, _ := s.AdversaryIDsByName(ctx, []string{"APT-X"})
	advID := mustResolve(t, ids, "APT-X")

	bad := []Event{{AdversaryID: advID, EventTime: time.Now(), Confidence: 0.5}}
	if err := s.InsertEvents(ctx, bad); err == nil {
		t.Error("degenerate event should be rejected")
	}

	outOfRange := []Event{{AdversaryID: advID, TechniqueID: "T1003", EventTime: time.Now(), Confidence: 1.5}}
	if err := s.InsertEvents(ctx, outOfRange); err == nil {
		t.Error("confidence above 1.0 should be rejected")
	}
}

// TestAttributionsByIndicator verifies the exact-match pivot returns one
// row per linking event, including repeated adversaries.
func TestAttributionsByIndicator(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertAdversaries(ctx, []Adversary{{Name: "APT-X"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertIndicators(ctx, []Indicator{{Type: TypeIPv4, Value: "1.2.3.4"}}); err != nil {
		t.Fatal(err)
	}
	advIDs, _ := s.AdversaryIDsByName(ctx, []string{"APT-X"})
	indIDs, _ := s.IndicatorIDsByValue(ctx, []string{"1.2.3.4"})
	advID := mustResolve(t, advIDs, "APT-X")
	indID := mustResolve(t, indIDs, "1.2.3.4")

	events := []Event{
		{AdversaryID: advID, IndicatorID: indID, EventTime: time.Now(), Confidence: 0.95},
		{AdversaryID: advID, IndicatorID: indID, EventTime: time.Now(), Confidence: 0.8},
	}
	if err := s.InsertEvents(ctx, events); err != nil {
		t.Fatalf("event insert should succeed: %v", err)
	}

	links, err := s.AttributionsByIndicator(ctx, indID)
	if err != nil {
		t.Fatalf("pivot should succeed: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected one link per event, got %d", len(links))
	}
	if links[0].Adversary != "APT-X" || links[0].Score != 0.95 {
		t.Errorf("unexpected first link: %+v", links[0])
	}
}

// TestTechniqueMatches_Ranking verifies distinct-match counting and the
// deterministic ordering: match count descending, then name.
func TestTechniqueMatches_Ranking(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertAdversaries(ctx, []Adversary{{Name: "APT-Y"}, {Name: "APT-Z"}, {Name: "APT-A"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTechniques(ctx, []Technique{
		{TID: "T1003", Name: "OS Credential Dumping"},
		{TID: "T1059", Name: "Command and Scripting Interpreter"},
		{TID: "T1071", Name: "Application Layer Protocol"},
	}); err != nil {
		t.Fatal(err)
	}
	advIDs, _ := s.AdversaryIDsByName(ctx, []string{"APT-Y", "APT-Z", "APT-A"})

	now := time.Now()
	events := []Event{
		{AdversaryID: advIDs["APT-Y"], TechniqueID: "T1003", EventTime: now, Confidence: 1.0},
		{AdversaryID: advIDs["APT-Y"], TechniqueID: "T1059", EventTime: now, Confidence: 1.0},
		{AdversaryID: advIDs["APT-Z"], TechniqueID: "T1003", EventTime: now, Confidence: 1.0},
		{AdversaryID: advIDs["APT-A"], TechniqueID: "T1059", EventTime: now, Confidence: 1.0},
	}
	if err := s.InsertEvents(ctx, events); err != nil {
		t.Fatalf("event insert should succeed: %v", err)
	}

	matches, err := s.TechniqueMatches(ctx, []string{"T1003", "T1059", "T1071"})
	if err != nil {
		t.Fatalf("match query should succeed: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(matches))
	}
	if matches[0].Adversary != "APT-Y" || matches[0].Matched != 2 {
		t.Errorf("top candidate should be APT-Y with 2 matches, got %+v", matches[0])
	}
	// Equal counts tie-break by name.
	if matches[1].Adversary != "APT-A" || matches[2].Adversary != "APT-Z" {
		t.Errorf("ties should order by name, got %v then %v", matches[1], matches[2])
	}
}

// TestTechniqueFactDeduplication verifies re-ingesting the same
// adversary/technique fact does not create a second event row.
func TestTechniqueFactDeduplication(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertAdversaries(ctx, []Adversary{{Name: "APT-X"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTechniques(ctx, []Technique{{TID: "T1003", Name: "OS Credential Dumping"}}); err != nil {
		t.Fatal(err)
	}
	advIDs, _ := s.AdversaryIDsByName(ctx, []string{"APT-X"})
	advID := mustResolve(t, advIDs, "APT-X")

	fact := []Event{{AdversaryID: advID, TechniqueID: "T1003", EventTime: time.Now(), Confidence: 1.0}}
	if err := s.InsertEvents(ctx, fact); err != nil {
		t.Fatalf("first insert should succeed: %v", err)
	}
	if err := s.InsertEvents(ctx, fact); err != nil {
		t.Fatalf("duplicate fact should be skipped, not fail: %v", err)
	}

	stats, err := s.CountStats(ctx)
	if err != nil {
		t.Fatalf("stats should succeed: %v", err)
	}
	if stats.Events != 1 {
		t.Errorf("expected 1 event after duplicate fact, got %d", stats.Events)
	}
}

// TestReconnect verifies the store recovers a usable handle after the
// underlying connection is closed.
func TestReconnect(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertIndicators(ctx, []Indicator{{Type: TypeIPv4, Value: "1.2.3.4"}}); err != nil {
		t.Fatal(err)
	}

	s.handle().Close()
	_, err := s.IndicatorByValue(ctx, "1.2.3.4")
	if err == nil {
		t.Fatal("query on closed handle should fail")
	}
	if !IsConnClosed(err) {
		t.Fatalf("closed-handle error should be recognized, got: %v", err)
	}

	if err := s.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect should succeed: %v", err)
	}
	ind, err := s.IndicatorByValue(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("query after reconnect should succeed: %v", err)
	}
	if ind == nil {
		t.Error("indicator should still be present after reconnect")
	}
}
