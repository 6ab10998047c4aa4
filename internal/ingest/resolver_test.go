package ingest

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nlehoang/diamondwire/internal/kb"
)

// fakeResolverStore counts calls and serves identities from an in-memory
// map, simulating the insert-if-absent store behavior.
type fakeResolverStore struct {
	adversaries map[string]int64
	indicators  map[string]int64
	nextID      int64

	lookupCalls int
	insertCalls int

	insertErr error
	lookupErr error
}

func newFakeResolverStore() *fakeResolverStore {
	return &fakeResolverStore{
		adversaries: map[string]int64{},
		indicators:  map[string]int64{},
		nextID:      1,
	}
}

func (f *fakeResolverStore) AdversaryIDsByName(_ context.Context, names []string) (map[string]int64, error) {
	f.lookupCalls++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	out := map[string]int64{}
	for _, n := range names {
		if id, ok := f.adversaries[n]; ok {
			out[n] = id
		}
	}
	return out, nil
}

func (f *fakeResolverStore) InsertAdversaries(_ context.Context, advs []kb.Adversary) error {
	f.insertCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, a := range advs {
		if _, ok := f.adversaries[a.Name]; !ok {
			f.adversaries[a.Name] = f.nextID
			f.nextID++
		}
	}
	return nil
}

func (f *fakeResolverStore) IndicatorIDsByValue(_ context.Context, values []string) (map[string]int64, error) {
	f.lookupCalls++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	out := map[string]int64{}
	for _, v := range values {
		if id, ok := f.indicators[v]; ok {
			out[v] = id
		}
	}
	return out, nil
}

func (f *fakeResolverStore) InsertIndicators(_ context.Context, inds []kb.Indicator) error {
	f.insertCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, c := range inds {
		if _, ok := f.indicators[c.Value]; !ok {
			f.indicators[c.Value] = f.nextID
			f.nextID++
		}
	}
	return nil
}

// TestResolveAdversaries_CreatesMissing verifies unknown names get rows
// and the returned map covers every input.
func TestResolveAdversaries_CreatesMissing(t *testing.T) {
	store := newFakeResolverStore()
	store.adversaries["APT-X"] = 41
	r := NewResolver(store, zap.NewNop())

	ids, err := r.ResolveAdversaries(context.Background(), []kb.Adversary{
		{Name: "APT-X"},
		{Name: "APT-Y"},
	})
	if err != nil {
		t.Fatalf("resolve should succeed: %v", err)
	}
	if ids["APT-X"] != 41 {
		t.Errorf("existing identity should be reused, got %d", ids["APT-X"])
	}
	if _, ok := ids["APT-Y"]; !ok {
		t.Error("missing name should have been created and resolved")
	}
	if store.insertCalls != 1 {
		t.Errorf("expected exactly one insert call, got %d", store.insertCalls)
	}
}

// TestResolveAdversaries_NoInsertWhenAllExist verifies fully-resolved
// input never triggers a write.
func TestResolveAdversaries_NoInsertWhenAllExist(t *testing.T) {
	store := newFakeResolverStore()
	store.adversaries["APT-X"] = 1
	store.adversaries["APT-Y"] = 2
	r := NewResolver(store, zap.NewNop())

	ids, err := r.ResolveAdversaries(context.Background(), []kb.Adversary{
		{Name: "APT-X"}, {Name: "APT-Y"}, {Name: "APT-X"},
	})
	if err != nil {
		t.Fatalf("resolve should succeed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 identities, got %d", len(ids))
	}
	if store.insertCalls != 0 {
		t.Errorf("no insert should happen, got %d calls", store.insertCalls)
	}
	if store.lookupCalls != 1 {
		t.Errorf("expected single lookup, got %d", store.lookupCalls)
	}
}

// TestResolveAdversaries_EmptyInput verifies zero-length input returns an
// empty map without touching the store.
func TestResolveAdversaries_EmptyInput(t *testing.T) {
	store := newFakeResolverStore()
	r := NewResolver(store, zap.NewNop())

	ids, err := r.ResolveAdversaries(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty resolve should succeed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected empty map, got %v", ids)
	}
	if store.lookupCalls != 0 || store.insertCalls != 0 {
		t.Error("empty input should perform no I/O")
	}
}

// TestResolveAdversaries_InsertFailurePartial verifies an insert failure
// is contained: the caller gets the identities resolvable from existing
// rows and no error.
func TestResolveAdversaries_InsertFailurePartial(t *testing.T) {
	store := newFakeResolverStore()
	store.adversaries["APT-X"] = 7
	store.insertErr = errors.New("disk full")
	r := NewResolver(store, zap.NewNop())

	ids, err := r.ResolveAdversaries(context.Background(), []kb.Adversary{
		{Name: "APT-X"}, {Name: "APT-Y"},
	})
	if err != nil {
		t.Fatalf("insert failure should be contained, got: %v", err)
	}
	if ids["APT-X"] != 7 {
		t.Errorf("pre-existing identity should resolve, got %v", ids)
	}
	if _, ok := ids["APT-Y"]; ok {
		t.Error("failed insert should leave the new name unresolved")
	}
}

// TestResolveAdversaries_LookupFailure verifies a failed initial lookup
// is a resolution error.
func TestResolveAdversaries_LookupFailure(t *testing.T) {
	store := newFakeResolverStore()
	store.lookupErr = errors.New("closed")
	r := NewResolver(store, zap.NewNop())

	_, err := r.ResolveAdversaries(context.Background(), []kb.Adversary{{Name: "APT-X"}})
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution, got: %v", err)
	}
}

// TestResolveIndicators_CreatesMissing verifies the indicator path
// mirrors adversary resolution.
func TestResolveIndicators_CreatesMissing(t *testing.T) {
	store := newFakeResolverStore()
	store.indicators["1.2.3.4"] = 11
	r := NewResolver(store, zap.NewNop())

	ids, err := r.ResolveIndicators(context.Background(), []kb.Indicator{
		{Type: kb.TypeIPv4, Value: "1.2.3.4"},
		{Type: kb.TypeDomain, Value: "evil.example"},
	})
	if err != nil {
		t.Fatalf("resolve should succeed: %v", err)
	}
	if ids["1.2.3.4"] != 11 {
		t.Errorf("existing identity should be reused, got %d", ids["1.2.3.4"])
	}
	if _, ok := ids["evil.example"]; !ok {
		t.Error("missing value should have been created and resolved")
	}
}
