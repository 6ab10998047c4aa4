package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nlehoang/diamondwire/internal/kb"
)

// ErrResolution marks a batch lookup or insert failure inside the
// resolver. It is logged and contained; ingestion continues with whatever
// identities could still be resolved.
var ErrResolution = errors.New("identity resolution failed")

// ResolverStore is the slice of the knowledge base the resolver needs.
type ResolverStore interface {
	AdversaryIDsByName(ctx context.Context, names []string) (map[string]int64, error)
	InsertAdversaries(ctx context.Context, advs []kb.Adversary) error
	IndicatorIDsByValue(ctx context.Context, values []string) (map[string]int64, error)
	InsertIndicators(ctx context.Context, inds []kb.Indicator) error
}

// Resolver maps display names and indicator values to stable knowledge
// base identities, creating backing rows for keys not already present.
// The store's unique indexes make the insert step an atomic
// insert-if-absent, so concurrent runs resolving the same key converge on
// one identity.
type Resolver struct {
	store  ResolverStore
	logger *zap.Logger
}

// NewResolver creates a resolver over the given store.
func NewResolver(store ResolverStore, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// ResolveAdversaries returns name→identity for every input adversary,
// creating rows for names not already present. Already-existing names are
// never re-inserted. Zero-length input returns an empty map with no I/O.
// An insert failure is logged and the mapping resolvable from
// pre-existing rows is returned; the ingestion run is not aborted.
func (r *Resolver) ResolveAdversaries(ctx context.Context, advs []kb.Adversary) (map[string]int64, error) {
	if len(advs) == 0 {
		return map[string]int64{}, nil
	}

	unique := make([]kb.Adversary, 0, len(advs))
	seen := make(map[string]bool, len(advs))
	for _, a := range advs {
		if a.Name == "" || seen[a.Name] {
			continue
		}
		seen[a.Name] = true
		unique = append(unique, a)
	}

	names := make([]string, len(unique))
	for i, a := range unique {
		names[i] = a.Name
	}

	existing, err := r.store.AdversaryIDsByName(ctx, names)
	if err != nil {
		return nil, errors.Join(ErrResolution, err)
	}

	var missing []kb.Adversary
	for _, a := range unique {
		if _, ok := existing[a.Name]; !ok {
			missing = append(missing, a)
		}
	}
	if len(missing) == 0 {
		return existing, nil
	}

	if err := r.store.InsertAdversaries(ctx, missing); err != nil {
		r.logger.Error("adversary insert failed, continuing with existing rows",
			zap.Int("missing", len(missing)),
			zap.Error(err))
		return existing, nil
	}

	// The insert does not return generated identities; re-fetch to build
	// the complete map.
	resolved, err := r.store.AdversaryIDsByName(ctx, names)
	if err != nil {
		r.logger.Error("adversary re-fetch failed, continuing with existing rows",
			zap.Error(err))
		return existing, nil
	}
	return resolved, nil
}

// ResolveIndicators returns value→identity for every candidate, creating
// infrastructure rows for values not already present. Semantics mirror
// ResolveAdversaries.
func (r *Resolver) ResolveIndicators(ctx context.Context, candidates []kb.Indicator) (map[string]int64, error) {
	if len(candidates) == 0 {
		return map[string]int64{}, nil
	}

	values := make([]string, len(candidates))
	for i, c := range candidates {
		values[i] = c.Value
	}

	existing, err := r.store.IndicatorIDsByValue(ctx, values)
	if err != nil {
		return nil, errors.Join(ErrResolution, err)
	}

	var missing []kb.Indicator
	for _, c := range candidates {
		if _, ok := existing[c.Value]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return existing, nil
	}

	if err := r.store.InsertIndicators(ctx, missing); err != nil {
		r.logger.Error("indicator insert failed, continuing with existing rows",
			zap.Int("missing", len(missing)),
			zap.Error(err))
		return existing, nil
	}

	resolved, err := r.store.IndicatorIDsByValue(ctx, values)
	if err != nil {
		r.logger.Error("indicator re-fetch failed, continuing with existing rows",
			zap.Error(err))
		return existing, nil
	}
	return resolved, nil
}
