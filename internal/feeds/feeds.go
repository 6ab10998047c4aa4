// Package feeds provides the external feed clients for DiamondWire. Each
// source fetches from its provider and emits only normalized output: raw
// indicator records, technique catalog entries, and adversary facts. The
// ingestion pipeline consumes those sequences uniformly; fetch mechanics
// (endpoints, auth, pagination) never leak past this package.
package feeds

import (
	"context"
	"time"

	"github.com/nlehoang/diamondwire/internal/kb"
)

// Class categorizes a source for the ingestion confidence policy. The
// score each class maps to is ingestion policy and lives with the
// pipeline, not here.
type Class int

const (
	// ClassAggregated is a generic aggregated feed of sightings.
	ClassAggregated Class = iota
	// ClassTracker is a high-confidence operational feed, e.g. a
	// confirmed C2 tracker.
	ClassTracker
	// ClassKnowledgeBase is a curated attack-pattern database.
	ClassKnowledgeBase
)

// Record is one normalized feed record: the asserting adversary, a
// source-defined indicator type tag, the observable value, and free-text
// context.
type Record struct {
	Adversary string
	Type      string
	Value     string
	Context   string
}

// TechniqueFact asserts that an adversary uses a technique.
type TechniqueFact struct {
	Adversary string
	TID       string
	Context   string
}

// Batch is the complete normalized output of one source collection.
type Batch struct {
	Source      string
	Class       Class
	CollectedAt time.Time

	Adversaries    []kb.Adversary
	Records        []Record
	Techniques     []kb.Technique
	TechniqueFacts []TechniqueFact
}

// Source is a feed client. Collect fetches from the provider and returns
// normalized output; it owns retries against its own endpoint but not
// pipeline failure policy.
type Source interface {
	// Name returns the source identifier used in logs and checkpoints.
	Name() string
	// Class returns the source's confidence class.
	Class() Class
	// Collect fetches and normalizes one batch.
	Collect(ctx context.Context) (*Batch, error)
	// HealthCheck verifies connectivity to the provider.
	HealthCheck(ctx context.Context) error
}
