package ingest

import (
	"time"

	"go.uber.org/zap"

	"github.com/nlehoang/diamondwire/internal/kb"
)

// Confidence policy by source class. These constants are ingestion
// policy, not correlator behavior: the correlator reports its own overall
// confidence independent of per-event scores.
const (
	// ConfidenceKnowledgeBase is for exact facts from the curated
	// attack-pattern database ("adversary uses technique").
	ConfidenceKnowledgeBase = 1.0
	// ConfidenceTracker is for high-confidence operational feeds such as
	// confirmed C2 trackers.
	ConfidenceTracker = 0.95
	// ConfidenceFeed is the moderate default for aggregated-feed sightings.
	ConfidenceFeed = 0.8
)

// Sighting is one feed assertion to be turned into an attribution event:
// the named adversary was seen using the indicator value.
type Sighting struct {
	Adversary   string
	Value       string
	Description string
	At          time.Time
	Confidence  float64
}

// TechniqueFact is one knowledge-base assertion: the named adversary is
// known to use the technique.
type TechniqueFact struct {
	Adversary   string
	TID         string
	Description string
	At          time.Time
}

// Linker constructs attribution events from resolved identities. Events
// referencing an identity that failed to resolve are dropped and counted,
// never written with a missing required reference.
type Linker struct {
	logger *zap.Logger
}

// NewLinker creates a link builder.
func NewLinker(logger *zap.Logger) *Linker {
	return &Linker{logger: logger}
}

// BuildSightings turns sightings into indicator events using the resolved
// adversary and indicator identity maps. Returns the events plus the
// count of sightings dropped for unresolved references or out-of-range
// confidence.
func (l *Linker) BuildSightings(advIDs, indIDs map[string]int64, sightings []Sighting) ([]kb.Event, int) {
	events := make([]kb.Event, 0, len(sightings))
	dropped := 0

	for _, s := range sightings {
		advID, ok := advIDs[s.Adversary]
		if !ok {
			dropped++
			continue
		}
		indID, ok := indIDs[s.Value]
		if !ok {
			dropped++
			continue
		}
		if s.Confidence < 0.0 || s.Confidence > 1.0 {
			dropped++
			continue
		}
		events = append(events, kb.Event{
			Description: s.Description,
			AdversaryID: advID,
			IndicatorID: indID,
			EventTime:   s.At,
			Confidence:  s.Confidence,
		})
	}

	if dropped > 0 {
		l.logger.Warn("dropped sightings with unresolved references",
			zap.Int("dropped", dropped),
			zap.Int("built", len(events)))
	}
	return events, dropped
}

// BuildTechniqueFacts turns knowledge-base facts into technique events at
// full confidence. Facts whose adversary failed to resolve are dropped
// and counted.
func (l *Linker) BuildTechniqueFacts(advIDs map[string]int64, facts []TechniqueFact) ([]kb.Event, int) {
	events := make([]kb.Event, 0, len(facts))
	dropped := 0

	for _, f := range facts {
		advID, ok := advIDs[f.Adversary]
		if !ok || f.TID == "" {
			dropped++
			continue
		}
		events = append(events, kb.Event{
			Description: f.Description,
			AdversaryID: advID,
			TechniqueID: f.TID,
			EventTime:   f.At,
			Confidence:  ConfidenceKnowledgeBase,
		})
	}

	if dropped > 0 {
		l.logger.Warn("dropped technique facts with unresolved adversaries",
			zap.Int("dropped", dropped),
			zap.Int("built", len(events)))
	}
	return events, dropped
}
