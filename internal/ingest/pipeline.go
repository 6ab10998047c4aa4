package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nlehoang/diamondwire/internal/feeds"
	"github.com/nlehoang/diamondwire/internal/kb"
	"github.com/nlehoang/diamondwire/internal/observability"
)

// PipelineStore is the slice of the knowledge base the pipeline needs on
// top of what the resolver uses.
type PipelineStore interface {
	ResolverStore
	UpsertTechniques(ctx context.Context, techniques []kb.Technique) error
	InsertEvents(ctx context.Context, events []kb.Event) error
}

// RunSummary reports one source's ingestion run. The presentation
// collaborator reads these; nothing in the core consumes them.
type RunSummary struct {
	RunID        string `json:"run_id"`
	Source       string `json:"source"`
	Records      int    `json:"records"`
	Skipped      int    `json:"skipped"`
	Deduplicated int    `json:"deduplicated"`
	Resolved     int    `json:"resolved"`
	Techniques   int    `json:"techniques"`
	EventsBuilt  int    `json:"events_built"`
	Dropped      int    `json:"dropped"`
	Committed    int    `json:"committed"`
	ChunksFailed int    `json:"chunks_failed"`
}

// Pipeline runs feed batches through normalize → resolve → link → write.
// Stages run uniformly over normalized sequences regardless of how each
// source fetched them; pipeline failures are contained per batch and
// chunk, never aborting the run once the store connection is up.
type Pipeline struct {
	store    PipelineStore
	resolver *Resolver
	linker   *Linker
	writer   *Writer
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewPipeline wires the ingestion stages over the given store.
func NewPipeline(store PipelineStore, writerCfg WriterConfig, logger *zap.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		store:    store,
		resolver: NewResolver(store, logger),
		linker:   NewLinker(logger),
		writer:   NewWriter(writerCfg, logger),
		logger:   logger,
		metrics:  metrics,
	}
}

// confidenceFor maps a source class to the ingestion confidence policy.
func confidenceFor(class feeds.Class) float64 {
	switch class {
	case feeds.ClassTracker:
		return ConfidenceTracker
	case feeds.ClassKnowledgeBase:
		return ConfidenceKnowledgeBase
	default:
		return ConfidenceFeed
	}
}

// Run collects each source in turn and ingests its batch. A source whose
// collection fails is logged and skipped; its failure never aborts the
// remaining sources.
func (p *Pipeline) Run(ctx context.Context, sources []feeds.Source) []RunSummary {
	summaries := make([]RunSummary, 0, len(sources))
	for _, src := range sources {
		batch, err := src.Collect(ctx)
		if err != nil {
			p.logger.Error("source collection failed, skipping",
				zap.String("source", src.Name()),
				zap.Error(err))
			continue
		}
		summary, err := p.Ingest(ctx, batch)
		if err != nil {
			p.logger.Error("batch ingestion failed",
				zap.String("source", src.Name()),
				zap.Error(err))
			continue
		}
		summaries = append(summaries, *summary)
	}
	return summaries
}

// Ingest runs one normalized batch through the pipeline stages and
// returns the run summary. The only fatal error is a resolution failure
// on the very first round-trip, which indicates the store itself is
// unreachable.
func (p *Pipeline) Ingest(ctx context.Context, batch *feeds.Batch) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:  uuid.NewString(),
		Source: batch.Source,
	}
	log := p.logger.With(
		zap.String("run_id", summary.RunID),
		zap.String("source", batch.Source))

	// Normalize.
	raw := make([]RawRecord, len(batch.Records))
	for i, r := range batch.Records {
		raw[i] = RawRecord{Type: r.Type, Value: r.Value, Context: r.Context}
	}
	norm := Normalize(raw)
	summary.Records = len(batch.Records)
	summary.Skipped = norm.Skipped
	summary.Deduplicated = norm.Deduplicated
	p.metrics.RecordsNormalized.WithLabelValues(batch.Source).Add(float64(len(norm.Candidates)))
	p.metrics.RecordsSkipped.WithLabelValues(batch.Source).Add(float64(norm.Skipped))

	// Technique catalog first: technique facts reference it.
	if len(batch.Techniques) > 0 {
		if err := p.store.UpsertTechniques(ctx, batch.Techniques); err != nil {
			log.Error("technique upsert failed", zap.Error(err))
		} else {
			summary.Techniques = len(batch.Techniques)
		}
	}

	// Resolve identities.
	advView := batch.Adversaries
	for _, r := range batch.Records {
		advView = append(advView, kb.Adversary{Name: r.Adversary})
	}
	for _, f := range batch.TechniqueFacts {
		advView = append(advView, kb.Adversary{Name: f.Adversary})
	}
	advIDs, err := p.resolver.ResolveAdversaries(ctx, advView)
	if err != nil {
		return nil, fmt.Errorf("resolving adversaries for %s: %w", batch.Source, err)
	}

	// Indicator resolution runs in writer-sized slices: each slice is one
	// batched lookup plus at most one batched insert.
	indIDs := make(map[string]int64, len(norm.Candidates))
	p.writer.Write(ctx, len(norm.Candidates), func(ctx context.Context, lo, hi int) error {
		ids, err := p.resolver.ResolveIndicators(ctx, norm.Candidates[lo:hi])
		if err != nil {
			return err
		}
		for v, id := range ids {
			indIDs[v] = id
		}
		return nil
	})
	summary.Resolved = len(indIDs)

	// Link.
	confidence := confidenceFor(batch.Class)
	sightings := make([]Sighting, 0, len(batch.Records))
	for _, r := range batch.Records {
		sightings = append(sightings, Sighting{
			Adversary:   r.Adversary,
			Value:       r.Value,
			Description: r.Context,
			At:          batch.CollectedAt,
			Confidence:  confidence,
		})
	}
	events, droppedSightings := p.linker.BuildSightings(advIDs, indIDs, sightings)

	facts := make([]TechniqueFact, 0, len(batch.TechniqueFacts))
	for _, f := range batch.TechniqueFacts {
		facts = append(facts, TechniqueFact{
			Adversary:   f.Adversary,
			TID:         f.TID,
			Description: f.Context,
			At:          batch.CollectedAt,
		})
	}
	factEvents, droppedFacts := p.linker.BuildTechniqueFacts(advIDs, facts)
	events = append(events, factEvents...)

	summary.EventsBuilt = len(events)
	summary.Dropped = droppedSightings + droppedFacts

	// Write events in bounded transactional chunks.
	res := p.writer.Write(ctx, len(events), func(ctx context.Context, lo, hi int) error {
		return p.store.InsertEvents(ctx, events[lo:hi])
	})
	summary.Committed = res.Committed
	summary.ChunksFailed = res.ChunksFailed
	p.metrics.EventsWritten.WithLabelValues(batch.Source).Add(float64(res.Committed))
	p.metrics.ChunksFailed.WithLabelValues(batch.Source).Add(float64(res.ChunksFailed))

	log.Info("ingestion run complete",
		zap.Int("records", summary.Records),
		zap.Int("skipped", summary.Skipped),
		zap.Int("deduplicated", summary.Deduplicated),
		zap.Int("resolved", summary.Resolved),
		zap.Int("events_built", summary.EventsBuilt),
		zap.Int("dropped", summary.Dropped),
		zap.Int("committed", summary.Committed),
		zap.Int("chunks_failed", summary.ChunksFailed))
	return summary, nil
}
