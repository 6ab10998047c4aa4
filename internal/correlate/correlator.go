// Package correlate implements the attribution correlator: the
// query-time engine that answers "what do we know about indicator V,
// optionally given observed techniques T?".
package correlate

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/nlehoang/diamondwire/internal/kb"
	"github.com/nlehoang/diamondwire/internal/observability"
)

// Verdict classifies a correlation result.
type Verdict string

const (
	// VerdictKnown: the indicator exists in the knowledge base and has
	// direct attribution links.
	VerdictKnown Verdict = "known"
	// VerdictHeuristic: the indicator is unseen but observed techniques
	// overlap with known adversary behavior.
	VerdictHeuristic Verdict = "heuristic_match"
	// VerdictUnknown: no exact match and no technique overlap.
	VerdictUnknown Verdict = "unknown"
)

// Match is one ranked candidate in a correlation result.
type Match struct {
	Type        string  `json:"type,omitempty"`
	Adversary   string  `json:"adversary"`
	MatchedTTPs int     `json:"matched_ttps,omitempty"`
	Score       float64 `json:"score"`
}

// Result is the correlator's verdict for one query.
type Result struct {
	Status     Verdict `json:"status"`
	Confidence float64 `json:"confidence"`
	Matches    []Match `json:"matches"`
}

// QueryError is an infrastructure failure during correlation, surfaced
// after the one reconnect-and-retry attempt. It is never conflated with
// VerdictUnknown: "we could not ask" is a different answer than "we
// asked and found nothing".
type QueryError struct {
	Stage string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("correlation %s stage failed: %v", e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// KnowledgeBase is the read-side store contract the correlator needs.
// Reconnect is the connection-recovery hook invoked once when a query
// fails with a closed-connection condition.
type KnowledgeBase interface {
	IndicatorByValue(ctx context.Context, value string) (*kb.Indicator, error)
	AttributionsByIndicator(ctx context.Context, indicatorID int64) ([]kb.AttributionLink, error)
	TechniqueMatches(ctx context.Context, tids []string) ([]kb.TechniqueMatch, error)
	Reconnect(ctx context.Context) error
}

// Correlator answers attribution queries. It is stateless across
// queries; all state lives in the knowledge base.
type Correlator struct {
	store   KnowledgeBase
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a correlator over the given knowledge base.
func New(store KnowledgeBase, logger *zap.Logger, metrics *observability.Metrics) *Correlator {
	return &Correlator{store: store, logger: logger, metrics: metrics}
}

// Correlate runs the two-stage decision procedure for the indicator
// value and optional observed technique IDs.
//
// Stage 1 (exact): if an indicator with this value exists, the verdict is
// known with confidence fixed at 1.0 — a direct link is treated as
// certain regardless of individual event confidences — and one match per
// linking event (adversaries linked by several events appear several
// times).
//
// Stage 2 (heuristic): otherwise, with observed techniques supplied,
// every adversary sharing at least one of them is scored
// matched/observed, rounded to two decimals, ranked descending; overall
// confidence is the top candidate's score.
//
// With no exact match and no techniques (or no candidates), the verdict
// is unknown with confidence 0.0 and no matches.
func (c *Correlator) Correlate(ctx context.Context, value string, observed []string) (*Result, error) {
	start := time.Now()
	log := c.logger.With(zap.String("indicator", value))
	log.Info("processing correlation request", zap.Int("observed_ttps", len(observed)))

	// Stage 1: exact match.
	indicator, err := withRetry(ctx, c.store, func() (*kb.Indicator, error) {
		return c.store.IndicatorByValue(ctx, value)
	})
	if err != nil {
		return nil, c.fail(log, "exact", err)
	}

	if indicator != nil {
		links, err := withRetry(ctx, c.store, func() ([]kb.AttributionLink, error) {
			return c.store.AttributionsByIndicator(ctx, indicator.ID)
		})
		if err != nil {
			return nil, c.fail(log, "exact", err)
		}

		matches := make([]Match, 0, len(links))
		for _, l := range links {
			matches = append(matches, Match{
				Type:      "direct_link",
				Adversary: l.Adversary,
				Score:     l.Score,
			})
		}
		log.Info("existing indicator found",
			zap.Int64("indicator_id", indicator.ID),
			zap.Int("links", len(matches)))
		return c.done(&Result{Status: VerdictKnown, Confidence: 1.0, Matches: matches}, start), nil
	}

	// Stage 2: heuristic match, only with observed techniques in hand.
	if len(observed) == 0 {
		log.Info("no exact match and no observed techniques")
		return c.done(&Result{Status: VerdictUnknown, Confidence: 0.0, Matches: []Match{}}, start), nil
	}

	candidates, err := withRetry(ctx, c.store, func() ([]kb.TechniqueMatch, error) {
		return c.store.TechniqueMatches(ctx, observed)
	})
	if err != nil {
		return nil, c.fail(log, "heuristic", err)
	}

	if len(candidates) == 0 {
		log.Info("no heuristic candidates")
		return c.done(&Result{Status: VerdictUnknown, Confidence: 0.0, Matches: []Match{}}, start), nil
	}

	total := len(observed)
	matches := make([]Match, 0, len(candidates))
	for _, cand := range candidates {
		matches = append(matches, Match{
			Adversary:   cand.Adversary,
			MatchedTTPs: cand.Matched,
			Score:       round2(float64(cand.Matched) / float64(total)),
		})
	}
	// Candidates arrive ordered by match count descending with a stable
	// name tiebreak; rounding preserves that order.
	log.Info("heuristic analysis complete", zap.Int("candidates", len(matches)))
	return c.done(&Result{
		Status:     VerdictHeuristic,
		Confidence: matches[0].Score,
		Matches:    matches,
	}, start), nil
}

func (c *Correlator) done(res *Result, start time.Time) *Result {
	c.metrics.CorrelationRequests.WithLabelValues(string(res.Status)).Inc()
	c.metrics.CorrelationDuration.Observe(time.Since(start).Seconds())
	return res
}

func (c *Correlator) fail(log *zap.Logger, stage string, err error) error {
	c.metrics.CorrelationRequests.WithLabelValues("error").Inc()
	log.Error("correlation stage failed", zap.String("stage", stage), zap.Error(err))
	return &QueryError{Stage: stage, Err: err}
}

// withRetry runs fn, and on a closed-connection failure reconnects and
// retries exactly once.
func withRetry[T any](ctx context.Context, store KnowledgeBase, fn func() (T, error)) (T, error) {
	out, err := fn()
	if err == nil || !kb.IsConnClosed(err) {
		return out, err
	}
	if rerr := store.Reconnect(ctx); rerr != nil {
		return out, rerr
	}
	return fn()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
