// Package ingest implements the bulk ingestion pipeline: feed records are
// normalized to canonical indicator candidates, resolved to stable
// identities, linked to adversaries as attribution events, and committed
// to the knowledge base in bounded transactional batches.
package ingest

import (
	"strings"

	"github.com/nlehoang/diamondwire/internal/kb"
)

// RawRecord is a single record at the feed-client boundary: a
// source-defined type tag, an observable value, and free-text context.
type RawRecord struct {
	Type    string
	Value   string
	Context string
}

// canonicalTypes maps source-defined type tags to the canonical
// enumeration. Tags not listed here are unsupported and dropped.
var canonicalTypes = map[string]kb.IndicatorType{
	"ipv4":            kb.TypeIPv4,
	"ip":              kb.TypeIPv4,
	"ipv6":            kb.TypeIPv6,
	"domain":          kb.TypeDomain,
	"hostname":        kb.TypeDomain,
	"url":             kb.TypeURL,
	"uri":             kb.TypeURL,
	"filehash-sha256": kb.TypeSHA256,
	"sha256":          kb.TypeSHA256,
}

// NormalizeResult carries the surviving candidates plus the counters the
// ingestion run reports.
type NormalizeResult struct {
	Candidates   []kb.Indicator
	Skipped      int // unsupported type or missing value
	Deduplicated int // in-batch duplicates collapsed by value
}

// Normalize maps raw feed records into canonical indicator candidates.
// Records with unmappable types or empty values are dropped and counted,
// never an error. Candidates are deduplicated by value within the batch;
// the last duplicate's type and description survive, at the position of
// the first occurrence, so output is deterministic for a given input
// ordering. Pure: no I/O.
func Normalize(records []RawRecord) NormalizeResult {
	var res NormalizeResult
	index := make(map[string]int, len(records))

	for _, r := range records {
		if r.Value == "" {
			res.Skipped++
			continue
		}
		ctype, ok := canonicalTypes[strings.ToLower(r.Type)]
		if !ok {
			res.Skipped++
			continue
		}

		cand := kb.Indicator{Type: ctype, Value: r.Value, Description: r.Context}
		if at, seen := index[r.Value]; seen {
			res.Candidates[at] = cand
			res.Deduplicated++
			continue
		}
		index[r.Value] = len(res.Candidates)
		res.Candidates = append(res.Candidates, cand)
	}
	return res
}
