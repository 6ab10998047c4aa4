// Package kb provides the attribution knowledge base for DiamondWire.
// It stores adversaries, indicators (infrastructure), MITRE ATT&CK
// techniques, and the attribution events that link them.
package kb

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrConnectivity = errors.New("knowledge base unreachable")
	ErrValidation   = errors.New("invalid record")
)

// IndicatorType is the canonical indicator type enumeration.
type IndicatorType string

const (
	TypeIPv4   IndicatorType = "IPv4"
	TypeIPv6   IndicatorType = "IPv6"
	TypeDomain IndicatorType = "domain"
	TypeURL    IndicatorType = "URL"
	TypeSHA256 IndicatorType = "FileHash-SHA256"
)

// Adversary is a named threat actor or group tracked as an attribution
// target. Name is the resolution key.
type Adversary struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

// Indicator is an observable value (IP, domain, URL, hash) associated
// with adversary infrastructure.
type Indicator struct {
	ID          int64         `json:"id"`
	Type        IndicatorType `json:"type"`
	Value       string        `json:"value"`
	Description string        `json:"description,omitempty"`
}

// Technique is a MITRE ATT&CK technique, keyed by its TID (e.g. "T1003").
type Technique struct {
	TID         string `json:"tid"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Event is a single attribution fact: an adversary linked to an indicator
// sighting or to a technique, with a confidence score and timestamp.
// IndicatorID of zero and TechniqueID of "" mean the reference is unset;
// at least one of the two must be populated for the event to be writable.
type Event struct {
	ID           int64     `json:"id"`
	Description  string    `json:"description"`
	AdversaryID  int64     `json:"adversary_id"`
	IndicatorID  int64     `json:"indicator_id,omitempty"`
	CapabilityID int64     `json:"capability_id,omitempty"` // reserved for capability linkage
	TechniqueID  string    `json:"technique_id,omitempty"`
	EventTime    time.Time `json:"event_time"`
	Confidence   float64   `json:"confidence_score"`
}

// Validate reports whether the event is writable. Degenerate events with
// neither an indicator nor a technique reference are rejected, as are
// confidence scores outside [0, 1].
func (e *Event) Validate() error {
	if e.AdversaryID == 0 {
		return ErrValidation
	}
	if e.IndicatorID == 0 && e.TechniqueID == "" {
		return ErrValidation
	}
	if e.Confidence < 0.0 || e.Confidence > 1.0 {
		return ErrValidation
	}
	return nil
}

// AttributionLink is one adversary linked to an indicator by an event,
// carrying that event's confidence score.
type AttributionLink struct {
	Adversary string  `json:"adversary"`
	Score     float64 `json:"score"`
}

// TechniqueMatch is the result row of the technique-overlap join: an
// adversary and how many of the queried technique IDs it is known to use.
type TechniqueMatch struct {
	Adversary string `json:"adversary"`
	Matched   int    `json:"matched"`
}

// Stats holds the headline knowledge-base counts served to the
// presentation collaborator.
type Stats struct {
	Adversaries int64 `json:"adversaries"`
	Indicators  int64 `json:"indicators"`
	Events      int64 `json:"events"`
}
