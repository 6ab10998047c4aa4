package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nlehoang/diamondwire/internal/kb"
)

const attackDefaultBundleURL = "https://raw.githubusercontent.com/mitre/cti/master/enterprise-attack/enterprise-attack.json"

// AttackConfig holds MITRE ATT&CK knowledge-base ingestion settings.
type AttackConfig struct {
	BundleURL string        `yaml:"bundle_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultAttackConfig returns sensible defaults for the ATT&CK source.
func DefaultAttackConfig() AttackConfig {
	return AttackConfig{
		BundleURL: attackDefaultBundleURL,
		Timeout:   120 * time.Second,
	}
}

// AttackSource ingests the enterprise ATT&CK STIX bundle: techniques
// (attack-patterns), adversary groups (intrusion-sets), and the
// group-uses-technique relationships between them. It is the only source
// that populates the technique catalog, and its facts are
// ClassKnowledgeBase.
type AttackSource struct {
	config     AttackConfig
	httpClient *http.Client
}

// NewAttackSource creates an ATT&CK knowledge-base source.
func NewAttackSource(config AttackConfig) *AttackSource {
	if config.BundleURL == "" {
		config.BundleURL = attackDefaultBundleURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	return &AttackSource{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the source identifier.
func (s *AttackSource) Name() string { return "attack" }

// Class returns the confidence class.
func (s *AttackSource) Class() Class { return ClassKnowledgeBase }

// stixObject is the subset of STIX 2.0 fields the source reads.
type stixObject struct {
	Type               string          `json:"type"`
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Aliases            []string        `json:"aliases"`
	Revoked            bool            `json:"revoked"`
	Deprecated         bool            `json:"x_mitre_deprecated"`
	RelationshipType   string          `json:"relationship_type"`
	SourceRef          string          `json:"source_ref"`
	TargetRef          string          `json:"target_ref"`
	ExternalReferences []stixReference `json:"external_references"`
}

type stixReference struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
}

type stixBundle struct {
	Objects []stixObject `json:"objects"`
}

func (o *stixObject) attackID() string {
	for _, ref := range o.ExternalReferences {
		if ref.SourceName == "mitre-attack" {
			return ref.ExternalID
		}
	}
	return ""
}

// Collect downloads and flattens the STIX bundle. Revoked and deprecated
// objects are skipped. Relationships are resolved STIX-id → technique TID
// and group name; relationships pointing at skipped objects are dropped.
func (s *AttackSource) Collect(ctx context.Context) (*Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BundleURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attack bundle fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attack bundle fetch failed: status %d", resp.StatusCode)
	}

	var bundle stixBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("attack bundle decode failed: %w", err)
	}
	return s.flatten(&bundle), nil
}

func (s *AttackSource) flatten(bundle *stixBundle) *Batch {
	batch := &Batch{
		Source:      s.Name(),
		Class:       s.Class(),
		CollectedAt: time.Now(),
	}

	// STIX id → TID for attack-patterns, STIX id → name for groups.
	tidByRef := make(map[string]string)
	groupByRef := make(map[string]string)

	for _, obj := range bundle.Objects {
		if obj.Revoked || obj.Deprecated {
			continue
		}
		switch obj.Type {
		case "attack-pattern":
			tid := obj.attackID()
			if tid == "" {
				continue
			}
			tidByRef[obj.ID] = tid
			batch.Techniques = append(batch.Techniques, kb.Technique{
				TID:         tid,
				Name:        obj.Name,
				Description: obj.Description,
			})
		case "intrusion-set":
			if obj.Name == "" {
				continue
			}
			groupByRef[obj.ID] = obj.Name
			batch.Adversaries = append(batch.Adversaries, kb.Adversary{
				Name:        obj.Name,
				Description: obj.Description,
				Aliases:     obj.Aliases,
			})
		}
	}

	for _, obj := range bundle.Objects {
		if obj.Type != "relationship" || obj.RelationshipType != "uses" {
			continue
		}
		if !strings.HasPrefix(obj.SourceRef, "intrusion-set--") ||
			!strings.HasPrefix(obj.TargetRef, "attack-pattern--") {
			continue
		}
		group, ok := groupByRef[obj.SourceRef]
		if !ok {
			continue
		}
		tid, ok := tidByRef[obj.TargetRef]
		if !ok {
			continue
		}
		batch.TechniqueFacts = append(batch.TechniqueFacts, TechniqueFact{
			Adversary: group,
			TID:       tid,
			Context:   fmt.Sprintf("Knowledge Base: %s uses %s", group, tid),
		})
	}
	return batch
}

// HealthCheck verifies the bundle endpoint answers.
func (s *AttackSource) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.config.BundleURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("attack bundle endpoint unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
