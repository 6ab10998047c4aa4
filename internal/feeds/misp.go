package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nlehoang/diamondwire/internal/kb"
)

// MISPConfig holds MISP event-pull settings. APIKeyEnv names the
// environment variable carrying the key; the key itself never appears in
// configuration files.
type MISPConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	EventLimit int           `yaml:"event_limit"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultMISPConfig returns sensible defaults for the MISP source. MISP
// instances are self-hosted, so there is no default base URL.
func DefaultMISPConfig() MISPConfig {
	return MISPConfig{
		APIKeyEnv:  "MISP_KEY",
		EventLimit: 100,
		Timeout:    60 * time.Second,
	}
}

// mispTypeTags maps MISP attribute types to the tags the ingestion
// pipeline understands. Attribute types not listed here are skipped.
var mispTypeTags = map[string]string{
	"ip-src": "IPv4",
	"ip-dst": "IPv4",
	"domain": "domain",
	"url":    "URL",
	"sha256": "sha256",
}

// MISPSource ingests published events from a MISP instance. Each event's
// creator organisation becomes the asserting adversary for that event's
// attributes. Community-shared events are ClassAggregated.
type MISPSource struct {
	config      MISPConfig
	apiKey      string
	httpClient  *http.Client
	checkpoints CheckpointStore
}

// NewMISPSource creates a MISP source. The API key is read from the
// configured environment variable at construction.
func NewMISPSource(config MISPConfig, checkpoints CheckpointStore) (*MISPSource, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("MISP API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("MISP base URL is required")
	}
	if config.EventLimit <= 0 {
		config.EventLimit = 100
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if checkpoints == nil {
		checkpoints = NoopCheckpoints{}
	}
	return &MISPSource{
		config:      config,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: config.Timeout},
		checkpoints: checkpoints,
	}, nil
}

// Name returns the source identifier.
func (s *MISPSource) Name() string { return "misp" }

// Class returns the confidence class.
func (s *MISPSource) Class() Class { return ClassAggregated }

// MISP API types.

type mispSearchRequest struct {
	Limit     int   `json:"limit,omitempty"`
	Published bool  `json:"published"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

type mispSearchResponse struct {
	Response []struct {
		Event mispEvent `json:"Event"`
	} `json:"response"`
}

type mispEvent struct {
	ID   string `json:"id"`
	Info string `json:"info"`
	Orgc struct {
		Name string `json:"name"`
	} `json:"Orgc"`
	Attribute []mispAttribute `json:"Attribute"`
}

type mispAttribute struct {
	Type    string `json:"type"`
	Value   string `json:"value"`
	Comment string `json:"comment"`
}

// Collect fetches published events modified since the last successful
// run and flattens their attributes into per-organisation indicator
// records. The checkpoint is advanced only after a successful fetch.
func (s *MISPSource) Collect(ctx context.Context) (*Batch, error) {
	since, err := s.checkpoints.Get(ctx, s.Name())
	if err != nil {
		// A lost cursor means a wider fetch, not a failed run.
		since = time.Time{}
	}

	search := mispSearchRequest{
		Limit:     s.config.EventLimit,
		Published: true,
	}
	if !since.IsZero() {
		search.Timestamp = since.Unix()
	}

	body, err := json.Marshal(search)
	if err != nil {
		return nil, err
	}
	req, err := s.newRequest(ctx, http.MethodPost, "/events/restSearch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("MISP search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MISP search failed: status %d", resp.StatusCode)
	}

	var page mispSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("MISP decode failed: %w", err)
	}

	now := time.Now()
	batch := &Batch{
		Source:      s.Name(),
		Class:       s.Class(),
		CollectedAt: now,
	}

	seenOrgs := make(map[string]bool)
	for _, wrapper := range page.Response {
		event := wrapper.Event
		org := event.Orgc.Name
		if org == "" {
			org = "MISP Org"
		}
		if !seenOrgs[org] {
			seenOrgs[org] = true
			batch.Adversaries = append(batch.Adversaries, kb.Adversary{Name: org})
		}
		for _, attr := range event.Attribute {
			tag, ok := mispTypeTags[attr.Type]
			if !ok {
				continue
			}
			desc := attr.Comment
			if desc == "" {
				desc = event.Info
			}
			batch.Records = append(batch.Records, Record{
				Adversary: org,
				Type:      tag,
				Value:     attr.Value,
				Context:   desc,
			})
		}
	}

	if err := s.checkpoints.Set(ctx, s.Name(), now); err != nil {
		return batch, nil // checkpoint loss is re-fetch cost, not data loss
	}
	return batch, nil
}

// HealthCheck verifies the API key against the MISP instance.
func (s *MISPSource) HealthCheck(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodGet, "/servers/getVersion", nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MISP unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (s *MISPSource) newRequest(ctx context.Context, method, path string, body *bytes.Reader) (*http.Request, error) {
	url := strings.TrimSuffix(s.config.BaseURL, "/") + path

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
