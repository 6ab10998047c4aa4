package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/nlehoang/diamondwire/internal/kb"
)

const pulseDefaultBaseURL = "https://otx.alienvault.com"

// PulseConfig holds pulse aggregator (OTX-style) settings. APIKeyEnv
// names the environment variable carrying the key; the key itself never
// appears in configuration files.
type PulseConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	PulseLimit int           `yaml:"pulse_limit"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultPulseConfig returns sensible defaults for the pulse aggregator.
func DefaultPulseConfig() PulseConfig {
	return PulseConfig{
		BaseURL:    pulseDefaultBaseURL,
		APIKeyEnv:  "OTX_API_KEY",
		PulseLimit: 50,
		Timeout:    30 * time.Second,
	}
}

// PulseSource ingests subscribed pulses from an OTX-style aggregator.
// Each pulse's author becomes the asserting adversary for that pulse's
// indicators. Aggregated community sightings are ClassAggregated.
type PulseSource struct {
	config      PulseConfig
	apiKey      string
	httpClient  *http.Client
	checkpoints CheckpointStore
}

// NewPulseSource creates a pulse source. The API key is read from the
// configured environment variable at construction.
func NewPulseSource(config PulseConfig, checkpoints CheckpointStore) (*PulseSource, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("pulse API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		config.BaseURL = pulseDefaultBaseURL
	}
	if config.PulseLimit <= 0 {
		config.PulseLimit = 50
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if checkpoints == nil {
		checkpoints = NoopCheckpoints{}
	}
	return &PulseSource{
		config:      config,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: config.Timeout},
		checkpoints: checkpoints,
	}, nil
}

// Name returns the source identifier.
func (s *PulseSource) Name() string { return "pulse" }

// Class returns the confidence class.
func (s *PulseSource) Class() Class { return ClassAggregated }

type pulse struct {
	Name       string           `json:"name"`
	AuthorName string           `json:"author_name"`
	Indicators []pulseIndicator `json:"indicators"`
}

type pulseIndicator struct {
	Type        string `json:"type"`
	Indicator   string `json:"indicator"`
	Description string `json:"description"`
}

type pulsePage struct {
	Results []pulse `json:"results"`
}

// Collect fetches subscribed pulses modified since the last successful
// run and flattens them into per-author indicator records. The checkpoint
// is advanced only after a successful fetch.
func (s *PulseSource) Collect(ctx context.Context) (*Batch, error) {
	since, err := s.checkpoints.Get(ctx, s.Name())
	if err != nil {
		// A lost cursor means a wider fetch, not a failed run.
		since = time.Time{}
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(s.config.PulseLimit))
	if !since.IsZero() {
		q.Set("modified_since", since.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.config.BaseURL+"/api/v1/pulses/subscribed?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-OTX-API-KEY", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pulse fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pulse fetch failed: status %d", resp.StatusCode)
	}

	var page pulsePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("pulse decode failed: %w", err)
	}

	now := time.Now()
	batch := &Batch{
		Source:      s.Name(),
		Class:       s.Class(),
		CollectedAt: now,
	}

	seenAuthors := make(map[string]bool)
	for _, p := range page.Results {
		author := p.AuthorName
		if author == "" {
			author = "Unknown"
		}
		if !seenAuthors[author] {
			seenAuthors[author] = true
			batch.Adversaries = append(batch.Adversaries, kb.Adversary{Name: author})
		}
		for _, ind := range p.Indicators {
			desc := ind.Description
			if desc == "" {
				desc = "Indicator from Pulse: " + p.Name
			}
			batch.Records = append(batch.Records, Record{
				Adversary: author,
				Type:      ind.Type,
				Value:     ind.Indicator,
				Context:   desc,
			})
		}
	}

	if err := s.checkpoints.Set(ctx, s.Name(), now); err != nil {
		return batch, nil // checkpoint loss is re-fetch cost, not data loss
	}
	return batch, nil
}

// HealthCheck verifies the API key against the aggregator.
func (s *PulseSource) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.config.BaseURL+"/api/v1/user/me", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-OTX-API-KEY", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pulse aggregator unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
