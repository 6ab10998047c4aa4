package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nlehoang/diamondwire/internal/kb"
)

const trackerDefaultBaseURL = "https://feodotracker.abuse.ch"

// TrackerConfig holds C2 tracker feed settings.
type TrackerConfig struct {
	BaseURL string `yaml:"base_url"`
	// Adversary is the source adversary all blocklist entries are
	// attributed to.
	Adversary string        `yaml:"adversary"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultTrackerConfig returns sensible defaults for the Feodo-style C2
// tracker.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BaseURL:   trackerDefaultBaseURL,
		Adversary: "Feodo Tracker",
		Timeout:   30 * time.Second,
	}
}

// TrackerSource ingests a C2 IP blocklist from an abuse.ch-style tracker.
// Entries are confirmed command-and-control servers, so the source is
// ClassTracker.
type TrackerSource struct {
	config     TrackerConfig
	httpClient *http.Client
}

// NewTrackerSource creates a C2 tracker source.
func NewTrackerSource(config TrackerConfig) *TrackerSource {
	if config.BaseURL == "" {
		config.BaseURL = trackerDefaultBaseURL
	}
	if config.Adversary == "" {
		config.Adversary = "Feodo Tracker"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &TrackerSource{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the source identifier.
func (s *TrackerSource) Name() string { return "c2tracker" }

// Class returns the confidence class.
func (s *TrackerSource) Class() Class { return ClassTracker }

type trackerEntry struct {
	IPAddress string `json:"ip_address"`
	Port      int    `json:"port"`
	Malware   string `json:"malware"`
}

// Collect fetches the current IP blocklist. Entries without an IP are
// left for the normalizer to drop and count.
func (s *TrackerSource) Collect(ctx context.Context) (*Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.config.BaseURL+"/downloads/ipblocklist.json", nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker fetch failed: status %d", resp.StatusCode)
	}

	var entries []trackerEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("tracker decode failed: %w", err)
	}

	batch := &Batch{
		Source:      s.Name(),
		Class:       s.Class(),
		CollectedAt: time.Now(),
		Adversaries: []kb.Adversary{{Name: s.config.Adversary}},
	}
	for _, e := range entries {
		malware := e.Malware
		if malware == "" {
			malware = "C2"
		}
		batch.Records = append(batch.Records, Record{
			Adversary: s.config.Adversary,
			Type:      "IPv4",
			Value:     e.IPAddress,
			Context:   fmt.Sprintf("%s: %s C2", s.config.Adversary, malware),
		})
	}
	return batch, nil
}

// HealthCheck verifies the tracker endpoint answers.
func (s *TrackerSource) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead,
		s.config.BaseURL+"/downloads/ipblocklist.json", nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("tracker unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
