package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const pulseFixture = `{
  "results": [
    {
      "name": "Emotet resurgence",
      "author_name": "researcher1",
      "indicators": [
        {"type": "IPv4", "indicator": "1.2.3.4", "description": "C2 node"},
        {"type": "domain", "indicator": "evil.example", "description": ""}
      ]
    },
    {
      "name": "Anonymous drop",
      "author_name": "",
      "indicators": [
        {"type": "FileHash-SHA256", "indicator": "aabbcc", "description": "dropper"}
      ]
    }
  ]
}`

// memCheckpoints is an in-memory CheckpointStore for tests.
type memCheckpoints struct {
	mu      sync.Mutex
	cursors map[string]time.Time
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{cursors: map[string]time.Time{}}
}

func (m *memCheckpoints) Get(_ context.Context, source string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[source], nil
}

func (m *memCheckpoints) Set(_ context.Context, source string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[source] = at
	return nil
}

func newTestPulseSource(t *testing.T, baseURL string, cps CheckpointStore) *PulseSource {
	t.Helper()
	t.Setenv("OTX_API_KEY", "test-key")
	src, err := NewPulseSource(PulseConfig{BaseURL: baseURL, APIKeyEnv: "OTX_API_KEY"}, cps)
	if err != nil {
		t.Fatalf("source construction should succeed: %v", err)
	}
	return src
}

// TestPulseCollect verifies pulses flatten per author, missing authors
// fall back to Unknown, and empty descriptions inherit the pulse name.
func TestPulseCollect(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-OTX-API-KEY")
		if r.URL.Path != "/api/v1/pulses/subscribed" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(pulseFixture))
	}))
	defer srv.Close()

	src := newTestPulseSource(t, srv.URL, nil)
	batch, err := src.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect should succeed: %v", err)
	}
	if gotKey != "test-key" {
		t.Errorf("API key header should be sent, got %q", gotKey)
	}

	if len(batch.Adversaries) != 2 {
		t.Fatalf("expected 2 distinct authors, got %+v", batch.Adversaries)
	}
	if batch.Adversaries[1].Name != "Unknown" {
		t.Errorf("missing author should fall back to Unknown, got %q", batch.Adversaries[1].Name)
	}
	if len(batch.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(batch.Records))
	}
	if batch.Records[1].Context != "Indicator from Pulse: Emotet resurgence" {
		t.Errorf("empty description should inherit pulse name, got %q", batch.Records[1].Context)
	}
	if batch.Records[2].Adversary != "Unknown" {
		t.Errorf("anonymous pulse records should attribute to Unknown, got %q", batch.Records[2].Adversary)
	}
}

// TestPulseCollect_Checkpoint verifies the second run passes the saved
// cursor as modified_since and the cursor only advances on success.
func TestPulseCollect_Checkpoint(t *testing.T) {
	var sinceParams []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sinceParams = append(sinceParams, r.URL.Query().Get("modified_since"))
		w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	cps := newMemCheckpoints()
	src := newTestPulseSource(t, srv.URL, cps)
	ctx := context.Background()

	if _, err := src.Collect(ctx); err != nil {
		t.Fatalf("first collect should succeed: %v", err)
	}
	if _, err := src.Collect(ctx); err != nil {
		t.Fatalf("second collect should succeed: %v", err)
	}

	if len(sinceParams) != 2 {
		t.Fatalf("expected 2 fetches, got %d", len(sinceParams))
	}
	if sinceParams[0] != "" {
		t.Errorf("first run should fetch the full window, got since=%q", sinceParams[0])
	}
	if sinceParams[1] == "" {
		t.Error("second run should resume from the saved cursor")
	}
	if _, err := time.Parse(time.RFC3339, sinceParams[1]); err != nil {
		t.Errorf("cursor should be RFC3339, got %q: %v", sinceParams[1], err)
	}
}

// TestNewPulseSource_MissingKey verifies construction fails when the key
// environment variable is unset.
func TestNewPulseSource_MissingKey(t *testing.T) {
	t.Setenv("PULSE_TEST_ABSENT_KEY", "")
	_, err := NewPulseSource(PulseConfig{APIKeyEnv: "PULSE_TEST_ABSENT_KEY"}, nil)
	if err == nil {
		t.Error("missing API key should fail construction")
	}
}

// TestPulseCollect_AuthFailure verifies a 403 surfaces as a collection
// error rather than an empty batch.
func TestPulseCollect_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	src := newTestPulseSource(t, srv.URL, nil)
	if _, err := src.Collect(context.Background()); err == nil {
		t.Error("auth failure should fail collection")
	}
}
