package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/renderstack/render-sentinel/internal/config"
)

type capturedBatch struct {
	Environment string `json:"environment"`
	Release     string `json:"release"`
	Reports     []struct {
		Fingerprint string `json:"fingerprint"`
		Kind        string `json:"kind"`
		Count       int    `json:"count"`
		Boundary    string `json:"boundary"`
	} `json:"reports"`
}

type captureServer struct {
	mu      sync.Mutex
	batches []capturedBatch
	srv     *httptest.Server
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch capturedBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cs.mu.Lock()
		cs.batches = append(cs.batches, batch)
		cs.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *captureServer) received() []capturedBatch {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]capturedBatch(nil), cs.batches...)
}

func testConfig(endpoint string) *config.Config {
	return &config.Config{
		Session: config.SessionConfig{
			Environment: "test",
			Release:     "v1",
			SampleRate:  1,
		},
		Aggregator: config.AggregatorConfig{
			Endpoint: endpoint,
			Timeout:  2 * time.Second,
		},
		Queue: config.QueueConfig{MaxSize: 32},
		Delivery: config.DeliveryConfig{
			// Long interval: tests drive delivery through Close's flush.
			Interval:         time.Hour,
			BatchSize:        10,
			FailureThreshold: 5,
			BackoffInitial:   time.Second,
			BackoffMax:       time.Minute,
			ShutdownTimeout:  2 * time.Second,
		},
		Logging: config.LoggingConfig{Level: "error"},
	}
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	if _, err := Init(nil, nil); err == nil {
		t.Fatalf("expected error for nil config")
	}

	cfg := testConfig("")
	if _, err := Init(cfg, nil); err == nil {
		t.Fatalf("expected error for missing endpoint")
	}
}

func TestFaultFlowsThroughToAggregatorOnClose(t *testing.T) {
	cs := newCaptureServer(t)
	handle, err := Init(testConfig(cs.srv.URL), nil)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	b := handle.NewBoundary("episode-list")
	for i := 0; i < 3; i++ {
		b.Render(func() (string, error) {
			return "", errors.New("fetch failed")
		})
		b.Reset()
	}

	if handle.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 deduplicated entry", handle.Pending())
	}

	handle.Close(context.Background())

	batches := cs.received()
	if len(batches) != 1 {
		t.Fatalf("aggregator received %d batches, want 1", len(batches))
	}
	if len(batches[0].Reports) != 1 {
		t.Fatalf("batch has %d reports, want 1", len(batches[0].Reports))
	}
	report := batches[0].Reports[0]
	if report.Count != 3 {
		t.Fatalf("count = %d, want 3", report.Count)
	}
	if report.Boundary != "episode-list" {
		t.Fatalf("boundary = %q", report.Boundary)
	}
	if batches[0].Environment != "test" || batches[0].Release != "v1" {
		t.Fatalf("session identity missing: %+v", batches[0])
	}
	if handle.Pending() != 0 {
		t.Fatalf("pending after close = %d", handle.Pending())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cs := newCaptureServer(t)
	handle, err := Init(testConfig(cs.srv.URL), nil)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	handle.Close(context.Background())
	handle.Close(context.Background())
}

func TestCloseSurvivesDeadAggregator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	handle, err := Init(testConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	b := handle.NewBoundary("panel")
	b.Render(func() (string, error) { return "", errors.New("boom") })

	done := make(chan struct{})
	go func() {
		handle.Close(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("close blocked on a dead aggregator")
	}
}

func TestNestedBoundariesShareScope(t *testing.T) {
	cs := newCaptureServer(t)
	handle, err := Init(testConfig(cs.srv.URL), nil)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer handle.Close(context.Background())

	outer := handle.NewBoundary("app-shell")
	inner := handle.NewBoundary("episode-list")

	outer.Render(func() (string, error) {
		inner.Render(func() (string, error) {
			return "", errors.New("boom")
		})
		return "shell", nil
	})

	if outer.State().String() != "healthy" {
		t.Fatalf("outer degraded by contained inner fault")
	}
	if inner.State().String() != "degraded" {
		t.Fatalf("inner state = %v", inner.State())
	}
}
