package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validYAML() string {
	return `
session:
  environment: production
  release: web@1.4.0
  sampleRate: 0.5
aggregator:
  endpoint: https://telemetry.example.com/api/v1/reports
  timeout: 3s
queue:
  maxSize: 128
delivery:
  interval: 15s
  batchSize: 10
logging:
  level: debug
  json: true
`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.Environment != "production" {
		t.Fatalf("environment = %q", cfg.Session.Environment)
	}
	if cfg.Session.SampleRate != 0.5 {
		t.Fatalf("sample rate = %v", cfg.Session.SampleRate)
	}
	if cfg.Delivery.Interval != 15*time.Second {
		t.Fatalf("interval = %v", cfg.Delivery.Interval)
	}
	// Unset fields keep defaults.
	if cfg.Delivery.FailureThreshold != 5 {
		t.Fatalf("failure threshold default = %d", cfg.Delivery.FailureThreshold)
	}
	if cfg.Delivery.BackoffMax != 5*time.Minute {
		t.Fatalf("backoff max default = %v", cfg.Delivery.BackoffMax)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

// A telemetry pipeline must not boot half-configured: every required field
// missing or out of range fails Load loudly.
func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  string
		replace string
		wantErr string
	}{
		{"missing endpoint", "endpoint: https://telemetry.example.com/api/v1/reports", "endpoint: \"\"", "endpoint"},
		{"missing environment", "environment: production", "environment: \"\"", "environment"},
		{"missing release", "release: web@1.4.0", "release: \"\"", "release"},
		{"sample rate too high", "sampleRate: 0.5", "sampleRate: 1.5", "sample rate"},
		{"sample rate negative", "sampleRate: 0.5", "sampleRate: -0.1", "sample rate"},
		{"zero queue size", "maxSize: 128", "maxSize: 0", "maxSize"},
		{"zero batch size", "batchSize: 10", "batchSize: 0", "batchSize"},
		{"zero interval", "interval: 15s", "interval: 0s", "interval"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			content := strings.Replace(validYAML(), tc.mutate, tc.replace, 1)
			_, err := Load(writeConfig(t, content))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RS_AGGREGATOR_ENDPOINT", "https://other.example.com/ingest")
	t.Setenv("RS_SAMPLE_RATE", "0.25")
	t.Setenv("RS_QUEUE_MAX_SIZE", "64")
	t.Setenv("RS_DELIVERY_INTERVAL", "45s")
	t.Setenv("RS_LOG_FORMAT", "json")

	cfg, err := Load(writeConfig(t, validYAML()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Aggregator.Endpoint != "https://other.example.com/ingest" {
		t.Fatalf("endpoint override ignored: %q", cfg.Aggregator.Endpoint)
	}
	if cfg.Session.SampleRate != 0.25 {
		t.Fatalf("sample rate override ignored: %v", cfg.Session.SampleRate)
	}
	if cfg.Queue.MaxSize != 64 {
		t.Fatalf("queue size override ignored: %d", cfg.Queue.MaxSize)
	}
	if cfg.Delivery.Interval != 45*time.Second {
		t.Fatalf("interval override ignored: %v", cfg.Delivery.Interval)
	}
	if !cfg.Logging.JSON {
		t.Fatalf("log format override ignored")
	}
}

func TestEnvOnlyConfig(t *testing.T) {
	t.Setenv("RS_CONFIG", "")
	t.Setenv("RS_AGGREGATOR_ENDPOINT", "https://telemetry.example.com/ingest")
	t.Setenv("RS_ENVIRONMENT", "staging")
	t.Setenv("RS_RELEASE", "web@2.0.0")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load from env only: %v", err)
	}
	if cfg.Session.Environment != "staging" || cfg.Session.Release != "web@2.0.0" {
		t.Fatalf("env identity not applied: %+v", cfg.Session)
	}
}

func TestEnvOnlyConfigMissingIdentityFails(t *testing.T) {
	t.Setenv("RS_CONFIG", "")
	t.Setenv("RS_AGGREGATOR_ENDPOINT", "https://telemetry.example.com/ingest")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error when environment and release are unset")
	}
}
