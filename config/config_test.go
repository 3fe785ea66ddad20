package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/jobforge/config"
	"github.com/pithecene-io/jobforge/flags"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobforge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("TEST_DB_URL", "postgres://jobforge:pw@db:5432/jobforge")

	path := writeConfig(t, `
database_url: ${TEST_DB_URL}
flags:
  events_enabled: true
  manifests_enabled: true
worker:
  concurrency: 8
  poll_interval: 500ms
  heartbeat_period: 10s
  reap_threshold: 2m
  shutdown_grace: 45s
  env_fingerprint:
    region: eu-west-1
policy:
  token_ttl: 30m
limits:
  max_queued_per_tenant: 1000
artifacts:
  backend: s3
  path: jobforge-artifacts/prod
  region: eu-west-1
  s3_path_style: true
notify:
  - type: redis
    url: redis://cache:6379
    channel: jobs:done
  - type: webhook
    url: https://hooks.example.com/jobforge
    headers:
      Authorization: Bearer token
    timeout: 3s
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DatabaseURL != "postgres://jobforge:pw@db:5432/jobforge" {
		t.Errorf("database_url = %q", cfg.DatabaseURL)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PollInterval.Duration != 500*time.Millisecond {
		t.Errorf("poll_interval = %v", cfg.Worker.PollInterval.Duration)
	}
	if cfg.Worker.ReapThreshold.Duration != 2*time.Minute {
		t.Errorf("reap_threshold = %v", cfg.Worker.ReapThreshold.Duration)
	}
	if cfg.Worker.ShutdownGrace.Duration != 45*time.Second {
		t.Errorf("shutdown_grace = %v", cfg.Worker.ShutdownGrace.Duration)
	}
	if cfg.Worker.EnvFingerprint["region"] != "eu-west-1" {
		t.Errorf("env_fingerprint = %v", cfg.Worker.EnvFingerprint)
	}
	if cfg.Policy.TokenTTL.Duration != 30*time.Minute {
		t.Errorf("token_ttl = %v", cfg.Policy.TokenTTL.Duration)
	}
	if cfg.Limits.MaxQueuedPerTenant != 1000 {
		t.Errorf("max_queued_per_tenant = %d", cfg.Limits.MaxQueuedPerTenant)
	}
	if cfg.Artifacts.Backend != "s3" || !cfg.Artifacts.S3PathStyle {
		t.Errorf("artifacts = %+v", cfg.Artifacts)
	}
	if len(cfg.Notify) != 2 || cfg.Notify[0].Channel != "jobs:done" {
		t.Errorf("notify = %+v", cfg.Notify)
	}
	if cfg.Notify[1].Timeout.Duration != 3*time.Second {
		t.Errorf("webhook timeout = %v", cfg.Notify[1].Timeout.Duration)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "worker:\n  poll_interval: soon\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown artifacts backend", "artifacts:\n  backend: tape\n  path: /x\n"},
		{"artifacts backend without path", "artifacts:\n  backend: fs\n"},
		{"unknown notify type", "notify:\n  - type: carrier-pigeon\n    url: x\n"},
		{"notify without url", "notify:\n  - type: webhook\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := config.Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestExpandEnv_Defaults(t *testing.T) {
	t.Setenv("SET_VAR", "present")

	got := config.ExpandEnv("a=${SET_VAR} b=${UNSET_VAR} c=${UNSET_VAR:-fallback}")
	want := "a=present b= c=fallback"
	if got != want {
		t.Errorf("ExpandEnv = %q, want %q", got, want)
	}
}

func TestPolicySecret_EnvResolution(t *testing.T) {
	t.Setenv(config.DefaultPolicySecretEnv, "hmac-secret")

	var p config.PolicyConfig
	if got := string(p.Secret()); got != "hmac-secret" {
		t.Errorf("Secret() = %q", got)
	}

	t.Setenv("CUSTOM_SECRET", "other")
	p.SecretEnv = "CUSTOM_SECRET"
	if got := string(p.Secret()); got != "other" {
		t.Errorf("Secret() with custom env = %q", got)
	}
}

func TestFlagRegistry_SecretGate(t *testing.T) {
	// Action jobs with required tokens and no secret must fail fast.
	t.Setenv(config.DefaultPolicySecretEnv, "")
	cfg := &config.Config{Flags: map[string]bool{
		string(flags.ActionJobsEnabled): true,
	}}
	if _, err := cfg.FlagRegistry(); err == nil {
		t.Fatal("expected registry construction to fail without a secret")
	}

	t.Setenv(config.DefaultPolicySecretEnv, "secret")
	reg, err := cfg.FlagRegistry()
	if err != nil {
		t.Fatalf("registry with secret: %v", err)
	}
	if !reg.Enabled(flags.ActionJobsEnabled) {
		t.Error("override not applied")
	}
}
