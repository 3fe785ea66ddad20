// Package config handles YAML config file loading for the jobforge
// daemon and CLI. All values act as defaults; CLI flags override them.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pithecene-io/jobforge/flags"
)

// DefaultPolicySecretEnv is the environment variable the token signing
// secret is read from when the config does not name another.
const DefaultPolicySecretEnv = "JOBFORGE_POLICY_SECRET"

// Config represents a jobforge.yaml configuration file.
type Config struct {
	// DatabaseURL is the Postgres connection string. Required for every
	// command that touches the store.
	DatabaseURL string `yaml:"database_url"`
	// Flags overrides feature-flag defaults by name.
	Flags map[string]bool `yaml:"flags,omitempty"`

	Worker    WorkerConfig    `yaml:"worker"`
	Policy    PolicyConfig    `yaml:"policy"`
	Limits    LimitsConfig    `yaml:"limits"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Notify    []NotifyConfig  `yaml:"notify,omitempty"`
}

// WorkerConfig holds worker pool defaults from the config file.
type WorkerConfig struct {
	// WorkerID overrides the derived worker identity.
	WorkerID string `yaml:"worker_id"`
	// Concurrency is the number of executor goroutines.
	Concurrency int `yaml:"concurrency"`
	// ClaimBatch is the per-poll claim limit.
	ClaimBatch int `yaml:"claim_batch"`
	// PollInterval is the idle claim polling period.
	PollInterval Duration `yaml:"poll_interval"`
	// HeartbeatPeriod is the per-job heartbeat period.
	HeartbeatPeriod Duration `yaml:"heartbeat_period"`
	// ReapThreshold is the stale-lock threshold.
	ReapThreshold Duration `yaml:"reap_threshold"`
	// ShutdownGrace is how long in-flight jobs may keep running after
	// shutdown begins before their contexts are canceled.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	// EnvFingerprint is stamped onto every manifest this worker produces.
	EnvFingerprint map[string]string `yaml:"env_fingerprint,omitempty"`
}

// PolicyConfig holds policy-token settings from the config file.
type PolicyConfig struct {
	// SecretEnv names the environment variable holding the HMAC signing
	// secret. Default: JOBFORGE_POLICY_SECRET.
	SecretEnv string `yaml:"secret_env"`
	// TokenTTL is the default token lifetime.
	TokenTTL Duration `yaml:"token_ttl"`
}

// Secret resolves the signing secret from the environment. Returns nil
// when unset; callers decide whether that is fatal via the flag
// registry's secret check.
func (p *PolicyConfig) Secret() []byte {
	env := p.SecretEnv
	if env == "" {
		env = DefaultPolicySecretEnv
	}
	if v := os.Getenv(env); v != "" {
		return []byte(v)
	}
	return nil
}

// LimitsConfig holds admission caps from the config file.
type LimitsConfig struct {
	// MaxQueuedPerTenant caps queued rows per tenant at enqueue time.
	// Enforced only when rate_limiting_enabled is on.
	MaxQueuedPerTenant int `yaml:"max_queued_per_tenant"`
}

// ArtifactsConfig holds artifact store settings from the config file.
type ArtifactsConfig struct {
	// Backend is "fs" or "s3". Empty disables artifact export.
	Backend string `yaml:"backend"`
	// Path is the root directory (fs) or "bucket/prefix" (s3).
	Path string `yaml:"path"`
	// Region is the AWS region for the s3 backend.
	Region string `yaml:"region"`
	// Endpoint is a custom S3 endpoint for S3-compatible providers.
	Endpoint string `yaml:"endpoint"`
	// S3PathStyle forces path-style addressing.
	S3PathStyle bool `yaml:"s3_path_style"`
}

// NotifyConfig is one completion-notification adapter definition.
type NotifyConfig struct {
	// Type is "redis" or "webhook".
	Type string `yaml:"type"`
	// URL is the Redis URL or webhook endpoint.
	URL string `yaml:"url"`
	// Channel is the Redis pub/sub channel.
	Channel string `yaml:"channel,omitempty"`
	// Headers are custom HTTP headers for webhook adapters.
	Headers map[string]string `yaml:"headers,omitempty"`
	// SecretEnv names the environment variable holding the webhook
	// payload signing secret. Empty disables signing.
	SecretEnv string `yaml:"secret_env,omitempty"`
	// Timeout is the per-publish timeout.
	Timeout Duration `yaml:"timeout,omitempty"`
	// Retries is the number of retry attempts on failure.
	Retries *int `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks cross-field rules the YAML shape cannot express.
func (c *Config) Validate() error {
	switch c.Artifacts.Backend {
	case "", "fs", "s3":
	default:
		return fmt.Errorf("unknown artifacts backend %q", c.Artifacts.Backend)
	}
	if c.Artifacts.Backend != "" && c.Artifacts.Path == "" {
		return errors.New("artifacts backend requires a path")
	}
	for i, n := range c.Notify {
		switch n.Type {
		case "redis", "webhook":
		default:
			return fmt.Errorf("notify[%d]: unknown adapter type %q", i, n.Type)
		}
		if n.URL == "" {
			return fmt.Errorf("notify[%d]: adapter requires a url", i)
		}
	}
	return nil
}

// FlagRegistry builds the feature-flag registry from the config's
// overrides, wiring in whether a policy secret is available.
func (c *Config) FlagRegistry() (*flags.Registry, error) {
	return flags.New(flags.Options{
		Overrides:              c.Flags,
		PolicySecretConfigured: len(c.Policy.Secret()) > 0,
	})
}
