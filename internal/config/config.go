package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// Buffer bounds the per-session replay buffer.
	Buffer BufferConfig `json:"buffer" yaml:"buffer"`
	// Credit controls reservation sizing and ledger policy.
	Credit CreditConfig `json:"credit" yaml:"credit"`
	// Resolver bounds the finalize correlation retry loop.
	Resolver ResolverConfig `json:"resolver" yaml:"resolver"`
	// StreamTimeoutMs forcibly terminates a producer running longer than this.
	StreamTimeoutMs int64 `json:"streamTimeoutMs" yaml:"streamTimeoutMs"`
	// RecordRetentionMs keeps terminal session records before the sweeper
	// purges them.
	RecordRetentionMs int64 `json:"recordRetentionMs" yaml:"recordRetentionMs"`
	// DefaultModel is substituted (with a fallback flag on the model event)
	// when a requested model id is unknown.
	DefaultModel string `json:"defaultModel" yaml:"defaultModel"`
	// Models maps a model id to its provider and billing rate.
	Models map[string]ModelConfig `json:"models" yaml:"models"`
}

// BufferConfig bounds the per-session event buffer used for observer replay.
type BufferConfig struct {
	// RetentionMs keeps a finished session's buffer available for late
	// observers. Events older than this are also evicted mid-stream.
	RetentionMs int64 `json:"retentionMs" yaml:"retentionMs"`
	// MaxEvents caps buffered events per session regardless of age.
	MaxEvents int `json:"maxEvents" yaml:"maxEvents"`
	// SubscriberBuffer is the bounded queue per observer subscription.
	SubscriberBuffer int `json:"subscriberBuffer" yaml:"subscriberBuffer"`
	// PrimaryBuffer is the bounded queue for the primary consumer.
	PrimaryBuffer int `json:"primaryBuffer" yaml:"primaryBuffer"`
	// ExpiryWarnLeadMs is how long before retention expiry attached
	// observers get a warning info event.
	ExpiryWarnLeadMs int64 `json:"expiryWarnLeadMs" yaml:"expiryWarnLeadMs"`
}

// CreditConfig controls reservation sizing and the ledger collaborator.
type CreditConfig struct {
	// BufferPct is the safety margin applied over the estimated cost when
	// reserving (20 means reserve 120% of the estimate).
	BufferPct int `json:"bufferPct" yaml:"bufferPct"`
	// DenyOnFailure refuses stream start when the ledger errors. Permissive
	// fallback is only for trusted internal deployments.
	DenyOnFailure bool `json:"denyOnFailure" yaml:"denyOnFailure"`
	// ReservationTimeoutMs auto-refunds reservations left unsettled this long.
	ReservationTimeoutMs int64 `json:"reservationTimeoutMs" yaml:"reservationTimeoutMs"`
	// LedgerMode selects the ledger backend: "memory" or "http".
	LedgerMode string `json:"ledgerMode" yaml:"ledgerMode"`
	// LedgerURL is the base URL of the external ledger when LedgerMode=http.
	LedgerURL string `json:"ledgerURL" yaml:"ledgerURL"`
	// InitialCredits seeds owner balances in the memory ledger.
	InitialCredits int64 `json:"initialCredits" yaml:"initialCredits"`
}

// ResolverConfig bounds the finalize-time correlation retry loop.
type ResolverConfig struct {
	MaxAttempts int   `json:"maxAttempts" yaml:"maxAttempts"`
	BaseDelayMs int64 `json:"baseDelayMs" yaml:"baseDelayMs"`
}

// ModelConfig describes one generation backend variant.
type ModelConfig struct {
	// Provider selects the producer adapter: "anthropic", "openai" or
	// "scripted".
	Provider string `json:"provider" yaml:"provider"`
	// CreditsPer1K is the billing rate in credits per 1000 generated tokens.
	CreditsPer1K int64 `json:"creditsPer1K" yaml:"creditsPer1K"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Buffer: BufferConfig{
			RetentionMs:      120_000,
			MaxEvents:        2048,
			SubscriberBuffer: 256,
			PrimaryBuffer:    1024,
			ExpiryWarnLeadMs: 10_000,
		},
		Credit: CreditConfig{
			BufferPct:            20,
			DenyOnFailure:        true,
			ReservationTimeoutMs: 600_000,
			LedgerMode:           "memory",
			InitialCredits:       1000,
		},
		Resolver: ResolverConfig{
			MaxAttempts: 3,
			BaseDelayMs: 500,
		},
		StreamTimeoutMs:   300_000,
		RecordRetentionMs: 86_400_000,
		DefaultModel:      "scripted-small",
		Models: map[string]ModelConfig{
			"scripted-small": {Provider: "scripted", CreditsPer1K: 1},
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	if c.Buffer.RetentionMs <= 0 {
		return fmt.Errorf("config: buffer.retentionMs must be positive")
	}
	if c.Buffer.MaxEvents <= 0 {
		return fmt.Errorf("config: buffer.maxEvents must be positive")
	}
	if c.Credit.BufferPct < 0 {
		return fmt.Errorf("config: credit.bufferPct must be non-negative")
	}
	switch c.Credit.LedgerMode {
	case "memory":
	case "http":
		if c.Credit.LedgerURL == "" {
			return fmt.Errorf("config: credit.ledgerURL required when ledgerMode=http")
		}
	default:
		return fmt.Errorf("config: unknown credit.ledgerMode %q", c.Credit.LedgerMode)
	}
	if c.Resolver.MaxAttempts < 1 {
		return fmt.Errorf("config: resolver.maxAttempts must be at least 1")
	}
	if c.DefaultModel != "" {
		if _, ok := c.Models[c.DefaultModel]; !ok {
			return fmt.Errorf("config: defaultModel %q not present in models", c.DefaultModel)
		}
	}
	return nil
}
