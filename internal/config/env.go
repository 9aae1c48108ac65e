package config

import (
	"os"
	"strconv"
)

// FromEnv overlays SKEIN_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	setInt64(&cfg.Buffer.RetentionMs, "SKEIN_BUFFER_RETENTION_MS")
	setInt(&cfg.Buffer.MaxEvents, "SKEIN_BUFFER_MAX_EVENTS")
	setInt(&cfg.Buffer.SubscriberBuffer, "SKEIN_SUBSCRIBER_BUFFER")
	setInt(&cfg.Buffer.PrimaryBuffer, "SKEIN_PRIMARY_BUFFER")
	setInt64(&cfg.Buffer.ExpiryWarnLeadMs, "SKEIN_EXPIRY_WARN_LEAD_MS")

	setInt(&cfg.Credit.BufferPct, "SKEIN_CREDIT_BUFFER_PCT")
	setBool(&cfg.Credit.DenyOnFailure, "SKEIN_CREDIT_DENY_ON_FAILURE")
	setInt64(&cfg.Credit.ReservationTimeoutMs, "SKEIN_RESERVATION_TIMEOUT_MS")
	setStr(&cfg.Credit.LedgerMode, "SKEIN_LEDGER_MODE")
	setStr(&cfg.Credit.LedgerURL, "SKEIN_LEDGER_URL")
	setInt64(&cfg.Credit.InitialCredits, "SKEIN_INITIAL_CREDITS")

	setInt(&cfg.Resolver.MaxAttempts, "SKEIN_RESOLVER_MAX_ATTEMPTS")
	setInt64(&cfg.Resolver.BaseDelayMs, "SKEIN_RESOLVER_BASE_DELAY_MS")

	setInt64(&cfg.StreamTimeoutMs, "SKEIN_STREAM_TIMEOUT_MS")
	setInt64(&cfg.RecordRetentionMs, "SKEIN_RECORD_RETENTION_MS")
	setStr(&cfg.DefaultModel, "SKEIN_DEFAULT_MODEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
