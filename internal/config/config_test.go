package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DEFAULT_MAX_QUOTA", "")
	t.Setenv("LOW_STOCK_SCAN_INTERVAL_SECONDS", "")

	cfg := Load()
	if cfg.StoreDriver != "memory" {
		t.Fatalf("expected memory driver without DB_DSN, got %s", cfg.StoreDriver)
	}
	if cfg.DefaultMaxQuota != 30 {
		t.Fatalf("expected default max quota 30, got %d", cfg.DefaultMaxQuota)
	}
	if cfg.LowStockInterval != 5*time.Minute {
		t.Fatalf("expected 5m sweep interval, got %s", cfg.LowStockInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/simrs")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("STRICT_FULFILLMENT", "true")
	t.Setenv("RATE_LIMIT_BURST", "not-a-number")
	t.Setenv("TIMEZONE", "Mars/Olympus")

	cfg := Load()
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("expected postgres driver with DB_DSN, got %s", cfg.StoreDriver)
	}
	if !cfg.StrictFulfillment {
		t.Fatalf("expected strict fulfillment")
	}
	if cfg.RateLimitBurst != 30 {
		t.Fatalf("expected fallback burst 30, got %d", cfg.RateLimitBurst)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC for unknown timezone")
	}
}

func TestLoadTracing(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_TRACES_SAMPLE_RATIO", "0.25")

	cfg := Load()
	if cfg.OTLPEndpoint != "collector:4317" || !cfg.OTLPInsecure {
		t.Fatalf("unexpected exporter settings %q %v", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	}
	if cfg.TraceSampleRatio != 0.25 {
		t.Fatalf("expected sample ratio 0.25, got %v", cfg.TraceSampleRatio)
	}
}
