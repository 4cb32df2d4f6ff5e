package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "WORKER_CONCURRENCY", "CLEARING_CEILING", "FX_CLEARING_THRESHOLD", "LOCAL_CURRENCY", "SWEEP_SCHEDULE", "CORS_ALLOWED_ORIGINS"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("expected default worker concurrency 4, got %d", cfg.WorkerConcurrency)
	}
	if !cfg.ClearingCeiling.Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("expected default clearing ceiling, got %s", cfg.ClearingCeiling)
	}
	if !cfg.FXClearingThreshold.Equal(decimal.NewFromInt(20000)) {
		t.Fatalf("expected default fx threshold, got %s", cfg.FXClearingThreshold)
	}
	if cfg.LocalCurrency != "CNY" {
		t.Fatalf("expected CNY, got %q", cfg.LocalCurrency)
	}
	if cfg.EventDoneTTL() != time.Hour {
		t.Fatalf("expected one hour done ttl, got %s", cfg.EventDoneTTL())
	}
	if cfg.PaymentExchange != "payment.events.exchange" || cfg.PaymentDLQ != "payment.events.dlq" {
		t.Fatalf("unexpected queue names: %+v", cfg)
	}
	if cfg.PaymentMaxDeliveries != 20 {
		t.Fatalf("expected 20 max deliveries, got %d", cfg.PaymentMaxDeliveries)
	}
	if got := cfg.CORSOrigins(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard CORS origins, got %v", got)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "9100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9100" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "WORKER_CONCURRENCY", "-3")
	setEnvWithCleanup(t, "CLEARING_CEILING", "lots")
	setEnvWithCleanup(t, "FX_CLEARING_THRESHOLD", "-5")
	setEnvWithCleanup(t, "RISK_REJECT_THRESHOLD", "400")
	setEnvWithCleanup(t, "LOCAL_CURRENCY", " usd ")
	setEnvWithCleanup(t, "CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("expected fallback concurrency, got %d", cfg.WorkerConcurrency)
	}
	if !cfg.ClearingCeiling.Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("expected fallback ceiling, got %s", cfg.ClearingCeiling)
	}
	if !cfg.FXClearingThreshold.Equal(decimal.NewFromInt(20000)) {
		t.Fatalf("expected fallback fx threshold, got %s", cfg.FXClearingThreshold)
	}
	if cfg.RiskRejectThreshold != 80 {
		t.Fatalf("expected fallback reject threshold, got %d", cfg.RiskRejectThreshold)
	}
	if cfg.LocalCurrency != "USD" {
		t.Fatalf("expected normalised currency, got %q", cfg.LocalCurrency)
	}
	if got := cfg.CORSOrigins(); len(got) != 2 || got[1] != "https://b.example" {
		t.Fatalf("unexpected CORS origins %v", got)
	}
}

func TestLoadConfig_ReadsEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "CLEARING_CEILING")
	unsetEnvWithCleanup(t, "SWEEP_SCHEDULE")

	dir := t.TempDir()
	content := "CLEARING_CEILING=500000.50\nSWEEP_SCHEDULE=\"@every 30s\"\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if !cfg.ClearingCeiling.Equal(decimal.RequireFromString("500000.50")) {
		t.Fatalf("expected ceiling from .env, got %s", cfg.ClearingCeiling)
	}
	if cfg.SweepSchedule != "@every 30s" {
		t.Fatalf("expected schedule from .env, got %q", cfg.SweepSchedule)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
