package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "no-such-file.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MirrorCoefficient != 1.0 {
		t.Errorf("coefficient = %v, want 1.0", cfg.MirrorCoefficient)
	}
	if cfg.EventRetentionDays != 60 {
		t.Errorf("retention = %d, want 60", cfg.EventRetentionDays)
	}
	if !cfg.APIEnabled || cfg.APIAddr != ":8080" {
		t.Errorf("api = %v %q", cfg.APIEnabled, cfg.APIAddr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "binance_api_key: from-file\nmirror_coefficient: 0.25\napi_addr: \":9999\"\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BINANCE_API_KEY", "from-env")
	t.Setenv("BINANCE_TESTNET", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BinanceAPIKey != "from-env" {
		t.Errorf("api key = %q, environment must win", cfg.BinanceAPIKey)
	}
	if cfg.MirrorCoefficient != 0.25 {
		t.Errorf("coefficient = %v, want 0.25 from file", cfg.MirrorCoefficient)
	}
	if cfg.APIAddr != ":9999" {
		t.Errorf("api addr = %q, want :9999 from file", cfg.APIAddr)
	}
	if !cfg.BinanceTestnet {
		t.Error("testnet flag not applied from environment")
	}
}

func TestMirrorCoefficientMustBePositive(t *testing.T) {
	t.Setenv("CONFIG_FILE", "no-such-file.yaml")
	t.Setenv("MIRROR_ENABLED", "true")
	t.Setenv("MIRROR_COEFFICIENT", "-0.5")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative coefficient")
	}
}
