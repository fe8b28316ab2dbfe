package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	cfg := Load()
	if cfg.MinSubmitters != 3 || cfg.ConsensusToleranceBps != 100 || cfg.StalenessThresholdSec != 3600 {
		t.Errorf("unexpected consensus defaults %+v", cfg)
	}
	if cfg.CircuitBreakerBps != 1000 || cfg.ExternalDeviationBps != 500 || cfg.TWAPWindowSec != 1800 {
		t.Errorf("unexpected guard defaults %+v", cfg)
	}
	if cfg.MaxAssets != 256 || cfg.SubmissionStream != "oracle:submissions" {
		t.Errorf("unexpected infra defaults %+v", cfg)
	}
}

func TestLoad_EnvFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "oracle.env")
	content := "MIN_SUBMITTERS=5\nTWAP_WINDOW_SEC=600\nASSETS=0xaa, 0xbb\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", envFile)
	t.Setenv("TWAP_WINDOW_SEC", "900") // real env wins over the file
	t.Setenv("CIRCUIT_BREAKER_BPS", "not-a-number")
	t.Cleanup(func() {
		os.Unsetenv("MIN_SUBMITTERS")
		os.Unsetenv("ASSETS")
	})

	cfg := Load()
	if cfg.MinSubmitters != 5 {
		t.Errorf("MinSubmitters = %d, want 5 from env file", cfg.MinSubmitters)
	}
	if cfg.TWAPWindowSec != 900 {
		t.Errorf("TWAPWindowSec = %d, want 900", cfg.TWAPWindowSec)
	}
	if cfg.CircuitBreakerBps != 1000 {
		t.Errorf("invalid value should fall back to default, got %d", cfg.CircuitBreakerBps)
	}
	if len(cfg.Assets) != 2 || cfg.Assets[1] != "0xbb" {
		t.Errorf("unexpected assets %v", cfg.Assets)
	}
}
