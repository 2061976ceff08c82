package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchCap != 50 {
		t.Errorf("BatchCap = %d, want 50", cfg.BatchCap)
	}
	if cfg.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", cfg.MaxParallel)
	}
	if cfg.LeaseDuration != 2*time.Minute {
		t.Errorf("LeaseDuration = %v, want 2m", cfg.LeaseDuration)
	}
	if cfg.PrepaidRuns != -1 {
		t.Errorf("PrepaidRuns = %d, want -1 (unlimited)", cfg.PrepaidRuns)
	}
	if len(cfg.DelayTable) != 4 {
		t.Errorf("DelayTable has %d entries, want 4", len(cfg.DelayTable))
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
postgres_url: postgres://test:test@db:5432/vault
grpc_addr: ":7001"
batch_cap: 25
max_parallel: 8
bridge_account_id: "33333333-3333-3333-3333-333333333333"
assets:
  - code: NATIVE
    position_kind: perp
strategies:
  - kind: delta-neutral
    asset: NATIVE
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VB_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PostgresURL != "postgres://test:test@db:5432/vault" {
		t.Errorf("PostgresURL = %q", cfg.PostgresURL)
	}
	if cfg.GRPCAddr != ":7001" {
		t.Errorf("GRPCAddr = %q, want :7001", cfg.GRPCAddr)
	}
	if cfg.BatchCap != 25 {
		t.Errorf("BatchCap = %d, want 25", cfg.BatchCap)
	}
	if cfg.MaxParallel != 8 {
		t.Errorf("MaxParallel = %d, want 8", cfg.MaxParallel)
	}
	// Fields the file does not mention keep their defaults.
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want default :8080", cfg.HTTPAddr)
	}
	if len(cfg.Assets) != 1 || cfg.Assets[0].Code != "NATIVE" {
		t.Errorf("Assets = %+v", cfg.Assets)
	}
	if len(cfg.Strategies) != 1 || cfg.Strategies[0].Kind != "delta-neutral" {
		t.Errorf("Strategies = %+v", cfg.Strategies)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("batch_cap: 25\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VB_CONFIG", path)
	t.Setenv("VB_BATCH_CAP", "75")
	t.Setenv("VB_LEASE_DURATION", "5m")
	t.Setenv("VB_PREPAID_RUNS", "1000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchCap != 75 {
		t.Errorf("BatchCap = %d, env should beat file's 25", cfg.BatchCap)
	}
	if cfg.LeaseDuration != 5*time.Minute {
		t.Errorf("LeaseDuration = %v, want 5m", cfg.LeaseDuration)
	}
	if cfg.PrepaidRuns != 1000 {
		t.Errorf("PrepaidRuns = %d, want 1000", cfg.PrepaidRuns)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		key, val string
	}{
		{"VB_BATCH_CAP", "0"},
		{"VB_MAX_PARALLEL", "-2"},
		{"VB_LEASE_DURATION", "-1m"},
		{"VB_DEFAULT_DELAY", "0s"},
	}
	for _, c := range cases {
		t.Run(c.key, func(t *testing.T) {
			t.Setenv(c.key, c.val)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s should fail validation", c.key, c.val)
			}
		})
	}
}

func TestEnvHelpers_MalformedFallsBack(t *testing.T) {
	t.Setenv("VB_TEST_INT", "not-a-number")
	if got := envIntOrDefault("VB_TEST_INT", 42); got != 42 {
		t.Errorf("envIntOrDefault = %d, want fallback 42", got)
	}
	t.Setenv("VB_TEST_DUR", "soon")
	if got := envDurationOrDefault("VB_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("envDurationOrDefault = %v, want fallback 1s", got)
	}
}
