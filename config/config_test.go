package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"SAFEKEEPER_LISTEN_ADDR", "SAFEKEEPER_DATA_DIR", "SAFEKEEPER_PAGESERVER_ADDR",
		"SAFEKEEPER_NO_SYNC", "SAFEKEEPER_LOG_LEVEL", "SAFEKEEPER_METRICS_ADDR",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:5454" {
		t.Errorf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want default", cfg.DataDir)
	}
	if cfg.NoSync {
		t.Errorf("NoSync = true, want false by default")
	}
	if cfg.MetricsAddr != "0.0.0.0:9898" {
		t.Errorf("MetricsAddr = %q, want default", cfg.MetricsAddr)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("SAFEKEEPER_LISTEN_ADDR", "127.0.0.1:7676")
	t.Setenv("SAFEKEEPER_DATA_DIR", "/var/lib/safekeeper")
	t.Setenv("SAFEKEEPER_NO_SYNC", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7676" {
		t.Errorf("ListenAddr = %q, want override", cfg.ListenAddr)
	}
	if cfg.DataDir != "/var/lib/safekeeper" {
		t.Errorf("DataDir = %q, want override", cfg.DataDir)
	}
	if !cfg.NoSync {
		t.Errorf("NoSync = false, want true from override")
	}
}

func TestLoadInvalidNoSync(t *testing.T) {
	t.Setenv("SAFEKEEPER_NO_SYNC", "not-a-bool")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid SAFEKEEPER_NO_SYNC")
	}
}
