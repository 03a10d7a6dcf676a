package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLoadWritesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.PollCron == "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config holds secrets and must be 0600, got %o", perm)
	}
}

func TestLoadNormalizesSparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9090\"\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("explicit value lost: %+v", cfg)
	}
	if cfg.PollCron == "" || cfg.DispatchWorkers <= 0 || cfg.StoreDSN == "" {
		t.Fatalf("gaps not filled with defaults: %+v", cfg)
	}
	if cfg.Mapping.People[3] != 8 {
		t.Fatalf("zero mapping should fall back to the default layout: %+v", cfg.Mapping)
	}
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	if err := os.WriteFile(path, []byte("timezone: Nowhere/Special\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "calsync.yaml")
	cfg := DefaultConfig()
	cfg.Timezone = "Europe/Riga"
	cfg.Feed.URL = "https://sheets.example.com/export"
	cfg.Feed.Token = "tok-123"
	cfg.Mapping.People = [4]int{9, 10, 11, 12}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	var reloaded Config
	if err := yaml.Unmarshal(data, &reloaded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if reloaded.Timezone != "Europe/Riga" || reloaded.Feed.Token != "tok-123" {
		t.Fatalf("round trip lost data: %+v", reloaded)
	}
	if reloaded.Mapping.People != cfg.Mapping.People {
		t.Fatalf("mapping lost in round trip: %+v", reloaded.Mapping)
	}
}

func TestLocationDefaultsToUTC(t *testing.T) {
	cfg := Config{}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("location failed: %v", err)
	}
	if loc.String() != "UTC" {
		t.Fatalf("expected UTC, got %s", loc)
	}
}
