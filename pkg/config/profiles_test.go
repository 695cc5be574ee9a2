package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// The shipped operator profiles at the repo root double as fixtures.
const profilesDir = "../../profiles"

func TestLoadProfile_Deterministic(t *testing.T) {
	p, err := LoadProfile(profilesDir, "deterministic")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}

	if p.Code != "deterministic" {
		t.Errorf("Code = %q, want deterministic", p.Code)
	}
	if !p.Engine.Deterministic {
		t.Error("Engine.Deterministic = false, want true")
	}
	if p.Delivery.Transport != "inprocess" {
		t.Errorf("Transport = %q, want inprocess", p.Delivery.Transport)
	}
	if p.UsesJetStream() {
		t.Error("UsesJetStream() = true for inprocess profile")
	}
}

func TestLoadProfile_Durable(t *testing.T) {
	p, err := LoadProfile(profilesDir, "durable")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}

	if !p.UsesJetStream() {
		t.Error("UsesJetStream() = false, want true")
	}
	if p.Delivery.MaxDeliver != 5 {
		t.Errorf("MaxDeliver = %d, want 5", p.Delivery.MaxDeliver)
	}
	if got, want := p.AckWait(), 30*time.Second; got != want {
		t.Errorf("AckWait() = %v, want %v", got, want)
	}

	backoff := p.Backoff()
	if len(backoff) != 4 {
		t.Fatalf("Backoff() len = %d, want 4", len(backoff))
	}
	if backoff[0] != time.Second || backoff[3] != 30*time.Second {
		t.Errorf("Backoff() = %v, want 1s..30s ladder", backoff)
	}
	if p.Delivery.MaxDeliver <= len(backoff) {
		t.Error("MaxDeliver must exceed backoff ladder length")
	}
	if p.Storage.Backend != "postgres" {
		t.Errorf("Storage.Backend = %q, want postgres", p.Storage.Backend)
	}
	if p.Storage.KeyCache != "redis" {
		t.Errorf("Storage.KeyCache = %q, want redis", p.Storage.KeyCache)
	}
	if !p.Retention.ArchiveEnabled {
		t.Error("Retention.ArchiveEnabled = false, want true")
	}
}

func TestLoadProfile_CaseInsensitiveCode(t *testing.T) {
	p, err := LoadProfile(profilesDir, "DEV")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Code != "dev" {
		t.Errorf("Code = %q, want dev", p.Code)
	}
	if p.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %q, want memory", p.Storage.Backend)
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	if _, err := LoadProfile(profilesDir, "nope"); err == nil {
		t.Fatal("expected error for unknown profile code")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	profiles, err := LoadAllProfiles(profilesDir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) < 3 {
		t.Fatalf("loaded %d profiles, want at least 3", len(profiles))
	}
	for _, code := range []string{"deterministic", "durable", "dev"} {
		if _, ok := profiles[code]; !ok {
			t.Errorf("profile %q missing", code)
		}
	}
}

func TestLoadAllProfiles_CodeFromFilename(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("name: Nameless\nengine:\n  deterministic: true\n")
	if err := os.WriteFile(filepath.Join(dir, "profile_edge.yaml"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	p, ok := profiles["edge"]
	if !ok {
		t.Fatal("code not derived from filename")
	}
	if !p.Engine.Deterministic {
		t.Error("Engine.Deterministic = false, want true")
	}
}

func TestProfileApply(t *testing.T) {
	cfg := Load()
	cfg.StoreBackend = "memory"
	cfg.TickInterval = time.Second

	p, err := LoadProfile(profilesDir, "durable")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	p.Apply(cfg)

	if cfg.Profile != "durable" {
		t.Errorf("Profile = %q, want durable", cfg.Profile)
	}
	if cfg.StoreBackend != "postgres" {
		t.Errorf("StoreBackend = %q, want postgres", cfg.StoreBackend)
	}
	if cfg.Deterministic {
		t.Error("Deterministic = true, want false for durable profile")
	}
	if cfg.RateLimitRPS != 50 {
		t.Errorf("RateLimitRPS = %v, want 50", cfg.RateLimitRPS)
	}

	// Zero-valued profile fields leave the base config alone.
	empty := &RuntimeProfile{Code: "bare"}
	cfg.TickInterval = 5 * time.Second
	empty.Apply(cfg)
	if cfg.TickInterval != 5*time.Second {
		t.Errorf("TickInterval = %v, want 5s untouched", cfg.TickInterval)
	}
	if cfg.StoreBackend != "postgres" {
		t.Errorf("StoreBackend = %q, want postgres untouched", cfg.StoreBackend)
	}
}
