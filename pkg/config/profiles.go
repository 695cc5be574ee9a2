package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeProfile bundles engine, delivery, storage, and limit settings
// under a named operating mode. Profiles layer on top of environment
// configuration: load one by code and Apply it to a Config.
type RuntimeProfile struct {
	Name        string           `yaml:"name" json:"name"`
	Code        string           `yaml:"code" json:"code"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Engine      EngineProfile    `yaml:"engine" json:"engine"`
	Delivery    DeliveryProfile  `yaml:"delivery" json:"delivery"`
	Storage     StorageProfile   `yaml:"storage" json:"storage"`
	Retention   RetentionProfile `yaml:"retention" json:"retention"`
	Limits      LimitsProfile    `yaml:"limits" json:"limits"`
}

// EngineProfile controls event processing behavior.
type EngineProfile struct {
	Deterministic  bool  `yaml:"deterministic" json:"deterministic"`
	TickIntervalMs int64 `yaml:"tick_interval_ms" json:"tick_interval_ms"`
}

// DeliveryProfile controls the transport and redelivery policy.
type DeliveryProfile struct {
	Transport  string  `yaml:"transport" json:"transport"` // "inprocess" | "jetstream"
	MaxDeliver int     `yaml:"max_deliver" json:"max_deliver"`
	AckWaitMs  int64   `yaml:"ack_wait_ms" json:"ack_wait_ms"`
	BackoffMs  []int64 `yaml:"backoff_ms,omitempty" json:"backoff_ms,omitempty"`
}

// StorageProfile selects the event store and idempotency cache backends.
type StorageProfile struct {
	Backend     string `yaml:"backend" json:"backend"`             // memory | sqlite | postgres
	KeyCache    string `yaml:"key_cache" json:"key_cache"`         // memory | redis
	KeyTTLHours int    `yaml:"key_ttl_hours" json:"key_ttl_hours"` // idempotency key retention
}

// RetentionProfile controls archival of the event log.
type RetentionProfile struct {
	EventMaxDays     int  `yaml:"event_max_days" json:"event_max_days"`
	ArchiveEnabled   bool `yaml:"archive_enabled" json:"archive_enabled"`
	SegmentMaxEvents int  `yaml:"segment_max_events,omitempty" json:"segment_max_events,omitempty"`
}

// LimitsProfile bounds ingest traffic.
type LimitsProfile struct {
	IngestRPS       float64 `yaml:"ingest_rps" json:"ingest_rps"`
	IngestBurst     int     `yaml:"ingest_burst" json:"ingest_burst"`
	PayloadMaxBytes int64   `yaml:"payload_max_bytes" json:"payload_max_bytes"`
}

// LoadProfile loads a runtime profile YAML by code. It reads
// profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*RuntimeProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile RuntimeProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the directory.
func LoadAllProfiles(profilesDir string) (map[string]*RuntimeProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*RuntimeProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile RuntimeProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// profile_durable.yaml -> durable
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// UsesJetStream reports whether the profile runs on the durable broker.
func (p *RuntimeProfile) UsesJetStream() bool {
	return p.Delivery.Transport == "jetstream"
}

// AckWait returns the redelivery timeout as a duration.
func (p *RuntimeProfile) AckWait() time.Duration {
	return time.Duration(p.Delivery.AckWaitMs) * time.Millisecond
}

// Backoff returns the redelivery ladder as durations.
func (p *RuntimeProfile) Backoff() []time.Duration {
	if len(p.Delivery.BackoffMs) == 0 {
		return nil
	}
	out := make([]time.Duration, len(p.Delivery.BackoffMs))
	for i, ms := range p.Delivery.BackoffMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// Apply overlays the profile onto an environment-derived Config.
// Only fields the profile actually sets are overridden.
func (p *RuntimeProfile) Apply(cfg *Config) {
	cfg.Profile = p.Code
	cfg.Deterministic = p.Engine.Deterministic
	if p.Engine.TickIntervalMs > 0 {
		cfg.TickInterval = time.Duration(p.Engine.TickIntervalMs) * time.Millisecond
	}
	if p.Storage.Backend != "" {
		cfg.StoreBackend = p.Storage.Backend
	}
	if p.Limits.IngestRPS > 0 {
		cfg.RateLimitRPS = p.Limits.IngestRPS
	}
	if p.Limits.IngestBurst > 0 {
		cfg.RateLimitBurst = p.Limits.IngestBurst
	}
}
