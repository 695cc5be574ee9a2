package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration assembled from environment
// variables. Zero-dependency boot: every field has a development
// default, and unparsable values fall back rather than abort.
type Config struct {
	Addr      string // HTTP listen address
	LogLevel  string
	Tenant    string
	Workspace string
	Agents    []string // agent adapters to host

	StoreBackend string // memory | sqlite | postgres
	DatabaseURL  string
	SQLitePath   string

	NATSURL       string // empty runs the in-process transport
	RedisAddr     string // empty uses the in-memory idempotency cache
	RedisPassword string
	RedisDB       int

	OTLPEndpoint     string
	TelemetryEnabled bool

	Deterministic bool
	TickInterval  time.Duration

	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int

	ArchiveDir  string
	ProfilesDir string
	Profile     string // runtime profile applied on top of env
	PolicyDir   string // CEL rule bundles loaded at boot
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Addr:      envStr("MESHFORGE_ADDR", ":8080"),
		LogLevel:  envStr("LOG_LEVEL", "INFO"),
		Tenant:    envStr("MESHFORGE_TENANT", "default"),
		Workspace: envStr("MESHFORGE_WORKSPACE", "main"),
		Agents:    envList("MESHFORGE_AGENTS", []string{"counter"}),

		StoreBackend: envStr("STORE_BACKEND", "memory"),
		DatabaseURL:  envStr("DATABASE_URL", "postgres://meshforge@localhost:5432/meshforge?sslmode=disable"),
		SQLitePath:   envStr("SQLITE_PATH", "meshforge.db"),

		NATSURL:       os.Getenv("NATS_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		OTLPEndpoint:     envStr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: envBool("TELEMETRY_ENABLED", false),

		Deterministic: envBool("DETERMINISTIC", false),
		TickInterval:  time.Duration(envInt("TICK_INTERVAL_MS", 1000)) * time.Millisecond,

		JWTSecret:      os.Getenv("JWT_SECRET"),
		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 100),

		ArchiveDir:  envStr("ARCHIVE_DIR", "archive"),
		ProfilesDir: envStr("PROFILES_DIR", ""),
		Profile:     os.Getenv("MESHFORGE_PROFILE"),
		PolicyDir:   os.Getenv("POLICY_DIR"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
