package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"locktrack/internal/tracker"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	RedisURL      string
	JWTSecret     string
	SealSecret    string
	MigrationsDir string
	CORSOrigin    string
	LogLevel      string
	// PolicyFile optionally overrides the policy windows below.
	PolicyFile string
	Policy     Policy
}

// Policy holds the tunable windows of the rules engine and the tick rate.
type Policy struct {
	PauseCooldown         time.Duration `yaml:"pause_cooldown"`
	ReleaseCooldown       time.Duration `yaml:"release_cooldown"`
	TickInterval          time.Duration `yaml:"tick_interval"`
	CooldownNoticeTTL     time.Duration `yaml:"cooldown_notice_ttl"`
	VerificationNoticeTTL time.Duration `yaml:"verification_notice_ttl"`
	NoticeTTL             time.Duration `yaml:"notice_ttl"`
}

func Load() Config {
	defaults := tracker.DefaultPolicy()
	return Config{
		Addr:          getenv("API_ADDR", ":8787"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		RedisURL:      getenv("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:     getenv("LOCKTRACK_JWT_SECRET", "locktrack-dev-secret"),
		SealSecret:    getenv("LOCKTRACK_SEAL_SECRET", "locktrack-dev-seal"),
		MigrationsDir: getenv("LOCKTRACK_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("LOCKTRACK_CORS_ORIGIN", "*"),
		LogLevel:      getenv("LOCKTRACK_LOG_LEVEL", "info"),
		PolicyFile:    getenv("LOCKTRACK_CONFIG", ""),
		Policy: Policy{
			PauseCooldown:         getenvDuration("LOCKTRACK_PAUSE_COOLDOWN", defaults.PauseCooldown),
			ReleaseCooldown:       getenvDuration("LOCKTRACK_RELEASE_COOLDOWN", defaults.ReleaseCooldown),
			TickInterval:          time.Duration(getenvInt("LOCKTRACK_TICK_MILLIS", 1000)) * time.Millisecond,
			CooldownNoticeTTL:     defaults.CooldownNoticeTTL,
			VerificationNoticeTTL: defaults.VerificationNoticeTTL,
			NoticeTTL:             defaults.NoticeTTL,
		},
	}
}

// LoadPolicyFile overlays the durations set in a YAML file onto cfg.Policy.
// Keys left out of the file keep their current value.
func (cfg *Config) LoadPolicyFile(path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	policy := cfg.Policy
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	if err := policy.validate(); err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	cfg.Policy = policy
	return nil
}

func (p Policy) validate() error {
	checks := []struct {
		name  string
		value time.Duration
	}{
		{"pause_cooldown", p.PauseCooldown},
		{"release_cooldown", p.ReleaseCooldown},
		{"tick_interval", p.TickInterval},
		{"cooldown_notice_ttl", p.CooldownNoticeTTL},
		{"verification_notice_ttl", p.VerificationNoticeTTL},
		{"notice_ttl", p.NoticeTTL},
	}
	for _, c := range checks {
		if c.value < 0 {
			return fmt.Errorf("%s must not be negative", c.name)
		}
	}
	if p.TickInterval < 100*time.Millisecond {
		return fmt.Errorf("tick_interval must be at least 100ms")
	}
	return nil
}

// Tracker converts the policy into the rules engine's form.
func (p Policy) Tracker() tracker.Policy {
	return tracker.Policy{
		PauseCooldown:         p.PauseCooldown,
		ReleaseCooldown:       p.ReleaseCooldown,
		CooldownNoticeTTL:     p.CooldownNoticeTTL,
		VerificationNoticeTTL: p.VerificationNoticeTTL,
		NoticeTTL:             p.NoticeTTL,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
