// Package config loads the process's runtime settings from the
// environment, following spec §6's enumerated configuration keys. Nested
// keys are addressed with an APP__SECTION__KEY naming convention
// (APP__GENERAL__VACUUM_INTERVAL, APP__CONSTRAINT_WRITER__MAX_VIDEO_REMB,
// ...), the teacher's own flat-getEnv idiom generalized to the prefix
// spec §6 calls for.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every section spec §6 enumerates, plus the ambient
// database/redis connection settings the teacher's stack requires.
type Config struct {
	General               GeneralConfig
	Recordings            RecordingsConfig
	SpeakingNotifications SpeakingNotificationsConfig
	ConstraintWriter      ConstraintWriterConfig
	Upload                UploadConfig
	Metrics               MetricsConfig
	Registry              RegistryConfig
	Switchboard           SwitchboardConfig
	Database              DatabaseConfig
	Redis                 RedisConfig
	Auth                  AuthConfig
}

// GeneralConfig holds the loop intervals and control-surface bind
// address.
type GeneralConfig struct {
	VacuumInterval  time.Duration
	FIRInterval     time.Duration
	SessionsTTL     time.Duration
	HealthCheckAddr string
}

// RecordingsConfig controls the recorder subsystem (Component B).
type RecordingsConfig struct {
	Directory     string
	Enabled       bool
	DeleteRecords bool
}

// SpeakingNotificationsConfig tunes the speaking detector (Component C).
// cmd/server does not pass these values on, and internal/speaking has no
// defaults of its own to fall back to.
type SpeakingNotificationsConfig struct {
	AudioActivePackets      int
	SpeakingAverageLevel    float64
	NotSpeakingAverageLevel float64
}

// ConstraintWriterConfig bounds the writer-config-update endpoint.
type ConstraintWriterConfig struct {
	DefaultVideoBitrate uint32
	MaxVideoREMB        uint32
	AudioBitrate        uint32
}

// UploadConfig names the enabled upload backends and their shell
// command, when applicable.
type UploadConfig struct {
	Backends          []string
	ShellCmd          string
	ShellArgs         []string
	ShellTimeout      time.Duration
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// MetricsConfig controls the metrics sampler (internal/metrics).
type MetricsConfig struct {
	SwitchboardMetricsLoadInterval time.Duration
	RecordersMetricsLoadInterval  time.Duration
	BindAddr                       string
}

// RegistryConfig controls self-registration with a central registry
// (internal/registry). Optional: Enabled reports whether it is
// configured at all.
type RegistryConfig struct {
	ConferenceURL string
	Description   string
	Token         string
	Capacity      int
	Group         string
	URL           string
	AgentID       string
}

// Enabled reports whether self-registration with a central registry is
// configured.
func (c RegistryConfig) Enabled() bool {
	return c.ConferenceURL != "" && c.URL != ""
}

// SwitchboardConfig bounds the switchboard's entity graph.
type SwitchboardConfig struct {
	MaxSessionsPerAgent int
	MaxAgents           int
}

// DatabaseConfig holds the PostgreSQL connection used by internal/audit.
// A blank URL disables the audit ledger (it degrades to a no-op).
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds the Redis connection internal/metrics publishes
// gauges to. A blank Addr disables Redis publishing.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds the shared-secret used to validate bearer tokens on
// control-plane mutation endpoints.
type AuthConfig struct {
	BearerSecret string
	CORSOrigins  string
}

// Load reads configuration from the environment, with an optional .env
// file loaded first for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		General: GeneralConfig{
			VacuumInterval:  getEnvDuration("APP__GENERAL__VACUUM_INTERVAL", 30*time.Second),
			FIRInterval:     getEnvDuration("APP__GENERAL__FIR_INTERVAL", 2*time.Second),
			SessionsTTL:     getEnvDuration("APP__GENERAL__SESSIONS_TTL", 60*time.Second),
			HealthCheckAddr: getEnv("APP__GENERAL__HEALTH_CHECK_ADDR", ":8088"),
		},
		Recordings: RecordingsConfig{
			Directory:     getEnv("APP__RECORDINGS__DIRECTORY", "/var/lib/switchboard/records"),
			Enabled:       getEnvBool("APP__RECORDINGS__ENABLED", true),
			DeleteRecords: getEnvBool("APP__RECORDINGS__DELETE_RECORDS", false),
		},
		SpeakingNotifications: SpeakingNotificationsConfig{
			AudioActivePackets:      getEnvInt("APP__SPEAKING_NOTIFICATIONS__AUDIO_ACTIVE_PACKETS", 0),
			SpeakingAverageLevel:    getEnvFloat("APP__SPEAKING_NOTIFICATIONS__SPEAKING_AVERAGE_LEVEL", 0),
			NotSpeakingAverageLevel: getEnvFloat("APP__SPEAKING_NOTIFICATIONS__NOT_SPEAKING_AVERAGE_LEVEL", 0),
		},
		ConstraintWriter: ConstraintWriterConfig{
			DefaultVideoBitrate: uint32(getEnvInt("APP__CONSTRAINT_WRITER__DEFAULT_VIDEO_BITRATE", 1_000_000)),
			MaxVideoREMB:        uint32(getEnvInt("APP__CONSTRAINT_WRITER__MAX_VIDEO_REMB", 4_000_000)),
			AudioBitrate:        uint32(getEnvInt("APP__CONSTRAINT_WRITER__AUDIO_BITRATE", 64_000)),
		},
		Upload: UploadConfig{
			Backends:          splitTrim(getEnv("APP__UPLOAD__BACKENDS", "shell"), ","),
			ShellCmd:          getEnv("APP__UPLOAD__SHELL_CMD", "/usr/local/bin/upload-helper"),
			ShellArgs:         splitTrim(getEnv("APP__UPLOAD__SHELL_ARGS", ""), " "),
			ShellTimeout:      getEnvDuration("APP__UPLOAD__SHELL_TIMEOUT", 5*time.Minute),
			S3Region:          getEnv("APP__UPLOAD__S3_REGION", ""),
			S3AccessKeyID:     getEnv("APP__UPLOAD__S3_ACCESS_KEY_ID", ""),
			S3SecretAccessKey: getEnv("APP__UPLOAD__S3_SECRET_ACCESS_KEY", ""),
		},
		Metrics: MetricsConfig{
			SwitchboardMetricsLoadInterval: getEnvDuration("APP__METRICS__SWITCHBOARD_METRICS_LOAD_INTERVAL", 10*time.Second),
			RecordersMetricsLoadInterval:   getEnvDuration("APP__METRICS__RECORDERS_METRICS_LOAD_INTERVAL", 10*time.Second),
			BindAddr:                       getEnv("APP__METRICS__BIND_ADDR", ":9090"),
		},
		Registry: RegistryConfig{
			ConferenceURL: getEnv("APP__REGISTRY__CONFERENCE_URL", ""),
			Description:   getEnv("APP__REGISTRY__DESCRIPTION", ""),
			Token:         getEnv("APP__REGISTRY__TOKEN", ""),
			Capacity:      getEnvInt("APP__REGISTRY__CAPACITY", 0),
			Group:         getEnv("APP__REGISTRY__GROUP", ""),
			URL:           getEnv("APP__REGISTRY__URL", ""),
			AgentID:       getEnv("APP__REGISTRY__AGENT_ID", ""),
		},
		Switchboard: SwitchboardConfig{
			MaxSessionsPerAgent: getEnvInt("APP__SWITCHBOARD__MAX_SESSIONS_PER_AGENT", 16),
			MaxAgents:           getEnvInt("APP__SWITCHBOARD__MAX_AGENTS", 0),
		},
		Database: DatabaseConfig{
			URL: getEnv("APP__DATABASE__URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("APP__REDIS__ADDR", ""),
			Password: getEnv("APP__REDIS__PASSWORD", ""),
			DB:       getEnvInt("APP__REDIS__DB", 0),
		},
		Auth: AuthConfig{
			BearerSecret: getEnv("APP__AUTH__BEARER_SECRET", "change-me-in-production"),
			CORSOrigins:  getEnv("APP__AUTH__CORS_ORIGINS", "*"),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
