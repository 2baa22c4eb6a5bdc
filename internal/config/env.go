// Package config provides centralized configuration from the environment
// and optional .env files.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// ComplyEnv holds all comply environment variables.
type ComplyEnv struct {
	// UserID is the acting user for CLI commands (COMPLY_USER_ID)
	UserID string

	// Plan is the user's subscription plan (COMPLY_PLAN)
	Plan string

	// SessionID scopes the persisted last result (COMPLY_SESSION_ID)
	SessionID string

	// DatabaseDSN is a SQLite path or postgres:// URL (COMPLY_DB_DSN)
	DatabaseDSN string

	// RedisURL enables the Redis cache/session backend (COMPLY_REDIS_URL)
	RedisURL string

	// PlansFile overrides the built-in plan tables (COMPLY_PLANS_FILE)
	PlansFile string

	// CacheTTL is the usage/history cache window (COMPLY_CACHE_TTL)
	CacheTTL time.Duration

	// LogLevel is the minimum log level (COMPLY_LOG_LEVEL)
	LogLevel string

	// ListenAddr is the HTTP API address (COMPLY_LISTEN_ADDR)
	ListenAddr string

	// Model is the analysis model (COMPLY_MODEL)
	Model string

	// OpenAIKey is the analysis API key (OPENAI_API_KEY)
	OpenAIKey string

	// OpenAIBaseURL overrides the analysis API base URL (OPENAI_BASE_URL)
	OpenAIBaseURL string
}

var (
	env     *ComplyEnv
	envOnce sync.Once
)

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() *ComplyEnv {
	envOnce.Do(func() {
		env = &ComplyEnv{
			UserID:        getEnvDefault("COMPLY_USER_ID", getEnvDefault("USER", "local")),
			Plan:          getEnvDefault("COMPLY_PLAN", "free"),
			SessionID:     getEnvDefault("COMPLY_SESSION_ID", "default"),
			DatabaseDSN:   getEnvDefault("COMPLY_DB_DSN", filepath.Join(GetPaths().Data, "comply.db")),
			RedisURL:      os.Getenv("COMPLY_REDIS_URL"),
			PlansFile:     os.Getenv("COMPLY_PLANS_FILE"),
			CacheTTL:      getDurationDefault("COMPLY_CACHE_TTL", 60*time.Second),
			LogLevel:      getEnvDefault("COMPLY_LOG_LEVEL", "info"),
			ListenAddr:    getEnvDefault("COMPLY_LISTEN_ADDR", ":8080"),
			Model:         getEnvDefault("COMPLY_MODEL", "gpt-4o-mini"),
			OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		}
	})
	return env
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDurationDefault(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped and variables already set are never overridden.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// DefaultEnvFiles returns ~/.comply/.env and ./.env.
func DefaultEnvFiles() []string {
	return []string{GetPaths().EnvFile, ".env"}
}

// Paths holds standard comply directory paths.
type Paths struct {
	// Home is the comply home directory (~/.comply)
	Home string

	// Data is the data directory (~/.comply/data)
	Data string

	// EnvFile is the .env file path (~/.comply/.env)
	EnvFile string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		root := filepath.Join(home, ".comply")

		paths = &Paths{
			Home:    root,
			Data:    filepath.Join(root, "data"),
			EnvFile: filepath.Join(root, ".env"),
		}
	})
	return paths
}
