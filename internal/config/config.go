// Package config loads the gateway configuration: a YAML file with ${ENV}
// expansion, .env support for local development, and struct-tag validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dhawalhost/scimgate/internal/audit"
	"github.com/dhawalhost/scimgate/internal/auth"
	"github.com/dhawalhost/scimgate/internal/provider/scimhttp"
	syncpkg "github.com/dhawalhost/scimgate/internal/sync"
	"github.com/dhawalhost/scimgate/internal/transform"
	"github.com/dhawalhost/scimgate/pkg/database"
	"github.com/dhawalhost/scimgate/pkg/logger"
	"github.com/dhawalhost/scimgate/pkg/middleware"
	"github.com/dhawalhost/scimgate/pkg/observability"
	"github.com/dhawalhost/scimgate/pkg/retry"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	BaseURL         string        `yaml:"baseUrl"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// MemoryStore serves the dev profile without Postgres.
	MemoryStore bool `yaml:"memoryStore"`
}

// TransformConfig tunes the transformation engine.
type TransformConfig struct {
	ConflictStrategy transform.ConflictStrategy `yaml:"conflictStrategy"`
	CacheTTL         time.Duration              `yaml:"cacheTtl"`
}

// Config is the full gateway configuration tree.
type Config struct {
	Server    ServerConfig               `yaml:"server"`
	Log       logger.Config              `yaml:"log"`
	Database  database.Config            `yaml:"database"`
	Token     auth.Config                `yaml:"token"`
	Auth      middleware.AuthConfig      `yaml:"auth"`
	RateLimit middleware.RateLimitConfig `yaml:"rateLimit"`
	Audit     audit.Config               `yaml:"audit"`
	Retry     retry.Policy               `yaml:"retry"`
	Transform TransformConfig            `yaml:"transform"`
	Providers []scimhttp.Config          `yaml:"providers"`
	Sync      syncpkg.SchedulerConfig    `yaml:"sync"`
	Tracing   observability.TracerConfig `yaml:"tracing"`
}

// Load reads and validates the configuration file. A .env file, when
// present, seeds the environment before ${VAR} expansion.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(raw))
	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Server.MemoryStore {
		// The memory profile never touches Postgres; skip its required
		// fields.
		cfg.Database = database.Config{Host: "-", Port: 1, User: "-", DBName: "-"}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: logger.Config{Level: "info"},
		Token: auth.Config{
			ClockSkew:          5 * time.Minute,
			ValidateIssuer:     true,
			ValidateAudience:   true,
			ValidateLifetime:   true,
			ValidateSigningKey: true,
		},
		Auth: middleware.AuthConfig{
			AnonymousPaths:    []string{"/health", "/metrics", "/scim/v2/ServiceProviderConfig"},
			MaxFailedAttempts: 10,
			LockoutDuration:   15 * time.Minute,
		},
		Audit: audit.Config{
			EnablePIIRedaction: true,
			MaxBodySize:        8192,
			RetentionDays:      365,
			QueueSize:          1024,
			FlushTimeout:       5 * time.Second,
		},
		Retry: retry.DefaultPolicy(),
		Transform: TransformConfig{
			ConflictStrategy: transform.FirstWins,
			CacheTTL:         5 * time.Minute,
		},
		Sync: syncpkg.SchedulerConfig{
			Interval:    5 * time.Minute,
			FullEvery:   12,
			MaxDilation: 8,
		},
	}
}
