package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// REST API base URL for paginated fetches, e.g. "https://chat.example.com/api".
	APIBaseURL string `env:"CHAT_API_BASE_URL"`

	// WebSocket host for the push transport, e.g. "chat.example.com".
	// The transport dials wss://<host>/ws; an explicit ws:// scheme is
	// honored for local development.
	WSHost string `env:"CHAT_WS_HOST"`

	// Authenticated user identity and token. Issued externally; chat-sync
	// never refreshes them itself.
	UserID string `env:"CHAT_USER_ID"`
	Token  string `env:"CHAT_TOKEN"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Page size for conversation and message fetches.
	PageSize int `env:"CHAT_PAGE_SIZE" envDefault:"30"`

	// Outbound send tuning. A pending message is retried on reconnect up
	// to SendMaxRetries times and marked failed after SendTimeout without
	// a server echo.
	SendMaxRetries int           `env:"CHAT_SEND_MAX_RETRIES" envDefault:"3"`
	SendTimeout    time.Duration `env:"CHAT_SEND_TIMEOUT" envDefault:"15s"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chat-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_BASE_URL is required")
	}

	if c.WSHost == "" {
		return fmt.Errorf("CHAT_WS_HOST is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.PageSize < 1 || c.PageSize > 200 {
		return fmt.Errorf("CHAT_PAGE_SIZE must be between 1 and 200, got %d", c.PageSize)
	}

	if c.SendMaxRetries < 0 {
		return fmt.Errorf("CHAT_SEND_MAX_RETRIES must not be negative, got %d", c.SendMaxRetries)
	}

	if c.SendTimeout < time.Second {
		return fmt.Errorf("CHAT_SEND_TIMEOUT must be at least 1s, got %s", c.SendTimeout)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
