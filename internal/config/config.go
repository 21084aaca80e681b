package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// maxPageSize is one below the server's exclusive page limit of 100.
	maxPageSize = 99

	// wsPath is the push endpoint path appended to the API URL when
	// CHAT_WS_URL is not set.
	wsPath = "/ws"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// REST base URL of the chat server.
	APIURL string `env:"CHAT_API_URL"`

	// Push channel URL. Derived from APIURL when empty.
	WSURL string `env:"CHAT_WS_URL"`

	// Account credentials used when no valid cached token exists.
	Username string `env:"CHAT_USERNAME"`
	Password string `env:"CHAT_PASSWORD"`

	// Catch-up tuning.
	PageSize     int           `env:"CHAT_PAGE_SIZE" envDefault:"20"`
	PollInterval time.Duration `env:"CHAT_POLL_INTERVAL" envDefault:"1s"`

	// Push channel tuning.
	ReconnectDelay    time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"3s"`
	HeartbeatInterval time.Duration `env:"CHAT_HEARTBEAT_INTERVAL" envDefault:"30s"`
	SendRate          float64       `env:"CHAT_SEND_RATE" envDefault:"5"`
	SendBurst         int           `env:"CHAT_SEND_BURST" envDefault:"5"`

	// Location of the credential cache. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
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

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSURL == "" {
		wsURL, err := DeriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("deriving push channel URL: %w", err)
		}

		cfg.WSURL = wsURL
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CHAT_API_URL must be an absolute http(s) URL")
	}

	if c.WSURL != "" {
		wu, err := url.Parse(c.WSURL)
		if err != nil || (wu.Scheme != "ws" && wu.Scheme != "wss") || wu.Host == "" {
			return fmt.Errorf("CHAT_WS_URL must be an absolute ws(s) URL")
		}
	}

	if c.Username == "" {
		return fmt.Errorf("CHAT_USERNAME is required")
	}

	if c.Password == "" {
		return fmt.Errorf("CHAT_PASSWORD is required")
	}

	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return fmt.Errorf("CHAT_PAGE_SIZE must be between 1 and %d", maxPageSize)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("CHAT_POLL_INTERVAL must be positive")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_DELAY must be positive")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("CHAT_HEARTBEAT_INTERVAL must be positive")
	}

	if c.SendRate <= 0 || c.SendBurst < 1 {
		return fmt.Errorf("CHAT_SEND_RATE must be positive and CHAT_SEND_BURST at least 1")
	}

	return nil
}

// DeriveWSURL turns a REST base URL into the push endpoint:
// http -> ws, https -> wss, path + /ws.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parsing API URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported API URL scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + wsPath
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}

// DefaultStatePath returns ~/.chat-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
