package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"

	"github.com/MimeLyc/vidgen-client/pkg/log"
)

// Config holds all client configuration.
// Values come from environment variables (a .env file is loaded by the CLI)
// with sensible defaults, then Options are applied.
//
// Environment Variables:
// API Configuration:
// - API_URL: REST base URL (default: http://localhost:8000/api/v1)
// - API_TIMEOUT: per request timeout (default: 30s)
// - LANGUAGE: preferred response language (default: en)
//
// Tracker Configuration:
// - POLL_INTERVAL: poll tick interval while jobs are active (default: 5s)
// - WS_URL: push channel base URL (default: ws://localhost:8000)
// - PUSH_RECONNECT_DELAY: delay before each reconnect (default: 3s)
// - PUSH_MAX_RECONNECT_ATTEMPTS: reconnect budget (default: 10)
// - PUSH_PING_INTERVAL: keepalive ping interval, 0 disables (default: 0)
// - ORDERING_GUARD: reject stale per-field updates (default: false)
//
// System Configuration:
// - DATA_DIR: local state directory (default: ~/.vidgen)
// - SESSION_FILE: persisted session (default: $DATA_DIR/session.json)
// - HISTORY_RETENTION: how long finished jobs stay in history (default: 720h)
// - HISTORY_PRUNE_CRON: history prune schedule (default: 0 3 * * *)
// - LOG_LEVEL: debug|info|warn|error (default: info)
// - LOG_FORMAT: json|console (default: console)
// - LOG_FILE: optional log file, used instead of stderr
type Config struct {
	API     APIConfig     `json:"api"`
	Tracker TrackerConfig `json:"tracker"`
	System  SystemConfig  `json:"system"`
	History HistoryConfig `json:"history"`
}

type APIConfig struct {
	BaseURL  string        `json:"base_url"`
	Timeout  time.Duration `json:"timeout"`
	Language language.Tag  `json:"language"`
}

type TrackerConfig struct {
	PollInterval         time.Duration `json:"poll_interval"`
	PushURL              string        `json:"push_url"`
	ReconnectDelay       time.Duration `json:"reconnect_delay"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	PingInterval         time.Duration `json:"ping_interval"`
	OrderingGuard        bool          `json:"ordering_guard"`
}

type SystemConfig struct {
	DataDir     string `json:"data_dir"`
	SessionFile string `json:"session_file"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	LogFile     string `json:"log_file"`
}

type HistoryConfig struct {
	Retention time.Duration `json:"retention"`
	PruneCron string        `json:"prune_cron"`
}

// DBPath is where finished jobs are recorded.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "history.db")
}

// Option is a function type for configuring Config
type Option func(*Config)

func WithAPIURL(u string) Option {
	return func(c *Config) {
		if strings.TrimSpace(u) != "" {
			c.API.BaseURL = u
		}
	}
}

func WithDataDir(dir string) Option {
	return func(c *Config) {
		if strings.TrimSpace(dir) == "" {
			return
		}
		if c.System.SessionFile == filepath.Join(c.System.DataDir, "session.json") {
			c.System.SessionFile = filepath.Join(dir, "session.json")
		}
		c.System.DataDir = dir
	}
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", defaultDataDir())
	lang, err := language.Parse(getEnvString("LANGUAGE", "en"))
	if err != nil {
		return nil, fmt.Errorf("invalid LANGUAGE: %w", err)
	}

	config := &Config{
		API: APIConfig{
			BaseURL:  getEnvString("API_URL", "http://localhost:8000/api/v1"),
			Timeout:  getEnvDuration("API_TIMEOUT", 30*time.Second),
			Language: lang,
		},
		Tracker: TrackerConfig{
			PollInterval:         getEnvDuration("POLL_INTERVAL", 5*time.Second),
			PushURL:              getEnvString("WS_URL", "ws://localhost:8000"),
			ReconnectDelay:       getEnvDuration("PUSH_RECONNECT_DELAY", 3*time.Second),
			MaxReconnectAttempts: getEnvInt("PUSH_MAX_RECONNECT_ATTEMPTS", 10),
			PingInterval:         getEnvDuration("PUSH_PING_INTERVAL", 0),
			OrderingGuard:        getEnvBool("ORDERING_GUARD", false),
		},
		System: SystemConfig{
			DataDir:     dataDir,
			SessionFile: getEnvString("SESSION_FILE", filepath.Join(dataDir, "session.json")),
			LogLevel:    getEnvString("LOG_LEVEL", "info"),
			LogFormat:   getEnvString("LOG_FORMAT", "console"),
			LogFile:     getEnvString("LOG_FILE", ""),
		},
		History: HistoryConfig{
			Retention: getEnvDuration("HISTORY_RETENTION", 720*time.Hour),
			PruneCron: getEnvString("HISTORY_PRUNE_CRON", "0 3 * * *"),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %+v", *config)
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if err := validateURL(c.API.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("API_URL: %w", err)
	}
	if err := validateURL(c.Tracker.PushURL, "ws", "wss"); err != nil {
		return fmt.Errorf("WS_URL: %w", err)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("API_TIMEOUT must be positive")
	}
	if c.Tracker.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.Tracker.ReconnectDelay <= 0 {
		return fmt.Errorf("PUSH_RECONNECT_DELAY must be positive")
	}
	if c.Tracker.MaxReconnectAttempts < 0 {
		return fmt.Errorf("PUSH_MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.Tracker.PingInterval < 0 {
		return fmt.Errorf("PUSH_PING_INTERVAL must not be negative")
	}
	if strings.TrimSpace(c.System.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.History.Retention <= 0 {
		return fmt.Errorf("HISTORY_RETENTION must be positive")
	}
	if _, err := cron.ParseStandard(c.History.PruneCron); err != nil {
		return fmt.Errorf("invalid HISTORY_PRUNE_CRON: %w", err)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %v, got %q", schemes, u.Scheme)
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".vidgen")
	}
	return ".vidgen"
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("5s") or bare seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
