package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Hub      HubConfig      `json:"hub"`
	API      APIConfig      `json:"api"`
	Progress ProgressConfig `json:"progress"`
	Logging  LoggingConfig  `json:"logging"`
	History  HistoryConfig  `json:"history"`
	mu       sync.RWMutex
}

type HubConfig struct {
	URL                 string          `json:"url" env:"COURSEHUB_HUB_URL"`
	SkipNegotiation     bool            `json:"skip_negotiation" env:"COURSEHUB_HUB_SKIP_NEGOTIATION"`
	HandshakeTimeoutMS  int             `json:"handshake_timeout_ms" env:"COURSEHUB_HUB_HANDSHAKE_TIMEOUT_MS"`
	KeepAliveIntervalMS int             `json:"keepalive_interval_ms" env:"COURSEHUB_HUB_KEEPALIVE_INTERVAL_MS"`
	ServerTimeoutMS     int             `json:"server_timeout_ms" env:"COURSEHUB_HUB_SERVER_TIMEOUT_MS"`
	Reconnect           ReconnectConfig `json:"reconnect"`
	Events              EventNames      `json:"events"`
}

// ReconnectConfig bounds the exponential backoff used after a transport drop.
// A MaxAttempts of zero leaves only MaxElapsedMS as the bound.
type ReconnectConfig struct {
	Enabled           bool `json:"enabled" env:"COURSEHUB_HUB_RECONNECT_ENABLED"`
	InitialIntervalMS int  `json:"initial_interval_ms" env:"COURSEHUB_HUB_RECONNECT_INITIAL_INTERVAL_MS"`
	MaxIntervalMS     int  `json:"max_interval_ms" env:"COURSEHUB_HUB_RECONNECT_MAX_INTERVAL_MS"`
	MaxElapsedMS      int  `json:"max_elapsed_ms" env:"COURSEHUB_HUB_RECONNECT_MAX_ELAPSED_MS"`
	MaxAttempts       int  `json:"max_attempts" env:"COURSEHUB_HUB_RECONNECT_MAX_ATTEMPTS"`
}

// EventNames are the hub method names the server pushes and the client invokes.
type EventNames struct {
	Progress     string `json:"progress" env:"COURSEHUB_HUB_EVENTS_PROGRESS"`
	Notice       string `json:"notice" env:"COURSEHUB_HUB_EVENTS_NOTICE"`
	Result       string `json:"result" env:"COURSEHUB_HUB_EVENTS_RESULT"`
	ConnectionID string `json:"connection_id" env:"COURSEHUB_HUB_EVENTS_CONNECTION_ID"`
}

type APIConfig struct {
	BaseURL            string `json:"base_url" env:"COURSEHUB_API_BASE_URL"`
	AccessToken        string `json:"access_token" env:"COURSEHUB_API_ACCESS_TOKEN"`
	TimeoutSeconds     int    `json:"timeout_seconds" env:"COURSEHUB_API_TIMEOUT_SECONDS"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" env:"COURSEHUB_API_INSECURE_SKIP_VERIFY"`
}

type ProgressConfig struct {
	StalePolicy string `json:"stale_policy" env:"COURSEHUB_PROGRESS_STALE_POLICY"` // accept|drop
}

type LoggingConfig struct {
	Level           string `json:"level" env:"COURSEHUB_LOGGING_LEVEL"`
	FileEnabled     bool   `json:"file_enabled" env:"COURSEHUB_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"COURSEHUB_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"COURSEHUB_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"COURSEHUB_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"COURSEHUB_LOGGING_MAX_SIZE_MB"`
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled" env:"COURSEHUB_HISTORY_ENABLED"`
	Path    string `json:"path" env:"COURSEHUB_HISTORY_PATH"`
}

func DefaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			URL:                 "https://localhost:7209/progressHub",
			SkipNegotiation:     false,
			HandshakeTimeoutMS:  15000,
			KeepAliveIntervalMS: 15000,
			ServerTimeoutMS:     30000,
			Reconnect: ReconnectConfig{
				Enabled:           true,
				InitialIntervalMS: 500,
				MaxIntervalMS:     30000,
				MaxElapsedMS:      60000,
				MaxAttempts:       4,
			},
			Events: EventNames{
				Progress:     "ReceiveProgress",
				Notice:       "SendMessageTest",
				Result:       "ReceiveResult",
				ConnectionID: "GetConnectionId",
			},
		},
		API: APIConfig{
			BaseURL:        "https://localhost:7209",
			TimeoutSeconds: 0,
		},
		Progress: ProgressConfig{
			StalePolicy: "accept",
		},
		Logging: LoggingConfig{
			Level:           "info",
			FileEnabled:     false,
			FilePath:        "~/.coursehub/coursehub.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       20,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "~/.coursehub/history.json",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	cfg.API.AccessToken = resolveEnvRef(cfg.API.AccessToken)
	cfg.API.BaseURL = resolveEnvRef(cfg.API.BaseURL)
	cfg.Hub.URL = resolveEnvRef(cfg.Hub.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Hub.URL) == "" {
		return fmt.Errorf("hub.url is required")
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	c.Progress.StalePolicy = strings.ToLower(strings.TrimSpace(c.Progress.StalePolicy))
	switch c.Progress.StalePolicy {
	case "", "accept", "drop":
	default:
		return fmt.Errorf("progress.stale_policy must be accept or drop, got %q", c.Progress.StalePolicy)
	}
	if c.Hub.KeepAliveIntervalMS > 0 && c.Hub.ServerTimeoutMS > 0 && c.Hub.ServerTimeoutMS <= c.Hub.KeepAliveIntervalMS {
		return fmt.Errorf("hub.server_timeout_ms must exceed hub.keepalive_interval_ms")
	}
	return nil
}

func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	var key string
	switch {
	case strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}"):
		key = strings.TrimSpace(s[2 : len(s)-1])
	case strings.HasPrefix(s, "$") && len(s) > 1:
		key = strings.TrimSpace(s[1:])
	default:
		return v
	}
	if key == "" {
		return v
	}
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return v
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) HistoryPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.History.Path)
}

func (c *Config) LogFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Logging.FilePath)
}

func (h HubConfig) HandshakeTimeout() time.Duration {
	return time.Duration(h.HandshakeTimeoutMS) * time.Millisecond
}

func (h HubConfig) KeepAliveInterval() time.Duration {
	return time.Duration(h.KeepAliveIntervalMS) * time.Millisecond
}

func (h HubConfig) ServerTimeout() time.Duration {
	return time.Duration(h.ServerTimeoutMS) * time.Millisecond
}

func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// DefaultPath is where the CLI looks for its config file.
func DefaultPath() string {
	return expandHome("~/.coursehub/config.json")
}

// ExpandHome resolves a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
