package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slighter12/unreal-bridge-go/logger"
)

// Config represents the bridge configuration
type Config struct {
	Name    string  `json:"name" yaml:"name"`
	Version string  `json:"version" yaml:"version"`
	Unreal  Unreal  `json:"unreal" yaml:"unreal"`
	Queue   Queue   `json:"queue" yaml:"queue"`
	Cache   Cache   `json:"cache" yaml:"cache"`
	Admin   Admin   `json:"admin" yaml:"admin"`
	Logging Logging `json:"logging" yaml:"logging"`
	Debug   bool    `json:"debug" yaml:"debug"`
}

// Unreal describes how to reach the editor's Remote Control endpoints.
type Unreal struct {
	Host                  string `json:"host" yaml:"host"`
	HTTPPort              int    `json:"http_port" yaml:"http_port"`
	WSPort                int    `json:"ws_port" yaml:"ws_port"`
	AutoReconnect         bool   `json:"auto_reconnect" yaml:"auto_reconnect"`
	ConnectTimeoutMS      int    `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	ConnectAttempts       int    `json:"connect_attempts" yaml:"connect_attempts"`
	ConnectInitialDelayMS int    `json:"connect_initial_delay_ms" yaml:"connect_initial_delay_ms"`
	ReconnectMaxAttempts  int    `json:"reconnect_max_attempts" yaml:"reconnect_max_attempts"`
	RequestTimeoutMS      int    `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	LongRequestTimeoutMS  int    `json:"long_request_timeout_ms" yaml:"long_request_timeout_ms"`
	MaxRequestTimeoutMS   int    `json:"max_request_timeout_ms" yaml:"max_request_timeout_ms"`
	RequestAttempts       int    `json:"request_attempts" yaml:"request_attempts"`
	PluginCheckPolicy     string `json:"plugin_check_policy" yaml:"plugin_check_policy"`
}

// Queue tunes command dispatch.
type Queue struct {
	MaxConcurrent    int `json:"max_concurrent" yaml:"max_concurrent"`
	IntervalMS       int `json:"interval_ms" yaml:"interval_ms"`
	MinDispatchGapMS int `json:"min_dispatch_gap_ms" yaml:"min_dispatch_gap_ms"`
}

// Cache holds the TTLs of the bridge caches.
type Cache struct {
	PluginTTLSeconds     int `json:"plugin_ttl_seconds" yaml:"plugin_ttl_seconds"`
	VersionTTLSeconds    int `json:"version_ttl_seconds" yaml:"version_ttl_seconds"`
	TierTTLSeconds       int `json:"tier_ttl_seconds" yaml:"tier_ttl_seconds"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// Admin is the operator HTTP surface.
type Admin struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// Logging represents logging configuration
type Logging struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Path   string `json:"path" yaml:"path"`
}

const (
	PolicyOptimistic  = "optimistic"
	PolicyPessimistic = "pessimistic"
)

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return &Config{
		Name:    "unreal-bridge-go",
		Version: "0.1.0",
		Unreal: Unreal{
			Host:                  "127.0.0.1",
			HTTPPort:              30010,
			WSPort:                30020,
			AutoReconnect:         false,
			ConnectTimeoutMS:      5000,
			ConnectAttempts:       3,
			ConnectInitialDelayMS: 1000,
			ReconnectMaxAttempts:  5,
			RequestTimeoutMS:      30000,
			LongRequestTimeoutMS:  600000,
			MaxRequestTimeoutMS:   1800000,
			RequestAttempts:       3,
			PluginCheckPolicy:     PolicyOptimistic,
		},
		Queue: Queue{
			MaxConcurrent:    5,
			IntervalMS:       1000,
			MinDispatchGapMS: 100,
		},
		Cache: Cache{
			PluginTTLSeconds:     300,
			VersionTTLSeconds:    600,
			TierTTLSeconds:       300,
			SweepIntervalSeconds: 60,
		},
		Admin: Admin{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9180,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
			Path:   filepath.Join(home, ".unreal-bridge", "logs", "bridge.log"),
		},
	}
}

// LoadConfig loads the configuration from a file
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := unmarshal(path, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Environment variables win over the file.
	applyEnvOverrides(cfg)
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a file
func SaveConfig(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	data, err := marshal(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func marshal(path string, cfg *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "  ")
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("UE_HOST"); host != "" {
		cfg.Unreal.Host = host
	}

	envInt("UE_RC_HTTP_PORT", &cfg.Unreal.HTTPPort)
	envInt("UE_RC_WS_PORT", &cfg.Unreal.WSPort)
	envBool("UE_AUTO_RECONNECT", &cfg.Unreal.AutoReconnect)

	if policy := os.Getenv("UE_PLUGIN_CHECK_POLICY"); policy != "" {
		cfg.Unreal.PluginCheckPolicy = policy
	}

	envInt("BRIDGE_ADMIN_PORT", &cfg.Admin.Port)

	if logLevel := os.Getenv("BRIDGE_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if logPath := os.Getenv("BRIDGE_LOG_PATH"); logPath != "" {
		cfg.Logging.Path = logPath
	}

	envBool("BRIDGE_DEBUG", &cfg.Debug)
}

func envInt(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		logger.Warn("ignoring invalid environment value", "component", "config", "name", name, "value", raw, "error", err)
		return
	}
	*dst = parsed
}

func envBool(name string, dst *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		logger.Warn("ignoring invalid environment value", "component", "config", "name", name, "value", raw, "error", err)
		return
	}
	*dst = parsed
}

// Normalize canonicalizes config values so downstream validation and runtime
// logic operate on stable representations.
func (c *Config) Normalize() {
	c.Unreal.Host = strings.TrimSpace(c.Unreal.Host)
	c.Unreal.PluginCheckPolicy = strings.ToLower(strings.TrimSpace(c.Unreal.PluginCheckPolicy))
	if c.Unreal.PluginCheckPolicy == "" {
		c.Unreal.PluginCheckPolicy = PolicyOptimistic
	}
	c.Admin.Host = strings.TrimSpace(c.Admin.Host)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Path = strings.TrimSpace(c.Logging.Path)
	if c.Debug {
		c.Logging.Level = "debug"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Unreal.Host == "" {
		return errors.New("unreal host cannot be empty")
	}
	if !validPort(c.Unreal.HTTPPort) {
		return fmt.Errorf("invalid unreal http port %d", c.Unreal.HTTPPort)
	}
	if !validPort(c.Unreal.WSPort) {
		return fmt.Errorf("invalid unreal websocket port %d", c.Unreal.WSPort)
	}
	if c.Unreal.ConnectTimeoutMS <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.Unreal.RequestTimeoutMS <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.Unreal.MaxRequestTimeoutMS < c.Unreal.LongRequestTimeoutMS {
		return fmt.Errorf("max request timeout %dms is below the long request timeout %dms",
			c.Unreal.MaxRequestTimeoutMS, c.Unreal.LongRequestTimeoutMS)
	}
	switch c.Unreal.PluginCheckPolicy {
	case PolicyOptimistic, PolicyPessimistic:
	default:
		return fmt.Errorf("invalid plugin check policy %q: expected one of [optimistic pessimistic]", c.Unreal.PluginCheckPolicy)
	}

	if c.Queue.MaxConcurrent < 1 {
		return errors.New("queue max_concurrent must be at least 1")
	}
	if c.Queue.IntervalMS <= 0 {
		return errors.New("queue interval must be positive")
	}
	if c.Queue.MinDispatchGapMS < 0 {
		return errors.New("queue min dispatch gap cannot be negative")
	}

	if c.Cache.PluginTTLSeconds <= 0 || c.Cache.VersionTTLSeconds <= 0 || c.Cache.TierTTLSeconds <= 0 {
		return errors.New("cache ttls must be positive")
	}
	if c.Cache.SweepIntervalSeconds <= 0 {
		return errors.New("cache sweep interval must be positive")
	}

	if c.Admin.Enabled {
		if c.Admin.Host == "" {
			return errors.New("admin host cannot be empty")
		}
		if !validPort(c.Admin.Port) {
			return fmt.Errorf("invalid admin port %d", c.Admin.Port)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return errors.New("invalid log level")
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return errors.New("invalid log format")
	}

	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
func seconds(s int) time.Duration { return time.Duration(s) * time.Second }

func (u Unreal) ConnectTimeout() time.Duration      { return millis(u.ConnectTimeoutMS) }
func (u Unreal) ConnectInitialDelay() time.Duration { return millis(u.ConnectInitialDelayMS) }
func (u Unreal) RequestTimeout() time.Duration      { return millis(u.RequestTimeoutMS) }
func (u Unreal) LongRequestTimeout() time.Duration  { return millis(u.LongRequestTimeoutMS) }
func (u Unreal) MaxRequestTimeout() time.Duration   { return millis(u.MaxRequestTimeoutMS) }

func (q Queue) Interval() time.Duration       { return millis(q.IntervalMS) }
func (q Queue) MinDispatchGap() time.Duration { return millis(q.MinDispatchGapMS) }

func (c Cache) PluginTTL() time.Duration     { return seconds(c.PluginTTLSeconds) }
func (c Cache) VersionTTL() time.Duration    { return seconds(c.VersionTTLSeconds) }
func (c Cache) TierTTL() time.Duration       { return seconds(c.TierTTLSeconds) }
func (c Cache) SweepInterval() time.Duration { return seconds(c.SweepIntervalSeconds) }

// Addr is the admin listen address.
func (a Admin) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ResolveConfigPath returns the path that should be used for configuration.
func ResolveConfigPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv("BRIDGE_CONFIG_PATH")); path != "" {
		return path, nil
	}

	if _, err := os.Stat("config/bridge.json"); err == nil {
		return "config/bridge.json", nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, ".unreal-bridge", "config", "bridge.json"), nil
}

// EnsureDefaultConfig creates a default config file if one does not exist.
func EnsureDefaultConfig(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path cannot be empty")
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	defaultConfig := NewConfig()
	defaultConfig.Normalize()
	data, err := marshal(path, defaultConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	return nil
}
