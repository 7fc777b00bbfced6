package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "crosscopy"
	// DefaultListenPort is the TCP port peers connect to.
	DefaultListenPort = 8888
	// DefaultDiscoveryPort carries mDNS announcements.
	DefaultDiscoveryPort = 8889
	// configFileName is the persisted configuration file.
	configFileName = "config.toml"
)

// Config is the full application configuration, one section per module.
type Config struct {
	Device   DeviceConfig   `toml:"device"`
	Network  NetworkConfig  `toml:"network"`
	Sync     SyncConfig     `toml:"sync"`
	Security SecurityConfig `toml:"security"`
	Logging  LoggingConfig  `toml:"logging"`
}

// DeviceConfig identifies the local device.
type DeviceConfig struct {
	DeviceID    string `toml:"device_id"`
	DeviceName  string `toml:"device_name"`
	LinkKeyPath string `toml:"link_key_path"`
}

// NetworkConfig controls transport, discovery and connection limits.
type NetworkConfig struct {
	ListenPort              int   `toml:"listen_port"`
	DiscoveryPort           int   `toml:"discovery_port"`
	ConnectionTimeoutMillis int64 `toml:"connection_timeout"`
	HeartbeatIntervalMillis int64 `toml:"heartbeat_interval"`
	MaxConnections          int   `toml:"max_connections"`
	AutoDiscovery           bool  `toml:"auto_discovery"`
}

// ConnectionTimeout returns the dial and handshake deadline.
func (c NetworkConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMillis) * time.Millisecond
}

// HeartbeatInterval returns the keepalive period for active sessions.
func (c NetworkConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMillis) * time.Millisecond
}

// SyncConfig controls content exchange between authenticated peers.
type SyncConfig struct {
	CooldownMillis int64 `toml:"cooldown_millis"`
	MaxContentSize int64 `toml:"max_content_size"`
}

// Cooldown returns the minimum gap between outgoing content updates.
func (c SyncConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMillis) * time.Millisecond
}

// SecurityConfig controls authentication, trust and key lifecycle.
type SecurityConfig struct {
	SecretKey            string `toml:"secret_key"`
	ChallengeTTLSeconds  int64  `toml:"challenge_ttl"`
	MaxAttempts          int    `toml:"max_attempts"`
	BlockSeconds         int64  `toml:"block_duration"`
	DefaultTrustLevel    string `toml:"default_trust_level"`
	PersistentTrustDays  int    `toml:"persistent_trust_days"`
	KeyRotationSeconds   int64  `toml:"key_rotation_interval"`
	MaxMessageAgeSeconds int64  `toml:"max_message_age"`
}

// ChallengeTTL returns how long a pairing code stays valid.
func (c SecurityConfig) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLSeconds) * time.Second
}

// BlockDuration returns the cooldown applied after too many failed attempts.
func (c SecurityConfig) BlockDuration() time.Duration {
	return time.Duration(c.BlockSeconds) * time.Second
}

// PersistentTrustTTL returns the lifetime of persistent trust records.
func (c SecurityConfig) PersistentTrustTTL() time.Duration {
	return time.Duration(c.PersistentTrustDays) * 24 * time.Hour
}

// KeyRotationInterval returns the scheduled master key rotation period.
func (c SecurityConfig) KeyRotationInterval() time.Duration {
	return time.Duration(c.KeyRotationSeconds) * time.Second
}

// MaxMessageAge returns the replay protection window for wire messages.
func (c SecurityConfig) MaxMessageAge() time.Duration {
	return time.Duration(c.MaxMessageAgeSeconds) * time.Second
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `toml:"level"`
	FilePath   string `toml:"file_path"`
	Structured bool   `toml:"structured"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CROSSCOPY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CROSSCOPY_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and parses config.toml from disk.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes config.toml to disk with 0600 permissions.
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both the
// config and its path. Missing fields in an existing file are filled with
// defaults and written back.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// Validate rejects configurations the runtime cannot operate with.
func Validate(cfg *Config) error {
	if cfg.Network.ListenPort <= 0 || cfg.Network.ListenPort > 65535 {
		return fmt.Errorf("validate config: listen port %d out of range", cfg.Network.ListenPort)
	}
	if cfg.Network.MaxConnections <= 0 {
		return errors.New("validate config: max connections must be positive")
	}
	if cfg.Sync.MaxContentSize <= 0 {
		return errors.New("validate config: max content size must be positive")
	}
	if cfg.Security.SecretKey == "" {
		return errors.New("validate config: secret key cannot be empty")
	}
	if cfg.Security.ChallengeTTLSeconds <= 0 {
		return errors.New("validate config: challenge ttl must be positive")
	}
	if cfg.Security.MaxAttempts <= 0 {
		return errors.New("validate config: max attempts must be positive")
	}
	if cfg.Security.BlockSeconds <= 0 {
		return errors.New("validate config: block duration must be positive")
	}
	switch cfg.Security.DefaultTrustLevel {
	case "temporary", "session", "persistent":
	default:
		return fmt.Errorf("validate config: invalid default trust level %q", cfg.Security.DefaultTrustLevel)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "panic", "fatal", "error", "warn", "warning", "info", "debug", "trace":
	default:
		return fmt.Errorf("validate config: invalid log level %q", cfg.Logging.Level)
	}

	return nil
}

func defaultConfig(dataDir string) *Config {
	return &Config{
		Device: DeviceConfig{
			DeviceID:    uuid.NewString(),
			DeviceName:  defaultDeviceName(),
			LinkKeyPath: filepath.Join(dataDir, "keys", "link_key.pem"),
		},
		Network: NetworkConfig{
			ListenPort:              DefaultListenPort,
			DiscoveryPort:           DefaultDiscoveryPort,
			ConnectionTimeoutMillis: 5000,
			HeartbeatIntervalMillis: 1000,
			MaxConnections:          10,
			AutoDiscovery:           true,
		},
		Sync: SyncConfig{
			CooldownMillis: 300,
			MaxContentSize: 10 * 1024 * 1024,
		},
		Security: SecurityConfig{
			SecretKey:            "default-secret-key",
			ChallengeTTLSeconds:  300,
			MaxAttempts:          3,
			BlockSeconds:         600,
			DefaultTrustLevel:    "persistent",
			PersistentTrustDays:  30,
			KeyRotationSeconds:   86400,
			MaxMessageAgeSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "",
			Structured: false,
		},
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "CrossCopy-" + strings.ToUpper(uuid.NewString()[:8])
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	defaults := defaultConfig(dataDir)
	updated := false

	if cfg.Device.DeviceID == "" {
		cfg.Device.DeviceID = defaults.Device.DeviceID
		updated = true
	}
	if cfg.Device.DeviceName == "" {
		cfg.Device.DeviceName = defaults.Device.DeviceName
		updated = true
	}
	if cfg.Device.LinkKeyPath == "" {
		cfg.Device.LinkKeyPath = defaults.Device.LinkKeyPath
		updated = true
	}

	if cfg.Network.ListenPort == 0 {
		cfg.Network.ListenPort = defaults.Network.ListenPort
		updated = true
	}
	if cfg.Network.DiscoveryPort == 0 {
		cfg.Network.DiscoveryPort = defaults.Network.DiscoveryPort
		updated = true
	}
	if cfg.Network.ConnectionTimeoutMillis == 0 {
		cfg.Network.ConnectionTimeoutMillis = defaults.Network.ConnectionTimeoutMillis
		updated = true
	}
	if cfg.Network.HeartbeatIntervalMillis == 0 {
		cfg.Network.HeartbeatIntervalMillis = defaults.Network.HeartbeatIntervalMillis
		updated = true
	}
	if cfg.Network.MaxConnections == 0 {
		cfg.Network.MaxConnections = defaults.Network.MaxConnections
		updated = true
	}

	if cfg.Sync.CooldownMillis == 0 {
		cfg.Sync.CooldownMillis = defaults.Sync.CooldownMillis
		updated = true
	}
	if cfg.Sync.MaxContentSize == 0 {
		cfg.Sync.MaxContentSize = defaults.Sync.MaxContentSize
		updated = true
	}

	if cfg.Security.SecretKey == "" {
		cfg.Security.SecretKey = defaults.Security.SecretKey
		updated = true
	}
	if cfg.Security.ChallengeTTLSeconds == 0 {
		cfg.Security.ChallengeTTLSeconds = defaults.Security.ChallengeTTLSeconds
		updated = true
	}
	if cfg.Security.MaxAttempts == 0 {
		cfg.Security.MaxAttempts = defaults.Security.MaxAttempts
		updated = true
	}
	if cfg.Security.BlockSeconds == 0 {
		cfg.Security.BlockSeconds = defaults.Security.BlockSeconds
		updated = true
	}
	if cfg.Security.DefaultTrustLevel == "" {
		cfg.Security.DefaultTrustLevel = defaults.Security.DefaultTrustLevel
		updated = true
	}
	if cfg.Security.PersistentTrustDays == 0 {
		cfg.Security.PersistentTrustDays = defaults.Security.PersistentTrustDays
		updated = true
	}
	if cfg.Security.KeyRotationSeconds == 0 {
		cfg.Security.KeyRotationSeconds = defaults.Security.KeyRotationSeconds
		updated = true
	}
	if cfg.Security.MaxMessageAgeSeconds == 0 {
		cfg.Security.MaxMessageAgeSeconds = defaults.Security.MaxMessageAgeSeconds
		updated = true
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
		updated = true
	}

	return updated
}
