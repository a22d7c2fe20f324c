package config

import (
	"encoding/json"
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
	"gopkg.in/yaml.v3"

	"safely/models"
	"safely/network"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "safely"
	// RoleDesktop runs the listening, code-displaying agent.
	RoleDesktop = "desktop"
	// RoleMobile runs the advertising, code-entering agent.
	RoleMobile = "mobile"

	TransportBroadcast = "broadcast"
	TransportPush      = "push"
	TransportHTTP      = "http"

	DefaultAdvertiseInterval = 3 * time.Second
	DefaultDiscoveryInterval = 3 * time.Second
	DefaultConnectTimeout    = 45 * time.Second
	DefaultAttemptsPerMinute = 5
	DefaultRelayMinInterval  = time.Second
	DefaultFeedCapacity      = 50
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Duration is a time.Duration that reads and writes as "3s" style text in
// every supported file format.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// AgentConfig contains persistent settings for one agent role.
type AgentConfig struct {
	Role       string `json:"role" toml:"role" yaml:"role"`
	DeviceID   string `json:"device_id" toml:"device_id" yaml:"device_id"`
	DeviceName string `json:"device_name" toml:"device_name" yaml:"device_name"`
	Model      string `json:"model,omitempty" toml:"model" yaml:"model,omitempty"`
	Platform   string `json:"platform" toml:"platform" yaml:"platform"`

	BroadcastPort int      `json:"broadcast_port" toml:"broadcast_port" yaml:"broadcast_port"`
	PushPort      int      `json:"push_port" toml:"push_port" yaml:"push_port"`
	HTTPPort      int      `json:"http_port" toml:"http_port" yaml:"http_port"`
	Transports    []string `json:"transports" toml:"transports" yaml:"transports"`
	EnableMDNS    bool     `json:"enable_mdns" toml:"enable_mdns" yaml:"enable_mdns"`

	AdvertiseInterval Duration `json:"advertise_interval" toml:"advertise_interval" yaml:"advertise_interval"`
	DiscoveryInterval Duration `json:"discovery_interval" toml:"discovery_interval" yaml:"discovery_interval"`
	ConnectTimeout    Duration `json:"connect_timeout" toml:"connect_timeout" yaml:"connect_timeout"`
	AttemptsPerMinute int      `json:"attempts_per_minute" toml:"attempts_per_minute" yaml:"attempts_per_minute"`
	RelayMinInterval  Duration `json:"relay_min_interval" toml:"relay_min_interval" yaml:"relay_min_interval"`
	FeedCapacity      int      `json:"feed_capacity" toml:"feed_capacity" yaml:"feed_capacity"`

	JournalEnabled *bool `json:"journal_enabled,omitempty" toml:"journal_enabled" yaml:"journal_enabled,omitempty"`
	PersistAlerts  bool  `json:"persist_alerts" toml:"persist_alerts" yaml:"persist_alerts"`

	LogLevel  string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" toml:"log_format" yaml:"log_format"`
}

// TransportEnabled reports whether name is listed in Transports.
func (c *AgentConfig) TransportEnabled(name string) bool {
	for _, t := range c.Transports {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// Journal reports whether the SQLite journal should be opened.
func (c *AgentConfig) Journal() bool {
	if c.JournalEnabled == nil {
		return c.Role == RoleDesktop
	}
	return *c.JournalEnabled
}

// Descriptor returns the local device descriptor announced to peers.
func (c *AgentConfig) Descriptor() models.DeviceDescriptor {
	return models.DeviceDescriptor{
		DeviceID: c.DeviceID,
		Name:     c.DeviceName,
		Model:    c.Model,
		Platform: c.Platform,
	}
}

// Validate rejects configurations an agent cannot start with.
func (c *AgentConfig) Validate() error {
	var errs []error

	switch c.Role {
	case RoleDesktop, RoleMobile:
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", c.Role))
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, errors.New("device_id is required"))
	}

	for name, port := range map[string]int{
		"broadcast_port": c.BroadcastPort,
		"push_port":      c.PushPort,
		"http_port":      c.HTTPPort,
	} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	for _, transport := range c.Transports {
		switch strings.ToLower(transport) {
		case TransportBroadcast, TransportPush, TransportHTTP:
		default:
			errs = append(errs, fmt.Errorf("unknown transport %q", transport))
		}
	}
	if len(c.Transports) == 0 {
		errs = append(errs, errors.New("at least one transport is required"))
	}

	for name, d := range map[string]Duration{
		"advertise_interval": c.AdvertiseInterval,
		"discovery_interval": c.DiscoveryInterval,
		"connect_timeout":    c.ConnectTimeout,
		"relay_min_interval": c.RelayMinInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.AttemptsPerMinute <= 0 {
		errs = append(errs, errors.New("attempts_per_minute must be positive"))
	}
	if c.FeedCapacity <= 0 {
		errs = append(errs, errors.New("feed_capacity must be positive"))
	}

	return errors.Join(errs...)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SAFELY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("SAFELY_DATA_DIR"); override != "" {
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

// RoleDir returns the per-role directory under dataDir.
func RoleDir(dataDir, role string) string {
	return filepath.Join(dataDir, role)
}

// ConfigPath returns the full path to config.json for a role directory.
func ConfigPath(roleDir string) string {
	return filepath.Join(roleDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*AgentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadFile reads a user supplied config in JSON, TOML or YAML, chosen by
// extension. role fills in the file's role when it has none. The result is
// normalized and validated but never written back.
func LoadFile(path, role string) (*AgentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AgentConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}

	if cfg.Role == "" {
		cfg.Role = role
	}
	normalizeDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *AgentConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the role directory and its config exist, then returns
// the config, its path, and the role directory.
func LoadOrCreate(role string) (*AgentConfig, string, error) {
	if role != RoleDesktop && role != RoleMobile {
		return nil, "", fmt.Errorf("unknown role %q", role)
	}
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	roleDir := RoleDir(dataDir, role)
	if err := os.MkdirAll(roleDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", roleDir, err)
	}

	cfgPath := ConfigPath(roleDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(role)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if cfg.Role == "" {
		cfg.Role = role
	}
	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("validate config: %w", err)
	}

	return cfg, cfgPath, nil
}

func defaultConfig(role string) *AgentConfig {
	cfg := &AgentConfig{Role: role}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Safely Device"
}

func defaultPlatform(role string) string {
	if role == RoleDesktop {
		return models.PlatformDesktop
	}
	if runtime.GOOS == "ios" {
		return models.PlatformIOS
	}
	return models.PlatformAndroid
}

func normalizeDefaults(cfg *AgentConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}
	if cfg.Platform == "" {
		cfg.Platform = defaultPlatform(cfg.Role)
		updated = true
	}

	if cfg.BroadcastPort == 0 {
		cfg.BroadcastPort = network.DefaultBroadcastPort
		updated = true
	}
	if cfg.PushPort == 0 {
		cfg.PushPort = network.DefaultPushPort
		updated = true
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = network.DefaultHTTPPort
		updated = true
	}
	if len(cfg.Transports) == 0 {
		cfg.Transports = []string{TransportBroadcast, TransportPush, TransportHTTP}
		updated = true
	}

	if cfg.AdvertiseInterval == 0 {
		cfg.AdvertiseInterval = Duration(DefaultAdvertiseInterval)
		updated = true
	}
	if cfg.DiscoveryInterval == 0 {
		cfg.DiscoveryInterval = Duration(DefaultDiscoveryInterval)
		updated = true
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = Duration(DefaultConnectTimeout)
		updated = true
	}
	if cfg.AttemptsPerMinute == 0 {
		cfg.AttemptsPerMinute = DefaultAttemptsPerMinute
		updated = true
	}
	if cfg.RelayMinInterval == 0 {
		cfg.RelayMinInterval = Duration(DefaultRelayMinInterval)
		updated = true
	}
	if cfg.FeedCapacity == 0 {
		cfg.FeedCapacity = DefaultFeedCapacity
		updated = true
	}
	if cfg.JournalEnabled == nil {
		enabled := cfg.Role == RoleDesktop
		cfg.JournalEnabled = &enabled
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
		updated = true
	}

	return updated
}
