package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Stream modes
const (
	StreamModePerClient = "per_client"
	StreamModeShared    = "shared"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Camera  CameraConfig  `yaml:"camera"`
	Stream  StreamConfig  `yaml:"stream"`
	Storage StorageConfig `yaml:"storage"`
	Live    LiveConfig    `yaml:"live"`
	Log     LogConfig     `yaml:"log,omitempty"`
}

// ServerConfig contains HTTP listener configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	BodyLimitBytes  int64         `yaml:"body_limit_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CameraConfig points at the camera device
type CameraConfig struct {
	CaptureURL string        `yaml:"capture_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StreamConfig contains MJPEG stream configuration
type StreamConfig struct {
	Mode     string        `yaml:"mode"`
	Interval time.Duration `yaml:"interval"`
	Buffer   int           `yaml:"buffer"`
}

// StorageConfig contains upload directory configuration
type StorageConfig struct {
	UploadDir string          `yaml:"upload_dir"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig limits how many saved frames are kept. Zero values disable a limit.
type RetentionConfig struct {
	MaxAge              time.Duration `yaml:"max_age"`
	MaxFiles            int           `yaml:"max_files"`
	MaxDiskUsagePercent float64       `yaml:"max_disk_usage_percent"`
	Interval            time.Duration `yaml:"interval"`
}

// Enabled reports whether any retention limit is set
func (r RetentionConfig) Enabled() bool {
	return r.MaxAge > 0 || r.MaxFiles > 0 || r.MaxDiskUsagePercent > 0
}

// LiveConfig contains websocket live feed configuration
type LiveConfig struct {
	Enabled      bool `yaml:"enabled"`
	IncludeImage bool `yaml:"include_image"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		Live: LiveConfig{Enabled: true, IncludeImage: true},
	}
	cfg.setDefaults()
	return cfg
}

// Load reads and parses the configuration file. An empty path falls back to the
// default locations; when none of them exists the defaults are returned.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
		if configPath == "" {
			return Default(), nil
		}
	}

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults
func Parse(data []byte) (*Config, error) {
	cfg := Config{
		Live: LiveConfig{Enabled: true, IncludeImage: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// ResolvePath returns the file Load would read for configPath, or "" when only defaults apply
func ResolvePath(configPath string) string {
	if configPath != "" {
		return configPath
	}
	return getDefaultConfigPath()
}

// getDefaultConfigPath returns the first existing default configuration file
func getDefaultConfigPath() string {
	paths := []string{
		"./config/relay.yaml",
		"./relay.yaml",
		"/etc/esp32-relay/relay.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.BodyLimitBytes == 0 {
		c.Server.BodyLimitBytes = 10 << 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Camera.CaptureURL == "" {
		c.Camera.CaptureURL = "http://172.20.10.3/capture"
	}
	if c.Camera.Timeout == 0 {
		c.Camera.Timeout = 5 * time.Second
	}

	if c.Stream.Mode == "" {
		c.Stream.Mode = StreamModePerClient
	}
	if c.Stream.Interval == 0 {
		c.Stream.Interval = 200 * time.Millisecond
	}
	if c.Stream.Buffer == 0 {
		c.Stream.Buffer = 4
	}

	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = "./uploads"
	}
	if c.Storage.Retention.Interval == 0 {
		c.Storage.Retention.Interval = time.Minute
	}
}
