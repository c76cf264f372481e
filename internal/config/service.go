package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
)

// Service provides configuration management with environment variable support
// and file-change driven reloads.
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher

	debounce  time.Duration
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are ignored; variables already set are never overwritten.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}
	return nil
}

// NewService creates a new configuration service
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	resolved := ResolvePath(configPath)

	cfg, err := Load(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Service{
		config:     cfg,
		configPath: resolved,
		logger:     log,
		watchers:   make([]ConfigWatcher, 0),
		debounce:   250 * time.Millisecond,
	}, nil
}

// Get returns the current configuration (thread-safe)
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetLogger replaces the logger, for when logging is configured from the loaded file
func (s *Service) SetLogger(log *logger.Logger) {
	if log != nil {
		s.logger = log
	}
}

// Path returns the configuration file in use, or "" when running on defaults
func (s *Service) Path() string {
	return s.configPath
}

// Reload reloads the configuration from file
func (s *Service) Reload(ctx context.Context) error {
	if s.configPath == "" {
		return nil
	}

	newConfig, err := Load(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	applyEnvOverrides(newConfig)

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid reloaded configuration: %w", err)
	}

	s.mu.Lock()
	oldConfig := s.config
	s.config = newConfig
	watchers := make([]ConfigWatcher, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	for _, watcher := range watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// Name returns the service name
func (s *Service) Name() string {
	return "config-watcher"
}

// Start watches the configuration file and reloads it on change
func (s *Service) Start(ctx context.Context) error {
	if s.configPath == "" {
		s.logger.Info("No configuration file, running on defaults")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Editors often replace the file, so watch the directory instead of the file.
	if err := watcher.Add(filepath.Dir(s.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	s.fsWatcher = watcher
	s.done = make(chan struct{})

	go s.watchLoop(ctx)

	s.logger.Info("Watching configuration file", "path", s.configPath)
	return nil
}

// Stop stops watching the configuration file
func (s *Service) Stop(ctx context.Context) error {
	if s.fsWatcher == nil {
		return nil
	}

	if err := s.fsWatcher.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) watchLoop(ctx context.Context) {
	defer close(s.done)

	target := filepath.Clean(s.configPath)
	var reload <-chan time.Time

	for {
		select {
		case event, ok := <-s.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload = time.After(s.debounce)
			}

		case err, ok := <-s.fsWatcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Config watcher error", "error", err)

		case <-reload:
			reload = nil
			if err := s.Reload(ctx); err != nil {
				s.logger.Error("Failed to reload configuration", "path", s.configPath, "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Host = GetEnvWithDefault("RELAY_HOST", cfg.Server.Host)
	cfg.Server.Port = GetEnvInt("RELAY_PORT", cfg.Server.Port)
	cfg.Server.BodyLimitBytes = GetEnvInt64("RELAY_BODY_LIMIT_BYTES", cfg.Server.BodyLimitBytes)

	cfg.Camera.CaptureURL = GetEnvWithDefault("RELAY_CAMERA_URL", cfg.Camera.CaptureURL)
	cfg.Camera.Timeout = GetEnvDuration("RELAY_CAMERA_TIMEOUT", cfg.Camera.Timeout)

	cfg.Stream.Mode = GetEnvWithDefault("RELAY_STREAM_MODE", cfg.Stream.Mode)
	cfg.Stream.Interval = GetEnvDuration("RELAY_STREAM_INTERVAL", cfg.Stream.Interval)

	cfg.Storage.UploadDir = GetEnvWithDefault("RELAY_UPLOAD_DIR", cfg.Storage.UploadDir)
	cfg.Storage.Retention.MaxAge = GetEnvDuration("RELAY_RETENTION_MAX_AGE", cfg.Storage.Retention.MaxAge)
	cfg.Storage.Retention.MaxFiles = GetEnvInt("RELAY_RETENTION_MAX_FILES", cfg.Storage.Retention.MaxFiles)
	cfg.Storage.Retention.MaxDiskUsagePercent = GetEnvFloat64("RELAY_RETENTION_MAX_DISK_USAGE_PERCENT", cfg.Storage.Retention.MaxDiskUsagePercent)

	cfg.Live.Enabled = GetEnvBool("RELAY_LIVE_ENABLED", cfg.Live.Enabled)
	cfg.Live.IncludeImage = GetEnvBool("RELAY_LIVE_INCLUDE_IMAGE", cfg.Live.IncludeImage)

	cfg.Log.Level = GetEnvWithDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = GetEnvWithDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Output = GetEnvWithDefault("LOG_OUTPUT", cfg.Log.Output)
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes" || val == "on"
}

// GetEnvInt gets an integer environment variable
func GetEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return result
}

// GetEnvInt64 gets an int64 environment variable
func GetEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	result, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return result
}

// GetEnvDuration gets a duration environment variable
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(val); err == nil {
		return duration
	}
	return defaultValue
}

// GetEnvFloat64 gets a float64 environment variable
func GetEnvFloat64(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	result, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return result
}
