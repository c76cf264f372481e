package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("server.port must be between 0 and 65535, got: %d", c.Server.Port))
	}

	if c.Server.BodyLimitBytes < 0 {
		errors = append(errors, fmt.Sprintf("server.body_limit_bytes must be >= 0, got: %d", c.Server.BodyLimitBytes))
	}

	if u, err := url.Parse(c.Camera.CaptureURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errors = append(errors, fmt.Sprintf("camera.capture_url must be an absolute http(s) URL, got: %q", c.Camera.CaptureURL))
	}

	if c.Camera.Timeout < 0 {
		errors = append(errors, fmt.Sprintf("camera.timeout must be >= 0, got: %v", c.Camera.Timeout))
	}

	if c.Stream.Mode != StreamModePerClient && c.Stream.Mode != StreamModeShared {
		errors = append(errors, fmt.Sprintf("invalid stream.mode: %s (must be: %s or %s)", c.Stream.Mode, StreamModePerClient, StreamModeShared))
	}

	if c.Stream.Interval <= 0 {
		errors = append(errors, fmt.Sprintf("stream.interval must be > 0, got: %v", c.Stream.Interval))
	}

	if c.Stream.Buffer < 1 {
		errors = append(errors, fmt.Sprintf("stream.buffer must be >= 1, got: %d", c.Stream.Buffer))
	}

	if c.Storage.UploadDir == "" {
		errors = append(errors, "storage.upload_dir is required")
	}

	r := c.Storage.Retention
	if r.MaxAge < 0 {
		errors = append(errors, fmt.Sprintf("storage.retention.max_age must be >= 0, got: %v", r.MaxAge))
	}
	if r.MaxFiles < 0 {
		errors = append(errors, fmt.Sprintf("storage.retention.max_files must be >= 0, got: %d", r.MaxFiles))
	}
	if r.MaxDiskUsagePercent < 0 || r.MaxDiskUsagePercent > 100 {
		errors = append(errors, fmt.Sprintf("storage.retention.max_disk_usage_percent must be between 0 and 100, got: %.2f", r.MaxDiskUsagePercent))
	}
	if r.Interval <= 0 {
		errors = append(errors, fmt.Sprintf("storage.retention.interval must be > 0, got: %v", r.Interval))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
