package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/apperr"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
)

// maxFrameBytes bounds a single capture response
const maxFrameBytes = 16 << 20

// Client fetches still frames from the camera's capture endpoint
type Client struct {
	captureURL string
	httpClient *http.Client
	logger     *logger.Logger

	captures atomic.Uint64
	failures atomic.Uint64
	lastOK   atomic.Int64
}

// ClientConfig contains configuration for the camera client
type ClientConfig struct {
	CaptureURL string
	Timeout    time.Duration
}

// Stats reports capture counters
type Stats struct {
	Captures    uint64    `json:"captures"`
	Failures    uint64    `json:"failures"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// NewClient creates a new camera client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		captureURL: config.CaptureURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: log,
	}
}

// URL returns the capture URL
func (c *Client) URL() string {
	return c.captureURL
}

// Capture performs one GET against the capture URL and returns the body.
// Transport errors and non-2xx responses are reported as apperr.CameraUnavailable.
func (c *Client) Capture(ctx context.Context) ([]byte, error) {
	data, err := c.capture(ctx)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}
	c.captures.Add(1)
	c.lastOK.Store(time.Now().UnixNano())
	return data, nil
}

func (c *Client) capture(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.captureURL, nil)
	if err != nil {
		return nil, apperr.New(apperr.CameraUnavailable, "camera capture", fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.CameraUnavailable, "camera capture", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, apperr.Errorf(apperr.CameraUnavailable, "camera capture", "camera returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes+1))
	if err != nil {
		return nil, apperr.New(apperr.CameraUnavailable, "camera capture", fmt.Errorf("failed to read frame: %w", err))
	}
	if len(data) > maxFrameBytes {
		return nil, apperr.Errorf(apperr.CameraUnavailable, "camera capture", "frame exceeds %d bytes", maxFrameBytes)
	}

	c.logger.Debug("Captured frame", "url", c.captureURL, "size", len(data))
	return data, nil
}

// Stats returns the capture counters
func (c *Client) Stats() Stats {
	stats := Stats{
		Captures: c.captures.Load(),
		Failures: c.failures.Load(),
	}
	if ns := c.lastOK.Load(); ns != 0 {
		stats.LastSuccess = time.Unix(0, ns)
	}
	return stats
}
