package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/camera"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/config"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/health"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/service"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/storage"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/web"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/web/live"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/web/streaming"
)

// FakeCamera is an HTTP camera answering GET /capture
type FakeCamera struct {
	Server *httptest.Server

	mu       sync.Mutex
	frame    []byte
	status   int
	requests atomic.Int64
}

// NewFakeCamera starts a camera that returns frame with 200
func NewFakeCamera(t *testing.T, frame []byte) *FakeCamera {
	cam := &FakeCamera{frame: frame, status: http.StatusOK}
	cam.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cam.requests.Add(1)
		if r.URL.Path != "/capture" {
			http.NotFound(w, r)
			return
		}

		cam.mu.Lock()
		status, frame := cam.status, cam.frame
		cam.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	t.Cleanup(cam.Server.Close)
	return cam
}

// CaptureURL returns the camera's capture endpoint
func (c *FakeCamera) CaptureURL() string {
	return c.Server.URL + "/capture"
}

// SetStatus makes the camera answer with status and no body
func (c *FakeCamera) SetStatus(status int) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// Requests returns how many requests the camera has served
func (c *FakeCamera) Requests() int64 {
	return c.requests.Load()
}

// TestEnvironment is a fully wired relay listening on a random local port
type TestEnvironment struct {
	TempDir   string
	Config    *config.Config
	Logger    *logger.Logger
	Camera    *FakeCamera
	Manager   *service.Manager
	Frames    *storage.FrameStore
	Retention *storage.RetentionService
	Streaming *streaming.Service
	Hub       *live.Hub
	Server    *web.Server
	BaseURL   string

	cancel context.CancelFunc
}

// SetupTestEnvironment wires and starts the relay. mutate may adjust the
// configuration before anything is built.
func SetupTestEnvironment(t *testing.T, mutate func(*config.Config)) *TestEnvironment {
	t.Helper()

	tmpDir := t.TempDir()
	cam := NewFakeCamera(t, []byte("\xff\xd8integration-frame\xff\xd9"))

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Camera.CaptureURL = cam.CaptureURL()
	cfg.Camera.Timeout = 2 * time.Second
	cfg.Stream.Interval = 20 * time.Millisecond
	cfg.Storage.UploadDir = tmpDir
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test configuration: %v", err)
	}

	log := logger.NewNopLogger()

	frames, err := storage.NewFrameStore(cfg.Storage.UploadDir, log)
	if err != nil {
		t.Fatalf("Failed to create frame store: %v", err)
	}

	client := camera.NewClient(camera.ClientConfig{
		CaptureURL: cfg.Camera.CaptureURL,
		Timeout:    cfg.Camera.Timeout,
	}, log)

	disk := storage.NewDiskMonitor(cfg.Storage.UploadDir, cfg.Storage.Retention.MaxDiskUsagePercent, log)
	retention := storage.NewRetentionService(storage.NewRetentionPolicy(frames, disk, storage.RetentionLimits{
		MaxAge:              cfg.Storage.Retention.MaxAge,
		MaxFiles:            cfg.Storage.Retention.MaxFiles,
		MaxDiskUsagePercent: cfg.Storage.Retention.MaxDiskUsagePercent,
	}, log), cfg.Storage.Retention.Interval, log)

	stream := streaming.NewService(client, streaming.Config{
		Mode:     cfg.Stream.Mode,
		Interval: cfg.Stream.Interval,
		Buffer:   cfg.Stream.Buffer,
	}, log)

	manager := service.NewManager(log)

	healthMgr := health.NewManager(log, manager)
	healthMgr.RegisterChecker(&health.SystemChecker{})
	healthMgr.RegisterChecker(health.NewCameraChecker(client, client.URL()))
	healthMgr.RegisterChecker(health.NewStorageChecker(cfg.Storage.UploadDir, disk))

	var hub *live.Hub
	if cfg.Live.Enabled {
		hub = live.NewHub(live.Config{IncludeImage: cfg.Live.IncludeImage}, log)
	}

	server, err := web.NewServer(cfg.Server, web.Dependencies{
		Frames:    frames,
		Camera:    client,
		Streaming: stream,
		Live:      hub,
		Health:    healthMgr,
		Services:  manager,
	}, log)
	if err != nil {
		t.Fatalf("Failed to create web server: %v", err)
	}

	manager.Register(retention)
	manager.Register(stream)
	if hub != nil {
		manager.Register(hub)
	}
	manager.Register(server)

	// services keep the start context for their lifetime
	ctx, cancel := context.WithCancel(context.Background())
	if err := manager.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Failed to start relay: %v", err)
	}

	env := &TestEnvironment{
		TempDir:   tmpDir,
		Config:    cfg,
		Logger:    log,
		Camera:    cam,
		Manager:   manager,
		Frames:    frames,
		Retention: retention,
		Streaming: stream,
		Hub:       hub,
		Server:    server,
		BaseURL:   "http://" + server.Addr(),
		cancel:    cancel,
	}
	t.Cleanup(env.Cleanup)
	return env
}

// Cleanup shuts the relay down. Calling it more than once is safe.
func (e *TestEnvironment) Cleanup() {
	ctx, cancel := ContextWithTimeout(5 * time.Second)
	defer cancel()
	_ = e.Manager.Shutdown(ctx)
	e.cancel()
}

// WaitForCondition waits for a condition to become true
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		<-ticker.C
	}

	return condition()
}

// ContextWithTimeout creates a context with timeout for tests
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
