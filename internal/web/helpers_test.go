package web

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/apperr"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/config"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/storage"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/web/streaming"
)

const testInterval = 20 * time.Millisecond

// fakeCamera serves a fixed frame and can be told to fail
type fakeCamera struct {
	mu        sync.Mutex
	frame     []byte
	err       error
	failFirst int64
	calls     atomic.Int64
}

func (c *fakeCamera) Capture(ctx context.Context) ([]byte, error) {
	n := c.calls.Add(1)
	if n <= c.failFirst {
		return nil, apperr.Errorf(apperr.CameraUnavailable, "capture", "camera returned 503")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.frame, nil
}

func (c *fakeCamera) URL() string {
	return "http://camera.test/capture"
}

func (c *fakeCamera) setError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

type testEnv struct {
	server    *Server
	frames    *storage.FrameStore
	streaming *streaming.Service
	camera    *fakeCamera
	dir       string
}

func newTestEnv(t *testing.T, cam *fakeCamera) *testEnv {
	t.Helper()

	if cam == nil {
		cam = &fakeCamera{frame: []byte("\xff\xd8jpeg-bytes\xff\xd9")}
	}

	log := logger.NewNopLogger()
	dir := t.TempDir()

	frames, err := storage.NewFrameStore(dir, log)
	require.NoError(t, err)

	stream := streaming.NewService(cam, streaming.Config{
		Mode:     streaming.ModePerClient,
		Interval: testInterval,
	}, log)

	srv, err := NewServer(config.ServerConfig{
		Host:           "127.0.0.1",
		Port:           0,
		BodyLimitBytes: 1024,
	}, Dependencies{
		Frames:    frames,
		Camera:    cam,
		Streaming: stream,
	}, log)
	require.NoError(t, err)

	t.Cleanup(stream.CloseAll)

	return &testEnv{
		server:    srv,
		frames:    frames,
		streaming: stream,
		camera:    cam,
		dir:       dir,
	}
}

var errCameraDown = errors.New("camera unreachable")
