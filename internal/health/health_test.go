package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/service"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/storage"
)

type staticChecker struct {
	name   string
	status Status
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(ctx context.Context) Check {
	return Check{Name: c.name, Status: c.status}
}

type fakeSource struct {
	frame []byte
	err   error
}

func (f fakeSource) Capture(ctx context.Context) ([]byte, error) {
	return f.frame, f.err
}

type idleService struct{ name string }

func (s idleService) Name() string                    { return s.name }
func (s idleService) Start(ctx context.Context) error { return nil }
func (s idleService) Stop(ctx context.Context) error  { return nil }

func TestManager_CheckAggregatesStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		{"no checkers", nil, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewManager(logger.NewNopLogger(), nil)
			for i, s := range tt.statuses {
				mgr.RegisterChecker(staticChecker{name: string(rune('a' + i)), status: s})
			}

			report := mgr.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestManager_HandleHealth(t *testing.T) {
	svcMgr := service.NewManager(logger.NewNopLogger())
	svcMgr.Register(idleService{name: "web-server"})

	mgr := NewManager(nil, svcMgr)
	mgr.RegisterChecker(staticChecker{name: "camera", status: StatusDegraded})

	rec := httptest.NewRecorder()
	mgr.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Contains(t, report.Checks, "camera")
	assert.Contains(t, report.Services, "web-server")
}

func TestManager_HandleHealth_Unhealthy(t *testing.T) {
	mgr := NewManager(nil, nil)
	mgr.RegisterChecker(staticChecker{name: "storage", status: StatusUnhealthy})

	rec := httptest.NewRecorder()
	mgr.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mgr.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ready"])
}

func TestManager_HandleLivenessAndServices(t *testing.T) {
	mgr := NewManager(nil, nil)
	mgr.RegisterChecker(staticChecker{name: "storage", status: StatusUnhealthy})

	rec := httptest.NewRecorder()
	mgr.HandleLiveness(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)

	rec = httptest.NewRecorder()
	mgr.HandleServices(rec, httptest.NewRequest(http.MethodGet, "/health/services", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"services"`)
}

func TestCameraChecker(t *testing.T) {
	ok := NewCameraChecker(fakeSource{frame: []byte("jpeg")}, "http://cam/capture").Check(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)
	assert.Equal(t, 4, ok.Details["frame_bytes"])
	assert.Equal(t, "http://cam/capture", ok.Details["url"])

	down := NewCameraChecker(fakeSource{err: errors.New("connection refused")}, "http://cam/capture").Check(context.Background())
	assert.Equal(t, StatusDegraded, down.Status)
	assert.Contains(t, down.Message, "connection refused")
}

func TestStorageChecker(t *testing.T) {
	dir := t.TempDir()

	check := NewStorageChecker(dir, storage.NewDiskMonitor(dir, 0, nil)).Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, true, check.Details["writable"])
	assert.Contains(t, check.Details, "disk_usage_percent")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary write-check file must be removed")
}

func TestStorageChecker_Unwritable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")

	check := NewStorageChecker(missing, nil).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, false, check.Details["writable"])
}

func TestStorageChecker_DiskOverLimit(t *testing.T) {
	dir := t.TempDir()

	// any real filesystem uses more than a millionth of a percent
	check := NewStorageChecker(dir, storage.NewDiskMonitor(dir, 0.000001, nil)).Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
}

func TestSystemChecker(t *testing.T) {
	check := (&SystemChecker{}).Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Contains(t, check.Details, "goroutines")

	check = (&SystemChecker{MaxGoroutines: 1}).Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
}
