package health

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/storage"
)

// FrameSource is the camera side the relay polls
type FrameSource interface {
	Capture(ctx context.Context) ([]byte, error)
}

// SystemChecker reports runtime resource usage
type SystemChecker struct {
	// MaxGoroutines marks the check degraded above this count. Zero disables it.
	MaxGoroutines int
}

func (c *SystemChecker) Name() string {
	return "system"
}

func (c *SystemChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	goroutines := runtime.NumGoroutine()
	check.Details["goroutines"] = goroutines
	check.Details["heap_alloc_bytes"] = mem.HeapAlloc
	check.Details["sys_bytes"] = mem.Sys
	check.Details["num_gc"] = mem.NumGC

	if c.MaxGoroutines > 0 && goroutines > c.MaxGoroutines {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d goroutines running", goroutines)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "System resources OK"
	return check
}

// CameraChecker checks that the camera answers a capture request
type CameraChecker struct {
	source FrameSource
	url    string
}

func NewCameraChecker(source FrameSource, url string) *CameraChecker {
	return &CameraChecker{source: source, url: url}
}

func (c *CameraChecker) Name() string {
	return "camera"
}

// Check reports an unreachable camera as degraded: ingest and stored frames still work.
func (c *CameraChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"url": c.url},
	}

	start := time.Now()
	frame, err := c.source.Capture(ctx)
	check.Details["latency_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Camera unreachable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Camera is reachable"
	check.Details["frame_bytes"] = len(frame)
	return check
}

// StorageChecker checks that the upload directory is writable and has space
type StorageChecker struct {
	uploadDir string
	disk      *storage.DiskMonitor
}

func NewStorageChecker(uploadDir string, disk *storage.DiskMonitor) *StorageChecker {
	return &StorageChecker{uploadDir: uploadDir, disk: disk}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"upload_dir": c.uploadDir},
	}

	tmp, err := os.CreateTemp(c.uploadDir, ".health-*")
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Upload directory not writable: %v", err)
		check.Details["writable"] = false
		return check
	}
	tmp.Close()
	os.Remove(tmp.Name())
	check.Details["writable"] = true

	if c.disk != nil {
		usage, err := c.disk.GetUsage(ctx)
		if err != nil {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Disk usage unavailable: %v", err)
			return check
		}
		check.Details["disk_usage_percent"] = usage.UsagePercent
		check.Details["available_bytes"] = usage.AvailableBytes

		if limit := c.disk.MaxUsagePercent(); limit > 0 && usage.UsagePercent > limit {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Disk usage %.1f%% above %.1f%%", usage.UsagePercent, limit)
			return check
		}
	}

	check.Status = StatusHealthy
	check.Message = "Upload directory writable"
	return check
}
