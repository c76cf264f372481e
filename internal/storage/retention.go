package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
)

// ErrEnforcing is returned when a pass is requested while another is running
var ErrEnforcing = errors.New("retention policy is already being enforced")

// RetentionLimits bounds the saved frames. Zero values disable a limit.
type RetentionLimits struct {
	MaxAge              time.Duration
	MaxFiles            int
	MaxDiskUsagePercent float64
}

// Enabled reports whether any limit is set
func (l RetentionLimits) Enabled() bool {
	return l.MaxAge > 0 || l.MaxFiles > 0 || l.MaxDiskUsagePercent > 0
}

// PruneResult reports what one enforcement pass removed
type PruneResult struct {
	Expired    int   `json:"expired"`
	OverCount  int   `json:"over_count"`
	OverDisk   int   `json:"over_disk"`
	FreedBytes int64 `json:"freed_bytes"`
}

// Removed returns the total number of deleted frames
func (r PruneResult) Removed() int {
	return r.Expired + r.OverCount + r.OverDisk
}

// RetentionPolicy deletes the oldest saved frames once a limit is exceeded
type RetentionPolicy struct {
	store     *FrameStore
	disk      *DiskMonitor
	logger    *logger.Logger
	mu        sync.RWMutex
	limits    RetentionLimits
	enforcing bool
	now       func() time.Time
}

// NewRetentionPolicy creates a retention policy over store. disk may be nil,
// in which case the disk usage limit is ignored.
func NewRetentionPolicy(store *FrameStore, disk *DiskMonitor, limits RetentionLimits, log *logger.Logger) *RetentionPolicy {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if disk != nil {
		disk.SetMaxUsagePercent(limits.MaxDiskUsagePercent)
	}
	return &RetentionPolicy{
		store:  store,
		disk:   disk,
		logger: log,
		limits: limits,
		now:    time.Now,
	}
}

// Limits returns the active limits
func (r *RetentionPolicy) Limits() RetentionLimits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limits
}

// SetLimits replaces the active limits; the next pass uses them
func (r *RetentionPolicy) SetLimits(limits RetentionLimits) {
	r.mu.Lock()
	r.limits = limits
	r.mu.Unlock()

	if r.disk != nil {
		r.disk.SetMaxUsagePercent(limits.MaxDiskUsagePercent)
	}
}

// Enforce runs one pass: expired frames first, then the oldest frames over
// the count limit, then the oldest frames while disk usage is over the limit.
func (r *RetentionPolicy) Enforce(ctx context.Context) (PruneResult, error) {
	r.mu.Lock()
	if r.enforcing {
		r.mu.Unlock()
		return PruneResult{}, ErrEnforcing
	}
	r.enforcing = true
	limits := r.limits
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.enforcing = false
		r.mu.Unlock()
	}()

	var result PruneResult
	if !limits.Enabled() {
		return result, nil
	}

	frames, err := r.store.List(0)
	if err != nil {
		return result, err
	}
	// oldest first
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}

	if limits.MaxAge > 0 {
		cutoff := r.now().Add(-limits.MaxAge)
		kept := frames[:0]
		for _, f := range frames {
			if f.CapturedAt.Before(cutoff) {
				if r.remove(f, &result) {
					result.Expired++
					continue
				}
			}
			kept = append(kept, f)
		}
		frames = kept
	}

	if limits.MaxFiles > 0 && len(frames) > limits.MaxFiles {
		excess := len(frames) - limits.MaxFiles
		kept := make([]Frame, 0, limits.MaxFiles)
		for i, f := range frames {
			if i < excess {
				if err := ctx.Err(); err != nil {
					return result, err
				}
				if r.remove(f, &result) {
					result.OverCount++
					continue
				}
			}
			kept = append(kept, f)
		}
		frames = kept
	}

	if limits.MaxDiskUsagePercent > 0 && r.disk != nil {
		r.disk.Invalidate()
		for len(frames) > 0 {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			over, err := r.disk.IsOverLimit(ctx)
			if err != nil {
				r.logger.Warn("Failed to read disk usage", "path", r.store.Dir(), "error", err)
				break
			}
			if !over {
				break
			}
			if r.remove(frames[0], &result) {
				result.OverDisk++
			}
			frames = frames[1:]
			r.disk.Invalidate()
		}
	}

	if result.Removed() > 0 {
		r.logger.Info("Pruned saved frames",
			"expired", result.Expired,
			"over_count", result.OverCount,
			"over_disk", result.OverDisk,
			"freed_bytes", result.FreedBytes,
		)
	}

	return result, nil
}

func (r *RetentionPolicy) remove(f Frame, result *PruneResult) bool {
	if err := r.store.Remove(f.Name); err != nil {
		r.logger.Warn("Failed to delete frame", "file", f.Name, "error", err)
		return false
	}
	result.FreedBytes += f.Size
	return true
}
