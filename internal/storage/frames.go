package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/apperr"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
)

const (
	framePrefix = "frame_"
	frameSuffix = ".jpg"

	// maxNameAttempts bounds retries when a generated name already exists on disk
	maxNameAttempts = 1000
)

// ErrInvalidName is returned for names that do not address a file directly inside the upload directory
var ErrInvalidName = errors.New("invalid frame name")

// Frame describes a saved frame file
type Frame struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

// FrameStore writes ingested frames to the upload directory as frame_<unixMillis>.jpg.
// Generated timestamps are strictly increasing within a process and files are
// created exclusively, so a saved frame is never overwritten.
type FrameStore struct {
	dir    string
	logger *logger.Logger

	mu         sync.Mutex
	lastMillis int64
	now        func() time.Time
}

// NewFrameStore creates the upload directory if needed and returns a store for it
func NewFrameStore(dir string, log *logger.Logger) (*FrameStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &FrameStore{
		dir:    dir,
		logger: log,
		now:    time.Now,
	}, nil
}

// Dir returns the upload directory
func (s *FrameStore) Dir() string {
	return s.dir
}

// FrameName returns the file name for a capture time in unix milliseconds
func FrameName(millis int64) string {
	return framePrefix + strconv.FormatInt(millis, 10) + frameSuffix
}

// ParseFrameName extracts the capture time from a frame file name
func ParseFrameName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, framePrefix) || !strings.HasSuffix(name, frameSuffix) {
		return time.Time{}, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, framePrefix), frameSuffix)
	if digits == "" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || millis < 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

// nextMillis returns a timestamp strictly greater than any previously returned one
func (s *FrameStore) nextMillis() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	millis := s.now().UnixMilli()
	if millis <= s.lastMillis {
		millis = s.lastMillis + 1
	}
	s.lastMillis = millis
	return millis
}

// Save writes data as a new frame and returns it. Failures carry apperr.StorageWrite.
func (s *FrameStore) Save(data []byte) (Frame, error) {
	var (
		file   *os.File
		millis int64
		err    error
	)

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		millis = s.nextMillis()
		file, err = os.OpenFile(filepath.Join(s.dir, FrameName(millis)), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil || !errors.Is(err, fs.ErrExist) {
			break
		}
	}
	if err != nil {
		return Frame{}, apperr.New(apperr.StorageWrite, "save frame", err)
	}

	name := FrameName(millis)
	path := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)
		return Frame{}, apperr.New(apperr.StorageWrite, "save frame", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return Frame{}, apperr.New(apperr.StorageWrite, "save frame", err)
	}

	s.logger.Debug("Saved frame", "file", name, "size", len(data))

	return Frame{
		Name:       name,
		Size:       int64(len(data)),
		CapturedAt: time.UnixMilli(millis),
	}, nil
}

// Path resolves a frame name to its path inside the upload directory
func (s *FrameStore) Path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}

// List returns saved frames newest first. A positive limit caps the result.
// Files that do not follow the frame naming scheme are ignored.
func (s *FrameStore) List(limit int) ([]Frame, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload directory: %w", err)
	}

	frames := make([]Frame, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		capturedAt, ok := ParseFrameName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		frames = append(frames, Frame{
			Name:       entry.Name(),
			Size:       info.Size(),
			CapturedAt: capturedAt,
		})
	}

	sort.Slice(frames, func(i, j int) bool {
		return frames[i].CapturedAt.After(frames[j].CapturedAt)
	})

	if limit > 0 && len(frames) > limit {
		frames = frames[:limit]
	}
	return frames, nil
}

// Remove deletes a saved frame. Removing a missing frame is not an error.
func (s *FrameStore) Remove(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

// Stats summarises the frames in the upload directory
type Stats struct {
	Frames     int       `json:"frames"`
	TotalBytes int64     `json:"total_bytes"`
	Newest     time.Time `json:"newest,omitempty"`
	Oldest     time.Time `json:"oldest,omitempty"`
}

// Stats returns frame count and size totals
func (s *FrameStore) Stats() (Stats, error) {
	frames, err := s.List(0)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Frames: len(frames)}
	for _, f := range frames {
		stats.TotalBytes += f.Size
	}
	if len(frames) > 0 {
		stats.Newest = frames[0].CapturedAt
		stats.Oldest = frames[len(frames)-1].CapturedAt
	}
	return stats, nil
}
