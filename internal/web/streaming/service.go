package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/service"
)

const (
	// ModePerClient runs one camera poller per stream session
	ModePerClient = "per_client"
	// ModeShared runs one camera poller for all sessions
	ModeShared = "shared"
)

// FrameSource captures a single JPEG frame
type FrameSource interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Config contains streaming configuration
type Config struct {
	Mode     string
	Interval time.Duration
	Buffer   int
}

// Service hands out stream sessions fed by polling a FrameSource
type Service struct {
	*service.ServiceBase
	source   FrameSource
	mode     string
	interval time.Duration
	buffer   int

	mu       sync.Mutex
	sessions map[string]*Session
	poller   *poller

	lastFrame   []byte
	lastFrameAt time.Time
	lastFrameMu sync.RWMutex

	fetches  atomic.Uint64
	failures atomic.Uint64
}

// Session is one connected stream client
type Session struct {
	ID       string
	OpenedAt time.Time

	frames    chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	svc       *Service
	closeOnce sync.Once
}

// Frames delivers captured frames for this session
func (s *Session) Frames() <-chan []byte {
	return s.frames
}

// Done returns a channel that's closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close ends the session; its poller, if any, stops fetching
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.svc.release(s)
	})
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new streaming service
func NewService(source FrameSource, cfg Config, log *logger.Logger) *Service {
	if cfg.Mode == "" {
		cfg.Mode = ModePerClient
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4
	}

	return &Service{
		ServiceBase: service.NewServiceBase("streaming", log),
		source:      source,
		mode:        cfg.Mode,
		interval:    cfg.Interval,
		buffer:      cfg.Buffer,
		sessions:    make(map[string]*Session),
	}
}

// Mode returns the polling mode
func (s *Service) Mode() string {
	return s.mode
}

// Interval returns the polling interval
func (s *Service) Interval() time.Duration {
	return s.interval
}

// Start marks the service running; pollers start with sessions
func (s *Service) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Streaming service started", "mode", s.mode, "interval", s.interval)
	return nil
}

// Stop closes every open session
func (s *Service) Stop(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStopping)

	s.mu.Lock()
	p := s.poller
	s.mu.Unlock()

	s.CloseAll()

	if p != nil {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.GetStatus().SetStatus(service.StatusStopped)
	s.LogInfo("Streaming service stopped")
	return nil
}

// Open starts a session bound to ctx. It ends when ctx is done or Close is called.
func (s *Service) Open(ctx context.Context) *Session {
	sessionCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ID:       uuid.New().String(),
		OpenedAt: time.Now(),
		frames:   make(chan []byte, s.buffer),
		ctx:      sessionCtx,
		cancel:   cancel,
		svc:      s,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	active := len(s.sessions)
	if s.mode == ModeShared {
		if s.poller == nil {
			s.poller = s.startPoller()
		}
		if frame := s.LastFrame(); frame != nil {
			session.frames <- frame
		}
	}
	s.mu.Unlock()

	if s.mode != ModeShared {
		go s.pollSession(session)
	}

	// Release bookkeeping as soon as the caller's context ends.
	go func() {
		<-sessionCtx.Done()
		session.Close()
	}()

	s.LogInfo("Stream opened", "session_id", session.ID, "active", active)
	s.PublishEvent(service.EventTypeStreamOpened, map[string]interface{}{
		"session_id": session.ID,
		"active":     active,
	})

	return session
}

// CloseAll ends every open session
func (s *Service) CloseAll() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}

// ActiveSessions returns the number of open sessions
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// LastFrame returns the most recent successfully captured frame
func (s *Service) LastFrame() []byte {
	s.lastFrameMu.RLock()
	defer s.lastFrameMu.RUnlock()
	return s.lastFrame
}

// Stats reports polling counters
type Stats struct {
	Mode           string    `json:"mode"`
	Interval       string    `json:"interval"`
	ActiveSessions int       `json:"active_sessions"`
	Fetches        uint64    `json:"fetches"`
	Failures       uint64    `json:"failures"`
	LastFrameAt    time.Time `json:"last_frame_at,omitempty"`
}

// Stats returns the polling counters
func (s *Service) Stats() Stats {
	s.lastFrameMu.RLock()
	lastAt := s.lastFrameAt
	s.lastFrameMu.RUnlock()

	return Stats{
		Mode:           s.mode,
		Interval:       s.interval.String(),
		ActiveSessions: s.ActiveSessions(),
		Fetches:        s.fetches.Load(),
		Failures:       s.failures.Load(),
		LastFrameAt:    lastAt,
	}
}

func (s *Service) release(session *Session) {
	s.mu.Lock()
	if _, ok := s.sessions[session.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, session.ID)
	active := len(s.sessions)
	if s.mode == ModeShared && active == 0 && s.poller != nil {
		s.poller.cancel()
		s.poller = nil
	}
	s.mu.Unlock()

	s.LogInfo("Stream closed", "session_id", session.ID, "active", active,
		"duration", time.Since(session.OpenedAt).Round(time.Millisecond))
	s.PublishEvent(service.EventTypeStreamClosed, map[string]interface{}{
		"session_id": session.ID,
		"active":     active,
	})
}

// pollSession fetches sequentially for one session until it ends
func (s *Service) pollSession(session *Session) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-session.ctx.Done():
			return
		case <-ticker.C:
			frame, ok := s.fetch(session.ctx, session.ID, &failing)
			if !ok {
				continue
			}
			select {
			case session.frames <- frame:
			default:
				// client is behind, drop the frame
			}
		}
	}
}

// startPoller starts the shared poller. Callers hold s.mu.
func (s *Service) startPoller() *poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		failing := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame, ok := s.fetch(ctx, "shared", &failing)
				if !ok {
					continue
				}
				s.broadcast(frame)
			}
		}
	}()

	s.LogDebug("Shared poller started")
	return p
}

func (s *Service) broadcast(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		select {
		case session.frames <- frame:
		default:
		}
	}
}

// fetch performs one capture. Failures are logged and reported once per outage.
func (s *Service) fetch(ctx context.Context, owner string, failing *bool) ([]byte, bool) {
	s.fetches.Add(1)

	frame, err := s.source.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		s.failures.Add(1)
		if !*failing {
			*failing = true
			s.LogWarn("Camera fetch failed", "session_id", owner, "error", err)
			s.PublishEvent(service.EventTypeCameraFetchFailed, map[string]interface{}{
				"session_id": owner,
				"error":      err.Error(),
			})
		} else {
			s.LogDebug("Camera fetch failed", "session_id", owner, "error", err)
		}
		return nil, false
	}

	if *failing {
		*failing = false
		s.LogInfo("Camera fetch recovered", "session_id", owner)
	}

	s.lastFrameMu.Lock()
	s.lastFrame = frame
	s.lastFrameAt = time.Now()
	s.lastFrameMu.Unlock()

	return frame, true
}
