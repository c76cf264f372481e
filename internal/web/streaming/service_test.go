package streaming

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/service"
)

// fakeCamera returns a fixed frame and counts captures
type fakeCamera struct {
	mu    sync.Mutex
	frame []byte
	err   error
	calls atomic.Int64
}

func (f *fakeCamera) Capture(ctx context.Context) ([]byte, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.frame, nil
}

func (f *fakeCamera) set(frame []byte, err error) {
	f.mu.Lock()
	f.frame, f.err = frame, err
	f.mu.Unlock()
}

func newTestService(cam FrameSource, mode string) *Service {
	return NewService(cam, Config{Mode: mode, Interval: 10 * time.Millisecond, Buffer: 2}, logger.NewNopLogger())
}

func receiveFrame(t *testing.T, session *Session) []byte {
	t.Helper()
	select {
	case frame := <-session.Frames():
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(&fakeCamera{}, Config{}, nil)

	assert.Equal(t, ModePerClient, svc.Mode())
	assert.Equal(t, 200*time.Millisecond, svc.Interval())
	assert.Equal(t, 4, svc.buffer)
	assert.Equal(t, "streaming", svc.Name())
}

func TestService_PerClientDeliversFrames(t *testing.T) {
	cam := &fakeCamera{frame: []byte("jpeg-1")}
	svc := newTestService(cam, ModePerClient)

	session := svc.Open(context.Background())
	defer session.Close()

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, []byte("jpeg-1"), receiveFrame(t, session))
	assert.Equal(t, 1, svc.ActiveSessions())
	assert.Equal(t, []byte("jpeg-1"), svc.LastFrame())
}

func TestService_PerClientPollsPerSession(t *testing.T) {
	cam := &fakeCamera{frame: []byte("jpeg")}
	svc := newTestService(cam, ModePerClient)

	first := svc.Open(context.Background())
	second := svc.Open(context.Background())
	defer first.Close()
	defer second.Close()

	assert.NotEqual(t, first.ID, second.ID)
	receiveFrame(t, first)
	receiveFrame(t, second)
	assert.Equal(t, 2, svc.ActiveSessions())
}

func TestService_DisconnectStopsFetching(t *testing.T) {
	cam := &fakeCamera{frame: []byte("jpeg")}
	svc := newTestService(cam, ModePerClient)

	ctx, cancel := context.WithCancel(context.Background())
	session := svc.Open(ctx)
	receiveFrame(t, session)

	cancel()
	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end with its context")
	}

	assert.Eventually(t, func() bool { return svc.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)

	// allow an in-flight tick to settle, then no further captures may happen
	time.Sleep(30 * time.Millisecond)
	before := cam.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, cam.calls.Load())
}

func TestService_FailuresAreSkipped(t *testing.T) {
	cam := &fakeCamera{err: errors.New("camera returned status 500")}
	svc := newTestService(cam, ModePerClient)

	bus := service.NewEventBus(10)
	failed := bus.Subscribe(service.EventTypeCameraFetchFailed)
	svc.SetEventBus(bus)

	session := svc.Open(context.Background())
	defer session.Close()

	select {
	case event := <-failed:
		assert.Equal(t, session.ID, event.Data["session_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("camera.fetch_failed not published")
	}

	// Nothing reaches the client while the camera fails.
	select {
	case <-session.Frames():
		t.Fatal("unexpected frame while camera failing")
	case <-time.After(50 * time.Millisecond):
	}

	// Only the transition into failure is published.
	select {
	case <-failed:
		t.Fatal("repeated failures should not be re-published")
	default:
	}

	cam.set([]byte("back"), nil)
	assert.Equal(t, []byte("back"), receiveFrame(t, session))
	assert.Greater(t, svc.Stats().Failures, uint64(0))
}

func TestService_SharedModeSinglePoller(t *testing.T) {
	cam := &fakeCamera{frame: []byte("shared")}
	svc := newTestService(cam, ModeShared)

	first := svc.Open(context.Background())
	second := svc.Open(context.Background())

	assert.Equal(t, []byte("shared"), receiveFrame(t, first))
	assert.Equal(t, []byte("shared"), receiveFrame(t, second))

	stats := svc.Stats()
	assert.Equal(t, ModeShared, stats.Mode)
	assert.Equal(t, 2, stats.ActiveSessions)

	first.Close()
	first.Close()
	assert.Equal(t, 1, svc.ActiveSessions())

	second.Close()
	assert.Equal(t, 0, svc.ActiveSessions())

	// poller stops after the last subscriber leaves
	time.Sleep(30 * time.Millisecond)
	before := cam.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, cam.calls.Load())
}

func TestService_SharedModeSendsCachedFrame(t *testing.T) {
	cam := &fakeCamera{frame: []byte("cached")}
	svc := newTestService(cam, ModeShared)

	first := svc.Open(context.Background())
	defer first.Close()
	receiveFrame(t, first)

	// Stop the camera so only the cached frame can arrive.
	cam.set(nil, errors.New("offline"))

	late := svc.Open(context.Background())
	defer late.Close()

	select {
	case frame := <-late.Frames():
		assert.Equal(t, []byte("cached"), frame)
	default:
		t.Fatal("late subscriber should get the cached frame immediately")
	}
}

func TestService_StreamEvents(t *testing.T) {
	svc := newTestService(&fakeCamera{frame: []byte("x")}, ModePerClient)

	bus := service.NewEventBus(10)
	opened := bus.Subscribe(service.EventTypeStreamOpened)
	closed := bus.Subscribe(service.EventTypeStreamClosed)
	svc.SetEventBus(bus)

	session := svc.Open(context.Background())
	session.Close()

	select {
	case event := <-opened:
		assert.Equal(t, session.ID, event.Data["session_id"])
		assert.Equal(t, 1, event.Data["active"])
	case <-time.After(time.Second):
		t.Fatal("stream.opened not published")
	}

	select {
	case event := <-closed:
		assert.Equal(t, session.ID, event.Data["session_id"])
		assert.Equal(t, 0, event.Data["active"])
	case <-time.After(time.Second):
		t.Fatal("stream.closed not published")
	}
}

func TestService_StopClosesSessions(t *testing.T) {
	for _, mode := range []string{ModePerClient, ModeShared} {
		t.Run(mode, func(t *testing.T) {
			svc := newTestService(&fakeCamera{frame: []byte("x")}, mode)
			require.NoError(t, svc.Start(context.Background()))

			session := svc.Open(context.Background())

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, svc.Stop(ctx))

			select {
			case <-session.Done():
			default:
				t.Fatal("Stop should end open sessions")
			}
			assert.Equal(t, 0, svc.ActiveSessions())
			assert.Equal(t, service.StatusStopped, svc.GetStatus().GetStatus())
		})
	}
}

func TestWritePart(t *testing.T) {
	var buf bytes.Buffer
	frame := []byte{0xFF, 0xD8, 0x00, 0x01, 0xFF, 0xD9}

	require.NoError(t, WritePart(&buf, frame))
	assert.Equal(t,
		"--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 6\r\n\r\n"+string(frame)+"\r\n",
		buf.String(),
	)
}

func TestWritePart_ReadableAsMultipart(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("first"), []byte("second frame")}
	for _, f := range frames {
		require.NoError(t, WritePart(&buf, f))
	}
	// terminate so the last part has a closing delimiter
	buf.WriteString("--" + Boundary + "--\r\n")

	reader := multipart.NewReader(&buf, Boundary)
	for _, want := range frames {
		part, err := reader.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))

		got, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", ContentType)
}
