// Package live pushes relay events to websocket viewers.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Message is the JSON envelope sent to viewers
type Message struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Config contains live hub configuration
type Config struct {
	IncludeImage bool
	SendBuffer   int
}

// Hub fans relay events out to connected websocket viewers. Viewers only
// read; anything they send is discarded. A viewer that cannot keep up is dropped.
type Hub struct {
	*service.ServiceBase
	includeImage atomic.Bool
	sendBuffer   int
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	conn      *websocket.Conn
	remote    string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// NewHub creates a new live hub
func NewHub(cfg Config, log *logger.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}
	h := &Hub{
		ServiceBase: service.NewServiceBase("live", log),
		sendBuffer:  cfg.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	h.includeImage.Store(cfg.IncludeImage)
	return h
}

// SetIncludeImage toggles base64 image payloads in frame messages
func (h *Hub) SetIncludeImage(include bool) {
	h.includeImage.Store(include)
}

// Start subscribes to frame and attendance events
func (h *Hub) Start(ctx context.Context) error {
	h.GetStatus().SetStatus(service.StatusStarting)

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.mu.Lock()
	h.stopped = false
	h.mu.Unlock()

	if bus := h.GetEventBus(); bus != nil {
		for _, eventType := range []service.EventType{
			service.EventTypeFrameIngested,
			service.EventTypeAttendanceReceived,
		} {
			ch := bus.Subscribe(eventType)
			h.wg.Add(1)
			go h.forward(runCtx, bus, eventType, ch)
		}
	} else {
		h.LogWarn("No event bus, live feed will stay silent")
	}

	h.GetStatus().SetStatus(service.StatusRunning)
	h.LogInfo("Live hub started")
	return nil
}

// Stop disconnects every viewer
func (h *Hub) Stop(ctx context.Context) error {
	h.GetStatus().SetStatus(service.StatusStopping)
	if h.cancel != nil {
		h.cancel()
	}

	// once stopped is set no viewer can join, so wg only shrinks from here
	h.mu.Lock()
	h.stopped = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.GetStatus().SetStatus(service.StatusStopped)
	h.LogInfo("Live hub stopped")
	return nil
}

// ClientCount returns the number of connected viewers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the viewer connected until it leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response
		h.LogDebug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		h.LogDebug("Rejected viewer after stop", "remote", r.RemoteAddr)
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.wg.Add(1)
	h.mu.Unlock()

	h.LogInfo("Viewer connected", "remote", r.RemoteAddr, "viewers", count)

	go h.writePump(c)
	h.readPump(c)

	h.unregister(c)
	h.LogInfo("Viewer disconnected", "remote", r.RemoteAddr, "viewers", h.ClientCount())
}

// Broadcast sends a message to every viewer
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.LogError("Failed to encode live message", err, "type", msg.Type)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			c.close()
			h.LogWarn("Dropped slow viewer", "remote", c.remote)
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) forward(ctx context.Context, bus *service.EventBus, eventType service.EventType, ch <-chan service.Event) {
	defer h.wg.Done()
	defer bus.Unsubscribe(eventType, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if h.ClientCount() == 0 {
				continue
			}
			h.Broadcast(h.toMessage(event))
		}
	}
}

func (h *Hub) toMessage(event service.Event) Message {
	data := make(map[string]interface{}, len(event.Data))
	for k, v := range event.Data {
		data[k] = v
	}

	if event.Type == service.EventTypeFrameIngested {
		raw, _ := data["image"].([]byte)
		delete(data, "image")
		if h.includeImage.Load() && raw != nil {
			data["image"] = base64.StdEncoding.EncodeToString(raw)
		}
	}

	return Message{
		Type:      string(event.Type),
		Timestamp: event.Timestamp,
		Data:      data,
	}
}

func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.LogDebug("Viewer read error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
