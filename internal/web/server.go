package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/apperr"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/config"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/health"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/service"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/storage"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/web/live"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/web/streaming"
)

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     config.ServerConfig
	logger     *logger.Logger
	httpServer *http.Server
	listener   net.Listener
	router     *gin.Engine

	frames    *storage.FrameStore
	camera    CameraSource
	streaming *streaming.Service
	live      *live.Hub
	health    *health.Manager
	services  *service.Manager

	version   string
	startTime time.Time
}

// CameraSource is the camera the relay fetches snapshots from
type CameraSource interface {
	Capture(ctx context.Context) ([]byte, error)
	URL() string
}

// Dependencies are the components the handlers serve from. Frames, Camera
// and Streaming are required; Live, Health and Services are optional.
type Dependencies struct {
	Frames    *storage.FrameStore
	Camera    CameraSource
	Streaming *streaming.Service
	Live      *live.Hub
	Health    *health.Manager
	Services  *service.Manager
}

// NewServer creates a new web server service with all routes registered
func NewServer(cfg config.ServerConfig, deps Dependencies, log *logger.Logger) (*Server, error) {
	if deps.Frames == nil || deps.Camera == nil || deps.Streaming == nil {
		return nil, errors.New("web server requires frames, camera and streaming dependencies")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(recovery(log))
	router.Use(corsMiddleware())
	router.Use(errorHandler(log))

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		logger:      log,
		router:      router,
		frames:      deps.Frames,
		camera:      deps.Camera,
		streaming:   deps.Streaming,
		live:        deps.Live,
		health:      deps.Health,
		services:    deps.Services,
		version:     "dev",
		startTime:   time.Now(),
	}
	s.setupRoutes()

	return s, nil
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Handler returns the HTTP handler serving all routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound listen address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listen address and serves in the background.
// A bind failure (for example an address in use) is returned.
func (s *Server) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)

	addr := s.config.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.GetStatus().SetError(err)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	// WriteTimeout and IdleTimeout stay disabled: /stream responses never end on their own.
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.GetStatus().SetError(err)
			s.LogError("Web server error", err, "address", listener.Addr().String())
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Web server started", "address", listener.Addr().String())
	return nil
}

// Stop ends open streams and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.GetStatus().SetStatus(service.StatusStopping)
	s.LogInfo("Stopping web server", "active_streams", s.streaming.ActiveSessions())

	s.streaming.CloseAll()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.GetStatus().SetError(err)
		return err
	}

	s.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// setupRoutes sets up all routes
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.POST("/upload", s.handleUpload)
	s.router.GET("/stream", s.handleStream)
	s.router.GET("/snapshot", s.handleSnapshot)
	s.router.POST("/attendance", s.handleAttendance)
	s.router.GET("/uploads/*filepath", s.handleUploadedFile)
	s.router.HEAD("/uploads/*filepath", s.handleUploadedFile)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/frames", s.handleListFrames)
	}

	if s.live != nil {
		s.router.GET("/ws", gin.WrapH(s.live))
	}

	if s.health != nil {
		s.router.GET("/health", gin.WrapF(s.health.HandleHealth))
		s.router.GET("/health/live", gin.WrapF(s.health.HandleLiveness))
		s.router.GET("/health/ready", gin.WrapF(s.health.HandleReadiness))
		s.router.GET("/health/services", gin.WrapF(s.health.HandleServices))
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// recovery turns a handler panic into 500 {error: <message>}
func recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		msg := fmt.Sprint(recovered)
		if err, ok := recovered.(error); ok {
			msg = err.Error()
		}
		log.Error("Global error", "method", c.Request.Method, "path", c.Request.URL.Path, "error", msg)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
	})
}

// errorHandler renders the last error a handler attached with c.Error
func errorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, msg := apperr.Response(err)
		if status >= http.StatusInternalServerError {
			log.Error("Request failed", "path", c.Request.URL.Path, "kind", apperr.KindOf(err).String(), "error", err)
		} else {
			log.Warn("Request rejected", "path", c.Request.URL.Path, "kind", apperr.KindOf(err).String(), "error", err)
		}
		c.JSON(status, gin.H{"error": msg})
	}
}

// corsMiddleware allows any origin, as the relay is consumed from local tools and browsers
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", "X-Requested-With"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	})
}
