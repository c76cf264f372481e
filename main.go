package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

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

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath, envFile string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.StringVar(&envFile, "env-file", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := config.LoadEnvFiles(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfgSvc, err := config.NewService(configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgSvc.Get()

	// Initialize logger
	log, err := logger.New(logger.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	cfgSvc.SetLogger(log)

	log.Info("Starting ESP32 surveillance relay",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"config", cfgSvc.Path(),
	)

	if err := run(cfgSvc, log); err != nil {
		log.Error("Relay stopped with error", "error", err)
		log.Sync()
		os.Exit(1)
	}

	log.Info("Shutdown complete")
}

func run(cfgSvc *config.Service, log *logger.Logger) error {
	cfg := cfgSvc.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames, err := storage.NewFrameStore(cfg.Storage.UploadDir, log)
	if err != nil {
		return err
	}

	cam := camera.NewClient(camera.ClientConfig{
		CaptureURL: cfg.Camera.CaptureURL,
		Timeout:    cfg.Camera.Timeout,
	}, log)

	disk := storage.NewDiskMonitor(cfg.Storage.UploadDir, cfg.Storage.Retention.MaxDiskUsagePercent, log)
	retention := storage.NewRetentionService(
		storage.NewRetentionPolicy(frames, disk, retentionLimits(cfg.Storage.Retention), log),
		cfg.Storage.Retention.Interval,
		log,
	)

	stream := streaming.NewService(cam, streaming.Config{
		Mode:     cfg.Stream.Mode,
		Interval: cfg.Stream.Interval,
		Buffer:   cfg.Stream.Buffer,
	}, log)

	// Create service manager
	svcMgr := service.NewManager(log)

	// Create health check manager
	healthMgr := health.NewManager(log, svcMgr)
	healthMgr.RegisterChecker(&health.SystemChecker{})
	healthMgr.RegisterChecker(health.NewCameraChecker(cam, cam.URL()))
	healthMgr.RegisterChecker(health.NewStorageChecker(cfg.Storage.UploadDir, disk))

	var hub *live.Hub
	if cfg.Live.Enabled {
		hub = live.NewHub(live.Config{IncludeImage: cfg.Live.IncludeImage}, log)
	}

	server, err := web.NewServer(cfg.Server, web.Dependencies{
		Frames:    frames,
		Camera:    cam,
		Streaming: stream,
		Live:      hub,
		Health:    healthMgr,
		Services:  svcMgr,
	}, log)
	if err != nil {
		return err
	}
	server.SetVersion(version)

	cfgSvc.Watch(func(ctx context.Context, oldConfig, newConfig *config.Config) error {
		if newConfig.Storage.Retention != oldConfig.Storage.Retention {
			retention.Policy().SetLimits(retentionLimits(newConfig.Storage.Retention))
			log.Info("Retention limits updated",
				"max_age", newConfig.Storage.Retention.MaxAge,
				"max_files", newConfig.Storage.Retention.MaxFiles,
				"max_disk_usage_percent", newConfig.Storage.Retention.MaxDiskUsagePercent,
			)
		}
		if hub != nil && newConfig.Live.IncludeImage != oldConfig.Live.IncludeImage {
			hub.SetIncludeImage(newConfig.Live.IncludeImage)
		}
		if newConfig.Server != oldConfig.Server || newConfig.Camera != oldConfig.Camera || newConfig.Stream != oldConfig.Stream {
			log.Warn("Server, camera and stream settings take effect after a restart")
		}
		return nil
	})

	// Services stop in reverse order, so the web server goes first
	svcMgr.Register(cfgSvc)
	svcMgr.Register(retention)
	svcMgr.Register(stream)
	if hub != nil {
		svcMgr.Register(hub)
	}
	svcMgr.Register(server)

	if err := svcMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}

	log.Info("Relay listening",
		"address", server.Addr(),
		"camera", cam.URL(),
		"upload_dir", frames.Dir(),
		"stream_mode", stream.Mode(),
	)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	return svcMgr.Shutdown(shutdownCtx)
}

func retentionLimits(cfg config.RetentionConfig) storage.RetentionLimits {
	return storage.RetentionLimits{
		MaxAge:              cfg.MaxAge,
		MaxFiles:            cfg.MaxFiles,
		MaxDiskUsagePercent: cfg.MaxDiskUsagePercent,
	}
}
