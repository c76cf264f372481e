// Command camsim imitates an ESP32-CAM: it answers GET /capture with a
// generated JPEG and can push frames to a relay's /upload endpoint.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
)

func main() {
	var (
		addr      string
		pushURL   string
		interval  time.Duration
		width     int
		height    int
		failEvery int
		logLevel  string
	)
	flag.StringVar(&addr, "addr", ":8081", "Listen address for the capture endpoint")
	flag.StringVar(&pushURL, "push", "", "Relay upload URL to push frames to, e.g. http://localhost:5000/upload")
	flag.DurationVar(&interval, "interval", time.Second, "Push interval")
	flag.IntVar(&width, "width", 320, "Frame width")
	flag.IntVar(&height, "height", 240, "Frame height")
	flag.IntVar(&failEvery, "fail-every", 0, "Answer every Nth capture with 503 (0 disables)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level")
	flag.Parse()

	log, err := logger.New(logger.LogConfig{Level: logLevel, Format: "text", Output: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cam := newSimCamera(width, height, failEvery)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/capture", cam.handleCapture)

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Capture server error", "error", err)
			cancel()
		}
	}()
	log.Info("Camera simulator started", "address", addr, "width", width, "height", height)

	if pushURL != "" {
		go pushLoop(ctx, cam, pushURL, interval, log)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error stopping capture server", "error", err)
	}
	log.Info("Camera simulator stopped", "captures", cam.captures.Load())
}

type simCamera struct {
	width     int
	height    int
	failEvery int64
	captures  atomic.Int64
}

func newSimCamera(width, height, failEvery int) *simCamera {
	return &simCamera{width: width, height: height, failEvery: int64(failEvery)}
}

func (c *simCamera) handleCapture(ctx *gin.Context) {
	n := c.captures.Add(1)
	if c.failEvery > 0 && n%c.failEvery == 0 {
		ctx.String(http.StatusServiceUnavailable, "sensor busy")
		return
	}

	frame, err := renderFrame(c.width, c.height, n)
	if err != nil {
		ctx.String(http.StatusInternalServerError, err.Error())
		return
	}
	ctx.Data(http.StatusOK, "image/jpeg", frame)
}

func pushLoop(ctx context.Context, cam *simCamera, url string, interval time.Duration, log *logger.Logger) {
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			frame, err := renderFrame(cam.width, cam.height, seq)
			if err != nil {
				log.Error("Failed to render frame", "error", err)
				continue
			}
			if err := push(ctx, client, url, frame); err != nil {
				log.Warn("Push failed", "url", url, "error", err)
				continue
			}
			log.Debug("Frame pushed", "seq", seq, "size", len(frame))
		}
	}
}

func push(ctx context.Context, client *http.Client, url string, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %s", resp.Status)
	}
	return nil
}
