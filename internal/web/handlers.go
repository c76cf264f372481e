package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/apperr"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/camera"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/service"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/storage"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/web/streaming"
)

const (
	defaultFrameListLimit = 50
	maxFrameListLimit     = 1000
)

// handleRoot handles the banner endpoint
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "ESP32 Surveillance Server",
	})
}

// handleUpload stores one pushed frame, either a raw image/jpeg body or the
// first file part of a multipart form.
func (s *Server) handleUpload(c *gin.Context) {
	s.limitBody(c)

	var (
		data []byte
		err  error
	)
	switch mediaType(c) {
	case "image/jpeg":
		data, err = io.ReadAll(c.Request.Body)
		if err != nil {
			c.Error(bodyError("upload", err, apperr.Internal))
			return
		}
	case "multipart/form-data":
		data, err = s.readImagePart(c.Request)
		if err != nil {
			c.Error(err)
			return
		}
	default:
		c.Error(apperr.Errorf(apperr.UnsupportedMedia, "upload", "unsupported content type %q", c.ContentType()))
		return
	}

	frame, err := s.frames.Save(data)
	if err != nil {
		c.Error(err)
		return
	}

	s.logger.Info("Frame received", "file", frame.Name, "size", frame.Size, "client_ip", c.ClientIP())
	s.PublishEvent(service.EventTypeFrameIngested, map[string]interface{}{
		"file":  frame.Name,
		"size":  frame.Size,
		"image": data,
	})

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"file":   frame.Name,
	})
}

// readImagePart returns the content of the first file part of a multipart body
func (s *Server) readImagePart(r *http.Request) ([]byte, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, apperr.New(apperr.BadRequest, "upload", err)
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, apperr.Errorf(apperr.UnsupportedMedia, "upload", "no file part in form")
		}
		if err != nil {
			return nil, bodyError("upload", err, apperr.BadRequest)
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		contentType := part.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, "image/") {
			part.Close()
			return nil, apperr.Errorf(apperr.UnsupportedMedia, "upload", "file part has content type %q", contentType)
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, bodyError("upload", err, apperr.BadRequest)
		}
		return data, nil
	}
}

// handleStream relays camera frames as multipart/x-mixed-replace until the client goes away
func (s *Server) handleStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Error(errors.New("streaming not supported"))
		return
	}

	session := s.streaming.Open(c.Request.Context())
	defer session.Close()

	c.Header("Content-Type", streaming.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Pragma", "no-cache")
	c.Header("Connection", "close")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	flusher.Flush()

	for {
		select {
		case frame, ok := <-session.Frames():
			if !ok {
				return
			}
			if err := streaming.WritePart(c.Writer, frame); err != nil {
				s.logger.Debug("Stream write failed", "session", session.ID, "error", err)
				return
			}
			flusher.Flush()
		case <-session.Done():
			return
		}
	}
}

// handleSnapshot relays a single camera capture
func (s *Server) handleSnapshot(c *gin.Context) {
	frame, err := s.camera.Capture(c.Request.Context())
	if err != nil {
		s.logger.Error("Snapshot failed", "camera", s.camera.URL(), "error", err)
		c.String(http.StatusInternalServerError, apperr.CameraUnavailable.Message())
		return
	}

	c.Data(http.StatusOK, "image/jpeg", frame)
}

// handleAttendance echoes an attendance record back to the sender
func (s *Server) handleAttendance(c *gin.Context) {
	s.limitBody(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.Error(bodyError("attendance", err, apperr.TooLarge))
			return
		}
		s.logger.Error("Attendance failed", "error", err)
		c.String(http.StatusInternalServerError, "Attendance failed")
		return
	}

	var record interface{} = map[string]interface{}{}
	switch mediaType(c) {
	case "application/json":
		if len(bytes.TrimSpace(body)) > 0 {
			record, err = decodeJSON(body)
			if err != nil {
				c.Error(apperr.New(apperr.BadRequest, "attendance", err))
				return
			}
		}
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			c.Error(apperr.New(apperr.BadRequest, "attendance", err))
			return
		}
		record = formRecord(values)
	}

	s.logger.Info("Attendance received", "record", record, "client_ip", c.ClientIP())
	s.PublishEvent(service.EventTypeAttendanceReceived, map[string]interface{}{
		"received": record,
	})

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"received": record,
	})
}

// handleUploadedFile serves a saved file from the upload directory
func (s *Server) handleUploadedFile(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("filepath"), "/")

	path, err := s.frames.Path(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}

	c.File(path)
}

// handleStatus handles the relay status endpoint
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	status := gin.H{
		"version":        s.version,
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"timestamp":      time.Now().Format(time.RFC3339),
		"stream":         s.streaming.Stats(),
	}

	cam := gin.H{"capture_url": s.camera.URL()}
	if stats, ok := s.camera.(interface{ Stats() camera.Stats }); ok {
		cam["stats"] = stats.Stats()
	}
	status["camera"] = cam

	if s.live != nil {
		status["live_viewers"] = s.live.ClientCount()
	}

	frameStats, err := s.frames.Stats()
	if err != nil {
		s.logger.Warn("Failed to read frame stats", "error", err)
		status["storage"] = gin.H{"dir": s.frames.Dir(), "error": err.Error()}
	} else {
		status["storage"] = gin.H{"dir": s.frames.Dir(), "frames": frameStats}
	}

	if s.services != nil {
		services := make(map[string]interface{})
		for name, st := range s.services.GetAllStatuses() {
			services[name] = st.Snapshot()
		}
		status["services"] = services
	}

	c.JSON(http.StatusOK, status)
}

// handleListFrames lists saved frames newest first
func (s *Server) handleListFrames(c *gin.Context) {
	limit := defaultFrameListLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			c.Error(apperr.Errorf(apperr.BadRequest, "frames", "limit must be a positive integer"))
			return
		}
		limit = n
	}
	if limit > maxFrameListLimit {
		limit = maxFrameListLimit
	}

	frames, err := s.frames.List(limit)
	if err != nil {
		c.Error(err)
		return
	}

	items := make([]gin.H, 0, len(frames))
	for _, f := range frames {
		items = append(items, frameToJSON(f))
	}

	c.JSON(http.StatusOK, gin.H{
		"frames": items,
		"count":  len(items),
	})
}

func frameToJSON(f storage.Frame) gin.H {
	return gin.H{
		"name":        f.Name,
		"size":        f.Size,
		"captured_at": f.CapturedAt.Format(time.RFC3339Nano),
		"url":         "/uploads/" + f.Name,
	}
}

// limitBody caps the request body at the configured size
func (s *Server) limitBody(c *gin.Context) {
	if s.config.BodyLimitBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.BodyLimitBytes)
	}
}

func mediaType(c *gin.Context) string {
	mt, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

// bodyError tags a body read error, mapping an exceeded size limit to TooLarge
func bodyError(op string, err error, fallback apperr.Kind) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.New(apperr.TooLarge, op, err)
	}
	return apperr.New(fallback, op, err)
}

// decodeJSON parses exactly one JSON value, keeping numbers as written
func decodeJSON(body []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

// formRecord flattens single-valued form fields to strings
func formRecord(values url.Values) map[string]interface{} {
	record := make(map[string]interface{}, len(values))
	for key, vals := range values {
		if len(vals) == 1 {
			record[key] = vals[0]
		} else {
			record[key] = vals
		}
	}
	return record
}
