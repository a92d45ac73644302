// Package api exposes the inspection station over HTTP: camera lifecycle,
// capture and inference triggers, the capture catalogue, and a live MJPEG
// preview.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/linesight/inspectd/internal/camera"
	"github.com/linesight/inspectd/internal/catalog"
	"github.com/linesight/inspectd/internal/config"
	"github.com/linesight/inspectd/internal/fsutil"
	"github.com/linesight/inspectd/internal/httputil"
	"github.com/linesight/inspectd/internal/pipeline"
	"github.com/linesight/inspectd/internal/store"
	"github.com/linesight/inspectd/internal/timeutil"
	"github.com/linesight/inspectd/internal/version"
	"github.com/linesight/inspectd/internal/vision"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// streamFrameInterval paces the MJPEG preview.
const streamFrameInterval = 100 * time.Millisecond

// Server serves the inspection API. It owns the camera session lifecycle:
// at most one session is open at a time, replaced by re-initialization.
type Server struct {
	enum    camera.Enumerator
	pipe    *pipeline.Pipeline
	catalog *catalog.Catalog
	db      *store.DB
	cfgFS   fsutil.FileSystem
	cfgPath string
	clock   timeutil.Clock
	static  fs.FS

	mu      sync.Mutex
	session *camera.Session
	cfg     *config.Camera
}

// NewServer creates the API server. db and static may be nil.
func NewServer(enum camera.Enumerator, pipe *pipeline.Pipeline, cat *catalog.Catalog, db *store.DB,
	cfgFS fsutil.FileSystem, cfgPath string, cfg *config.Camera, clock timeutil.Clock, static fs.FS) *Server {
	return &Server{
		enum:    enum,
		pipe:    pipe,
		catalog: cat,
		db:      db,
		cfgFS:   cfgFS,
		cfgPath: cfgPath,
		clock:   clock,
		static:  static,
		cfg:     cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cameras", s.listCameras)
	mux.HandleFunc("/api/initialize", s.initialize)
	mux.HandleFunc("/api/capture", s.capture)
	mux.HandleFunc("/api/capture_and_inference", s.captureAndInference)
	mux.HandleFunc("/api/inference", s.inference)
	mux.HandleFunc("/api/image/", s.serveImage)
	mux.HandleFunc("/api/download/", s.downloadImage)
	mux.HandleFunc("/api/parameters", s.parameters)
	mux.HandleFunc("/api/info", s.info)
	mux.HandleFunc("/api/search_files", s.searchFiles)
	mux.HandleFunc("/api/cleanup_files", s.cleanupFiles)
	mux.HandleFunc("/api/stream", s.stream)
	mux.HandleFunc("/api/stats", s.stats)
	if s.static != nil {
		mux.Handle("/", http.FileServer(http.FS(s.static)))
	}
	return mux
}

// OpenSession opens the camera at index in the given trigger mode and
// installs it as the server's session, replacing any previous one.
// Continuous-mode sessions start streaming immediately.
func (s *Server) OpenSession(index int, mode camera.TriggerMode) (*camera.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		if err := s.session.Close(); err != nil {
			log.Printf("api: closing previous session: %v", err)
		}
		s.session = nil
	}

	sess, err := camera.Open(s.enum, index, mode, s.cfg, s.clock)
	if err != nil {
		return nil, err
	}
	if mode == camera.Continuous {
		if err := sess.StartStreaming(); err != nil {
			sess.Close()
			return nil, err
		}
	}
	s.session = sess
	return sess, nil
}

// Session returns the open camera session, or nil.
func (s *Server) Session() *camera.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Close shuts down the open camera session, if any.
func (s *Server) Close() error {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// writeCameraError maps acquisition and inference errors onto HTTP statuses.
func writeCameraError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, camera.ErrDeviceNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, camera.ErrWrongTriggerMode), errors.Is(err, camera.ErrSessionClosed):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, camera.ErrCaptureTimeout):
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, vision.ErrUnavailable):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// decodeBody decodes an optional JSON request body into dst. An empty body
// leaves dst untouched.
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	devices, err := s.enum.Devices()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("enumeration failed: %v", err))
		return
	}
	if devices == nil {
		devices = []camera.DeviceInfo{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"cameras": devices})
}

type initializeRequest struct {
	CameraIndex int    `json:"camera_index"`
	TriggerMode string `json:"trigger_mode"`
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	req := initializeRequest{TriggerMode: "software"}
	if err := decodeBody(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	mode, err := camera.ParseTriggerMode(req.TriggerMode)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	sess, err := s.OpenSession(req.CameraIndex, mode)
	if err != nil {
		writeCameraError(w, err)
		return
	}

	httputil.WriteJSONOK(w, map[string]interface{}{
		"session_id":   sess.ID,
		"camera":       sess.Info(),
		"trigger_mode": mode.String(),
		"streaming":    sess.IsStreaming(),
	})
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	sess := s.Session()
	if sess == nil {
		httputil.BadRequest(w, "no camera session; call /api/initialize first")
		return
	}

	res, err := s.pipe.Capture(sess, camera.DefaultTriggerTimeout)
	if err != nil {
		writeCameraError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) captureAndInference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	sess := s.Session()
	if sess == nil {
		httputil.BadRequest(w, "no camera session; call /api/initialize first")
		return
	}

	res, err := s.pipe.CaptureAndInfer(sess, camera.DefaultTriggerTimeout)
	if err != nil {
		writeCameraError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

type inferenceRequest struct {
	Filename string `json:"filename"`
}

func (s *Server) inference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req inferenceRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Filename == "" {
		// Default to the newest stored capture.
		pair, ok, err := s.catalog.Latest()
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if !ok {
			httputil.BadRequest(w, "no filename given and no captures stored")
			return
		}
		req.Filename = pair.Capture.Name
	}
	if !catalog.ValidName(req.Filename) {
		httputil.BadRequest(w, fmt.Sprintf("invalid capture filename %q", req.Filename))
		return
	}

	sessionID := "manual"
	if sess := s.Session(); sess != nil {
		sessionID = sess.ID
	}
	res, err := s.pipe.InferStored(sessionID, req.Filename)
	if err != nil {
		writeCameraError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

// imageName extracts and validates the filename from an image route path.
func imageName(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	name := strings.TrimPrefix(r.URL.Path, prefix)
	if !catalog.ValidName(name) {
		httputil.BadRequest(w, fmt.Sprintf("invalid capture filename %q", name))
		return "", false
	}
	return name, true
}

func (s *Server) serveImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	name, ok := imageName(w, r, "/api/image/")
	if !ok {
		return
	}
	data, err := s.catalog.Read(name)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("capture %q not found", name))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func (s *Server) downloadImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	name, ok := imageName(w, r, "/api/download/")
	if !ok {
		return
	}
	data, err := s.catalog.Read(name)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("capture %q not found", name))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(data)
}

func (s *Server) parameters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		cfg := *s.cfg
		s.mu.Unlock()
		httputil.WriteJSONOK(w, cfg)

	case http.MethodPost:
		var upd config.Update
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		// Work on a copy so a failed apply, configure or save leaves the
		// in-memory config matching what is on disk.
		next := *s.cfg
		if err := next.Apply(&upd); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if s.session != nil {
			if err := s.session.Configure(&next); err != nil {
				writeCameraError(w, err)
				return
			}
		}
		if err := config.Save(s.cfgFS, s.cfgPath, &next); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		*s.cfg = next
		httputil.WriteJSONOK(w, next)

	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	out := map[string]interface{}{
		"version":     version.Version,
		"git_sha":     version.GitSHA,
		"build_time":  version.BuildTime,
		"inference":   s.pipe.HasDetector(),
		"capture_dir": s.catalog.Dir(),
	}
	if sess := s.Session(); sess != nil {
		out["session"] = map[string]interface{}{
			"id":           sess.ID,
			"camera":       sess.Info(),
			"trigger_mode": sess.Mode().String(),
			"streaming":    sess.IsStreaming(),
		}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) searchFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	query := r.URL.Query().Get("q")
	pairs, err := s.catalog.Pairs()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	matched := make([]catalog.Pair, 0, len(pairs))
	for _, p := range pairs {
		if query == "" || strings.Contains(p.Capture.Name, query) {
			matched = append(matched, p)
		}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"captures": matched, "count": len(matched)})
}

type cleanupRequest struct {
	MaxAgeHours float64 `json:"max_age_hours"`
}

func (s *Server) cleanupFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req cleanupRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	maxAge := catalog.DefaultRetention
	if req.MaxAgeHours > 0 {
		maxAge = time.Duration(req.MaxAgeHours * float64(time.Hour))
	}

	removed, err := s.catalog.Sweep(maxAge)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"removed": removed})
}

// stream serves an MJPEG preview of the frame buffer. It requires an open
// continuous session and runs until the client disconnects.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	sess := s.Session()
	if sess == nil {
		httputil.BadRequest(w, "no camera session; call /api/initialize first")
		return
	}
	if !sess.IsStreaming() {
		httputil.Conflict(w, "session is not streaming; initialize in continuous mode")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	const boundary = "inspectdframe"
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.WriteHeader(http.StatusOK)

	ticker := s.clock.NewTicker(streamFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C():
		}

		frame, ok := sess.CurrentFrame()
		if !ok {
			continue
		}
		fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", boundary)
		if err := jpeg.Encode(w, frame.Img, &jpeg.Options{Quality: 80}); err != nil {
			return
		}
		fmt.Fprint(w, "\r\n")
		flusher.Flush()
	}
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "inspection log not configured")
		return
	}
	st, err := s.db.Stats()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, st)
}
