package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/linesight/inspectd/internal/api"
	"github.com/linesight/inspectd/internal/camera"
	"github.com/linesight/inspectd/internal/catalog"
	"github.com/linesight/inspectd/internal/config"
	"github.com/linesight/inspectd/internal/fsutil"
	"github.com/linesight/inspectd/internal/pipeline"
	"github.com/linesight/inspectd/internal/store"
	"github.com/linesight/inspectd/internal/timeutil"
	"github.com/linesight/inspectd/internal/triggermux"
	"github.com/linesight/inspectd/internal/vision"
)

var (
	//go:embed static/*
	staticFiles embed.FS

	devMode     = flag.Bool("dev", false, "Run against the simulated camera instead of real hardware")
	listen      = flag.String("listen", ":8080", "Listen address")
	captureDir  = flag.String("captures", "captures", "Directory for stored captures")
	configPath  = flag.String("config", config.DefaultConfigPath, "Camera configuration file")
	dbFile      = flag.String("db", "inspections.db", "Inspection log database file (empty disables logging)")
	modelPath   = flag.String("model", "", "YOLO .onnx model file (empty disables inference)")
	ortLib      = flag.String("onnxruntime", "", "Override path to the onnxruntime shared library")
	camIndex    = flag.Int("camera", -1, "Open this camera at startup (-1 waits for /api/initialize)")
	trigMode    = flag.String("trigger-mode", "software", "Trigger mode for the startup session (software or continuous)")
	triggerPort = flag.String("trigger-port", "", "Serial device for the PLC trigger line (empty disables)")
	triggerBaud = flag.Int("trigger-baud", 9600, "Baud rate for the PLC trigger line")
	retention   = flag.Duration("retention", catalog.DefaultRetention, "How long captures are kept before cleanup")
)

// plcHandler adapts the shared inspection pipeline to the PLC trigger
// protocol. It uses whatever camera session the HTTP API has open.
type plcHandler struct {
	srv  *api.Server
	pipe *pipeline.Pipeline
}

func (h *plcHandler) Capture() (string, error) {
	sess := h.srv.Session()
	if sess == nil {
		return "", fmt.Errorf("no camera session open")
	}
	res, err := h.pipe.Capture(sess, camera.DefaultTriggerTimeout)
	if err != nil {
		return "", err
	}
	return res.Filename, nil
}

func (h *plcHandler) CaptureAndInfer() (string, bool, error) {
	sess := h.srv.Session()
	if sess == nil {
		return "", false, fmt.Errorf("no camera session open")
	}
	res, err := h.pipe.CaptureAndInfer(sess, camera.DefaultTriggerTimeout)
	if err != nil {
		return "", false, err
	}
	return res.Capture.Filename, res.Inference.HasNG, nil
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	clock := timeutil.RealClock{}
	osfs := fsutil.OSFileSystem{}

	var enum camera.Enumerator
	if *devMode {
		enum = camera.NewSimulatedEnumerator(1280, 960)
	} else {
		var err error
		enum, err = camera.NewWebcamEnumerator()
		if err != nil {
			log.Fatalf("failed to initialize camera backend: %v", err)
		}
	}

	cfg, err := config.Load(osfs, *configPath)
	if err != nil {
		log.Fatalf("failed to load camera configuration: %v", err)
	}

	var db *store.DB
	if *dbFile != "" {
		db, err = store.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("failed to open inspection database: %v", err)
		}
		defer db.Close()
	}

	var detector vision.Detector
	if *modelPath != "" {
		det, err := vision.NewONNXDetector(vision.ONNXConfig{
			ModelPath:   *modelPath,
			LibraryPath: *ortLib,
		})
		if err != nil {
			log.Fatalf("failed to load detection model: %v", err)
		}
		defer det.Close()
		detector = det
		log.Printf("loaded detection model %s", *modelPath)
	} else {
		log.Print("no model configured; inference endpoints disabled")
	}

	cat := catalog.New(osfs, *captureDir, clock)
	if err := cat.EnsureDir(); err != nil {
		log.Fatalf("failed to create capture directory: %v", err)
	}

	pipe := pipeline.New(cat, detector, db, clock)

	// read static files from the embedded filesystem in production or from
	// the local ./static in dev for easier iteration without restarting the
	// server
	var static fs.FS
	if *devMode {
		static = os.DirFS("static")
	} else {
		static, err = fs.Sub(staticFiles, "static")
		if err != nil {
			log.Fatalf("failed to mount static files: %v", err)
		}
	}

	srv := api.NewServer(enum, pipe, cat, db, osfs, *configPath, cfg, clock, static)
	defer srv.Close()

	// Open a session up front when a camera index was given, so the PLC
	// trigger line works without an initialize call.
	if *camIndex >= 0 {
		mode, err := camera.ParseTriggerMode(*trigMode)
		if err != nil {
			log.Fatalf("invalid trigger mode: %v", err)
		}
		sess, err := srv.OpenSession(*camIndex, mode)
		if err != nil {
			log.Fatalf("failed to open camera %d: %v", *camIndex, err)
		}
		log.Printf("opened camera %d (%s) in %s mode", *camIndex, sess.Info().ModelName, mode)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// retention sweeper for old captures
	wg.Add(1)
	go func() {
		defer wg.Done()
		catalog.NewSweeper(cat, clock, catalog.SweepInterval, *retention).Run(ctx)
		log.Print("sweeper routine terminated")
	}()

	// PLC trigger line, when configured
	if *triggerPort != "" {
		mux, err := triggermux.NewReal(*triggerPort, *triggerBaud, &plcHandler{srv: srv, pipe: pipe})
		if err != nil {
			log.Fatalf("failed to open trigger port %s: %v", *triggerPort, err)
		}
		defer mux.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mux.Monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("failed to monitor trigger port: %v", err)
			}
			log.Print("trigger routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(srv.ServeMux()),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
