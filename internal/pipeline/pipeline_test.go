package pipeline

import (
	"bytes"
	"errors"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/linesight/inspectd/internal/camera"
	"github.com/linesight/inspectd/internal/catalog"
	"github.com/linesight/inspectd/internal/config"
	"github.com/linesight/inspectd/internal/fsutil"
	"github.com/linesight/inspectd/internal/store"
	"github.com/linesight/inspectd/internal/testutil"
	"github.com/linesight/inspectd/internal/timeutil"
	"github.com/linesight/inspectd/internal/vision"
)

type fixture struct {
	pipe    *Pipeline
	session *camera.Session
	dev     *camera.TestableDevice
	fs      *fsutil.MemoryFileSystem
	clock   *timeutil.MockClock
	db      *store.DB
}

func newFixture(t *testing.T, detector vision.Detector) *fixture {
	t.Helper()

	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 8, 25, 14, 30, 0, 0, time.Local))
	db, err := store.NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dev := camera.NewTestableDevice()
	dev.SensorW, dev.SensorH = 64, 48
	enum := &camera.StubEnumerator{
		Infos: []camera.DeviceInfo{dev.DeviceInfo},
		Devs:  map[int]camera.Device{0: dev},
	}
	cfg := &config.Camera{Resolution: "64x48", FPS: 5, ExposureTime: 10000, ROI: config.ROI{Width: 64, Height: 48}}
	session, err := camera.Open(enum, 0, camera.SoftwareTriggered, cfg, clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	cat := catalog.New(fs, "captures", clock)
	return &fixture{
		pipe:    New(cat, detector, db, clock),
		session: session,
		dev:     dev,
		fs:      fs,
		clock:   clock,
		db:      db,
	}
}

func (f *fixture) queueFrame(c color.RGBA) {
	f.dev.Results = append(f.dev.Results, camera.RawFromImage(testutil.SolidImage(64, 48, c)))
}

func TestCaptureStoresDecodablePNG(t *testing.T) {
	f := newFixture(t, nil)
	f.queueFrame(color.RGBA{30, 60, 90, 255})

	res, err := f.pipe.Capture(f.session, 0)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	want := catalog.CaptureName(f.clock.Now())
	if res.Filename != want {
		t.Errorf("Filename = %q, want %q", res.Filename, want)
	}
	if res.Width != 64 || res.Height != 48 {
		t.Errorf("size = %dx%d, want 64x48", res.Width, res.Height)
	}

	data, err := f.fs.ReadFile("captures/" + res.Filename)
	if err != nil {
		t.Fatalf("stored capture missing: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("stored capture not decodable: %v", err)
	}
	if img.Bounds().Dx() != 64 {
		t.Errorf("decoded width = %d, want 64", img.Bounds().Dx())
	}

	rows, err := f.db.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 || rows[0].Filename != res.Filename || rows[0].SessionID != f.session.ID {
		t.Errorf("inspection log rows = %+v", rows)
	}
}

func TestCaptureTimeoutWritesNothing(t *testing.T) {
	f := newFixture(t, nil) // no queued frames: retrieve times out

	_, err := f.pipe.Capture(f.session, 10*time.Millisecond)
	if !errors.Is(err, camera.ErrCaptureTimeout) {
		t.Fatalf("err = %v, want ErrCaptureTimeout", err)
	}
	entries, err := f.pipe.catalog.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("catalog has %d entries after failed capture", len(entries))
	}
}

func TestCaptureAndInfer(t *testing.T) {
	det := &vision.StubDetector{Detections: []vision.Detection{
		{X1: 10, Y1: 10, X2: 30, Y2: 30, Confidence: 0.92, ClassName: vision.NGClassName},
	}}
	f := newFixture(t, det)
	f.queueFrame(color.RGBA{0, 0, 0, 255})

	res, err := f.pipe.CaptureAndInfer(f.session, 0)
	if err != nil {
		t.Fatalf("CaptureAndInfer: %v", err)
	}
	if res.Inference == nil {
		t.Fatal("no inference result")
	}
	if !res.Inference.HasNG || res.Inference.NumDetections != 1 {
		t.Errorf("inference = %+v, want one NG detection", res.Inference)
	}
	if want := catalog.DetectionName(res.Capture.Filename); res.Inference.DetectionFilename != want {
		t.Errorf("DetectionFilename = %q, want %q", res.Inference.DetectionFilename, want)
	}
	if !f.fs.Exists("captures/" + res.Inference.DetectionFilename) {
		t.Error("annotated image not stored")
	}

	rows, err := f.db.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d log rows, want 1", len(rows))
	}
	if !rows[0].HasNG || rows[0].NumDetections != 1 || rows[0].MaxConfidence != 0.92 {
		t.Errorf("log row = %+v", rows[0])
	}
}

func TestCaptureAndInferWithoutDetector(t *testing.T) {
	f := newFixture(t, nil)
	f.queueFrame(color.RGBA{1, 2, 3, 255})

	res, err := f.pipe.CaptureAndInfer(f.session, 0)
	if !IsUnavailable(err) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	// The capture itself still succeeded and is on disk.
	if res == nil || res.Capture == nil {
		t.Fatal("capture result missing")
	}
	if !f.fs.Exists("captures/" + res.Capture.Filename) {
		t.Error("capture not stored")
	}
	if res.Inference != nil {
		t.Error("unexpected inference result")
	}
}

func TestCaptureAndInferDetectorFailure(t *testing.T) {
	det := &vision.StubDetector{Err: vision.ErrInference}
	f := newFixture(t, det)
	f.queueFrame(color.RGBA{1, 2, 3, 255})

	res, err := f.pipe.CaptureAndInfer(f.session, 0)
	if !errors.Is(err, vision.ErrInference) {
		t.Fatalf("err = %v, want ErrInference", err)
	}
	if res == nil || res.Capture == nil {
		t.Fatal("capture result missing after inference failure")
	}

	// The capture-only attempt is still logged.
	rows, err := f.db.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 || rows[0].HasNG {
		t.Errorf("log rows = %+v", rows)
	}
}

func TestInferStored(t *testing.T) {
	det := &vision.StubDetector{Detections: []vision.Detection{
		{X1: 5, Y1: 5, X2: 20, Y2: 20, Confidence: 0.7, ClassName: vision.NGClassName},
	}}
	f := newFixture(t, det)

	name := catalog.CaptureName(f.clock.Now())
	var buf bytes.Buffer
	if err := png.Encode(&buf, testutil.SolidImage(64, 48, color.RGBA{0, 0, 0, 255})); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := f.pipe.catalog.Write(name, buf.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	res, err := f.pipe.InferStored("manual", name)
	if err != nil {
		t.Fatalf("InferStored: %v", err)
	}
	if !res.HasNG {
		t.Error("HasNG = false")
	}
	if !f.fs.Exists("captures/" + catalog.DetectionName(name)) {
		t.Error("annotated image not stored")
	}
}

func TestInferStoredMissingCapture(t *testing.T) {
	f := newFixture(t, &vision.StubDetector{})
	if _, err := f.pipe.InferStored("manual", catalog.CaptureName(f.clock.Now())); err == nil {
		t.Error("InferStored on missing file succeeded")
	}
}
