package camera

import (
	"errors"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linesight/inspectd/internal/config"
	"github.com/linesight/inspectd/internal/testutil"
	"github.com/linesight/inspectd/internal/timeutil"
)

func testEnumerator(dev *TestableDevice) *StubEnumerator {
	return &StubEnumerator{
		Infos: []DeviceInfo{dev.DeviceInfo},
		Devs:  map[int]Device{0: dev},
	}
}

func testCameraConfig() *config.Camera {
	return &config.Camera{
		Resolution:   "640x480",
		FPS:          10,
		ExposureTime: 15000,
		Gain:         2,
		ROI:          config.ROI{X: 0, Y: 0, Width: 640, Height: 480},
	}
}

func openTestSession(t *testing.T, dev *TestableDevice, mode TriggerMode) *Session {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	s, err := Open(testEnumerator(dev), 0, mode, testCameraConfig(), clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIndexOutOfRange(t *testing.T) {
	enum := testEnumerator(NewTestableDevice())
	clock := timeutil.NewMockClock(time.Time{})

	for _, idx := range []int{-1, 1, 99} {
		_, err := Open(enum, idx, SoftwareTriggered, testCameraConfig(), clock)
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("Open(index=%d) err = %v, want ErrDeviceNotFound", idx, err)
		}
	}
}

func TestOpenEnumerationFailure(t *testing.T) {
	enum := &StubEnumerator{ListErr: errors.New("usb bus fault")}
	_, err := Open(enum, 0, SoftwareTriggered, testCameraConfig(), timeutil.NewMockClock(time.Time{}))
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestOpenDeviceFailure(t *testing.T) {
	dev := NewTestableDevice()
	dev.OpenErr = errors.New("device busy")
	_, err := Open(testEnumerator(dev), 0, SoftwareTriggered, testCameraConfig(), timeutil.NewMockClock(time.Time{}))
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestOpenAppliesConfig(t *testing.T) {
	dev := NewTestableDevice()
	s := openTestSession(t, dev, Continuous)

	exposure, gain, fps, roi, roiSet := dev.Applied()
	if exposure != 15000 {
		t.Errorf("exposure = %v, want 15000", exposure)
	}
	if gain != 2 {
		t.Errorf("gain = %v, want 2", gain)
	}
	if fps != 10 {
		t.Errorf("frame rate = %v, want 10", fps)
	}
	if !roiSet || roi != (config.ROI{X: 0, Y: 0, Width: 640, Height: 480}) {
		t.Errorf("roi = %+v (set=%v), want full sensor", roi, roiSet)
	}
	if got := dev.TriggerModeSet(); got != Continuous {
		t.Errorf("trigger mode = %v, want Continuous", got)
	}
	if s.ID == "" {
		t.Error("session ID is empty")
	}
}

func TestOpenSkipsUnsupportedParameters(t *testing.T) {
	dev := NewTestableDevice()
	dev.Caps = CapExposure // no gain, roi, frame rate

	s, err := Open(testEnumerator(dev), 0, Continuous, testCameraConfig(), timeutil.NewMockClock(time.Time{}))
	if err != nil {
		t.Fatalf("Open with limited capabilities: %v", err)
	}
	defer s.Close()

	exposure, gain, fps, _, roiSet := dev.Applied()
	if exposure != 15000 {
		t.Errorf("exposure = %v, want 15000", exposure)
	}
	if gain != 0 || fps != 0 || roiSet {
		t.Errorf("unsupported parameters were applied: gain=%v fps=%v roiSet=%v", gain, fps, roiSet)
	}
}

func TestFrameRateNotAppliedInTriggeredMode(t *testing.T) {
	dev := NewTestableDevice()
	openTestSession(t, dev, SoftwareTriggered)

	_, _, fps, _, _ := dev.Applied()
	if fps != 0 {
		t.Errorf("frame rate = %v applied in software trigger mode", fps)
	}
}

func TestTriggerCapture(t *testing.T) {
	dev := NewTestableDevice()
	dev.Results = []*RawResult{RawFromImage(testutil.SolidImage(8, 6, color.RGBA{9, 8, 7, 255}))}
	s := openTestSession(t, dev, SoftwareTriggered)

	frame, err := s.TriggerCapture(0)
	if err != nil {
		t.Fatalf("TriggerCapture: %v", err)
	}
	if frame.Width() != 8 || frame.Height() != 6 {
		t.Errorf("frame size = %dx%d, want 8x6", frame.Width(), frame.Height())
	}
	if got := frame.Img.RGBAAt(0, 0); got != (color.RGBA{9, 8, 7, 255}) {
		t.Errorf("pixel = %v, want {9 8 7 255}", got)
	}

	if got := dev.StartCalls(); len(got) != 1 || got[0] != GrabOneByOne {
		t.Errorf("StartGrabbing calls = %v, want [GrabOneByOne]", got)
	}
	if dev.TriggerCalls() != 1 {
		t.Errorf("trigger calls = %d, want 1", dev.TriggerCalls())
	}
	if dev.IsGrabbing() {
		t.Error("device still grabbing after capture")
	}

	// The capture also lands in the frame buffer.
	if cur, ok := s.CurrentFrame(); !ok || cur.Width() != 8 {
		t.Error("capture not recorded as current frame")
	}
}

func TestTriggerCaptureTimeoutStopsGrabbing(t *testing.T) {
	dev := NewTestableDevice() // no results, no factory: retrieve times out
	s := openTestSession(t, dev, SoftwareTriggered)

	_, err := s.TriggerCapture(50 * time.Millisecond)
	if !errors.Is(err, ErrCaptureTimeout) {
		t.Fatalf("err = %v, want ErrCaptureTimeout", err)
	}
	if dev.IsGrabbing() {
		t.Error("device left grabbing after timeout")
	}

	// Session remains usable after a timeout.
	dev.Results = []*RawResult{RawFromImage(testutil.SolidImage(2, 2, color.RGBA{1, 1, 1, 255}))}
	if _, err := s.TriggerCapture(0); err != nil {
		t.Errorf("capture after timeout: %v", err)
	}
}

func TestTriggerCaptureFailureStopsGrabbing(t *testing.T) {
	dev := NewTestableDevice()
	dev.TriggerErr = errors.New("camera link down")
	s := openTestSession(t, dev, SoftwareTriggered)

	_, err := s.TriggerCapture(0)
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("err = %v, want ErrCaptureFailed", err)
	}
	if dev.IsGrabbing() {
		t.Error("device left grabbing after trigger failure")
	}
}

func TestTriggerCaptureWrongMode(t *testing.T) {
	s := openTestSession(t, NewTestableDevice(), Continuous)
	if _, err := s.TriggerCapture(0); !errors.Is(err, ErrWrongTriggerMode) {
		t.Errorf("err = %v, want ErrWrongTriggerMode", err)
	}
}

func TestStreamingWrongMode(t *testing.T) {
	s := openTestSession(t, NewTestableDevice(), SoftwareTriggered)
	if err := s.StartStreaming(); !errors.Is(err, ErrWrongTriggerMode) {
		t.Errorf("err = %v, want ErrWrongTriggerMode", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamingFillsBuffer(t *testing.T) {
	dev := NewTestableDevice()
	dev.FrameFactory = func() *RawResult {
		return RawFromImage(testutil.SolidImage(4, 4, color.RGBA{5, 5, 5, 255}))
	}
	s := openTestSession(t, dev, Continuous)

	if err := s.StartStreaming(); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	if !s.IsStreaming() {
		t.Error("IsStreaming() = false while streaming")
	}
	// Starting again is a no-op.
	if err := s.StartStreaming(); err != nil {
		t.Errorf("second StartStreaming: %v", err)
	}

	waitFor(t, "buffer to fill", func() bool { return s.buf.Len() >= DefaultBufferFrames })

	s.StopStreaming()
	if s.IsStreaming() {
		t.Error("IsStreaming() = true after stop")
	}
	if dev.IsGrabbing() {
		t.Error("device still grabbing after StopStreaming")
	}
	if got := dev.StartCalls(); len(got) != 1 || got[0] != GrabLatestImageOnly {
		t.Errorf("StartGrabbing calls = %v, want [GrabLatestImageOnly]", got)
	}

	// Buffered frames stay readable after the stream stops.
	if _, ok := s.CurrentFrame(); !ok {
		t.Error("no current frame after streaming")
	}
	if got := len(s.History()); got != DefaultBufferFrames {
		t.Errorf("history length = %d, want %d", got, DefaultBufferFrames)
	}

	// Stop is idempotent.
	s.StopStreaming()
}

func TestStreamingBacksOffOnError(t *testing.T) {
	dev := NewTestableDevice()
	dev.RetrieveErr = errors.New("transient grab error")

	clock := timeutil.NewMockClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	s, err := Open(testEnumerator(dev), 0, Continuous, testCameraConfig(), clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.StartStreaming(); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	waitFor(t, "error backoff", func() bool { return len(clock.Sleeps()) > 0 })
	s.StopStreaming()

	for _, d := range clock.Sleeps() {
		if d != streamErrorBackoff {
			t.Errorf("backoff sleep = %v, want %v", d, streamErrorBackoff)
			break
		}
	}
	if _, ok := s.CurrentFrame(); ok {
		t.Error("frame buffered despite retrieve errors")
	}
}

// overlapDevice flags any two device methods executing at the same time,
// which the Device contract forbids.
type overlapDevice struct {
	*TestableDevice
	inFlight atomic.Int32
	overlaps atomic.Int32
}

func (d *overlapDevice) enter() {
	if d.inFlight.Add(1) > 1 {
		d.overlaps.Add(1)
	}
}

func (d *overlapDevice) exit() { d.inFlight.Add(-1) }

func (d *overlapDevice) SetExposure(micros float64) error {
	d.enter()
	defer d.exit()
	return d.TestableDevice.SetExposure(micros)
}

func (d *overlapDevice) SetGain(gain float64) error {
	d.enter()
	defer d.exit()
	return d.TestableDevice.SetGain(gain)
}

func (d *overlapDevice) SetFrameRate(fps float64) error {
	d.enter()
	defer d.exit()
	return d.TestableDevice.SetFrameRate(fps)
}

func (d *overlapDevice) SetROI(roi config.ROI) error {
	d.enter()
	defer d.exit()
	return d.TestableDevice.SetROI(roi)
}

func (d *overlapDevice) StartGrabbing(strategy GrabStrategy) error {
	d.enter()
	defer d.exit()
	return d.TestableDevice.StartGrabbing(strategy)
}

func (d *overlapDevice) StopGrabbing() error {
	d.enter()
	defer d.exit()
	return d.TestableDevice.StopGrabbing()
}

func (d *overlapDevice) RetrieveResult(timeout time.Duration) (*RawResult, error) {
	d.enter()
	defer d.exit()
	return d.TestableDevice.RetrieveResult(timeout)
}

func TestConfigurePausesStreaming(t *testing.T) {
	dev := &overlapDevice{TestableDevice: NewTestableDevice()}
	dev.FrameFactory = func() *RawResult {
		return RawFromImage(testutil.SolidImage(4, 4, color.RGBA{5, 5, 5, 255}))
	}
	enum := &StubEnumerator{
		Infos: []DeviceInfo{dev.DeviceInfo},
		Devs:  map[int]Device{0: dev},
	}
	clock := timeutil.NewMockClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	s, err := Open(enum, 0, Continuous, testCameraConfig(), clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.StartStreaming(); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	waitFor(t, "first frame", func() bool { _, ok := s.CurrentFrame(); return ok })

	// Re-apply configuration repeatedly while the acquisition loop runs; the
	// setter calls must never interleave with a retrieve.
	for i := 0; i < 50; i++ {
		if err := s.Configure(testCameraConfig()); err != nil {
			t.Fatalf("Configure while streaming: %v", err)
		}
	}

	if !s.IsStreaming() {
		t.Error("streaming did not resume after Configure")
	}
	if _, ok := s.CurrentFrame(); !ok {
		t.Error("buffered frames lost across Configure")
	}
	s.StopStreaming()

	if n := dev.overlaps.Load(); n != 0 {
		t.Errorf("observed %d overlapping device method invocations", n)
	}
}

func TestCloseIdempotentAndTerminal(t *testing.T) {
	dev := NewTestableDevice()
	dev.FrameFactory = func() *RawResult {
		return RawFromImage(testutil.SolidImage(2, 2, color.RGBA{1, 2, 3, 255}))
	}
	s := openTestSession(t, dev, Continuous)

	if err := s.StartStreaming(); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if dev.CloseCalls() != 1 {
		t.Errorf("device Close calls = %d, want 1", dev.CloseCalls())
	}

	if err := s.StartStreaming(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("StartStreaming after Close err = %v, want ErrSessionClosed", err)
	}
	if err := s.Configure(testCameraConfig()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Configure after Close err = %v, want ErrSessionClosed", err)
	}
	if _, ok := s.CurrentFrame(); ok {
		t.Error("frame readable after Close")
	}
}

func TestTriggerCaptureAfterClose(t *testing.T) {
	s := openTestSession(t, NewTestableDevice(), SoftwareTriggered)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.TriggerCapture(0); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestSimulatedEnumerator(t *testing.T) {
	enum := NewSimulatedEnumerator(32, 24)
	infos, err := enum.Devices()
	if err != nil || len(infos) != 1 {
		t.Fatalf("Devices() = %v, %v, want one device", infos, err)
	}

	s, err := Open(enum, 0, SoftwareTriggered, testCameraConfig(), timeutil.NewMockClock(time.Time{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	frame, err := s.TriggerCapture(0)
	if err != nil {
		t.Fatalf("TriggerCapture: %v", err)
	}
	if frame.Width() != 32 || frame.Height() != 24 {
		t.Errorf("frame size = %dx%d, want 32x24", frame.Width(), frame.Height())
	}
}
