package camera

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/linesight/inspectd/internal/config"
)

// TestableDevice is an in-memory Device for tests. It serves queued raw
// results (or results generated by FrameFactory), optionally fails or times
// out, and records every grab-related call so tests can assert on the exact
// device protocol.
type TestableDevice struct {
	mu sync.Mutex

	// DeviceInfo is returned from Info.
	DeviceInfo DeviceInfo

	// Caps is returned from Capabilities.
	Caps Capability

	// SensorW and SensorH are returned from SensorMax.
	SensorW, SensorH int

	// Results are served in order by RetrieveResult. When exhausted,
	// FrameFactory is consulted; if that is nil too, RetrieveResult
	// reports a timeout.
	Results []*RawResult

	// FrameFactory, when set, generates a raw result per retrieve.
	FrameFactory func() *RawResult

	// OpenErr, StartErr, TriggerErr and RetrieveErr force the
	// corresponding calls to fail.
	OpenErr     error
	StartErr    error
	TriggerErr  error
	RetrieveErr error

	// Call records, read back through the accessor methods.
	opened       bool
	closeCalls   int
	grabbing     bool
	startCalls   []GrabStrategy
	stopCalls    int
	triggerCalls int
	triggerMode  TriggerMode
	exposure     float64
	gain         float64
	frameRate    float64
	roi          config.ROI
	roiSet       bool
}

// NewTestableDevice returns a device with full capabilities and a 640x480
// sensor.
func NewTestableDevice() *TestableDevice {
	return &TestableDevice{
		DeviceInfo: DeviceInfo{Index: 0, FriendlyName: "testcam", ModelName: "testable", SerialNumber: "T-0000"},
		Caps:       CapExposure | CapGain | CapROI | CapFrameRate,
		SensorW:    640,
		SensorH:    480,
	}
}

func (d *TestableDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.opened = true
	return nil
}

func (d *TestableDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	d.closeCalls++
	return nil
}

func (d *TestableDevice) Info() DeviceInfo         { return d.DeviceInfo }
func (d *TestableDevice) Capabilities() Capability { return d.Caps }
func (d *TestableDevice) SensorMax() (w, h int)    { return d.SensorW, d.SensorH }

func (d *TestableDevice) SetTriggerMode(mode TriggerMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.triggerMode = mode
	return nil
}

func (d *TestableDevice) SetExposure(micros float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exposure = micros
	return nil
}

func (d *TestableDevice) SetGain(gain float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gain = gain
	return nil
}

func (d *TestableDevice) SetFrameRate(fps float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frameRate = fps
	return nil
}

func (d *TestableDevice) SetROI(roi config.ROI) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roi = roi
	d.roiSet = true
	return nil
}

func (d *TestableDevice) StartGrabbing(strategy GrabStrategy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StartErr != nil {
		return d.StartErr
	}
	d.grabbing = true
	d.startCalls = append(d.startCalls, strategy)
	return nil
}

func (d *TestableDevice) StopGrabbing() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grabbing = false
	d.stopCalls++
	return nil
}

func (d *TestableDevice) IssueSoftwareTrigger() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.TriggerErr != nil {
		return d.TriggerErr
	}
	if !d.grabbing {
		return fmt.Errorf("%w: trigger issued while not grabbing", ErrCaptureFailed)
	}
	d.triggerCalls++
	return nil
}

func (d *TestableDevice) RetrieveResult(timeout time.Duration) (*RawResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.RetrieveErr != nil {
		return nil, d.RetrieveErr
	}
	if len(d.Results) > 0 {
		raw := d.Results[0]
		d.Results = d.Results[1:]
		return raw, nil
	}
	if d.FrameFactory != nil {
		return d.FrameFactory(), nil
	}
	return nil, fmt.Errorf("%w: no result within %v", ErrCaptureTimeout, timeout)
}

// IsGrabbing reports whether a StartGrabbing is outstanding.
func (d *TestableDevice) IsGrabbing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grabbing
}

// StartCalls returns the strategies passed to StartGrabbing, in order.
func (d *TestableDevice) StartCalls() []GrabStrategy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]GrabStrategy(nil), d.startCalls...)
}

// StopCalls returns how many times StopGrabbing was called.
func (d *TestableDevice) StopCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopCalls
}

// TriggerCalls returns how many software triggers were issued.
func (d *TestableDevice) TriggerCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggerCalls
}

// CloseCalls returns how many times Close was called.
func (d *TestableDevice) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

// Applied returns the parameters recorded by the setter calls.
func (d *TestableDevice) Applied() (exposure, gain, frameRate float64, roi config.ROI, roiSet bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exposure, d.gain, d.frameRate, d.roi, d.roiSet
}

// TriggerModeSet returns the last mode passed to SetTriggerMode.
func (d *TestableDevice) TriggerModeSet() TriggerMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggerMode
}

// StubEnumerator serves a fixed set of devices, keyed by index.
type StubEnumerator struct {
	Infos   []DeviceInfo
	Devs    map[int]Device
	ListErr error
}

func (e *StubEnumerator) Devices() ([]DeviceInfo, error) {
	if e.ListErr != nil {
		return nil, e.ListErr
	}
	return e.Infos, nil
}

func (e *StubEnumerator) Device(index int) (Device, error) {
	dev, ok := e.Devs[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrDeviceNotFound, index)
	}
	return dev, nil
}

// SimulatedEnumerator exposes one synthetic camera that renders a moving
// test pattern. It backs -dev mode so the whole service can run on a machine
// with no camera attached.
type SimulatedEnumerator struct {
	Width  int
	Height int
}

// NewSimulatedEnumerator returns a simulated camera producing frames of the
// given size.
func NewSimulatedEnumerator(width, height int) *SimulatedEnumerator {
	return &SimulatedEnumerator{Width: width, Height: height}
}

func (e *SimulatedEnumerator) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{
		Index:        0,
		FriendlyName: "Simulated Camera",
		ModelName:    "sim-pattern",
		SerialNumber: "SIM-0001",
	}}, nil
}

func (e *SimulatedEnumerator) Device(index int) (Device, error) {
	if index != 0 {
		return nil, fmt.Errorf("%w: index %d", ErrDeviceNotFound, index)
	}
	dev := NewTestableDevice()
	dev.DeviceInfo = DeviceInfo{Index: 0, FriendlyName: "Simulated Camera", ModelName: "sim-pattern", SerialNumber: "SIM-0001"}
	dev.SensorW, dev.SensorH = e.Width, e.Height
	frame := 0
	dev.FrameFactory = func() *RawResult {
		frame++
		return testPattern(e.Width, e.Height, frame)
	}
	return dev, nil
}

// testPattern renders a BGR gradient that shifts each frame, so streaming
// previews visibly update.
func testPattern(w, h, n int) *RawResult {
	pix := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			pix[i+0] = byte((x + n) % 256)
			pix[i+1] = byte((y + n) % 256)
			pix[i+2] = byte((x + y) % 256)
		}
	}
	return &RawResult{Pixels: pix, Width: w, Height: h, Format: FormatBGR8}
}

// RawFromImage builds a BGR8 raw result from an RGBA image. Tests use it to
// feed known pixels through the device boundary.
func RawFromImage(img *image.RGBA) *RawResult {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	pix := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(x+img.Rect.Min.X, y+img.Rect.Min.Y)
			i := (y*w + x) * 3
			pix[i+0] = c.B
			pix[i+1] = c.G
			pix[i+2] = c.R
		}
	}
	return &RawResult{Pixels: pix, Width: w, Height: h, Format: FormatBGR8}
}
