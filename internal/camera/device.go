// Package camera implements the acquisition side of the inspection station:
// the device boundary, the session state machine for software-triggered and
// continuous capture, and the shared frame buffer.
package camera

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/linesight/inspectd/internal/config"
)

// Sentinel errors for the acquisition layer. Handlers map these onto HTTP
// status codes; callers test them with errors.Is.
var (
	// ErrDeviceNotFound indicates the camera index is out of range or no
	// devices were enumerated.
	ErrDeviceNotFound = errors.New("camera device not found")

	// ErrOpen indicates the device handle could not be opened or prepared.
	ErrOpen = errors.New("failed to open camera device")

	// ErrCaptureTimeout indicates the device produced no result within the
	// retrieve timeout. The session stays usable for another attempt.
	ErrCaptureTimeout = errors.New("capture timed out")

	// ErrCaptureFailed indicates the device reported a grab failure.
	ErrCaptureFailed = errors.New("capture failed")

	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("camera session is closed")

	// ErrWrongTriggerMode indicates the operation is not legal in the
	// session's trigger mode (fixed at open time).
	ErrWrongTriggerMode = errors.New("operation not allowed in this trigger mode")
)

// TriggerMode selects the acquisition regime for a session. It is fixed at
// open time: SoftwareTriggered permits on-demand single-shot captures,
// Continuous permits the streaming loop, and neither permits the other's
// path.
type TriggerMode int

const (
	// Continuous free-runs the sensor; frames arrive via the streaming loop.
	Continuous TriggerMode = iota
	// SoftwareTriggered arms the sensor to expose once per software trigger.
	SoftwareTriggered
)

// String returns the wire name of the mode.
func (m TriggerMode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case SoftwareTriggered:
		return "software"
	default:
		return fmt.Sprintf("TriggerMode(%d)", int(m))
	}
}

// ParseTriggerMode parses the wire name of a trigger mode.
func ParseTriggerMode(s string) (TriggerMode, error) {
	switch s {
	case "continuous":
		return Continuous, nil
	case "software", "software_trigger":
		return SoftwareTriggered, nil
	default:
		return Continuous, fmt.Errorf("unknown trigger mode %q", s)
	}
}

// GrabStrategy selects how the device queues grab results.
type GrabStrategy int

const (
	// GrabOneByOne queues every exposure; used for single-shot triggered capture.
	GrabOneByOne GrabStrategy = iota
	// GrabLatestImageOnly keeps only the newest frame; used for streaming preview.
	GrabLatestImageOnly
)

// Capability is a bitmask of the configurable features a device supports.
// It is queried once at open time; settings for unsupported features are
// skipped instead of probed per call.
type Capability uint8

const (
	CapExposure Capability = 1 << iota
	CapGain
	CapROI
	CapFrameRate
)

// Has reports whether all bits of c2 are present in c.
func (c Capability) Has(c2 Capability) bool { return c&c2 == c2 }

// DeviceInfo identifies an enumerated camera.
type DeviceInfo struct {
	Index        int    `json:"index"`
	FriendlyName string `json:"friendly_name"`
	ModelName    string `json:"model_name"`
	SerialNumber string `json:"serial_number"`
}

// PixelFormat describes the layout of a raw grab result.
type PixelFormat int

const (
	// FormatBGR8 is packed 8-bit BGR, three bytes per pixel.
	FormatBGR8 PixelFormat = iota
	// FormatMono8 is 8-bit grayscale, one byte per pixel.
	FormatMono8
)

// RawResult is a grab result as delivered by the device, before pixel
// format conversion.
type RawResult struct {
	Pixels []byte
	Width  int
	Height int
	Format PixelFormat
}

// Device is the camera hardware boundary. Implementations wrap a concrete
// camera SDK; tests use TestableDevice. The owning Session serializes all
// calls: it pauses its acquisition loop before re-applying configuration,
// so implementations never see concurrent method invocations and need no
// internal locking.
type Device interface {
	// Open acquires the device handle.
	Open() error

	// Close releases the device handle. Must be safe to call more than once.
	Close() error

	// Info returns the identity of the device.
	Info() DeviceInfo

	// Capabilities reports which configuration features the device supports.
	Capabilities() Capability

	// SensorMax returns the full sensor dimensions in pixels.
	SensorMax() (w, h int)

	// SetTriggerMode arms or disarms the software trigger.
	SetTriggerMode(mode TriggerMode) error

	// SetExposure sets the exposure time in microseconds.
	SetExposure(micros float64) error

	// SetGain sets the analog gain.
	SetGain(gain float64) error

	// SetFrameRate sets the free-run acquisition frame rate.
	SetFrameRate(fps float64) error

	// SetROI restricts acquisition to a sensor window.
	SetROI(roi config.ROI) error

	// StartGrabbing starts acquisition with the given strategy.
	StartGrabbing(strategy GrabStrategy) error

	// StopGrabbing stops acquisition. Must be safe to call when not grabbing.
	StopGrabbing() error

	// IssueSoftwareTrigger fires one exposure. Only meaningful after
	// SetTriggerMode(SoftwareTriggered) and StartGrabbing.
	IssueSoftwareTrigger() error

	// RetrieveResult blocks up to timeout for the next grab result.
	// It returns ErrCaptureTimeout if no result arrives in time and
	// ErrCaptureFailed (possibly wrapped) on a device-reported failure.
	RetrieveResult(timeout time.Duration) (*RawResult, error)
}

// Enumerator lists attached cameras and constructs unopened Devices.
type Enumerator interface {
	// Devices returns the attached cameras in index order.
	Devices() ([]DeviceInfo, error)

	// Device returns an unopened Device for the given enumeration index.
	// Returns ErrDeviceNotFound if the index is out of range.
	Device(index int) (Device, error)
}

// ConvertFrame converts a raw grab result into an RGBA image, the standard
// 3-channel 8-bit format the rest of the pipeline consumes.
func ConvertFrame(raw *RawResult) (*image.RGBA, error) {
	if raw == nil || raw.Width <= 0 || raw.Height <= 0 {
		return nil, fmt.Errorf("%w: empty grab result", ErrCaptureFailed)
	}

	img := image.NewRGBA(image.Rect(0, 0, raw.Width, raw.Height))

	switch raw.Format {
	case FormatBGR8:
		if len(raw.Pixels) < raw.Width*raw.Height*3 {
			return nil, fmt.Errorf("%w: short BGR8 buffer: %d bytes for %dx%d", ErrCaptureFailed, len(raw.Pixels), raw.Width, raw.Height)
		}
		for y := 0; y < raw.Height; y++ {
			for x := 0; x < raw.Width; x++ {
				src := (y*raw.Width + x) * 3
				dst := img.PixOffset(x, y)
				img.Pix[dst+0] = raw.Pixels[src+2]
				img.Pix[dst+1] = raw.Pixels[src+1]
				img.Pix[dst+2] = raw.Pixels[src+0]
				img.Pix[dst+3] = 0xff
			}
		}
	case FormatMono8:
		if len(raw.Pixels) < raw.Width*raw.Height {
			return nil, fmt.Errorf("%w: short Mono8 buffer: %d bytes for %dx%d", ErrCaptureFailed, len(raw.Pixels), raw.Width, raw.Height)
		}
		for y := 0; y < raw.Height; y++ {
			for x := 0; x < raw.Width; x++ {
				v := raw.Pixels[y*raw.Width+x]
				dst := img.PixOffset(x, y)
				img.Pix[dst+0] = v
				img.Pix[dst+1] = v
				img.Pix[dst+2] = v
				img.Pix[dst+3] = 0xff
			}
		}
	default:
		return nil, fmt.Errorf("%w: unsupported pixel format %d", ErrCaptureFailed, raw.Format)
	}

	return img, nil
}
