//go:build gocv

package camera

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/linesight/inspectd/internal/config"
)

// maxWebcamProbe bounds how many V4L2 indices enumeration probes.
const maxWebcamProbe = 4

// WebcamEnumerator enumerates V4L2/UVC cameras through gocv. It stands in
// for an industrial camera SDK on machines that only have a webcam; webcams
// free-run, so the software trigger degrades to grab-next-frame.
type WebcamEnumerator struct{}

// NewWebcamEnumerator returns the gocv-backed enumerator.
func NewWebcamEnumerator() (Enumerator, error) {
	return &WebcamEnumerator{}, nil
}

func (e *WebcamEnumerator) Devices() ([]DeviceInfo, error) {
	var infos []DeviceInfo
	for i := 0; i < maxWebcamProbe; i++ {
		cap, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		ok := cap.IsOpened()
		cap.Close()
		if !ok {
			continue
		}
		infos = append(infos, DeviceInfo{
			Index:        i,
			FriendlyName: fmt.Sprintf("Video Capture %d", i),
			ModelName:    "uvc",
			SerialNumber: fmt.Sprintf("video%d", i),
		})
	}
	return infos, nil
}

func (e *WebcamEnumerator) Device(index int) (Device, error) {
	if index < 0 || index >= maxWebcamProbe {
		return nil, fmt.Errorf("%w: index %d", ErrDeviceNotFound, index)
	}
	return &webcamDevice{index: index}, nil
}

type webcamDevice struct {
	index int
	cap   *gocv.VideoCapture
	mat   gocv.Mat
}

func (d *webcamDevice) Open() error {
	cap, err := gocv.OpenVideoCapture(d.index)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("%w: device %d not opened", ErrOpen, d.index)
	}
	d.cap = cap
	d.mat = gocv.NewMat()
	return nil
}

func (d *webcamDevice) Close() error {
	if d.cap == nil {
		return nil
	}
	d.mat.Close()
	err := d.cap.Close()
	d.cap = nil
	return err
}

func (d *webcamDevice) Info() DeviceInfo {
	return DeviceInfo{
		Index:        d.index,
		FriendlyName: fmt.Sprintf("Video Capture %d", d.index),
		ModelName:    "uvc",
		SerialNumber: fmt.Sprintf("video%d", d.index),
	}
}

// Capabilities omits CapROI: UVC cameras deliver full frames only, so the
// session skips ROI configuration instead of failing.
func (d *webcamDevice) Capabilities() Capability {
	return CapExposure | CapGain | CapFrameRate
}

func (d *webcamDevice) SensorMax() (w, h int) {
	if d.cap == nil {
		return 0, 0
	}
	return int(d.cap.Get(gocv.VideoCaptureFrameWidth)), int(d.cap.Get(gocv.VideoCaptureFrameHeight))
}

// SetTriggerMode is a no-op: webcams free-run, and the session's grab
// protocol provides the on-demand semantics on top.
func (d *webcamDevice) SetTriggerMode(mode TriggerMode) error { return nil }

func (d *webcamDevice) SetExposure(micros float64) error {
	// V4L2 exposure is in 100µs units.
	if !d.cap.Set(gocv.VideoCaptureExposure, micros/100) {
		return fmt.Errorf("device %d rejected exposure %v", d.index, micros)
	}
	return nil
}

func (d *webcamDevice) SetGain(gain float64) error {
	if !d.cap.Set(gocv.VideoCaptureGain, gain) {
		return fmt.Errorf("device %d rejected gain %v", d.index, gain)
	}
	return nil
}

func (d *webcamDevice) SetFrameRate(fps float64) error {
	if !d.cap.Set(gocv.VideoCaptureFPS, fps) {
		return fmt.Errorf("device %d rejected frame rate %v", d.index, fps)
	}
	return nil
}

func (d *webcamDevice) SetROI(roi config.ROI) error {
	return fmt.Errorf("device %d does not support roi", d.index)
}

func (d *webcamDevice) StartGrabbing(strategy GrabStrategy) error { return nil }
func (d *webcamDevice) StopGrabbing() error                       { return nil }
func (d *webcamDevice) IssueSoftwareTrigger() error               { return nil }

func (d *webcamDevice) RetrieveResult(timeout time.Duration) (*RawResult, error) {
	if d.cap == nil {
		return nil, fmt.Errorf("%w: device not open", ErrCaptureFailed)
	}
	deadline := time.Now().Add(timeout)
	for {
		if d.cap.Read(&d.mat) && !d.mat.Empty() {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no frame within %v", ErrCaptureTimeout, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// gocv mats are BGR, matching the raw result contract.
	buf, err := d.mat.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	pix := make([]byte, len(buf))
	copy(pix, buf)
	return &RawResult{
		Pixels: pix,
		Width:  d.mat.Cols(),
		Height: d.mat.Rows(),
		Format: FormatBGR8,
	}, nil
}
