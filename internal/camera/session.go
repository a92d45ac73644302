package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linesight/inspectd/internal/config"
	"github.com/linesight/inspectd/internal/monitoring"
	"github.com/linesight/inspectd/internal/timeutil"
)

const (
	// DefaultTriggerTimeout bounds the wait for a software-triggered exposure.
	DefaultTriggerTimeout = 5 * time.Second

	// streamRetrieveTimeout bounds one retrieve in the streaming loop.
	streamRetrieveTimeout = 1 * time.Second

	// streamErrorBackoff is the pause after a failed retrieve before the
	// streaming loop tries again.
	streamErrorBackoff = 100 * time.Millisecond
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateStreaming
	stateClosed
)

// Session owns one opened camera device. It enforces the trigger-mode state
// machine: a software-triggered session serves single-shot captures, a
// continuous session serves the streaming loop, and neither serves the other.
type Session struct {
	// ID identifies this session in logs and API responses.
	ID string

	dev   Device
	info  DeviceInfo
	mode  TriggerMode
	clock timeutil.Clock
	buf   *FrameBuffer

	// captureMu serializes trigger-retrieve round trips so at most one
	// capture is in flight on the device.
	captureMu sync.Mutex

	mu     sync.Mutex
	state  sessionState
	stopCh chan struct{}
	doneCh chan struct{}
}

// Open enumerates devices, opens the one at index, fixes its trigger mode,
// and applies the camera configuration. The device handle is released again
// if any step after Open fails.
func Open(enum Enumerator, index int, mode TriggerMode, cfg *config.Camera, clock timeutil.Clock) (*Session, error) {
	devices, err := enum.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumeration failed: %v", ErrDeviceNotFound, err)
	}
	if index < 0 || index >= len(devices) {
		return nil, fmt.Errorf("%w: index %d of %d devices", ErrDeviceNotFound, index, len(devices))
	}

	dev, err := enum.Device(index)
	if err != nil {
		return nil, err
	}
	if err := dev.Open(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if err := dev.SetTriggerMode(mode); err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: set trigger mode %s: %v", ErrOpen, mode, err)
	}

	s := &Session{
		ID:    uuid.NewString(),
		dev:   dev,
		info:  devices[index],
		mode:  mode,
		clock: clock,
		buf:   NewFrameBuffer(DefaultBufferFrames),
	}
	s.applyConfig(cfg)

	monitoring.Logf("camera: session %s opened device %d (%s) in %s mode", s.ID, index, s.info.ModelName, mode)
	return s, nil
}

// applyConfig applies each configured parameter best-effort: a parameter the
// device does not support, or one it rejects, is logged and skipped so the
// session still opens.
func (s *Session) applyConfig(cfg *config.Camera) {
	if cfg == nil {
		return
	}
	caps := s.dev.Capabilities()

	if caps.Has(CapExposure) {
		if err := s.dev.SetExposure(cfg.ExposureTime); err != nil {
			monitoring.Logf("camera: session %s: exposure %v not applied: %v", s.ID, cfg.ExposureTime, err)
		}
	} else {
		monitoring.Logf("camera: session %s: device does not support exposure control", s.ID)
	}

	if caps.Has(CapGain) {
		if err := s.dev.SetGain(cfg.Gain); err != nil {
			monitoring.Logf("camera: session %s: gain %v not applied: %v", s.ID, cfg.Gain, err)
		}
	} else {
		monitoring.Logf("camera: session %s: device does not support gain control", s.ID)
	}

	// Frame rate only matters when the sensor free-runs.
	if s.mode == Continuous {
		if caps.Has(CapFrameRate) {
			if err := s.dev.SetFrameRate(cfg.FPS); err != nil {
				monitoring.Logf("camera: session %s: frame rate %v not applied: %v", s.ID, cfg.FPS, err)
			}
		} else {
			monitoring.Logf("camera: session %s: device does not support frame rate control", s.ID)
		}
	}

	if caps.Has(CapROI) {
		maxW, maxH := s.dev.SensorMax()
		r := cfg.ROI
		if r.Width <= 0 || r.Height <= 0 || r.X < 0 || r.Y < 0 || r.X+r.Width > maxW || r.Y+r.Height > maxH {
			monitoring.Logf("camera: session %s: roi %+v outside sensor %dx%d, skipped", s.ID, r, maxW, maxH)
		} else if err := s.dev.SetROI(r); err != nil {
			monitoring.Logf("camera: session %s: roi %+v not applied: %v", s.ID, r, err)
		}
	}
}

// Configure re-applies a camera configuration to the open device. The
// device accepts calls from one goroutine at a time, so a streaming session
// pauses its acquisition loop for the duration and resumes it afterwards;
// buffered frames survive the pause. Individual parameter failures are
// logged and skipped.
func (s *Session) Configure(cfg *config.Camera) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	streaming := s.state == stateStreaming
	s.mu.Unlock()

	if streaming {
		s.StopStreaming()
	}

	// captureMu keeps the setter calls from overlapping a trigger-retrieve
	// round trip on a software-triggered session.
	s.captureMu.Lock()
	s.applyConfig(cfg)
	s.captureMu.Unlock()

	if streaming {
		return s.StartStreaming()
	}
	return nil
}

// Info returns the identity of the opened device.
func (s *Session) Info() DeviceInfo { return s.info }

// Mode returns the trigger mode fixed at open time.
func (s *Session) Mode() TriggerMode { return s.mode }

// IsStreaming reports whether the streaming loop is running.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateStreaming
}

// TriggerCapture performs one software-triggered capture: start grabbing
// one-by-one, fire the trigger, wait up to timeout for the result, and
// convert it. Grabbing is stopped again on every exit path, success or
// failure, so the device is left armed but quiescent. Concurrent calls are
// serialized; a timeout leaves the session usable.
func (s *Session) TriggerCapture(timeout time.Duration) (*Frame, error) {
	if timeout <= 0 {
		timeout = DefaultTriggerTimeout
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.mode != SoftwareTriggered {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: capture requires software trigger mode, session is %s", ErrWrongTriggerMode, s.mode)
	}
	s.mu.Unlock()

	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	// A previous grab may still be active after an aborted attempt.
	if err := s.dev.StopGrabbing(); err != nil {
		monitoring.Logf("camera: session %s: pre-capture stop grabbing: %v", s.ID, err)
	}
	if err := s.dev.StartGrabbing(GrabOneByOne); err != nil {
		return nil, fmt.Errorf("%w: start grabbing: %v", ErrCaptureFailed, err)
	}
	defer func() {
		if err := s.dev.StopGrabbing(); err != nil {
			monitoring.Logf("camera: session %s: stop grabbing after capture: %v", s.ID, err)
		}
	}()

	if err := s.dev.IssueSoftwareTrigger(); err != nil {
		return nil, fmt.Errorf("%w: software trigger: %v", ErrCaptureFailed, err)
	}

	raw, err := s.dev.RetrieveResult(timeout)
	if err != nil {
		return nil, err
	}
	img, err := ConvertFrame(raw)
	if err != nil {
		return nil, err
	}

	frame := &Frame{Img: img, Timestamp: s.clock.Now()}
	s.buf.Push(frame)
	return frame.Clone(), nil
}

// StartStreaming starts the continuous acquisition loop, which fills the
// frame buffer until StopStreaming or Close. Calling it while already
// streaming is a no-op.
func (s *Session) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == stateClosed:
		return ErrSessionClosed
	case s.mode != Continuous:
		return fmt.Errorf("%w: streaming requires continuous mode, session is %s", ErrWrongTriggerMode, s.mode)
	case s.state == stateStreaming:
		return nil
	}

	if err := s.dev.StartGrabbing(GrabLatestImageOnly); err != nil {
		return fmt.Errorf("%w: start grabbing: %v", ErrCaptureFailed, err)
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.state = stateStreaming
	go s.acquireLoop(s.stopCh, s.doneCh)

	monitoring.Logf("camera: session %s streaming started", s.ID)
	return nil
}

// acquireLoop retrieves frames until stop closes. Retrieve or conversion
// failures are logged and retried after a short backoff; the loop never
// exits on error.
func (s *Session) acquireLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		raw, err := s.dev.RetrieveResult(streamRetrieveTimeout)
		if err != nil {
			monitoring.Logf("camera: session %s: retrieve failed: %v", s.ID, err)
			s.clock.Sleep(streamErrorBackoff)
			continue
		}
		img, err := ConvertFrame(raw)
		if err != nil {
			monitoring.Logf("camera: session %s: frame conversion failed: %v", s.ID, err)
			continue
		}
		s.buf.Push(&Frame{Img: img, Timestamp: s.clock.Now()})
	}
}

// StopStreaming stops the acquisition loop and waits for it to drain.
// Already-buffered frames remain readable. Idempotent.
func (s *Session) StopStreaming() {
	s.mu.Lock()
	if s.state != stateStreaming {
		s.mu.Unlock()
		return
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.state = stateIdle
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	if err := s.dev.StopGrabbing(); err != nil {
		monitoring.Logf("camera: session %s: stop grabbing after streaming: %v", s.ID, err)
	}
	monitoring.Logf("camera: session %s streaming stopped", s.ID)
}

// CurrentFrame returns a clone of the most recent frame, or false if none
// has been captured yet.
func (s *Session) CurrentFrame() (*Frame, bool) {
	return s.buf.Current()
}

// History returns clones of the retained frames, oldest first.
func (s *Session) History() []*Frame {
	return s.buf.History()
}

// Close stops streaming if active, releases the device, and clears the
// frame buffer. Idempotent; operations after Close return ErrSessionClosed.
func (s *Session) Close() error {
	s.StopStreaming()

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	s.mu.Unlock()

	err := s.dev.Close()
	s.buf.Clear()
	monitoring.Logf("camera: session %s closed", s.ID)
	return err
}
