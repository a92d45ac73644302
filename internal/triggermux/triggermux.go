// Package triggermux listens on a serial line for capture commands from the
// line PLC and answers with the inspection verdict. The protocol is
// line-oriented ASCII: "TRIG" requests a capture, "TRIGI" a capture with
// inference; the mux answers "OK <file>", "NG <file>" or "ERR <reason>".
package triggermux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/linesight/inspectd/internal/monitoring"
)

var ErrWriteFailed = fmt.Errorf("failed to write to trigger port")

// Porter is the minimal serial port surface the mux needs. The abstraction
// enables unit testing without PLC hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// Handler executes trigger commands. The HTTP layer and the PLC line share
// the same pipeline underneath.
type Handler interface {
	// Capture performs a software-triggered capture and returns the stored
	// filename.
	Capture() (filename string, err error)

	// CaptureAndInfer performs a capture plus detection and reports whether
	// the part failed inspection.
	CaptureAndInfer() (filename string, hasNG bool, err error)
}

// Mux reads trigger commands from a serial port and writes one response
// line per command.
type Mux struct {
	port    Porter
	handler Handler

	writeMu   sync.Mutex
	closing   bool
	closingMu sync.Mutex
}

// New creates a Mux over an open port.
func New(port Porter, handler Handler) *Mux {
	return &Mux{port: port, handler: handler}
}

// NewReal opens the serial device at path with 8N1 framing at the given
// baud rate and wraps it in a Mux.
func NewReal(path string, baudRate int, handler Handler) (*Mux, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return New(port, handler), nil
}

// respond writes one response line to the port.
func (m *Mux) respond(line string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	n, err := m.port.Write([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// dispatch executes one trigger command and formats the response line.
func (m *Mux) dispatch(command string) string {
	switch strings.ToUpper(strings.TrimSpace(command)) {
	case "":
		return ""
	case "TRIG":
		name, err := m.handler.Capture()
		if err != nil {
			return "ERR " + err.Error()
		}
		return "OK " + name
	case "TRIGI":
		name, hasNG, err := m.handler.CaptureAndInfer()
		if err != nil {
			return "ERR " + err.Error()
		}
		if hasNG {
			return "NG " + name
		}
		return "OK " + name
	default:
		return fmt.Sprintf("ERR unknown command %q", strings.TrimSpace(command))
	}
}

// Monitor reads trigger lines from the port until the context is cancelled
// or the port fails. Each command is answered before the next is read, so
// the PLC sees responses in request order.
func (m *Mux) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs in its own goroutine so the outer loop
	// can also await context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return scan.Err()
			}
			m.closingMu.Lock()
			if m.closing {
				m.closingMu.Unlock()
				return nil
			}
			m.closingMu.Unlock()

			resp := m.dispatch(line)
			if resp == "" {
				continue
			}
			monitoring.Logf("triggermux: %q -> %q", strings.TrimSpace(line), resp)
			if err := m.respond(resp); err != nil {
				return err
			}
		}
	}
}

// Close stops the monitor and closes the port.
func (m *Mux) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()
	return m.port.Close()
}
