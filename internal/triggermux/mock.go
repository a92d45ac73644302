package triggermux

import (
	"bytes"
	"io"
	"sync"
)

// TestablePort implements Porter over an in-memory pipe. Tests feed trigger
// lines through Feed and read back responses from Written.
type TestablePort struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

// NewTestablePort creates an open in-memory port.
func NewTestablePort() *TestablePort {
	r, w := io.Pipe()
	return &TestablePort{reader: r, writer: w}
}

// Feed injects one line as if the PLC had sent it.
func (p *TestablePort) Feed(line string) {
	if !bytes.HasSuffix([]byte(line), []byte("\n")) {
		line += "\n"
	}
	p.writer.Write([]byte(line))
}

func (p *TestablePort) Read(b []byte) (int, error) {
	return p.reader.Read(b)
}

func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

// Written returns everything the mux wrote back so far.
func (p *TestablePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.writer.Close()
	return p.reader.Close()
}
