package transport

import (
	"bytes"
	"sync"
	"time"
)

// TestableTransport implements Transport with configurable behaviour for
// testing. Respond, when set, is called with every written frame and its
// result is queued for subsequent reads.
type TestableTransport struct {
	mu sync.Mutex

	rx bytes.Buffer

	// Respond produces the reply to a written frame.
	Respond func(frame []byte) []byte

	// Writes records every written frame.
	Writes [][]byte

	// ReadTimeouts records the timeout passed to every Read call.
	ReadTimeouts []time.Duration

	// ReadErrors are returned by successive Read calls, one per call. A nil
	// entry lets that call proceed normally.
	ReadErrors []error

	// WriteError is returned by the next Write call if set.
	WriteError error

	// CloseError is returned by Close if set.
	CloseError error

	// Closed indicates whether Close was called.
	Closed bool

	// CloseCalls counts Close calls.
	CloseCalls int

	// Resets counts ResetInputBuffer calls.
	Resets int
}

// NewTestableTransport creates a transport that answers nothing until data
// is added or Respond is set.
func NewTestableTransport() *TestableTransport {
	return &TestableTransport{}
}

func (t *TestableTransport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return ErrClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return err
	}
	t.Writes = append(t.Writes, bytes.Clone(p))
	if t.Respond != nil {
		t.rx.Write(t.Respond(p))
	}
	return nil
}

func (t *TestableTransport) Read(max int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeouts = append(t.ReadTimeouts, timeout)
	if t.Closed {
		return nil, ErrClosed
	}
	if len(t.ReadErrors) > 0 {
		err := t.ReadErrors[0]
		t.ReadErrors = t.ReadErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	return bytes.Clone(t.rx.Next(max)), nil
}

// ResetInputBuffer implements InputResetter.
func (t *TestableTransport) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Resets++
	t.rx.Reset()
	return nil
}

// Close marks the transport closed.
func (t *TestableTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CloseCalls++
	t.Closed = true
	return t.CloseError
}

// AddReadData queues bytes for subsequent reads.
func (t *TestableTransport) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx.Write(data)
}

// WrittenFrames returns a copy of every frame written so far.
func (t *TestableTransport) WrittenFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.Writes))
	for i, w := range t.Writes {
		out[i] = bytes.Clone(w)
	}
	return out
}

// MockPort implements Port for tests of the serial transport.
type MockPort struct {
	mu       sync.Mutex
	rx       bytes.Buffer
	written  bytes.Buffer
	timeouts []time.Duration
	chunk    int
	closed   bool
	resets   int
}

// NewMockPort returns a port that serves data in reads of at most chunk bytes.
func NewMockPort(data []byte, chunk int) *MockPort {
	p := &MockPort{chunk: chunk}
	p.rx.Write(data)
	return p
}

func (p *MockPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chunk > 0 && len(b) > p.chunk {
		b = b[:p.chunk]
	}
	if p.rx.Len() == 0 {
		return 0, nil
	}
	return p.rx.Read(b)
}

func (p *MockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *MockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *MockPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, t)
	return nil
}

func (p *MockPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.rx.Reset()
	return nil
}

// Written returns everything written to the port.
func (p *MockPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes())
}

// IsClosed reports whether Close was called.
func (p *MockPort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
