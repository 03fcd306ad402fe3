package audio

import (
	"errors"
	"sync"
)

var errFakeSinkClosed = errors.New("sink is closed")

// FakeContext is an in-memory audio backend for tests. Chunks given to
// Feed are delivered to the open capture device's callback.
type FakeContext struct {
	mu      sync.Mutex
	capture *FakeCapture
	closed  bool
}

func NewFakeContext() *FakeContext {
	return &FakeContext{}
}

func (f *FakeContext) NewCapture(_ Format, cb DataCallback) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capture = &FakeCapture{cb: cb}
	return f.capture, nil
}

func (f *FakeContext) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *FakeContext) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Feed delivers one chunk of samples as if the microphone produced it.
// No-op unless a capture device is open and started.
func (f *FakeContext) Feed(samples []float32) {
	f.mu.Lock()
	capture := f.capture
	f.mu.Unlock()
	if capture != nil {
		capture.feed(samples)
	}
}

type FakeCapture struct {
	mu      sync.Mutex
	cb      DataCallback
	started bool
	stopped bool
	closed  bool
}

func (c *FakeCapture) Start() error {
	c.mu.Lock()
	c.started = true
	c.stopped = false
	c.mu.Unlock()
	return nil
}

func (c *FakeCapture) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *FakeCapture) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *FakeCapture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped && !c.closed
}

func (c *FakeCapture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeCapture) feed(samples []float32) {
	c.mu.Lock()
	cb := c.cb
	running := c.started && !c.stopped && !c.closed
	c.mu.Unlock()
	if running && cb != nil {
		cb(samples)
	}
}

// FakeSink records everything written to it.
type FakeSink struct {
	mu      sync.Mutex
	data    []byte
	resets  int
	flushes int
	closed  bool
}

func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

func (s *FakeSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, pcm...)
	return nil
}

func (s *FakeSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errFakeSinkClosed
	}
	s.flushes++
	return nil
}

func (s *FakeSink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.resets++
	return nil
}

func (s *FakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func (s *FakeSink) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func (s *FakeSink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *FakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
