package audio

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

const (
	// maxBufferedMS bounds how much audio the sink holds ahead of the
	// device. Keeping it small keeps Interrupt latency low.
	maxBufferedMS = 500
	// deviceBufferMS is the oto device buffer: low latency without
	// glitching.
	deviceBufferMS = 100
)

// NewSpeaker opens the platform audio output for the given format.
func NewSpeaker(format Format) (Sink, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   format.SampleRateHz,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   deviceBufferMS * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	return &speaker{
		otoCtx: otoCtx,
		buf:    newPacedBuffer(format.BytesPerSecond() * maxBufferedMS / 1000),
		devBuf: deviceBufferMS * time.Millisecond,
	}, nil
}

// speaker feeds an oto player from a paced in-memory buffer. The player
// pulls via Read on its own schedule; Write advances at roughly playback
// pace because the buffer admits at most maxBufferedMS of audio ahead of
// the reads.
type speaker struct {
	otoCtx *oto.Context
	buf    *pacedBuffer
	devBuf time.Duration

	mu     sync.Mutex
	player *oto.Player
}

func (s *speaker) Write(pcm []byte) error {
	s.mu.Lock()
	if s.buf.isClosed() {
		s.mu.Unlock()
		return fmt.Errorf("speaker is closed")
	}
	if s.player == nil {
		s.player = s.otoCtx.NewPlayer(s.buf)
		s.player.Play()
	}
	s.mu.Unlock()
	return s.buf.Write(pcm)
}

// Flush blocks until everything written has been handed to the device,
// then waits out the device buffer's own playout time.
func (s *speaker) Flush() error {
	s.buf.waitDrained()
	time.Sleep(s.devBuf)
	return nil
}

// Reset discards buffered audio and clears the device's internal buffer.
func (s *speaker) Reset() error {
	s.mu.Lock()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	s.buf.clear()
	if player != nil {
		// Pause stops output immediately; Reset drops oto's internal
		// buffer so stale audio cannot resume later.
		player.Pause()
		player.Reset()
		return player.Close()
	}
	return nil
}

func (s *speaker) Close() error {
	s.buf.close()
	s.mu.Lock()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}

// pacedBuffer is the bounded feed between a writer and a pull-based
// audio device. Write appends in slices that fit under max and waits for
// the reader to drain the rest, so writing a long clip takes roughly as
// long as playing it instead of returning with the whole clip pending.
type pacedBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	max    int
	buf    []byte
	closed bool
}

func newPacedBuffer(max int) *pacedBuffer {
	b := &pacedBuffer{max: max}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pacedBuffer) Write(pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(pcm) > 0 {
		for len(b.buf) >= b.max && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			return fmt.Errorf("speaker is closed")
		}
		n := b.max - len(b.buf)
		if n > len(pcm) {
			n = len(pcm)
		}
		b.buf = append(b.buf, pcm[:n]...)
		pcm = pcm[n:]
		b.cond.Broadcast()
	}
	return nil
}

// Read implements io.Reader for the oto player. Starved reads return
// silence so the device keeps running between segments; after close the
// remaining bytes drain and then Read reports EOF.
func (b *pacedBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf) == 0 {
		if b.closed {
			return 0, io.EOF
		}
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	b.cond.Broadcast()
	return n, nil
}

// waitDrained blocks until every buffered byte has been read or the
// buffer is closed.
func (b *pacedBuffer) waitDrained() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) > 0 && !b.closed {
		b.cond.Wait()
	}
}

func (b *pacedBuffer) clear() {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *pacedBuffer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *pacedBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.buf = nil
	b.cond.Broadcast()
	b.mu.Unlock()
}
