package audio

import (
	"fmt"

	"github.com/rs/zerolog"
)

// DataCallback receives one chunk of float samples from a capture device.
type DataCallback func(samples []float32)

// Context owns a platform audio backend and can open capture devices.
type Context interface {
	NewCapture(format Format, cb DataCallback) (CaptureDevice, error)
	Close()
}

// CaptureDevice is one open microphone stream.
type CaptureDevice interface {
	Start() error
	Stop()
	Close()
}

// Forward sends one encoded PCM frame to the live transport.
type Forward func(frame []byte) error

// Pipeline chunks microphone input, encodes each chunk and forwards it,
// unless the gate reports that the assistant is currently speaking. No
// buffering beyond the chunk in flight; a slow forward blocks only that
// chunk's callback.
type Pipeline struct {
	actx    Context
	device  CaptureDevice
	ownsCtx bool
	log     zerolog.Logger
}

// StartPipeline opens one capture stream on actx and starts forwarding.
// The gate is consulted per chunk: while it returns true the chunk is
// dropped so the assistant does not hear its own output.
func StartPipeline(actx Context, gate func() bool, forward Forward, log zerolog.Logger) (*Pipeline, error) {
	p := &Pipeline{actx: actx, log: log}
	device, err := actx.NewCapture(CaptureFormat, func(samples []float32) {
		if gate() {
			return
		}
		if err := forward(EncodeFrame(samples)); err != nil {
			log.Warn().Err(err).Msg("drop capture frame: forward failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	p.device = device
	if err := device.Start(); err != nil {
		device.Close()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	return p, nil
}

// Stop halts the microphone stream. The device stays open until Close.
func (p *Pipeline) Stop() {
	if p == nil || p.device == nil {
		return
	}
	p.device.Stop()
}

// Close releases the capture device. Safe to call after Stop and more
// than once.
func (p *Pipeline) Close() {
	if p == nil {
		return
	}
	if p.device != nil {
		p.device.Close()
		p.device = nil
	}
}
