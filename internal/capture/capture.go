// Package capture taps a microphone stream and hands out fixed-size frames.
package capture

import (
	"errors"
	"sync"

	"github.com/petems/voicelink/internal/audio"
)

// DefaultFrameSize is the number of samples per delivered frame.
const DefaultFrameSize = 4096

var ErrAlreadyRunning = errors.New("capture pipe already running")

// Pipe re-chunks device callbacks into exact frames of frameSize samples.
type Pipe struct {
	frameSize int

	mu      sync.Mutex
	mic     audio.Microphone
	onFrame func([]float32)
	pending []float32
	running bool
}

func New(frameSize int) *Pipe {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &Pipe{frameSize: frameSize}
}

// FrameSize returns the configured frame length in samples.
func (p *Pipe) FrameSize() int { return p.frameSize }

// Start attaches the tap to mic. onFrame runs synchronously on the device
// callback thread and must not block; the frame slice is owned by the callee.
func (p *Pipe) Start(mic audio.Microphone, onFrame func(frame []float32)) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.mic = mic
	p.onFrame = onFrame
	p.pending = make([]float32, 0, p.frameSize)
	p.running = true
	p.mu.Unlock()

	if err := mic.Start(p.process); err != nil {
		p.mu.Lock()
		p.running = false
		p.mic = nil
		p.onFrame = nil
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Pipe) process(samples []float32) {
	var frames [][]float32

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	for len(samples) > 0 {
		n := p.frameSize - len(p.pending)
		if n > len(samples) {
			n = len(samples)
		}
		p.pending = append(p.pending, samples[:n]...)
		samples = samples[n:]
		if len(p.pending) == p.frameSize {
			frames = append(frames, p.pending)
			p.pending = make([]float32, 0, p.frameSize)
		}
	}
	onFrame := p.onFrame
	p.mu.Unlock()

	for _, f := range frames {
		onFrame(f)
	}
}

// Stop detaches the tap and drops any partial frame. Calling Stop on a
// stopped pipe is a no-op.
func (p *Pipe) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	mic := p.mic
	p.running = false
	p.mic = nil
	p.onFrame = nil
	p.pending = nil
	p.mu.Unlock()

	return mic.Detach()
}

func (p *Pipe) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
