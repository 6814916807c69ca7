package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"
)

// playerBuffer bounds how far the device reads ahead of the scheduler, and
// so how much already-rendered audio can still play after a flush.
const playerBuffer = 50 * time.Millisecond

// oto allows a single context per process, so every output context shares
// it and suspends it on close.
var (
	otoOnce  sync.Once
	otoCtx   *oto.Context
	otoReady chan struct{}
	otoRate  int
	otoErr   error
)

func sharedOto(sampleRate int) (*oto.Context, chan struct{}, error) {
	otoOnce.Do(func() {
		otoRate = sampleRate
		otoCtx, otoReady, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   playerBuffer,
		})
	})
	if otoErr != nil {
		return nil, nil, fmt.Errorf("failed to init speaker: %w", otoErr)
	}
	if otoRate != sampleRate {
		return nil, nil, fmt.Errorf("speaker already running at %d Hz, cannot reopen at %d Hz", otoRate, sampleRate)
	}
	return otoCtx, otoReady, nil
}

type otoOutput struct {
	rate  int
	log   zerolog.Logger
	ctx   *oto.Context
	ready chan struct{}

	mu     sync.Mutex
	state  State
	player *oto.Player
}

func newOtoOutput(sampleRate int, log zerolog.Logger) (*otoOutput, error) {
	ctx, ready, err := sharedOto(sampleRate)
	if err != nil {
		return nil, err
	}
	return &otoOutput{
		rate:  sampleRate,
		log:   log,
		ctx:   ctx,
		ready: ready,
		state: StateSuspended,
	}, nil
}

func (o *otoOutput) SampleRate() int { return o.rate }

func (o *otoOutput) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Resume waits for the device to become ready and resumes it.
func (o *otoOutput) Resume(ctx context.Context) error {
	select {
	case <-o.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateClosed {
		return errors.New("output context is closed")
	}
	if err := o.ctx.Resume(); err != nil {
		return fmt.Errorf("failed to resume speaker: %w", err)
	}
	o.state = StateRunning
	return nil
}

func (o *otoOutput) Connect(r Renderer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateClosed {
		return errors.New("output context is closed")
	}
	if o.player != nil {
		_ = o.player.Close()
	}
	o.player = o.ctx.NewPlayer(&renderReader{r: r})
	o.player.SetBufferSize(bufferBytes(o.rate))
	o.player.Play()
	return nil
}

// Flush drops audio the player has already pulled but not yet played.
func (o *otoOutput) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player == nil {
		return nil
	}
	o.player.Pause()
	o.player.Reset()
	o.player.Play()
	return nil
}

func bufferBytes(sampleRate int) int {
	frames := int(int64(sampleRate) * int64(playerBuffer) / int64(time.Second))
	return frames * 4
}

func (o *otoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateClosed {
		return nil
	}
	o.state = StateClosed

	var errs []error
	if o.player != nil {
		o.player.Pause()
		errs = append(errs, o.player.Close())
		o.player = nil
	}
	errs = append(errs, o.ctx.Suspend())
	return errors.Join(errs...)
}

// renderReader adapts a Renderer to the io.Reader oto pulls from. It never
// blocks: when nothing is scheduled the renderer yields silence and the
// output clock keeps advancing.
type renderReader struct {
	r       Renderer
	scratch []float32
}

func (rr *renderReader) Read(p []byte) (int, error) {
	frames := len(p) / 4
	if frames == 0 {
		return 0, nil
	}
	if cap(rr.scratch) < frames {
		rr.scratch = make([]float32, frames)
	}
	buf := rr.scratch[:frames]
	rr.r.Render(buf)
	putFloat32sLE(p, buf)
	return frames * 4, nil
}
