package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/petems/voicelink/internal/permissions"
	"github.com/rs/zerolog"
)

type portAudioInput struct {
	rate      int
	frameSize int
	log       zerolog.Logger

	mu    sync.Mutex
	state State
}

func newPortAudioInput(sampleRate, frameSize int, log zerolog.Logger) (*portAudioInput, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioInput{
		rate:      sampleRate,
		frameSize: frameSize,
		log:       log,
		state:     StateSuspended,
	}, nil
}

func (p *portAudioInput) SampleRate() int { return p.rate }

func (p *portAudioInput) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Resume marks the context running. PortAudio has no suspended state of its
// own; streams start when the microphone tap attaches.
func (p *portAudioInput) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return errors.New("input context is closed")
	}
	p.state = StateRunning
	return ctx.Err()
}

func (p *portAudioInput) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return nil
	}
	p.state = StateClosed
	return portaudio.Terminate()
}

func (p *portAudioInput) OpenMicrophone(ctx context.Context, c Constraints) (Microphone, error) {
	if err := permissions.CheckMicrophone(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	device, err := findPortAudioDevice(c.DeviceID)
	if err != nil {
		return nil, err
	}
	logConstraints(p.log, "portaudio", c)

	mic := &portAudioMic{}
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(p.rate),
		FramesPerBuffer: p.frameSize,
	}, mic.process)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}
	mic.stream = stream

	p.log.Info().Str("device", device.Name).Int("sample_rate", p.rate).Msg("Microphone acquired")
	return mic, nil
}

func findPortAudioDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil || device == nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

type portAudioMic struct {
	stream *portaudio.Stream

	mu      sync.Mutex
	fn      func([]float32)
	started bool
	stopped bool
}

// process runs on the PortAudio callback thread.
func (m *portAudioMic) process(in []float32) {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		fn(in)
	}
}

func (m *portAudioMic) Start(fn func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.New("microphone is stopped")
	}
	m.fn = fn
	if m.started {
		return nil
	}
	if err := m.stream.Start(); err != nil {
		m.fn = nil
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	m.started = true
	return nil
}

func (m *portAudioMic) Detach() error {
	m.mu.Lock()
	m.fn = nil
	started := m.started
	m.started = false
	m.mu.Unlock()

	if started {
		return m.stream.Stop()
	}
	return nil
}

func (m *portAudioMic) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	detachErr := m.Detach()
	return errors.Join(detachErr, m.stream.Close())
}

func listPortAudioDevices() ([]AudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]AudioDevice, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, AudioDevice{
				ID:      d.Name,
				Name:    d.Name,
				Default: d == defaultDevice,
			})
		}
	}

	return result, nil
}
