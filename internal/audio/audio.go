package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/petems/voicelink/internal/config"
	"github.com/rs/zerolog"
)

var (
	// ErrPermissionDenied is returned when the OS refuses microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceNotFound is returned when no capture device is available.
	ErrDeviceNotFound = errors.New("no capture device found")
)

// State mirrors the lifecycle of a platform audio context.
type State int

const (
	StateSuspended State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Context is an audio device context running at a fixed sample rate.
type Context interface {
	SampleRate() int
	State() State
	Resume(ctx context.Context) error
	Close() error
}

// Constraints are the processing options requested for the microphone.
type Constraints struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Microphone is an acquired capture stream.
type Microphone interface {
	// Start delivers captured mono samples to fn on the device thread.
	// The slice is only valid for the duration of the call.
	Start(fn func(samples []float32)) error
	// Detach stops delivering samples but keeps the device open.
	Detach() error
	// Stop releases the device. Safe to call more than once.
	Stop() error
}

// InputContext is the capture-side context.
type InputContext interface {
	Context
	OpenMicrophone(ctx context.Context, c Constraints) (Microphone, error)
}

// Renderer produces output samples on demand.
type Renderer interface {
	Render(dst []float32)
}

// OutputContext is the playback-side context.
type OutputContext interface {
	Context
	// Connect makes r the destination source; the device pulls from it
	// until the context is closed.
	Connect(r Renderer) error
	// Flush discards audio the device has buffered but not yet played.
	Flush() error
}

// Devices acquires audio contexts from the platform.
type Devices interface {
	NewInputContext(sampleRate int) (InputContext, error)
	NewOutputContext(sampleRate int) (OutputContext, error)
	ListDevices() ([]AudioDevice, error)
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID      string
	Name    string
	Default bool
}

type devices struct {
	cfg config.AudioConfig
	log zerolog.Logger
}

// New returns the platform devices for the configured capture backend.
// Playback always goes through oto.
func New(cfg config.AudioConfig, log zerolog.Logger) (Devices, error) {
	switch cfg.CaptureBackend {
	case config.BackendPortAudio, config.BackendMalgo:
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.CaptureBackend)
	}
	return &devices{cfg: cfg, log: log.With().Str("component", "audio").Logger()}, nil
}

func (d *devices) NewInputContext(sampleRate int) (InputContext, error) {
	if d.cfg.CaptureBackend == config.BackendMalgo {
		return newMalgoInput(sampleRate, d.log)
	}
	return newPortAudioInput(sampleRate, d.cfg.FrameSize, d.log)
}

func (d *devices) NewOutputContext(sampleRate int) (OutputContext, error) {
	return newOtoOutput(sampleRate, d.log)
}

func (d *devices) ListDevices() ([]AudioDevice, error) {
	if d.cfg.CaptureBackend == config.BackendMalgo {
		return listMalgoDevices()
	}
	return listPortAudioDevices()
}

func logConstraints(log zerolog.Logger, backend string, c Constraints) {
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		log.Debug().
			Str("backend", backend).
			Bool("echo_cancellation", c.EchoCancellation).
			Bool("noise_suppression", c.NoiseSuppression).
			Bool("auto_gain_control", c.AutoGainControl).
			Msg("Capture processing not provided by backend; using raw device input")
	}
}
