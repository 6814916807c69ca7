package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/petems/voicelink/internal/permissions"
	"github.com/rs/zerolog"
)

type malgoInput struct {
	rate int
	log  zerolog.Logger

	mu    sync.Mutex
	ctx   *malgo.AllocatedContext
	state State
}

func newMalgoInput(sampleRate int, log zerolog.Logger) (*malgoInput, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	return &malgoInput{
		rate:  sampleRate,
		log:   log,
		ctx:   ctx,
		state: StateSuspended,
	}, nil
}

func (m *malgoInput) SampleRate() int { return m.rate }

func (m *malgoInput) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *malgoInput) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return errors.New("input context is closed")
	}
	m.state = StateRunning
	return ctx.Err()
}

func (m *malgoInput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return nil
	}
	m.state = StateClosed
	err := m.ctx.Uninit()
	m.ctx.Free()
	return err
}

func (m *malgoInput) OpenMicrophone(ctx context.Context, c Constraints) (Microphone, error) {
	if err := permissions.CheckMicrophone(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return nil, errors.New("input context is closed")
	}

	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	if len(infos) == 0 {
		return nil, ErrDeviceNotFound
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.rate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	if c.DeviceID != "" {
		found := false
		for _, info := range infos {
			if info.Name() == c.DeviceID {
				deviceConfig.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, c.DeviceID)
		}
	}
	logConstraints(m.log, "malgo", c)

	mic := &malgoMic{}
	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: mic.process,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init microphone: %w", err)
	}
	mic.device = device

	m.log.Info().Int("sample_rate", m.rate).Msg("Microphone acquired")
	return mic, nil
}

type malgoMic struct {
	device *malgo.Device

	mu      sync.Mutex
	fn      func([]float32)
	scratch []float32
	started bool
	stopped bool
}

// process runs on the miniaudio device thread.
func (m *malgoMic) process(_, input []byte, _ uint32) {
	m.mu.Lock()
	fn := m.fn
	if fn == nil {
		m.mu.Unlock()
		return
	}
	m.scratch = float32sFromLE(input, m.scratch)
	samples := m.scratch
	m.mu.Unlock()
	fn(samples)
}

func (m *malgoMic) Start(fn func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.New("microphone is stopped")
	}
	m.fn = fn
	if m.started {
		return nil
	}
	if err := m.device.Start(); err != nil {
		m.fn = nil
		return fmt.Errorf("failed to start microphone: %w", err)
	}
	m.started = true
	return nil
}

func (m *malgoMic) Detach() error {
	m.mu.Lock()
	m.fn = nil
	started := m.started
	m.started = false
	m.mu.Unlock()

	if started {
		return m.device.Stop()
	}
	return nil
}

func (m *malgoMic) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	err := m.Detach()
	m.device.Uninit()
	return err
}

func listMalgoDevices() ([]AudioDevice, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	result := make([]AudioDevice, 0, len(infos))
	for _, info := range infos {
		result = append(result, AudioDevice{
			ID:      info.Name(),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return result, nil
}
