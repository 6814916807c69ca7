package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petems/voicelink/internal/audio"
	"github.com/petems/voicelink/internal/live"
)

type mockMic struct {
	mu       sync.Mutex
	fn       func([]float32)
	started  int
	detached int
	stopped  int
}

func (m *mockMic) Start(fn func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	m.started++
	return nil
}

func (m *mockMic) Detach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = nil
	m.detached++
	return nil
}

func (m *mockMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	return nil
}

// feed simulates a device callback.
func (m *mockMic) feed(samples []float32) {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func (m *mockMic) counts() (started, detached, stopped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.detached, m.stopped
}

type mockContext struct {
	mu      sync.Mutex
	rate    int
	state   audio.State
	resumed int
	closed  int
}

func (c *mockContext) SampleRate() int { return c.rate }

func (c *mockContext) State() audio.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *mockContext) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed++
	c.state = audio.StateRunning
	return nil
}

func (c *mockContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.state = audio.StateClosed
	return nil
}

func (c *mockContext) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type mockInput struct {
	mockContext
	mic         *mockMic
	micErr      error
	constraints audio.Constraints
}

func (i *mockInput) OpenMicrophone(_ context.Context, c audio.Constraints) (audio.Microphone, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.constraints = c
	if i.micErr != nil {
		return nil, i.micErr
	}
	return i.mic, nil
}

type mockOutput struct {
	mockContext
	renderer audio.Renderer
	flushes  int
}

func (o *mockOutput) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes++
	return nil
}

func (o *mockOutput) flushCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushes
}

func (o *mockOutput) Connect(r audio.Renderer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.renderer = r
	return nil
}

// render simulates the playback device pulling n frames.
func (o *mockOutput) render(n int) []float32 {
	o.mu.Lock()
	r := o.renderer
	o.mu.Unlock()
	buf := make([]float32, n)
	if r != nil {
		r.Render(buf)
	}
	return buf
}

type mockDevices struct {
	input     *mockInput
	output    *mockOutput
	inputErr  error
	outputErr error
}

func (d *mockDevices) NewInputContext(rate int) (audio.InputContext, error) {
	if d.inputErr != nil {
		return nil, d.inputErr
	}
	d.input.rate = rate
	return d.input, nil
}

func (d *mockDevices) NewOutputContext(rate int) (audio.OutputContext, error) {
	if d.outputErr != nil {
		return nil, d.outputErr
	}
	d.output.rate = rate
	return d.output, nil
}

func (d *mockDevices) ListDevices() ([]audio.AudioDevice, error) {
	return []audio.AudioDevice{{ID: "default", Name: "Default", Default: true}}, nil
}

type sentFrame struct {
	data     string
	mimeType string
}

type mockTransport struct {
	mu     sync.Mutex
	ch     chan live.Message
	sent   []sentFrame
	closed int
}

func newMockTransport() *mockTransport {
	return &mockTransport{ch: make(chan live.Message, 32)}
}

func (t *mockTransport) SendAudioFrame(data, mimeType string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return live.ErrClosed
	}
	t.sent = append(t.sent, sentFrame{data, mimeType})
	return nil
}

func (t *mockTransport) Messages() <-chan live.Message { return t.ch }

// Close behaves like the real transports: the stream ends with Closed.
func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	if t.closed == 1 {
		t.ch <- live.Closed{Reason: "closed by client"}
		close(t.ch)
	}
	return nil
}

// deliver pushes a server message unless the transport is closed.
func (t *mockTransport) deliver(msgs ...live.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return
	}
	for _, m := range msgs {
		t.ch <- m
	}
}

func (t *mockTransport) sentFrames() []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentFrame(nil), t.sent...)
}

func (t *mockTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type mockDialer struct {
	mu        sync.Mutex
	transport *mockTransport
	err       error
	block     bool
	dials     int
	setup     live.SetupConfig
}

func (d *mockDialer) Dial(ctx context.Context, setup live.SetupConfig) (live.Transport, error) {
	d.mu.Lock()
	d.dials++
	d.setup = setup
	block, err := d.block, d.err
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return d.transport, nil
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordingDisplay struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recordingDisplay) Render(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recordingDisplay) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.Phase {
			out = append(out, s.Phase)
		}
	}
	return out
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// holdsAll reports whether every resource an active session needs is held.
func (s *Session) holdsAll() bool {
	return s.input != nil && s.output != nil && s.mic != nil && s.transport != nil && s.pipe.Running()
}

// released reports whether every resource has been let go.
func (s *Session) released() bool {
	return s.input == nil && s.output == nil && s.mic == nil && s.transport == nil && !s.pipe.Running()
}
