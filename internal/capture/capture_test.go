package capture

import (
	"errors"
	"testing"
)

type mockMic struct {
	fn        func([]float32)
	startErr  error
	detachErr error
	detached  int
}

func (m *mockMic) Start(fn func([]float32)) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.fn = fn
	return nil
}

func (m *mockMic) Detach() error {
	m.detached++
	m.fn = nil
	return m.detachErr
}

func (m *mockMic) Stop() error { return nil }

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i)
	}
	return out
}

func TestPipeRechunksIntoExactFrames(t *testing.T) {
	mic := &mockMic{}
	p := New(4)
	var frames [][]float32
	if err := p.Start(mic, func(f []float32) { frames = append(frames, f) }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mic.fn(ramp(0, 3))
	if len(frames) != 0 {
		t.Fatalf("expected no frame from a partial callback, got %d", len(frames))
	}
	mic.fn(ramp(3, 7)) // completes two frames, leaves 2 pending
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f) != 4 {
			t.Fatalf("frame %d has %d samples", i, len(f))
		}
		for j, v := range f {
			if want := float32(i*4 + j); v != want {
				t.Fatalf("frame %d sample %d: got %v want %v", i, j, v, want)
			}
		}
	}

	mic.fn(ramp(10, 2))
	if len(frames) != 3 || frames[2][0] != 8 || frames[2][3] != 11 {
		t.Fatalf("unexpected third frame %v", frames)
	}
}

func TestPipeFramesDoNotAliasInput(t *testing.T) {
	mic := &mockMic{}
	p := New(2)
	var got []float32
	_ = p.Start(mic, func(f []float32) { got = f })

	in := []float32{0.1, 0.2}
	mic.fn(in)
	in[0] = 9
	if got[0] != 0.1 {
		t.Fatalf("frame aliases device buffer: %v", got)
	}
}

func TestPipeStopIsIdempotent(t *testing.T) {
	mic := &mockMic{}
	p := New(2)
	_ = p.Start(mic, func([]float32) {})
	if !p.Running() {
		t.Fatal("expected running after Start")
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if mic.detached != 1 {
		t.Fatalf("expected one detach, got %d", mic.detached)
	}
	if p.Running() {
		t.Fatal("expected stopped")
	}
}

func TestPipeIgnoresLateCallbacks(t *testing.T) {
	mic := &mockMic{}
	p := New(1)
	calls := 0
	_ = p.Start(mic, func([]float32) { calls++ })
	fn := mic.fn
	_ = p.Stop()

	fn([]float32{1, 2, 3})
	if calls != 0 {
		t.Fatalf("expected no frames after Stop, got %d", calls)
	}
}

func TestPipeStartErrors(t *testing.T) {
	p := New(0)
	if p.FrameSize() != DefaultFrameSize {
		t.Fatalf("expected default frame size, got %d", p.FrameSize())
	}

	boom := errors.New("boom")
	if err := p.Start(&mockMic{startErr: boom}, func([]float32) {}); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if p.Running() {
		t.Fatal("pipe should not be running after failed start")
	}

	mic := &mockMic{}
	_ = p.Start(mic, func([]float32) {})
	if err := p.Start(mic, func([]float32) {}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}
