package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/petems/voicelink/internal/audio"
	"github.com/petems/voicelink/internal/config"
	"github.com/petems/voicelink/internal/live"
	"github.com/petems/voicelink/internal/metrics"
	"github.com/petems/voicelink/internal/pcm"
	"github.com/petems/voicelink/internal/transcript"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type harness struct {
	ctrl      *Controller
	devices   *mockDevices
	mic       *mockMic
	transport *mockTransport
	dialer    *mockDialer
	display   *recordingDisplay
	metrics   *metrics.Metrics
	cancel    context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mic := &mockMic{}
	h := &harness{
		devices: &mockDevices{
			input:  &mockInput{mockContext: mockContext{state: audio.StateSuspended}, mic: mic},
			output: &mockOutput{mockContext: mockContext{state: audio.StateSuspended}},
		},
		mic:       mic,
		transport: newMockTransport(),
		display:   &recordingDisplay{},
		metrics:   metrics.New(),
	}
	h.dialer = &mockDialer{transport: h.transport}
	h.ctrl = New(Config{
		Devices: h.devices,
		Dialer:  h.dialer,
		Setup:   live.DefaultSetup(),
		Audio:   config.Default().Audio,
		Metrics: h.metrics,
		Display: h.display,
		Logger:  zerolog.Nop(),
	})
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.ctrl.Done()
	})
}

func (h *harness) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	waitFor(t, "phase "+p.String(), func() bool { return h.ctrl.Snapshot().Phase == p })
}

// activate drives the controller from Idle to Active.
func (h *harness) activate(t *testing.T) {
	t.Helper()
	h.ctrl.Start()
	h.transport.deliver(live.Opened{})
	h.waitPhase(t, Active)
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	if n := h.transport.closeCount(); n != 1 {
		t.Errorf("transport closed %d times, want 1", n)
	}
	if _, _, stopped := h.mic.counts(); stopped != 1 {
		t.Errorf("microphone stopped %d times, want 1", stopped)
	}
	if n := h.devices.input.closeCount(); n != 1 {
		t.Errorf("input context closed %d times, want 1", n)
	}
	if n := h.devices.output.closeCount(); n != 1 {
		t.Errorf("output context closed %d times, want 1", n)
	}
}

func chunk(samples int) live.AudioChunk {
	s := make([]float32, samples)
	for i := range s {
		s[i] = 0.25
	}
	return live.AudioChunk{Data: pcm.EncodeFrame(s), MIMEType: pcm.MIMEType(pcm.OutputSampleRate)}
}

func TestStartReachesActive(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	if got := h.ctrl.Snapshot().Phase; got != Idle {
		t.Fatalf("initial phase %v, want idle", got)
	}

	h.activate(t)

	snap := h.ctrl.Snapshot()
	if snap.SessionID == "" {
		t.Error("expected a session id while active")
	}
	if want := []Phase{Idle, Connecting, Active}; !reflect.DeepEqual(h.display.phases(), want) {
		t.Errorf("phases %v, want %v", h.display.phases(), want)
	}
	if h.devices.input.rate != 16000 || h.devices.output.rate != 24000 {
		t.Errorf("unexpected context rates %d/%d", h.devices.input.rate, h.devices.output.rate)
	}
	if h.devices.input.resumed != 1 || h.devices.output.resumed != 1 {
		t.Error("expected suspended contexts to be resumed")
	}
	c := h.devices.input.constraints
	if !c.EchoCancellation || !c.NoiseSuppression || !c.AutoGainControl {
		t.Errorf("unexpected capture constraints %+v", c)
	}
	if started, _, _ := h.mic.counts(); started != 1 {
		t.Errorf("microphone started %d times, want 1", started)
	}
	if !h.dialer.setup.InputTranscription || !h.dialer.setup.OutputTranscription {
		t.Error("expected transcription requested at setup")
	}
	if got := testutil.ToFloat64(h.metrics.SessionsStarted); got != 1 {
		t.Errorf("sessions started = %v", got)
	}
}

func TestCapturedFramesAreSent(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.activate(t)

	frame := make([]float32, 4096)
	for i := range frame {
		frame[i] = float32(i%100) / 100
	}
	h.mic.feed(frame[:1000])
	h.mic.feed(frame[1000:])

	waitFor(t, "frame sent", func() bool { return len(h.transport.sentFrames()) == 1 })
	got := h.transport.sentFrames()[0]
	if got.mimeType != "audio/pcm;rate=16000" {
		t.Errorf("mime type %q", got.mimeType)
	}
	if got.data != pcm.EncodeFrame(frame) {
		t.Error("sent frame does not match encoded capture")
	}
	waitFor(t, "frames sent metric", func() bool { return testutil.ToFloat64(h.metrics.FramesSent) == 1 })
}

func TestAudioChunkSchedulesPlayback(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.activate(t)

	h.transport.deliver(chunk(2400), chunk(2400))
	waitFor(t, "speaking", func() bool { return h.ctrl.Snapshot().Speaking })

	out := h.devices.output.render(4800)
	if out[0] != 0.25 || out[4799] != 0.25 {
		t.Fatalf("expected gapless playback, got %v .. %v", out[0], out[4799])
	}
	waitFor(t, "speaking cleared", func() bool { return !h.ctrl.Snapshot().Speaking })

	if got := testutil.ToFloat64(h.metrics.AudioChunks); got != 2 {
		t.Errorf("audio chunks = %v, want 2", got)
	}
}

func TestInterruptedFlushesPlayback(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.activate(t)

	h.transport.deliver(chunk(24000), chunk(24000))
	waitFor(t, "speaking", func() bool { return h.ctrl.Snapshot().Speaking })

	h.transport.deliver(live.Interrupted{})
	waitFor(t, "speaking cleared", func() bool { return !h.ctrl.Snapshot().Speaking })
	if got := h.devices.output.flushCount(); got != 1 {
		t.Fatalf("expected speaker buffer flushed once, got %d", got)
	}

	for _, v := range h.devices.output.render(512) {
		if v != 0 {
			t.Fatal("expected silence after interruption")
		}
	}
	if h.ctrl.Snapshot().Phase != Active {
		t.Error("interruption must not end the session")
	}

	// Next chunk schedules from now, not after the flushed audio.
	h.transport.deliver(chunk(240))
	waitFor(t, "speaking again", func() bool { return h.ctrl.Snapshot().Speaking })
	if out := h.devices.output.render(240); out[0] != 0.25 {
		t.Errorf("expected new chunk to play immediately, got %v", out[0])
	}
	if got := testutil.ToFloat64(h.metrics.Interruptions); got != 1 {
		t.Errorf("interruptions = %v, want 1", got)
	}
}

func TestTurnCompleteFlushesTranscript(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.activate(t)

	h.transport.deliver(
		live.TranscriptFragment{Role: transcript.RoleUser, Text: "a"},
		live.TranscriptFragment{Role: transcript.RoleAgent, Text: "b"},
		live.TranscriptFragment{Role: transcript.RoleUser, Text: "c"},
		live.TurnComplete{},
	)
	waitFor(t, "entries", func() bool { return len(h.ctrl.Snapshot().Entries) == 2 })

	entries := h.ctrl.Snapshot().Entries
	if entries[0].Role != transcript.RoleUser || entries[0].Text != "ac" {
		t.Errorf("first entry %+v", entries[0])
	}
	if entries[1].Role != transcript.RoleAgent || entries[1].Text != "b" {
		t.Errorf("second entry %+v", entries[1])
	}

	// A blank turn adds nothing.
	h.transport.deliver(live.TranscriptFragment{Role: transcript.RoleAgent, Text: "  "}, live.TurnComplete{})
	waitFor(t, "second turn", func() bool { return testutil.ToFloat64(h.metrics.Turns) == 2 })
	if n := len(h.ctrl.Snapshot().Entries); n != 2 {
		t.Errorf("blank turn changed transcript: %d entries", n)
	}
	if len(h.ctrl.Transcript()) != 2 {
		t.Error("Transcript() should match the snapshot")
	}
}

func TestTransportErrorTearsDown(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.activate(t)

	h.transport.deliver(live.TransportError{Reason: "boom"}, live.Closed{Reason: "abnormal"})
	h.waitPhase(t, Idle)

	snap := h.ctrl.Snapshot()
	if snap.Err != "Connection disrupted. Let's try reconnecting." {
		t.Errorf("unexpected error message %q", snap.Err)
	}
	if snap.SessionID != "" || snap.Speaking {
		t.Errorf("idle snapshot still references a session: %+v", snap)
	}
	h.assertReleased(t)
	if got := testutil.ToFloat64(h.metrics.SessionErrors.WithLabelValues("transport")); got != 1 {
		t.Errorf("transport errors = %v", got)
	}
}

func TestRemoteCloseIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.activate(t)

	h.transport.deliver(live.Closed{Reason: "1000: bye"})
	h.waitPhase(t, Idle)

	if msg := h.ctrl.Snapshot().Err; msg != "" {
		t.Errorf("expected no user-visible error, got %q", msg)
	}
	if got := testutil.CollectAndCount(h.metrics.SessionErrors); got != 0 {
		t.Errorf("a clean remote close must not count as an error, got %d series", got)
	}
	if got := testutil.ToFloat64(h.metrics.RemoteCloses); got != 1 {
		t.Errorf("remote closes = %v, want 1", got)
	}
	h.assertReleased(t)
}

func TestStopThenCloseReleasesOnce(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.activate(t)

	h.ctrl.Stop()
	h.transport.deliver(live.Closed{Reason: "late"})
	h.ctrl.Stop()
	h.waitPhase(t, Idle)

	// Give the stale Closed a chance to be processed.
	h.ctrl.DismissError()
	waitFor(t, "events drained", func() bool { return len(h.ctrl.events) == 0 })

	h.assertReleased(t)
	if _, detached, _ := h.mic.counts(); detached != 1 {
		t.Errorf("capture detached %d times, want 1", detached)
	}
	if h.ctrl.Snapshot().Err != "" {
		t.Error("user stop must not surface an error")
	}
}

func TestAcquisitionFailureRollsBack(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantMsg string
		kind    string
		dialed  bool
	}{
		{
			name:    "permission denied",
			setup:   func(h *harness) { h.devices.input.micErr = fmt.Errorf("open stream: %w", audio.ErrPermissionDenied) },
			wantMsg: "Microphone permission denied. Please enable it in settings.",
			kind:    "permission",
		},
		{
			name:    "no microphone",
			setup:   func(h *harness) { h.devices.input.micErr = audio.ErrDeviceNotFound },
			wantMsg: "No microphone found on this device.",
			kind:    "device_not_found",
		},
		{
			name:    "connection refused",
			setup:   func(h *harness) { h.dialer.err = errors.New("connection refused") },
			wantMsg: "Could not access microphone or connect to the voice service.",
			kind:    "acquisition",
			dialed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			h.run(t)

			h.ctrl.Start()
			waitFor(t, "error surfaced", func() bool { return h.ctrl.Snapshot().Err != "" })

			snap := h.ctrl.Snapshot()
			if snap.Phase != Idle {
				t.Errorf("phase %v, want idle", snap.Phase)
			}
			if snap.Err != tt.wantMsg {
				t.Errorf("message %q, want %q", snap.Err, tt.wantMsg)
			}
			if h.devices.input.closeCount() != 1 || h.devices.output.closeCount() != 1 {
				t.Error("expected both device contexts released")
			}
			if started, _, _ := h.mic.counts(); started != 0 {
				t.Error("capture must not start after a failed acquisition")
			}
			if got := h.dialer.dialCount() == 1; got != tt.dialed {
				t.Errorf("dialed = %v, want %v", got, tt.dialed)
			}
			if got := testutil.ToFloat64(h.metrics.SessionErrors.WithLabelValues(tt.kind)); got != 1 {
				t.Errorf("%s errors = %v", tt.kind, got)
			}
		})
	}
}

func TestStopWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.dialer.block = true
	h.run(t)

	h.ctrl.Start()
	waitFor(t, "dialing", func() bool { return h.dialer.dialCount() == 1 })

	h.ctrl.Stop()
	h.waitPhase(t, Idle)

	if want := []Phase{Idle, Connecting, Closing, Idle}; !reflect.DeepEqual(h.display.phases(), want) {
		t.Errorf("phases %v, want %v", h.display.phases(), want)
	}
	if h.ctrl.Snapshot().Err != "" {
		t.Error("cancelled start must not surface an error")
	}
	if h.devices.input.closeCount() != 1 || h.devices.output.closeCount() != 1 {
		t.Error("expected device contexts released")
	}
	if _, _, stopped := h.mic.counts(); stopped != 1 {
		t.Error("expected microphone released")
	}
	if h.transport.closeCount() != 0 {
		t.Error("transport was never opened and must not be closed")
	}
}

func TestDecodeErrorKeepsSessionActive(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.activate(t)

	h.transport.deliver(
		live.AudioChunk{Data: "not base64!", MIMEType: "audio/pcm;rate=24000"},
		live.AudioChunk{Data: pcm.ToText([]byte{1, 2, 3}), MIMEType: "audio/pcm;rate=24000"},
	)
	waitFor(t, "decode errors", func() bool { return testutil.ToFloat64(h.metrics.DecodeErrors) == 2 })

	h.transport.deliver(chunk(240))
	waitFor(t, "speaking", func() bool { return h.ctrl.Snapshot().Speaking })
	if snap := h.ctrl.Snapshot(); snap.Phase != Active || snap.Err != "" {
		t.Errorf("decode errors must not disturb the session: %+v", snap)
	}
}

func TestStartIgnoredWhenNotIdle(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.activate(t)

	h.ctrl.Start()
	h.ctrl.DismissError()
	waitFor(t, "events drained", func() bool { return len(h.ctrl.events) == 0 })

	if n := h.dialer.dialCount(); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
	if h.ctrl.Snapshot().Phase != Active {
		t.Error("second start must not disturb the active session")
	}
}

func TestDismissErrorKeepsPhase(t *testing.T) {
	h := newHarness(t)
	h.devices.input.micErr = audio.ErrDeviceNotFound
	h.run(t)

	h.ctrl.Start()
	waitFor(t, "error", func() bool { return h.ctrl.Snapshot().Err != "" })

	h.ctrl.DismissError()
	waitFor(t, "error cleared", func() bool { return h.ctrl.Snapshot().Err == "" })
	if h.ctrl.Snapshot().Phase != Idle {
		t.Error("dismiss must not change phase")
	}

	// A new start clears any earlier error too.
	h.devices.input.mu.Lock()
	h.devices.input.micErr = nil
	h.devices.input.mu.Unlock()
	h.activate(t)
}

func TestRunCancelTearsDown(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.activate(t)

	h.cancel()
	<-h.ctrl.Done()

	h.assertReleased(t)
	if h.ctrl.Snapshot().Phase != Idle {
		t.Error("expected idle after shutdown")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	s := newSession(h.ctrl, 1)
	s.input = h.devices.input
	s.output = h.devices.output
	s.mic = h.mic
	s.transport = h.transport
	if err := s.activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !s.holdsAll() {
		t.Fatal("expected all resources held after activate")
	}

	if err := s.teardown(); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if err := s.teardown(); err != nil {
		t.Fatalf("second teardown: %v", err)
	}
	if !s.released() {
		t.Fatal("expected every resource released")
	}
	h.assertReleased(t)
}

func TestFullFrameQueueDropsFrames(t *testing.T) {
	h := newHarness(t)
	s := newSession(h.ctrl, 1)
	s.frames = make(chan string, 1)

	s.onFrame([]float32{0.1})
	s.onFrame([]float32{0.2})

	if got := testutil.ToFloat64(h.metrics.FramesDropped); got != 1 {
		t.Errorf("frames dropped = %v, want 1", got)
	}
}
