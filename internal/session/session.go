package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/petems/voicelink/internal/audio"
	"github.com/petems/voicelink/internal/capture"
	"github.com/petems/voicelink/internal/live"
	"github.com/petems/voicelink/internal/pcm"
	"github.com/petems/voicelink/internal/playback"
	"github.com/petems/voicelink/internal/transcript"
	"github.com/rs/zerolog"
)

const (
	frameQueueSize = 8
	resumeTimeout  = 2 * time.Second
)

// Session owns the resources of one conversation. Fields are only touched
// by the controller loop, except during acquire, which runs before the loop
// sees the session again.
type Session struct {
	id      string
	gen     uint64
	deps    *Controller
	log     zerolog.Logger
	started time.Time
	cancel  context.CancelFunc

	input     audio.InputContext
	output    audio.OutputContext
	mic       audio.Microphone
	transport live.Transport
	pipe      *capture.Pipe
	scheduler *playback.Scheduler
	acc       *transcript.Accumulator

	frames     chan string
	stopWriter chan struct{}
	writerDone chan struct{}
}

// outcome tells the controller what a handled message changed.
type outcome struct {
	entries []transcript.Entry
	end     bool
	err     *Error
}

func newSession(c *Controller, gen uint64) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		gen:       gen,
		deps:      c,
		log:       c.log.With().Str("session_id", id).Logger(),
		started:   time.Now(),
		pipe:      capture.New(c.audio.FrameSize),
		scheduler: playback.New(c.audio.OutputSampleRate, func(bool) { c.poke() }),
		acc:       transcript.NewAccumulator(),
	}
}

// acquire opens both device contexts, the microphone and the transport.
// Whatever was acquired before a failure stays on the session for teardown.
func (s *Session) acquire(ctx context.Context) error {
	d := s.deps

	in, err := d.devices.NewInputContext(d.audio.InputSampleRate)
	if err != nil {
		return acquisitionError("open input context", err)
	}
	s.input = in
	if err := resume(ctx, in); err != nil {
		return acquisitionError("resume input context", err)
	}

	out, err := d.devices.NewOutputContext(d.audio.OutputSampleRate)
	if err != nil {
		return acquisitionError("open output context", err)
	}
	s.output = out
	if err := resume(ctx, out); err != nil {
		return acquisitionError("resume output context", err)
	}

	mic, err := in.OpenMicrophone(ctx, audio.Constraints{
		DeviceID:         d.audio.DeviceID,
		EchoCancellation: d.audio.EchoCancellation,
		NoiseSuppression: d.audio.NoiseSuppression,
		AutoGainControl:  d.audio.AutoGainControl,
	})
	if err != nil {
		return acquisitionError("open microphone", err)
	}
	s.mic = mic

	t, err := d.dialer.Dial(ctx, d.setup)
	if err != nil {
		return acquisitionError("connect", err)
	}
	s.transport = t

	return ctx.Err()
}

func resume(ctx context.Context, c audio.Context) error {
	if c.State() != audio.StateSuspended {
		return nil
	}
	return c.Resume(ctx)
}

// activate connects playback and starts streaming captured frames.
func (s *Session) activate() error {
	if err := s.output.Connect(s.scheduler); err != nil {
		return fmt.Errorf("connect playback: %w", err)
	}

	s.frames = make(chan string, frameQueueSize)
	s.stopWriter = make(chan struct{})
	s.writerDone = make(chan struct{})
	go s.writeLoop(s.transport, pcm.MIMEType(s.deps.audio.InputSampleRate))

	if err := s.pipe.Start(s.mic, s.onFrame); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	return nil
}

// onFrame runs on the capture device thread.
func (s *Session) onFrame(frame []float32) {
	select {
	case s.frames <- pcm.EncodeFrame(frame):
	default:
		s.deps.metrics.FramesDropped.Inc()
	}
}

func (s *Session) writeLoop(t live.Transport, mimeType string) {
	defer close(s.writerDone)
	for {
		select {
		case <-s.stopWriter:
			return
		case data := <-s.frames:
			if err := t.SendAudioFrame(data, mimeType); err != nil {
				if !errors.Is(err, live.ErrClosed) {
					s.deps.metrics.SendErrors.Inc()
					s.log.Warn().Err(err).Msg("Failed to send audio frame")
				}
				continue
			}
			s.deps.metrics.FramesSent.Inc()
		}
	}
}

func (s *Session) handle(ctx context.Context, msg live.Message) outcome {
	switch m := msg.(type) {
	case live.AudioChunk:
		s.play(ctx, m)
	case live.TranscriptFragment:
		s.acc.Append(m.Role, m.Text)
	case live.TurnComplete:
		entries := s.acc.Flush()
		s.deps.metrics.Turns.Inc()
		for _, e := range entries {
			s.deps.metrics.TranscriptEntries.WithLabelValues(e.Role.String()).Inc()
		}
		return outcome{entries: entries}
	case live.Interrupted:
		s.log.Debug().Int("segments", s.scheduler.Active()).Msg("Interrupted, flushing playback")
		s.scheduler.FlushAll()
		if s.output != nil {
			if err := s.output.Flush(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to flush speaker buffer")
			}
		}
		s.deps.metrics.Interruptions.Inc()
	case live.TransportError:
		return outcome{end: true, err: &Error{Kind: KindTransport, Op: "receive", Err: errors.New(m.Reason)}}
	case live.Closed:
		return outcome{end: true, err: &Error{Kind: KindTransportClosed, Op: "receive", Err: errors.New(m.Reason)}}
	default:
		s.log.Debug().Str("type", live.Type(msg)).Msg("Ignoring message")
	}
	return outcome{}
}

func (s *Session) play(ctx context.Context, m live.AudioChunk) {
	if s.output.State() == audio.StateSuspended {
		rctx, cancel := context.WithTimeout(ctx, resumeTimeout)
		err := s.output.Resume(rctx)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to resume output context")
		}
	}

	rate := pcm.ParseRate(m.MIMEType, s.scheduler.SampleRate())
	buf, err := pcm.DecodeChunk(m.Data, rate, 1)
	if err == nil {
		_, err = s.scheduler.Enqueue(buf)
	}
	if err != nil {
		s.deps.metrics.DecodeErrors.Inc()
		s.log.Warn().Err(err).Str("mime_type", m.MIMEType).Msg("Dropping audio chunk")
		return
	}
	s.deps.metrics.AudioChunks.Inc()
}

// teardown releases every acquired resource once. Each step runs even if
// an earlier one failed; handles are cleared as they are released.
func (s *Session) teardown() error {
	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			s.log.Warn().Err(err).Str("step", name).Msg("Teardown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	step("stop capture", s.pipe.Stop)
	if s.transport != nil {
		step("close transport", s.transport.Close)
		s.transport = nil
	}
	if s.stopWriter != nil {
		close(s.stopWriter)
		<-s.writerDone
		s.stopWriter = nil
		s.writerDone = nil
	}
	if s.mic != nil {
		step("stop microphone", s.mic.Stop)
		s.mic = nil
	}
	if s.input != nil {
		step("close input context", s.input.Close)
		s.input = nil
	}
	s.scheduler.FlushAll()
	if s.output != nil {
		step("close output context", s.output.Close)
		s.output = nil
	}
	s.acc.Reset()

	return errors.Join(errs...)
}
