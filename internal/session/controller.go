// Package session runs the voice session state machine: it acquires audio
// devices and a live transport, relays captured audio out, plays synthesized
// audio back and accumulates the transcript turn by turn.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petems/voicelink/internal/audio"
	"github.com/petems/voicelink/internal/config"
	"github.com/petems/voicelink/internal/live"
	"github.com/petems/voicelink/internal/metrics"
	"github.com/petems/voicelink/internal/transcript"
	"github.com/rs/zerolog"
)

type Phase int

const (
	Idle Phase = iota
	Connecting
	Active
	Closing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Snapshot is the state pushed to displays.
type Snapshot struct {
	SessionID string
	Phase     Phase
	Speaking  bool
	Entries   []transcript.Entry
	// Err is the user-visible error message, empty when there is none.
	Err string
}

// Display renders snapshots. Render is called from the controller loop and
// must not block.
type Display interface {
	Render(s Snapshot)
}

type Config struct {
	Devices audio.Devices
	Dialer  live.Dialer
	Setup   live.SetupConfig
	Audio   config.AudioConfig
	Metrics *metrics.Metrics // Optional
	Display Display          // Optional - can be nil
	Logger  zerolog.Logger
}

type event interface{}

type (
	startIntent   struct{}
	stopIntent    struct{}
	dismissIntent struct{}

	acquiredEvent struct {
		gen uint64
		err error
	}

	messageEvent struct {
		gen uint64
		msg live.Message
	}
)

// Controller serializes intents, acquisition results, transport messages
// and playback changes onto the goroutine running Run.
type Controller struct {
	devices audio.Devices
	dialer  live.Dialer
	setup   live.SetupConfig
	audio   config.AudioConfig
	metrics *metrics.Metrics
	display Display
	log     zerolog.Logger

	events chan event
	nudge  chan struct{}
	done   chan struct{}

	// Owned by Run.
	phase     Phase
	current   *Session
	gen       uint64
	acquiring bool
	errMsg    string
	history   transcript.Log

	mu   sync.RWMutex
	snap Snapshot
}

func New(cfg Config) *Controller {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Controller{
		devices: cfg.Devices,
		dialer:  cfg.Dialer,
		setup:   cfg.Setup,
		audio:   cfg.Audio,
		metrics: m,
		display: cfg.Display,
		log:     cfg.Logger.With().Str("component", "session").Logger(),
		events:  make(chan event, 16),
		nudge:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start requests a new session. Ignored unless idle.
func (c *Controller) Start() { c.post(startIntent{}) }

// Stop ends the current session, cancelling it if still connecting.
func (c *Controller) Stop() { c.post(stopIntent{}) }

// DismissError clears the error message without touching the session.
func (c *Controller) DismissError() { c.post(dismissIntent{}) }

// Snapshot returns the last published state. Safe from any goroutine.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Transcript returns the transcript recorded so far.
func (c *Controller) Transcript() []transcript.Entry {
	return c.history.Entries()
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) post(e event) bool {
	select {
	case c.events <- e:
		return true
	case <-c.done:
		return false
	}
}

// poke coalesces playback state changes. Called from the audio device thread.
func (c *Controller) poke() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// Run processes events until ctx is cancelled, then tears down any session.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case e := <-c.events:
			c.dispatch(ctx, e)
		case <-c.nudge:
			c.publish()
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, e event) {
	switch e := e.(type) {
	case startIntent:
		c.start(ctx)
	case stopIntent:
		c.stop()
	case dismissIntent:
		if c.errMsg != "" {
			c.errMsg = ""
			c.publish()
		}
	case acquiredEvent:
		c.acquired(e)
	case messageEvent:
		c.message(ctx, e)
	}
}

func (c *Controller) start(ctx context.Context) {
	if c.phase != Idle {
		c.log.Debug().Stringer("phase", c.phase).Msg("Start ignored, session in progress")
		return
	}

	c.gen++
	s := newSession(c, c.gen)
	actx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	c.current = s
	c.acquiring = true
	c.errMsg = ""
	c.phase = Connecting
	c.metrics.SessionsStarted.Inc()
	s.log.Info().Msg("Starting session")
	c.publish()

	go func() {
		err := s.acquire(actx)
		c.post(acquiredEvent{gen: s.gen, err: err})
	}()
}

func (c *Controller) stop() {
	switch c.phase {
	case Connecting:
		if c.acquiring {
			// Teardown waits for the acquisition goroutine to hand the session back.
			c.current.cancel()
			c.phase = Closing
			c.publish()
			return
		}
		c.end(nil)
	case Active:
		c.end(nil)
	}
}

func (c *Controller) acquired(e acquiredEvent) {
	s := c.current
	if s == nil || e.gen != s.gen {
		return
	}
	c.acquiring = false

	if c.phase == Closing {
		c.end(nil)
		return
	}
	if e.err != nil {
		c.end(e.err)
		return
	}

	go c.forward(s.gen, s.transport.Messages())
	s.log.Debug().Msg("Resources acquired, waiting for transport to open")
}

func (c *Controller) forward(gen uint64, msgs <-chan live.Message) {
	for m := range msgs {
		if !c.post(messageEvent{gen: gen, msg: m}) {
			return
		}
	}
}

func (c *Controller) message(ctx context.Context, e messageEvent) {
	s := c.current
	if s == nil || e.gen != s.gen || c.acquiring {
		return
	}

	if _, ok := e.msg.(live.Opened); ok {
		if c.phase != Connecting {
			return
		}
		if err := s.activate(); err != nil {
			c.end(acquisitionError("activate", err))
			return
		}
		c.phase = Active
		s.log.Info().Msg("Session active")
		c.publish()
		return
	}

	switch e.msg.(type) {
	case live.TransportError, live.Closed:
	default:
		if c.phase != Active {
			s.log.Debug().Str("type", live.Type(e.msg)).Msg("Dropping message before open")
			return
		}
	}

	out := s.handle(ctx, e.msg)
	if out.end {
		c.end(out.err)
		return
	}
	if len(out.entries) > 0 {
		c.history.Append(out.entries...)
		c.publish()
	}
}

// end tears the current session down and returns to Idle. A non-nil err is
// surfaced only after teardown completes.
func (c *Controller) end(err error) {
	s := c.current
	if s == nil {
		return
	}
	if c.phase != Closing {
		c.phase = Closing
		c.publish()
	}

	if terr := s.teardown(); terr != nil {
		s.log.Warn().Err(terr).Msg("Teardown completed with errors")
	}
	c.metrics.SessionDuration.Observe(time.Since(s.started).Seconds())
	c.current = nil
	c.acquiring = false

	if err != nil {
		var se *Error
		if !errors.As(err, &se) {
			se = acquisitionError("session", err)
		}
		if se.Kind == KindTransportClosed {
			c.metrics.RemoteCloses.Inc()
			s.log.Info().Err(se.Err).Msg("Session closed by remote")
		} else {
			c.metrics.SessionErrors.WithLabelValues(se.Kind.String()).Inc()
			s.log.Error().Err(se).Stringer("kind", se.Kind).Msg("Session failed")
		}
		if msg := se.UserMessage(); msg != "" {
			c.errMsg = msg
		}
	} else {
		s.log.Info().Msg("Session stopped")
	}

	c.phase = Idle
	c.publish()
}

// shutdown ends any session when Run exits, waiting out an in-flight acquisition.
func (c *Controller) shutdown() {
	s := c.current
	if s == nil {
		return
	}
	if c.acquiring {
		s.cancel()
		for e := range c.events {
			if a, ok := e.(acquiredEvent); ok && a.gen == s.gen {
				break
			}
		}
		c.acquiring = false
	}
	c.end(nil)
}

func (c *Controller) publish() {
	snap := Snapshot{
		Phase:   c.phase,
		Entries: c.history.Entries(),
		Err:     c.errMsg,
	}
	if s := c.current; s != nil {
		snap.SessionID = s.id
		snap.Speaking = s.scheduler.Speaking()
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	c.metrics.Phase.Set(float64(snap.Phase))
	if snap.Speaking {
		c.metrics.Speaking.Set(1)
	} else {
		c.metrics.Speaking.Set(0)
	}

	if c.display != nil {
		c.display.Render(snap)
	}
}
