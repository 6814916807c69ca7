// Package gemini implements the live transport on top of the genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petems/voicelink/internal/config"
	"github.com/petems/voicelink/internal/live"
	"github.com/petems/voicelink/internal/pcm"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	defaultConnectTimeout = 15 * time.Second
	streamBuffer          = 64
)

// session is the subset of *genai.Session the transport drives.
type session interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (session, error)

// Dialer opens live sessions through genai's Live API.
type Dialer struct {
	apiKey  string
	timeout time.Duration
	log     zerolog.Logger
	connect connectFunc

	mu     sync.Mutex
	client *genai.Client
}

func NewDialer(cfg config.LiveConfig, log zerolog.Logger) *Dialer {
	d := &Dialer{
		apiKey:  cfg.APIKey,
		timeout: cfg.ConnectTimeout,
		log:     log.With().Str("component", "gemini").Logger(),
	}
	if d.timeout <= 0 {
		d.timeout = defaultConnectTimeout
	}
	d.connect = d.sdkConnect
	return d
}

// genaiClient creates the SDK client on first use and reuses it for every
// later session. A failed creation is retried on the next dial.
func (d *Dialer) genaiClient(ctx context.Context) (*genai.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  d.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	d.client = client
	return client, nil
}

func (d *Dialer) sdkConnect(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (session, error) {
	client, err := d.genaiClient(ctx)
	if err != nil {
		return nil, err
	}
	s, err := client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Dial connects and starts the receive loop. live.Opened is emitted when
// the service acknowledges the setup.
func (d *Dialer) Dial(ctx context.Context, s live.SetupConfig) (live.Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	sess, err := d.connect(ctx, s.Model, connectConfig(s))
	if err != nil {
		return nil, fmt.Errorf("live connect: %w", err)
	}

	t := &transport{
		session: sess,
		stream:  live.NewStream(streamBuffer),
		done:    make(chan struct{}),
		log:     d.log,
	}
	go t.receiveLoop()

	d.log.Debug().Str("model", s.Model).Str("voice", s.Voice).Msg("Live session connecting")
	return t, nil
}

func connectConfig(s live.SetupConfig) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if s.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.Voice},
			},
		}
	}
	if s.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: s.SystemInstruction}}}
	}
	if s.InputTranscription {
		cfg.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if s.OutputTranscription {
		cfg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return cfg
}

type transport struct {
	session session
	stream  *live.Stream
	done    chan struct{}
	log     zerolog.Logger

	sendMu    sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (t *transport) Messages() <-chan live.Message { return t.stream.Messages() }

func (t *transport) SendAudioFrame(data, mimeType string) error {
	if t.closed.Load() {
		return live.ErrClosed
	}
	raw, err := pcm.FromText(data)
	if err != nil {
		return err
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: raw, MIMEType: mimeType},
	})
}

func (t *transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		// Not under sendMu: closing the connection is what unblocks a
		// send stuck on a dead network.
		err = t.session.Close()
		t.stream.Abandon()
	})
	<-t.done
	return err
}

func (t *transport) receiveLoop() {
	defer close(t.done)

	for {
		msg, err := t.session.Receive()
		if err != nil {
			t.finish(err)
			return
		}
		if msg == nil {
			continue
		}
		if msg.SetupComplete != nil {
			t.stream.Emit(live.Opened{})
		}
		if msg.GoAway != nil {
			t.log.Warn().Msg("Server is going away")
		}
		if msg.ServerContent != nil {
			for _, m := range decodeContent(msg.ServerContent).Messages() {
				if !t.stream.Emit(m) {
					break
				}
			}
		}
	}
}

func (t *transport) finish(err error) {
	if t.closed.Load() {
		t.stream.Finish("", "closed by client")
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		reason := fmt.Sprintf("%d: %s", closeErr.Code, closeErr.Text)
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			t.stream.Finish("", reason)
			return
		}
		t.log.Error().Int("code", closeErr.Code).Str("text", closeErr.Text).Msg("Live session closed abnormally")
		t.stream.Finish(reason, reason)
		return
	}

	t.log.Error().Err(err).Msg("Live session receive failed")
	t.stream.Finish(err.Error(), "connection lost")
}

func decodeContent(sc *genai.LiveServerContent) live.ServerContent {
	var c live.ServerContent
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
				c.Audio = append(c.Audio, live.AudioChunk{
					Data:     pcm.ToText(p.InlineData.Data),
					MIMEType: p.InlineData.MIMEType,
				})
			}
		}
	}
	if sc.OutputTranscription != nil {
		c.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.InputTranscription != nil {
		c.InputTranscript = sc.InputTranscription.Text
	}
	c.TurnComplete = sc.TurnComplete
	c.Interrupted = sc.Interrupted
	return c
}
