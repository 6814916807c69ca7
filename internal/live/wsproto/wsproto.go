// Package wsproto speaks the BidiGenerateContent JSON protocol directly
// over a websocket.
package wsproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petems/voicelink/internal/config"
	"github.com/petems/voicelink/internal/live"
	"github.com/rs/zerolog"
)

const (
	defaultConnectTimeout = 15 * time.Second
	closeGracePeriod      = 2 * time.Second
	writeTimeout          = 5 * time.Second
	streamBuffer          = 64
)

// Dialer opens websocket transports to a Live endpoint.
type Dialer struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	ws       *websocket.Dialer
	log      zerolog.Logger
}

func NewDialer(cfg config.LiveConfig, log zerolog.Logger) *Dialer {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return &Dialer{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		timeout:  timeout,
		ws:       &websocket.Dialer{HandshakeTimeout: timeout},
		log:      log.With().Str("component", "wsproto").Logger(),
	}
}

func (d *Dialer) url() (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid live endpoint %q: %w", d.endpoint, err)
	}
	if d.apiKey != "" {
		q := u.Query()
		q.Set("key", d.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial connects, sends the setup message and waits for setupComplete.
// The returned transport has already emitted live.Opened.
func (d *Dialer) Dial(ctx context.Context, s live.SetupConfig) (live.Transport, error) {
	wsURL, err := d.url()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, resp, err := d.ws.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	// Unblock the handshake read if the caller gives up.
	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(buildSetup(s)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(d.timeout))
	if err := awaitSetupComplete(conn); err != nil {
		_ = conn.Close()
		if ctxErr := dialCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("await setup complete: %w", ctxErr)
		}
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	t := &transport{
		conn:   conn,
		stream: live.NewStream(streamBuffer),
		done:   make(chan struct{}),
		log:    d.log,
	}
	t.stream.Emit(live.Opened{})
	go t.readLoop()

	d.log.Debug().Str("model", s.Model).Str("voice", s.Voice).Msg("Live session opened")
	return t, nil
}

func awaitSetupComplete(conn *websocket.Conn) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read setup complete: %w", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode setup response: %w", err)
	}
	switch {
	case msg.SetupComplete != nil:
		return nil
	case msg.Error != nil:
		return fmt.Errorf("setup rejected: %s", msg.Error.Message)
	default:
		return errors.New("unexpected first message: expected setupComplete")
	}
}

func buildSetup(s live.SetupConfig) clientSetupMessage {
	model := s.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := clientSetupMessage{Setup: setup{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}}
	if s.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: s.Voice}},
		}
	}
	if s.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: s.SystemInstruction}}}
	}
	if s.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if s.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

type transport struct {
	conn   *websocket.Conn
	stream *live.Stream
	done   chan struct{}
	log    zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (t *transport) Messages() <-chan live.Message { return t.stream.Messages() }

func (t *transport) SendAudioFrame(data, mimeType string) error {
	if t.closed.Load() {
		return live.ErrClosed
	}
	msg := clientRealtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []blob{{MIMEType: mimeType, Data: data}},
	}}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(msg)
}

// Close sends a normal close frame and waits for the read loop to exit.
func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		t.writeMu.Unlock()
		_ = t.conn.Close()
		t.stream.Abandon()
	})
	<-t.done
	return nil
}

func (t *transport) readLoop() {
	defer close(t.done)

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.finish(err)
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping undecodable server message")
			continue
		}
		if msg.GoAway != nil {
			t.log.Warn().Str("time_left", msg.GoAway.TimeLeft).Msg("Server is going away")
		}
		if msg.Error != nil {
			t.stream.Emit(live.TransportError{Reason: msg.Error.Message})
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
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			t.stream.Finish("", closeReason(closeErr))
			return
		}
		t.log.Error().Int("code", closeErr.Code).Str("text", closeErr.Text).Msg("Live session closed abnormally")
		t.stream.Finish(closeReason(closeErr), closeReason(closeErr))
		return
	}

	t.log.Error().Err(err).Msg("Live session read failed")
	t.stream.Finish(err.Error(), "connection lost")
}

func closeReason(e *websocket.CloseError) string {
	if e.Text != "" {
		return fmt.Sprintf("%d: %s", e.Code, e.Text)
	}
	return fmt.Sprintf("%d", e.Code)
}

func decodeContent(sc *serverContent) live.ServerContent {
	var c live.ServerContent
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				c.Audio = append(c.Audio, live.AudioChunk{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType})
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
