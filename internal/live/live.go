// Package live defines the boundary to the remote dialogue service: the
// inbound message set, the outbound audio call and the session setup.
package live

import (
	"context"
	"errors"

	"github.com/petems/voicelink/internal/config"
	"github.com/petems/voicelink/internal/transcript"
)

// ErrClosed is returned when sending on a transport that has been closed.
var ErrClosed = errors.New("live transport is closed")

// Message is one inbound event from the remote service.
type Message interface {
	messageType() string
}

// Opened reports that the service accepted the setup and is ready for audio.
type Opened struct{}

// AudioChunk carries synthesized PCM in its base64 text form.
type AudioChunk struct {
	Data     string
	MIMEType string
}

// TranscriptFragment is partial transcription text for one side of the conversation.
type TranscriptFragment struct {
	Role transcript.Role
	Text string
}

type TurnComplete struct{}

// Interrupted signals barge-in: playback of the current response must stop.
type Interrupted struct{}

// TransportError is an error reported by the service or the connection.
type TransportError struct {
	Reason string
}

// Closed is always the last message before the channel closes.
type Closed struct {
	Reason string
}

func (Opened) messageType() string             { return "opened" }
func (AudioChunk) messageType() string         { return "audio_chunk" }
func (TranscriptFragment) messageType() string { return "transcript_fragment" }
func (TurnComplete) messageType() string       { return "turn_complete" }
func (Interrupted) messageType() string        { return "interrupted" }
func (TransportError) messageType() string     { return "transport_error" }
func (Closed) messageType() string             { return "closed" }

// Type returns a short name for m, for logs and metrics.
func Type(m Message) string {
	if m == nil {
		return "nil"
	}
	return m.messageType()
}

// Transport is an open bidirectional session with the remote service.
type Transport interface {
	// SendAudioFrame sends one base64-encoded PCM frame.
	SendAudioFrame(data, mimeType string) error
	// Messages yields inbound messages in arrival order. The channel is
	// closed after a Closed message.
	Messages() <-chan Message
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, setup SetupConfig) (Transport, error)
}

// SetupConfig is the fixed per-session configuration sent when connecting.
// Responses are always audio.
type SetupConfig struct {
	Model               string
	Voice               string
	SystemInstruction   string
	InputTranscription  bool
	OutputTranscription bool
}

// DefaultSetup returns the built-in session setup.
func DefaultSetup() SetupConfig {
	return SetupFromConfig(config.Default().Live)
}

// SetupFromConfig builds the session setup from the live config section.
func SetupFromConfig(cfg config.LiveConfig) SetupConfig {
	return SetupConfig{
		Model:               cfg.Model,
		Voice:               cfg.Voice,
		SystemInstruction:   cfg.SystemInstruction,
		InputTranscription:  true,
		OutputTranscription: true,
	}
}

// ServerContent is the transport-neutral content of one server message.
type ServerContent struct {
	Audio            []AudioChunk
	OutputTranscript string
	InputTranscript  string
	TurnComplete     bool
	Interrupted      bool
}

// Messages expands c into messages in handling order: audio, agent
// transcription, user transcription, turn complete, interrupted.
func (c ServerContent) Messages() []Message {
	var out []Message
	for _, a := range c.Audio {
		if a.Data != "" {
			out = append(out, a)
		}
	}
	if c.OutputTranscript != "" {
		out = append(out, TranscriptFragment{Role: transcript.RoleAgent, Text: c.OutputTranscript})
	}
	if c.InputTranscript != "" {
		out = append(out, TranscriptFragment{Role: transcript.RoleUser, Text: c.InputTranscript})
	}
	if c.TurnComplete {
		out = append(out, TurnComplete{})
	}
	if c.Interrupted {
		out = append(out, Interrupted{})
	}
	return out
}
