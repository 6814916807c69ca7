// Package pcm converts between float audio samples, 16-bit little-endian PCM
// and the base64 text form carried by the live transport.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"mime"
	"strconv"
)

const (
	// InputSampleRate is the capture rate sent to the remote service.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized audio received back.
	OutputSampleRate = 24000

	scale = 32768
)

// DecodeError reports an inbound audio payload that could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode audio chunk: %s: %v", e.Reason, e.Err)
	}
	return "decode audio chunk: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Buffer is a decoded, playable block of samples, one slice per channel.
type Buffer struct {
	SampleRate int
	Channels   int
	Data       [][]float32
}

// Frames returns the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// MIMEType returns the mime type announced for raw PCM at the given rate.
func MIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// ParseRate returns the rate parameter of a PCM mime type, or fallback when
// the type carries none.
func ParseRate(mimeType string, fallback int) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallback
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}

// Encode scales samples by 32768 into signed 16-bit little-endian PCM.
// Values are not clamped: anything outside [-1, 1) wraps around, so 1.0
// encodes as -32768.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(toInt16(s)))
	}
	return out
}

func toInt16(s float32) int16 {
	v := float64(s) * scale
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	// Truncate toward zero, then keep the low 16 bits.
	return int16(int64(v))
}

// ToText returns the base64 form of raw bytes.
func ToText(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// FromText decodes the base64 form back into raw bytes.
func FromText(text string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64", Err: err}
	}
	return raw, nil
}

// EncodeFrame encodes a captured frame into its transport text form.
func EncodeFrame(samples []float32) string {
	return ToText(Encode(samples))
}

// Decode converts interleaved 16-bit little-endian PCM into a Buffer.
func Decode(raw []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid format %d Hz x %d", sampleRate, channels)}
	}
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}
	frameBytes := 2 * channels
	if len(raw)%frameBytes != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("truncated payload: %d bytes is not a multiple of %d", len(raw), frameBytes)}
	}

	frames := len(raw) / frameBytes
	buf := &Buffer{
		SampleRate: sampleRate,
		Channels:   channels,
		Data:       make([][]float32, channels),
	}
	for ch := range buf.Data {
		buf.Data[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			buf.Data[ch][i] = float32(int16(binary.LittleEndian.Uint16(raw[off:]))) / scale
		}
	}
	return buf, nil
}

// DecodeChunk decodes a transport text payload into a playable Buffer.
func DecodeChunk(text string, sampleRate, channels int) (*Buffer, error) {
	raw, err := FromText(text)
	if err != nil {
		return nil, err
	}
	return Decode(raw, sampleRate, channels)
}
