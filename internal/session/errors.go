package session

import (
	"errors"
	"fmt"

	"github.com/petems/voicelink/internal/audio"
	"github.com/petems/voicelink/internal/pcm"
	"github.com/petems/voicelink/internal/permissions"
)

// Kind classifies session failures.
type Kind int

const (
	KindAcquisition Kind = iota
	KindPermission
	KindDeviceNotFound
	KindTransport
	KindTransportClosed
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindAcquisition:
		return "acquisition"
	case KindPermission:
		return "permission"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindTransport:
		return "transport"
	case KindTransportClosed:
		return "transport_closed"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is a classified failure from one session operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is the text shown to the user for this failure, or "" when
// the failure is not surfaced.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindPermission:
		return "Microphone permission denied. Please enable it in settings."
	case KindDeviceNotFound:
		return "No microphone found on this device."
	case KindTransport:
		return "Connection disrupted. Let's try reconnecting."
	case KindTransportClosed, KindDecode:
		return ""
	default:
		return "Could not access microphone or connect to the voice service."
	}
}

// Classify maps an error to a Kind.
func Classify(err error) Kind {
	var se *Error
	var de *pcm.DecodeError
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, audio.ErrPermissionDenied), errors.Is(err, permissions.ErrMicrophoneDenied):
		return KindPermission
	case errors.Is(err, audio.ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.As(err, &de):
		return KindDecode
	default:
		return KindAcquisition
	}
}

// acquisitionError wraps err from op with its classification.
func acquisitionError(op string, err error) *Error {
	return &Error{Kind: Classify(err), Op: op, Err: err}
}
