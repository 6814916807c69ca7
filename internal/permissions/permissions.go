// Package permissions checks OS-level capture permissions before a
// microphone is opened.
package permissions

import "errors"

// ErrMicrophoneDenied is returned when the user or policy refused capture.
var ErrMicrophoneDenied = errors.New("microphone access not granted")
