//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestMicrophonePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}
*/
import "C"

import "fmt"

const (
	PermissionNotDetermined = 0
	PermissionRestricted    = 1
	PermissionDenied        = 2
	PermissionAuthorized    = 3
)

// MicrophoneStatus returns the raw AVFoundation authorization status.
func MicrophoneStatus() int {
	return int(C.checkMicrophonePermission())
}

// CheckMicrophone returns nil when capture is authorized. An undetermined
// status triggers the system prompt and is reported as denied for this
// attempt.
func CheckMicrophone() error {
	switch status := MicrophoneStatus(); status {
	case PermissionAuthorized:
		return nil
	case PermissionNotDetermined:
		C.requestMicrophonePermission()
		return fmt.Errorf("%w: awaiting user approval", ErrMicrophoneDenied)
	case PermissionRestricted:
		return fmt.Errorf("%w: restricted by policy", ErrMicrophoneDenied)
	default:
		return ErrMicrophoneDenied
	}
}
