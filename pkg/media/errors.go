package media

import (
	"errors"
	"fmt"
)

var (
	// ErrDestroyed indicates the player was destroyed.
	ErrDestroyed = errors.New("media: player destroyed")

	// ErrInvalidConstraints indicates unusable capture constraints.
	ErrInvalidConstraints = errors.New("media: invalid constraints")
)

// DeviceError reports a capture device that could not be opened. The
// capture stays stopped.
type DeviceError struct {
	// Kind is "microphone", "camera" or "screen".
	Kind   string
	Device string
	Err    error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("media: %s %q unavailable: %v", e.Kind, e.Device, e.Err)
	}
	return fmt.Sprintf("media: %s unavailable: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsDeviceError reports whether err is a *DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
