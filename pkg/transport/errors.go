package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// Sentinel errors for the transport package.
var (
	// ErrNotConnected indicates there is no live socket.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrNotReady indicates the handshake has not completed yet.
	ErrNotReady = errors.New("transport: setup not complete")

	// ErrAlreadyOpen indicates Open was called twice.
	ErrAlreadyOpen = errors.New("transport: already open")

	// ErrSetupTimeout indicates the agent did not acknowledge setup in time.
	ErrSetupTimeout = errors.New("transport: setup timed out")

	// ErrNoURL indicates the channel has no endpoint.
	ErrNoURL = errors.New("transport: url is required")
)

// Stage names the step of Open that failed.
type Stage string

const (
	StageDial     Stage = "dial"
	StagePreamble Stage = "preamble"
	StageSetup    Stage = "setup"
	StageAwait    Stage = "await_setup_complete"
)

// ConnectError reports a failed Open.
type ConnectError struct {
	URL   string
	Stage Stage

	// StatusCode is the HTTP status of a rejected upgrade, if any.
	StatusCode int

	Cause error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: connect %s failed at %s (HTTP %d): %v", e.URL, e.Stage, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("transport: connect %s failed at %s: %v", e.URL, e.Stage, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether another attempt could succeed. Rejected
// upgrades with a 4xx status (other than 408 and 429) and handshakes
// refused with a policy violation close are permanent.
func (e *ConnectError) IsRetryable() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode == 408 || e.StatusCode == 429
	}
	var ce *websocket.CloseError
	if errors.As(e.Cause, &ce) && ce.Code == websocket.ClosePolicyViolation {
		return false
	}
	return true
}

// LostError reports an unintended loss of a live channel.
type LostError struct {
	Code   int
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *LostError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transport: connection lost (code %d %s): %v", e.Code, e.Reason, e.Cause)
	}
	return fmt.Sprintf("transport: connection lost: %v", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *LostError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	var le *LostError
	if errors.As(err, &le) {
		// 1008 policy violation is how the relay rejects a closed room.
		return le.Code != websocket.ClosePolicyViolation
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, ErrSetupTimeout)
}

// IsNotConnected returns true if the error indicates no live socket.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNotReady)
}
