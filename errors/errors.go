package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrLoadTimeout is returned when the engine did not signal readiness
	// before the load deadline. It is fatal to the relay instance.
	ErrLoadTimeout = errors.New("engine load timed out")

	// ErrEngineNotReady is returned when an operational message arrives
	// before a successful bootstrap.
	ErrEngineNotReady = errors.New("engine not ready")

	// ErrTransportClosed is returned by sends, open gates and lifecycle awaits
	// that were outstanding when the transport was torn down.
	ErrTransportClosed = errors.New("transport closed")

	// ErrMalformedMessage is returned when an inbound frame cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrEngineFailure is returned when the engine itself traps or produces
	// output the host cannot read.
	ErrEngineFailure = errors.New("engine failure")
)

// Wire codes carried in error frames.
const (
	CodeLoadTimeout      = "load_timeout"
	CodeEngineNotReady   = "engine_not_ready"
	CodeTransportClosed  = "transport_closed"
	CodeMalformedMessage = "malformed_message"
	CodeEngineFailure    = "engine_failure"
	CodeUnknown          = "unknown"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeLoadTimeout, ErrLoadTimeout},
	{CodeEngineNotReady, ErrEngineNotReady},
	{CodeTransportClosed, ErrTransportClosed},
	{CodeMalformedMessage, ErrMalformedMessage},
	{CodeEngineFailure, ErrEngineFailure},
}

// Code returns the wire code for err, or CodeUnknown.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// FromCode rebuilds an error received over the wire. The result wraps the
// sentinel for code, so errors.Is matches it, and keeps msg as its text.
func FromCode(code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			if msg == "" || msg == c.err.Error() {
				return c.err
			}
			return &RemoteError{Code: code, Message: msg, err: c.err}
		}
	}
	if msg == "" {
		msg = "unknown remote error"
	}
	return &RemoteError{Code: CodeUnknown, Message: msg}
}

// RemoteError is an error reported by the other side of a transport.
type RemoteError struct {
	Code    string
	Message string
	err     error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.err
}

// MalformedError describes an inbound frame that could not be decoded.
type MalformedError struct {
	Raw    []byte
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedMessage, e.Err}
	}
	return []error{ErrMalformedMessage}
}

// Malformed builds a MalformedError for raw.
func Malformed(raw []byte, reason string, err error) error {
	return &MalformedError{Raw: raw, Reason: reason, Err: err}
}

// IsFatal reports whether err ends the relay instance it occurred on.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLoadTimeout) || errors.Is(err, ErrTransportClosed)
}
