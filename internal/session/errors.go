package session

import (
	"errors"
	"fmt"
)

// Kind classifies the failures the controller handles.
type Kind int

const (
	// KindPermissionDenied means microphone access was refused.
	KindPermissionDenied Kind = iota + 1

	// KindTransportOpenFailed means the transport could not be opened or
	// failed before reporting that it was open.
	KindTransportOpenFailed

	// KindTransportRuntimeError means the transport failed mid-session.
	KindTransportRuntimeError

	// KindDecodeError means a model audio payload was malformed. It never
	// ends the session.
	KindDecodeError

	// KindRemoteClosed means the remote end closed the session cleanly.
	KindRemoteClosed

	// KindDeviceError means the microphone or output sink failed for a reason
	// other than a permission refusal.
	KindDeviceError
)

// String returns the snake_case name used in logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransportOpenFailed:
		return "transport_open_failed"
	case KindTransportRuntimeError:
		return "transport_runtime_error"
	case KindDecodeError:
		return "decode_error"
	case KindRemoteClosed:
		return "remote_closed"
	case KindDeviceError:
		return "device_error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// message is the user-visible text published in [State.Error]. Kinds that do
// not end in the Errored phase have none.
func (k Kind) message() string {
	switch k {
	case KindPermissionDenied:
		return "Microphone access was denied."
	case KindTransportOpenFailed:
		return "Failed to connect to audio session."
	case KindTransportRuntimeError:
		return "Connection error occurred."
	case KindDeviceError:
		return "Audio device error occurred."
	default:
		return ""
	}
}

// Error is a classified controller failure. Match it with [errors.As], or
// compare kinds directly with errors.Is against a bare &Error{Kind: k}.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "session: " + e.Kind.String()
	}
	return "session: " + e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

var (
	// ErrStopped is returned by a pending Start when Stop ends the attempt.
	ErrStopped = errors.New("session: stopped")

	// ErrClosed is returned after the controller has been closed.
	ErrClosed = errors.New("session: controller closed")
)
