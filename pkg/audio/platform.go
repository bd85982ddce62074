// Package audio defines the device contract and the shared types of the
// voxlive audio pipeline.
//
// The two primary abstractions are:
//
//   - [Device] grants access to a microphone ([InputStream]) and creates
//     output sinks ([OutputSink]) at a fixed sample rate.
//   - [OutputSink] is a playback target with its own monotonic clock on which
//     buffers are scheduled as [Voice] values.
//
// Implementations live in adapter packages (audio/browser for a websocket
// connected page, audio/mock for tests).
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by [Device.OpenInput] when the user or the
// platform refuses microphone access.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrClosed is returned by operations on a closed stream or sink.
var ErrClosed = errors.New("audio: closed")

// InputStream is a live microphone stream.
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// Samples returns the channel on which blocks of mono float samples arrive
	// at [InputStream.SampleRate]. Blocks may have any length. The channel is
	// closed when the stream ends or is closed.
	Samples() <-chan []float32

	// SampleRate returns the rate of the delivered samples in Hz.
	SampleRate() int

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Voice is one buffer scheduled on an [OutputSink].
type Voice interface {
	// Stop halts the voice immediately. Stopping a finished or already stopped
	// voice is a no-op.
	Stop()
}

// OutputSink plays buffers against a monotonic output clock.
//
// Implementations must be safe for concurrent use.
type OutputSink interface {
	// SampleRate returns the rate the sink was created with.
	SampleRate() int

	// CurrentTime returns the current position of the output clock. It starts
	// at zero when the sink is created and never decreases.
	CurrentTime() time.Duration

	// Play schedules buf to start at the given clock offset. onEnded is
	// invoked exactly once when the voice finishes, naturally or via
	// [Voice.Stop]. It may be invoked from any goroutine and must not block.
	Play(buf PlaybackBuffer, at time.Duration, onEnded func()) (Voice, error)

	// Suspended reports whether the platform is holding playback back, for
	// example because of an autoplay policy.
	Suspended() bool

	// Resume lifts a suspension. It is a no-op when the sink is running.
	Resume(ctx context.Context) error

	// Close stops all voices and releases the sink. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Device grants access to audio hardware.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// OpenInput requests microphone access and returns a live stream at the
	// given sample rate. It blocks until access is granted or refused, or ctx
	// is done. A refusal is reported as an error wrapping
	// [ErrPermissionDenied].
	OpenInput(ctx context.Context, sampleRate int) (InputStream, error)

	// OpenOutput creates an output sink at the given sample rate.
	OpenOutput(sampleRate int) (OutputSink, error)
}
