// Package s2s defines the transport contract for Speech-to-Speech (S2S)
// backends.
//
// An S2S provider wraps a real-time voice model that accepts raw audio input
// and returns synthesised audio output over one stateful, bidirectional
// session. The session core only ever talks to these interfaces; concrete
// transports live in sub-packages (gemini, genailive) and a scriptable test
// double in mock.
//
// The central abstraction is [SessionHandle]: frames go in via
// [SessionHandle.SendRealtimeInput], everything the remote end says comes back
// as an ordered stream of [Event] values.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// Modality is a response modality requested from the model.
type Modality string

// ModalityAudio asks the model to answer with synthesised speech.
const ModalityAudio Modality = "AUDIO"

// DefaultVoice is the prebuilt voice used when none is configured.
const DefaultVoice = "Kore"

// DefaultInstructions is the system instruction used when none is configured.
const DefaultInstructions = "You are a helpful, witty, and concise AI assistant. Keep responses relatively short and conversational."

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Modality is the requested response modality. Empty means [ModalityAudio].
	Modality Modality

	// Voice is the prebuilt voice identity for synthesised speech.
	Voice string

	// Instructions is the system instruction that shapes the assistant's
	// behaviour.
	Instructions string
}

// WithDefaults returns a copy of c with empty fields filled in.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.Modality == "" {
		c.Modality = ModalityAudio
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.Instructions == "" {
		c.Instructions = DefaultInstructions
	}
	return c
}

// S2SCapabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type S2SCapabilities struct {
	// InputSampleRate is the PCM rate the model expects on the wire.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of synthesised audio.
	OutputSampleRate int

	// Voices lists the prebuilt voice names known to work with this provider.
	Voices []string
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventOpened reports that the session is established and ready for
	// input. It is delivered at most once and always first.
	EventOpened EventKind = iota + 1

	// EventMessage carries one server message.
	EventMessage

	// EventClosed reports that the remote end closed the session normally.
	EventClosed

	// EventError reports a fatal session failure. Err is set.
	EventError
)

// String returns the lower-case name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// AudioPart is one inline audio payload of a model turn.
type AudioPart struct {
	// MIMEType tags the payload, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Data is raw little-endian 16-bit PCM (already base64-decoded).
	Data []byte
}

// Message is the content of an [EventMessage].
type Message struct {
	// Audio holds the inline audio parts of the model turn, in order.
	Audio []AudioPart

	// Interrupted is set when the model detected the user speaking over it.
	// Audio already scheduled should be discarded. Audio parts carried in the
	// same message precede the interruption.
	Interrupted bool

	// TurnComplete is set when the model finished its turn.
	TurnComplete bool
}

// Event is one notification from a session. Exactly one of the kind-specific
// fields is meaningful.
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// Events returns the ordered event stream of the session. The first event
	// is [EventOpened] unless the session fails first. After an
	// [EventClosed] or [EventError] no further event is delivered and the
	// channel is closed. Consumers must drain the channel promptly.
	Events() <-chan Event

	// SendRealtimeInput delivers one encoded microphone frame. It returns an
	// error if the session is closed or the write fails.
	SendRealtimeInput(frame audio.WireFrame) error

	// Close terminates the session and releases all resources. No new event
	// is emitted after Close returns; events already buffered may still be
	// read. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect starts opening a session with the given configuration. It
	// returns once the connection is dialled; readiness is signalled by
	// [EventOpened] on the returned handle.
	//
	// Returns an error if the session cannot be established (e.g., dial or
	// authentication failure, or ctx already cancelled). The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's underlying
	// model.
	Capabilities() S2SCapabilities
}
