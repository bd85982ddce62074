package browser

// Command types sent by the page.
const (
	CommandStart    = "start"
	CommandStop     = "stop"
	CommandMicGrant = "mic_grant"
	CommandMicDeny  = "mic_deny"
)

// Message types sent to the page.
const (
	MessageState      = "state"
	MessageMicRequest = "mic_request"
	MessageResume     = "resume"
	MessagePlay       = "play"
	MessageStop       = "stop"
	MessageError      = "error"
)

// Command is a JSON text frame from the page. Microphone samples travel
// separately as binary frames of little-endian float32.
type Command struct {
	Type       string `json:"type" validate:"required,oneof=start stop mic_grant mic_deny"`
	SampleRate int    `json:"sample_rate,omitempty" validate:"required_if=Type mic_grant,omitempty,min=8000,max=192000"`
	Reason     string `json:"reason,omitempty" validate:"max=256"`
}

// Message is a JSON text frame to the page. Only the fields relevant to Type
// are set.
type Message struct {
	Type string `json:"type"`

	// ID names a voice (play, stop).
	ID uint64 `json:"id,omitempty"`
	// At is the voice start on the sink clock, in seconds (play).
	At float64 `json:"at,omitempty"`
	// SampleRate is the audio rate (mic_request, play).
	SampleRate int `json:"sample_rate,omitempty"`
	// Channels is the interleaved channel count of Data (play).
	Channels int `json:"channels,omitempty"`
	// Data is base64 little-endian 16-bit PCM (play).
	Data string `json:"data,omitempty"`

	// State is the session snapshot (state).
	State any `json:"state,omitempty"`
	// Error is a human-readable problem description (error).
	Error string `json:"error,omitempty"`
}

// Sender queues a message for the page. Implementations must not block.
type Sender interface {
	Send(m Message) error
}
