package audio

import "time"

// Fixed sample rates of a conversation. The input rate is what the model
// expects on the wire; the output rate is what it synthesises.
const (
	// InputSampleRate is the microphone capture rate in Hz.
	InputSampleRate = 16000

	// OutputSampleRate is the playback rate of model audio in Hz.
	OutputSampleRate = 24000
)

// Frame is one fixed-length slice of captured microphone audio together with
// its loudness. Frames are produced by the capture pipeline, consumed once by
// encode+send and then discarded. Samples must not be modified after the
// frame has been handed on.
type Frame struct {
	// Samples holds mono float samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz. Always [InputSampleRate] for live capture.
	SampleRate int

	// RMS is the root mean square of Samples.
	RMS float64

	// Volume is the visualiser-facing loudness in [0, 1].
	Volume float64

	// Seq numbers frames from 0 within one capture run.
	Seq uint64
}

// Duration returns the playing time of the frame.
func (f Frame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate, 1)
}

// WireFrame is the encoded payload of a [Frame] as sent to the model.
type WireFrame struct {
	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// MIMEType tags the payload format, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// PlaybackBuffer is decoded model audio ready to be handed to an [OutputSink].
type PlaybackBuffer struct {
	// Channels holds one float slice per channel, each in [-1, 1].
	Channels [][]float32

	// SampleRate in Hz.
	SampleRate int
}

// NumChannels returns the number of channels in the buffer.
func (b PlaybackBuffer) NumChannels() int { return len(b.Channels) }

// Frames returns the number of sample frames (samples per channel).
func (b PlaybackBuffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playing time of the buffer.
func (b PlaybackBuffer) Duration() time.Duration {
	return samplesDuration(b.Frames(), b.SampleRate, 1)
}

// PlaybackChunk is a [PlaybackBuffer] placed on the output clock.
type PlaybackChunk struct {
	// ID is unique per scheduler.
	ID uint64

	// Buffer is the audio to play.
	Buffer PlaybackBuffer

	// Start is the offset on the output clock at which playback begins.
	Start time.Duration
}

// End returns the output clock offset at which the chunk finishes.
func (c PlaybackChunk) End() time.Duration {
	return c.Start + c.Buffer.Duration()
}

func samplesDuration(n, rate, channels int) time.Duration {
	if rate <= 0 || channels <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate*channels))
}
