// Package pcm converts between float audio samples and the 16-bit
// little-endian wire format spoken by the speech model.
//
// All functions are pure and safe for concurrent use.
package pcm

import (
	"encoding/binary"
	"fmt"
	"math"
	"mime"
	"strconv"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// MIMEType returns the format tag for raw 16-bit PCM at rate Hz.
func MIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// DecodeError reports a malformed audio payload.
type DecodeError struct {
	// Len is the offending payload length in bytes.
	Len int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pcm: payload length %d is not a multiple of 2", e.Len)
}

// Encode maps each sample to round(clamp(s,-1,1)*32767) and writes it as a
// little-endian int16.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// EncodeFrame wraps [Encode] into a wire frame tagged with the frame's rate.
func EncodeFrame(f audio.Frame) audio.WireFrame {
	return audio.WireFrame{
		Data:     Encode(f.Samples),
		MIMEType: MIMEType(f.SampleRate),
	}
}

func quantize(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(math.Round(v * 32767))
}

// DecodeBytesToSamples interprets b as little-endian int16 samples. It returns
// a *DecodeError when len(b) is odd.
func DecodeBytesToSamples(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, &DecodeError{Len: len(b)}
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// BuildPlaybackBuffer rescales interleaved samples to floats (value/32768)
// and splits them into one slice per channel. Trailing samples that do not
// fill a whole frame are dropped.
func BuildPlaybackBuffer(samples []int16, sampleRate, channels int) audio.PlaybackBuffer {
	if channels < 1 {
		channels = 1
	}
	frames := len(samples) / channels
	buf := audio.PlaybackBuffer{
		Channels:   make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for ch := range buf.Channels {
		data := make([]float32, frames)
		for i := range frames {
			data[i] = float32(samples[i*channels+ch]) / 32768
		}
		buf.Channels[ch] = data
	}
	return buf
}

// Decode combines [DecodeBytesToSamples] and [BuildPlaybackBuffer].
func Decode(b []byte, sampleRate, channels int) (audio.PlaybackBuffer, error) {
	samples, err := DecodeBytesToSamples(b)
	if err != nil {
		return audio.PlaybackBuffer{}, err
	}
	return BuildPlaybackBuffer(samples, sampleRate, channels), nil
}

// ParseRate extracts the rate parameter from a MIME tag such as
// "audio/pcm;rate=24000". It returns fallback when the tag carries no usable
// rate.
func ParseRate(mimeType string, fallback int) int {
	if mimeType == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallback
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}
