// Package mock provides in-memory implementations of the [audio.Device],
// [audio.InputStream] and [audio.OutputSink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values. The [OutputSink] runs on a
// manual clock that only moves when the test calls [OutputSink.Advance].
//
// Typical usage:
//
//	dev := &mock.Device{}
//	stream, _ := dev.OpenInput(ctx, 16000)
//	dev.LastInput().Push(make([]float32, 4096))
//	sink, _ := dev.OpenOutput(24000)
//	dev.LastOutput().Advance(250 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Feed it with
// [InputStream.Push].
type InputStream struct {
	mu     sync.Mutex
	rate   int
	ch     chan []float32
	done   chan struct{}
	once   sync.Once
	closed bool

	// CloseCallCount records how many times Close was called.
	CloseCallCount int
}

// NewInputStream returns a stream delivering samples at rate Hz with room for
// buffer pending blocks.
func NewInputStream(rate, buffer int) *InputStream {
	return &InputStream{
		rate: rate,
		ch:   make(chan []float32, buffer),
		done: make(chan struct{}),
	}
}

// Samples implements [audio.InputStream].
func (s *InputStream) Samples() <-chan []float32 { return s.ch }

// SampleRate implements [audio.InputStream].
func (s *InputStream) SampleRate() int { return s.rate }

// Push delivers block to the reader. It blocks while the buffer is full and
// reports false once the stream is closed.
func (s *InputStream) Push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- block:
		return true
	case <-s.done:
		return false
	}
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ audio.InputStream = (*InputStream)(nil)

// ─── OutputSink ───────────────────────────────────────────────────────────────

// Voice is a mock implementation of [audio.Voice] recording one Play call.
type Voice struct {
	sink *OutputSink

	// Buffer is the buffer passed to Play.
	Buffer audio.PlaybackBuffer
	// At is the clock offset passed to Play.
	At time.Duration

	onEnded func()
	ended   bool
	stopped bool
}

// End returns the clock offset at which the voice finishes naturally.
func (v *Voice) End() time.Duration { return v.At + v.Buffer.Duration() }

// Stop implements [audio.Voice]. The completion callback runs synchronously.
func (v *Voice) Stop() {
	v.sink.mu.Lock()
	if v.ended {
		v.sink.mu.Unlock()
		return
	}
	v.ended = true
	v.stopped = true
	cb := v.onEnded
	v.sink.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Stopped reports whether the voice was halted via Stop.
func (v *Voice) Stopped() bool {
	v.sink.mu.Lock()
	defer v.sink.mu.Unlock()
	return v.stopped
}

// Ended reports whether the voice has finished, naturally or via Stop.
func (v *Voice) Ended() bool {
	v.sink.mu.Lock()
	defer v.sink.mu.Unlock()
	return v.ended
}

// OutputSink is a mock implementation of [audio.OutputSink] driven by a manual
// clock.
type OutputSink struct {
	mu        sync.Mutex
	rate      int
	now       time.Duration
	suspended bool
	closed    bool
	voices    []*Voice

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// ResumeErr, if non-nil, is returned by Resume.
	ResumeErr error

	// ResumeCallCount records how many times Resume was called.
	ResumeCallCount int

	// CloseCallCount records how many times Close was called.
	CloseCallCount int
}

// NewOutputSink returns a running sink at rate Hz whose clock reads zero.
func NewOutputSink(rate int) *OutputSink {
	return &OutputSink{rate: rate}
}

// SampleRate implements [audio.OutputSink].
func (s *OutputSink) SampleRate() int { return s.rate }

// CurrentTime implements [audio.OutputSink].
func (s *OutputSink) CurrentTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Play implements [audio.OutputSink]. It records the voice; nothing plays
// until the clock is advanced past its end.
func (s *OutputSink) Play(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, audio.ErrClosed
	}
	if s.PlayErr != nil {
		return nil, s.PlayErr
	}
	v := &Voice{sink: s, Buffer: buf, At: at, onEnded: onEnded}
	s.voices = append(s.voices, v)
	return v, nil
}

// Advance moves the clock forward by d and fires the completion callback of
// every voice that has finished by then.
func (s *OutputSink) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	var cbs []func()
	for _, v := range s.voices {
		if !v.ended && v.End() <= s.now {
			v.ended = true
			if v.onEnded != nil {
				cbs = append(cbs, v.onEnded)
			}
		}
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// Voices returns every voice played so far, in call order.
func (s *OutputSink) Voices() []*Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Voice, len(s.voices))
	copy(out, s.voices)
	return out
}

// Suspend puts the sink into the suspended state.
func (s *OutputSink) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
}

// Suspended implements [audio.OutputSink].
func (s *OutputSink) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Resume implements [audio.OutputSink].
func (s *OutputSink) Resume(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResumeCallCount++
	if s.ResumeErr != nil {
		return s.ResumeErr
	}
	s.suspended = false
	return nil
}

// Close implements [audio.OutputSink]. Every unfinished voice is stopped.
func (s *OutputSink) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	voices := make([]*Voice, len(s.voices))
	copy(voices, s.voices)
	s.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *OutputSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ audio.OutputSink = (*OutputSink)(nil)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device]. Each successful call
// creates a fresh stream or sink, retrievable via [Device.LastInput] and
// [Device.LastOutput].
type Device struct {
	mu sync.Mutex

	// InputErr, if non-nil, is returned by OpenInput.
	InputErr error

	// InputGate, if non-nil, makes OpenInput wait until the channel is closed
	// or ctx is done. Use it to hold a start attempt in the permission step.
	InputGate chan struct{}

	// OutputErr, if non-nil, is returned by OpenOutput.
	OutputErr error

	// SuspendOutputs makes every new sink start suspended.
	SuspendOutputs bool

	// OpenInputCalls records the sample rate of every OpenInput call.
	OpenInputCalls []int

	// OpenOutputCalls records the sample rate of every OpenOutput call.
	OpenOutputCalls []int

	inputs  []*InputStream
	outputs []*OutputSink
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(ctx context.Context, sampleRate int) (audio.InputStream, error) {
	d.mu.Lock()
	d.OpenInputCalls = append(d.OpenInputCalls, sampleRate)
	gate := d.InputGate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.InputErr != nil {
		return nil, d.InputErr
	}
	s := NewInputStream(sampleRate, 64)
	d.inputs = append(d.inputs, s)
	return s, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(sampleRate int) (audio.OutputSink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenOutputCalls = append(d.OpenOutputCalls, sampleRate)
	if d.OutputErr != nil {
		return nil, d.OutputErr
	}
	s := NewOutputSink(sampleRate)
	s.suspended = d.SuspendOutputs
	d.outputs = append(d.outputs, s)
	return s, nil
}

// LastInput returns the most recently opened stream, or nil.
func (d *Device) LastInput() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inputs) == 0 {
		return nil
	}
	return d.inputs[len(d.inputs)-1]
}

// LastOutput returns the most recently opened sink, or nil.
func (d *Device) LastOutput() *OutputSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.outputs) == 0 {
		return nil
	}
	return d.outputs[len(d.outputs)-1]
}

// Inputs returns every stream opened so far.
func (d *Device) Inputs() []*InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*InputStream, len(d.inputs))
	copy(out, d.inputs)
	return out
}

// Outputs returns every sink opened so far.
func (d *Device) Outputs() []*OutputSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*OutputSink, len(d.outputs))
	copy(out, d.outputs)
	return out
}

var _ audio.Device = (*Device)(nil)
