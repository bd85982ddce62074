// Package capture turns a live microphone stream into fixed-length, metered,
// wire-encoded frames.
//
// A [Pipeline] reads blocks from an [audio.InputStream], re-slices them into
// frames of [DefaultFrameSize] samples, computes RMS and visualiser volume for
// each frame, encodes it with the pcm package and hands both to a
// [FrameFunc]. Stopping is immediate and irreversible: once [Pipeline.Stop]
// returns no further frame reaches the callback.
package capture

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/audio/pcm"
)

// DefaultFrameSize is the number of samples per frame (~256 ms at 16 kHz).
const DefaultFrameSize = 4096

// FrameFunc receives every captured frame together with its wire encoding. It
// is called from the pipeline goroutine and must not block; hand the frame to
// a buffered queue instead of sending it inline.
type FrameFunc func(frame audio.Frame, wire audio.WireFrame)

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithFrameSize sets the frame length in samples. Non-positive values are
// ignored.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithGain sets the volume gain. Non-positive values are ignored.
func WithGain(g float64) Option {
	return func(p *Pipeline) {
		if g > 0 {
			p.gain = g
		}
	}
}

// WithLogger sets the logger used for pipeline diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline is one capture run over one input stream.
type Pipeline struct {
	stream    audio.InputStream
	onFrame   FrameFunc
	frameSize int
	gain      float64
	log       *slog.Logger

	// mu serialises frame delivery against Stop.
	mu      sync.Mutex
	stopped bool
	started bool
	seq     uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Pipeline reading from stream. The pipeline does not own the
// stream; closing it remains the caller's job.
func New(stream audio.InputStream, onFrame FrameFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		stream:    stream,
		onFrame:   onFrame,
		frameSize: DefaultFrameSize,
		gain:      DefaultGain,
		log:       slog.Default(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the read loop. Calling Start more than once, or after Stop,
// is a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.run()
}

// Stop halts the pipeline. After Stop returns the [FrameFunc] is never
// called again. Stop is idempotent and safe from any goroutine except from
// inside the FrameFunc itself.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		started := p.started
		p.mu.Unlock()
		close(p.stop)
		if !started {
			close(p.done)
		}
	})
}

// Done is closed once the read loop has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Frames returns the number of frames delivered so far.
func (p *Pipeline) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *Pipeline) run() {
	defer close(p.done)

	framer := NewFramer(p.frameSize)
	defer func() {
		if n := framer.Buffered(); n > 0 {
			p.log.Debug("capture: dropping partial frame", "samples", n)
		}
	}()
	rate := p.stream.SampleRate()
	samples := p.stream.Samples()
	for {
		select {
		case <-p.stop:
			return
		case block, ok := <-samples:
			if !ok {
				p.log.Debug("capture: input stream ended")
				return
			}
			for _, s := range framer.Push(block) {
				if !p.emit(s, rate) {
					return
				}
			}
		}
	}
}

// emit meters, encodes and delivers one frame. It reports false once the
// pipeline has been stopped.
func (p *Pipeline) emit(samples []float32, rate int) bool {
	rms := RMS(samples)
	f := audio.Frame{
		Samples:    samples,
		SampleRate: rate,
		RMS:        rms,
		Volume:     Volume(rms, p.gain),
	}
	wire := pcm.EncodeFrame(f)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	f.Seq = p.seq
	p.seq++
	p.onFrame(f, wire)
	return true
}
