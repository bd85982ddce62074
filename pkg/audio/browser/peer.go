// Package browser implements the audio device contract for a web page that
// captures and plays audio on the server's behalf.
//
// A [Peer] translates [audio.Device] calls into messages for the page
// (mic_request, play, stop, resume) and is fed by the page's replies
// (mic_grant, mic_deny and binary sample blocks). The transport that carries
// those messages is supplied through [Sender]; internal/web uses a websocket.
package browser

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
)

var _ audio.Device = (*Peer)(nil)

// ErrRequestPending is returned by OpenInput while another microphone request
// is unanswered.
var ErrRequestPending = errors.New("browser: microphone request already pending")

// Option configures a [Peer].
type Option func(*Peer)

// WithLogger sets the peer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Peer) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock replaces the monotonic clock used by output sinks.
func WithClock(now func() time.Time) Option {
	return func(p *Peer) {
		if now != nil {
			p.now = now
		}
	}
}

// WithInputBuffer sets how many sample blocks an input stream holds before
// new blocks are dropped.
func WithInputBuffer(n int) Option {
	return func(p *Peer) {
		if n > 0 {
			p.inputBuffer = n
		}
	}
}

type grant struct {
	rate   int
	reason string
	err    error
}

// Peer is one connected page acting as an audio device.
type Peer struct {
	out         Sender
	log         *slog.Logger
	now         func() time.Time
	inputBuffer int

	mu      sync.Mutex
	closed  bool
	pending chan grant
	input   *inputStream
	sinks   map[*sink]struct{}
	voiceID uint64
}

// NewPeer creates a peer that talks to the page through out.
func NewPeer(out Sender, opts ...Option) *Peer {
	p := &Peer{
		out:         out,
		log:         slog.Default(),
		now:         time.Now,
		inputBuffer: 32,
		sinks:       make(map[*sink]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OpenInput asks the page for the microphone and waits for its answer. A
// denial wraps [audio.ErrPermissionDenied]. Samples granted at a different
// rate are resampled to sampleRate.
func (p *Peer) OpenInput(ctx context.Context, sampleRate int) (audio.InputStream, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, audio.ErrClosed
	}
	if p.pending != nil {
		p.mu.Unlock()
		return nil, ErrRequestPending
	}
	ch := make(chan grant, 1)
	p.pending = ch
	p.mu.Unlock()

	cancelRequest := func() {
		p.mu.Lock()
		if p.pending == ch {
			p.pending = nil
		}
		p.mu.Unlock()
	}

	if err := p.out.Send(Message{Type: MessageMicRequest, SampleRate: sampleRate}); err != nil {
		cancelRequest()
		return nil, fmt.Errorf("browser: request microphone: %w", err)
	}

	var g grant
	select {
	case g = <-ch:
	case <-ctx.Done():
		cancelRequest()
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	if g.reason != "" || g.rate <= 0 {
		reason := g.reason
		if reason == "" {
			reason = "denied"
		}
		return nil, fmt.Errorf("browser: microphone %s: %w", reason, audio.ErrPermissionDenied)
	}

	in := newInputStream(p, sampleRate, g.rate, p.inputBuffer)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = in.Close()
		return nil, audio.ErrClosed
	}
	prev := p.input
	p.input = in
	p.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	p.log.Debug("browser: microphone granted", "page_rate", g.rate, "rate", sampleRate)
	return in, nil
}

// OpenOutput creates a suspended sink. The page plays its voices once the
// sink is resumed.
func (p *Peer) OpenOutput(sampleRate int) (audio.OutputSink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, audio.ErrClosed
	}
	s := newSink(p, sampleRate)
	p.sinks[s] = struct{}{}
	return s, nil
}

// Grant answers the pending microphone request with the page's capture rate.
func (p *Peer) Grant(rate int) {
	p.answer(grant{rate: rate})
}

// Deny refuses the pending microphone request.
func (p *Peer) Deny(reason string) {
	if reason == "" {
		reason = "denied"
	}
	p.answer(grant{reason: reason})
}

func (p *Peer) answer(g grant) {
	p.mu.Lock()
	ch := p.pending
	p.pending = nil
	p.mu.Unlock()
	if ch == nil {
		p.log.Debug("browser: microphone answer without request")
		return
	}
	ch <- g
}

// HandleAudio feeds one binary frame of little-endian float32 samples to the
// open input stream. Frames arriving without an open stream are ignored.
func (p *Peer) HandleAudio(b []byte) error {
	if len(b)%4 != 0 {
		return fmt.Errorf("browser: audio frame length %d is not a multiple of 4", len(b))
	}
	p.mu.Lock()
	in := p.input
	p.mu.Unlock()
	if in == nil {
		return nil
	}
	block := make([]float32, len(b)/4)
	for i := range block {
		block[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	in.push(block)
	return nil
}

// Close ends any pending request, closes the input stream and every sink.
// Further device calls fail with [audio.ErrClosed].
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ch := p.pending
	p.pending = nil
	in := p.input
	p.input = nil
	sinks := make([]*sink, 0, len(p.sinks))
	for s := range p.sinks {
		sinks = append(sinks, s)
	}
	p.mu.Unlock()

	if ch != nil {
		ch <- grant{err: audio.ErrClosed}
	}
	if in != nil {
		_ = in.Close()
	}
	for _, s := range sinks {
		_ = s.Close()
	}
	return nil
}

func (p *Peer) nextVoiceID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voiceID++
	return p.voiceID
}

func (p *Peer) dropInput(in *inputStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.input == in {
		p.input = nil
	}
}

func (p *Peer) dropSink(s *sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, s)
}

func (p *Peer) send(m Message) {
	if err := p.out.Send(m); err != nil {
		p.log.Debug("browser: send", "type", m.Type, "err", err)
	}
}
