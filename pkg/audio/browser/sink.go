package browser

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/audio/pcm"
)

var _ audio.OutputSink = (*sink)(nil)

// sink mirrors the page's audio context. Its clock advances only while the
// sink is running, like a suspended AudioContext.
type sink struct {
	peer *Peer
	rate int

	mu        sync.Mutex
	suspended bool
	closed    bool
	elapsed   time.Duration // clock value accumulated before runningAt
	runningAt time.Time
	voices    map[uint64]*voice
}

func newSink(p *Peer, rate int) *sink {
	return &sink{
		peer:      p,
		rate:      rate,
		suspended: true,
		voices:    make(map[uint64]*voice),
	}
}

func (s *sink) SampleRate() int { return s.rate }

func (s *sink) CurrentTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clockLocked()
}

func (s *sink) clockLocked() time.Duration {
	if s.suspended || s.closed {
		return s.elapsed
	}
	return s.elapsed + s.peer.now().Sub(s.runningAt)
}

// Play sends the buffer to the page and arms a timer that ends the voice
// once the sink clock passes at plus the buffer's duration.
func (s *sink) Play(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, audio.ErrClosed
	}
	v := &voice{
		sink:    s,
		id:      s.peer.nextVoiceID(),
		end:     at + buf.Duration(),
		onEnded: onEnded,
	}
	s.voices[v.id] = v
	s.mu.Unlock()

	s.peer.send(Message{
		Type:       MessagePlay,
		ID:         v.id,
		At:         at.Seconds(),
		SampleRate: buf.SampleRate,
		Channels:   buf.NumChannels(),
		Data:       base64.StdEncoding.EncodeToString(pcm.Encode(interleave(buf))),
	})
	v.arm()
	return v, nil
}

func (s *sink) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Resume starts the clock and tells the page to resume its audio context.
func (s *sink) Resume(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audio.ErrClosed
	}
	if !s.suspended {
		s.mu.Unlock()
		return nil
	}
	s.suspended = false
	s.runningAt = s.peer.now()
	s.mu.Unlock()

	s.peer.send(Message{Type: MessageResume})
	return nil
}

func (s *sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.elapsed = s.clockLocked()
	s.closed = true
	voices := make([]*voice, 0, len(s.voices))
	for _, v := range s.voices {
		voices = append(voices, v)
	}
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	s.peer.dropSink(s)
	return nil
}

func (s *sink) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.voices, id)
}

// voice is one buffer playing on the page.
type voice struct {
	sink    *sink
	id      uint64
	end     time.Duration
	onEnded func()

	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

// arm schedules a check for when the voice should have finished. While the
// sink is suspended the check re-arms itself.
func (v *voice) arm() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.done {
		return
	}
	wait := v.end - v.sink.CurrentTime()
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	v.timer = time.AfterFunc(wait, v.check)
}

func (v *voice) check() {
	if v.sink.CurrentTime() < v.end {
		v.arm()
		return
	}
	v.finish(false)
}

// Stop halts the voice on the page. Stopping a finished voice is a no-op.
func (v *voice) Stop() { v.finish(true) }

func (v *voice) finish(stopped bool) {
	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return
	}
	v.done = true
	if v.timer != nil {
		v.timer.Stop()
	}
	v.mu.Unlock()

	v.sink.remove(v.id)
	if stopped {
		v.sink.peer.send(Message{Type: MessageStop, ID: v.id})
	}
	if v.onEnded != nil {
		v.onEnded()
	}
}

// interleave flattens a buffer into frame-major order.
func interleave(buf audio.PlaybackBuffer) []float32 {
	if buf.NumChannels() == 1 {
		return buf.Channels[0]
	}
	n := buf.Frames()
	ch := buf.NumChannels()
	out := make([]float32, n*ch)
	for c, samples := range buf.Channels {
		for i := 0; i < n && i < len(samples); i++ {
			out[i*ch+c] = samples[i]
		}
	}
	return out
}
