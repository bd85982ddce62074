// Package playback schedules decoded model audio back to back on an output
// sink clock.
//
// The [Scheduler] keeps a cursor marking the end of already scheduled audio.
// Each new buffer starts at max(cursor, now) so consecutive chunks play
// gaplessly without overlapping and never start in the past. [Scheduler.Flush]
// stops everything that is queued or playing and rewinds the cursor, which is
// how interruptions (barge-in) are honoured.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithLogger sets the logger used for scheduler diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// Scheduler places buffers on an [audio.OutputSink].
//
// All methods are safe for concurrent use. The sink must not invoke a voice's
// completion callback synchronously from within Play.
type Scheduler struct {
	sink audio.OutputSink
	log  *slog.Logger

	mu     sync.Mutex
	cursor time.Duration
	active map[uint64]audio.Voice
	nextID uint64
	closed bool
}

// New returns a Scheduler playing on sink. The scheduler does not own the
// sink; closing it remains the caller's job.
func New(sink audio.OutputSink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		log:    slog.Default(),
		active: make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule plays buf right after the previously scheduled audio, or now if
// the cursor lies in the past. It returns the placed chunk.
func (s *Scheduler) Schedule(buf audio.PlaybackBuffer) (audio.PlaybackChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return audio.PlaybackChunk{}, fmt.Errorf("playback: schedule: %w", audio.ErrClosed)
	}

	start := max(s.cursor, s.sink.CurrentTime())
	id := s.nextID
	s.nextID++
	chunk := audio.PlaybackChunk{ID: id, Buffer: buf, Start: start}

	voice, err := s.sink.Play(buf, start, func() { s.ended(id) })
	if err != nil {
		return audio.PlaybackChunk{}, fmt.Errorf("playback: schedule chunk %d: %w", id, err)
	}
	s.active[id] = voice
	s.cursor = chunk.End()
	return chunk, nil
}

// ended removes a finished chunk from the active set.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// Flush stops every active chunk, clears the active set and resets the cursor
// to zero. All voices have been stopped when Flush returns. It returns the
// number of chunks that were stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	voices := s.active
	s.active = make(map[uint64]audio.Voice)
	s.cursor = 0
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if len(voices) > 0 {
		s.log.Debug("playback: flushed", "chunks", len(voices))
	}
	return len(voices)
}

// Active returns the number of chunks queued or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the output clock offset at which the next chunk would start
// if the clock has not yet passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close flushes the scheduler and refuses any further Schedule call. Calling
// Close more than once is safe.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Flush()
	return nil
}
