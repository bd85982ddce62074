package browser

import (
	"sync"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/audio/pcm"
)

var _ audio.InputStream = (*inputStream)(nil)

// inputStream delivers page samples at the requested rate.
type inputStream struct {
	peer *Peer
	rate int

	mu        sync.Mutex
	resampler *pcm.Resampler
	ch        chan []float32
	closed    bool
	dropped   int
}

func newInputStream(p *Peer, rate, srcRate, buffer int) *inputStream {
	return &inputStream{
		peer:      p,
		rate:      rate,
		resampler: pcm.NewResampler(srcRate, rate),
		ch:        make(chan []float32, buffer),
	}
}

func (s *inputStream) Samples() <-chan []float32 { return s.ch }

func (s *inputStream) SampleRate() int { return s.rate }

// push never blocks; a full buffer drops the block. The resampler carries
// its position across blocks, so dropped blocks are still consumed by it.
func (s *inputStream) push(block []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	block = s.resampler.Process(block)
	if len(block) == 0 {
		return
	}
	select {
	case s.ch <- block:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			s.peer.log.Warn("browser: input buffer full, dropping samples", "dropped_blocks", s.dropped)
		}
	}
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.peer.dropInput(s)
	return nil
}
