package capture

// Framer re-slices blocks of arbitrary length into frames of exactly Size
// samples. Leftover samples are carried to the next Push.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	size    int
	pending []float32
}

// NewFramer returns a Framer emitting frames of size samples. size must be
// positive.
func NewFramer(size int) *Framer {
	if size <= 0 {
		panic("capture: frame size must be positive")
	}
	return &Framer{size: size, pending: make([]float32, 0, size)}
}

// Size returns the frame length in samples.
func (f *Framer) Size() int { return f.size }

// Push appends block and returns every complete frame now available. Each
// returned slice is freshly allocated and owned by the caller.
func (f *Framer) Push(block []float32) [][]float32 {
	var out [][]float32
	for len(block) > 0 {
		n := min(f.size-len(f.pending), len(block))
		f.pending = append(f.pending, block[:n]...)
		block = block[n:]
		if len(f.pending) == f.size {
			frame := make([]float32, f.size)
			copy(frame, f.pending)
			out = append(out, frame)
			f.pending = f.pending[:0]
		}
	}
	return out
}

// Buffered returns the number of samples waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.pending) }
