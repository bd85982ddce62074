package session

import (
	"sync"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// DefaultPendingFrames bounds the frames an [Outbox] holds.
const DefaultPendingFrames = 16

// Drop reasons reported to [OutboxHooks.Dropped].
const (
	dropOverflow = "overflow"
	dropClosed   = "closed"
)

// Sender delivers one wire frame to the transport.
type Sender interface {
	SendRealtimeInput(frame audio.WireFrame) error
}

// OutboxHooks observe outbox activity. Every field is optional. Hooks run on
// the outbox goroutine or the pushing goroutine and must not block.
type OutboxHooks struct {
	// Sent is called after each successful send.
	Sent func()
	// Dropped is called when frames are discarded.
	Dropped func(reason string, n int)
	// Failed is called once, for the first send error. No frame is sent
	// afterwards.
	Failed func(err error)
}

// Outbox queues wire frames until a transport is open and then sends them in
// order on its own goroutine. The queue is bounded; when full the oldest frame
// is discarded.
type Outbox struct {
	limit int
	hooks OutboxHooks

	mu     sync.Mutex
	queue  []audio.WireFrame
	opened bool
	closed bool
	failed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewOutbox creates a gated outbox holding at most limit frames. A limit of
// zero or less selects [DefaultPendingFrames].
func NewOutbox(limit int, hooks OutboxHooks) *Outbox {
	if limit <= 0 {
		limit = DefaultPendingFrames
	}
	return &Outbox{
		limit: limit,
		hooks: hooks,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push enqueues frame. It never blocks. Frames pushed after Close or after a
// send failure are discarded silently.
func (o *Outbox) Push(frame audio.WireFrame) {
	o.mu.Lock()
	if o.closed || o.failed {
		o.mu.Unlock()
		return
	}
	dropped := 0
	if len(o.queue) >= o.limit {
		dropped = len(o.queue) - o.limit + 1
		o.queue = append(o.queue[:0], o.queue[dropped:]...)
	}
	o.queue = append(o.queue, frame)
	opened := o.opened
	o.mu.Unlock()

	if dropped > 0 && o.hooks.Dropped != nil {
		o.hooks.Dropped(dropOverflow, dropped)
	}
	if opened {
		o.signal()
	}
}

// Open releases the queue to s. Only the first call has an effect.
func (o *Outbox) Open(s Sender) {
	o.mu.Lock()
	if o.opened || o.closed {
		o.mu.Unlock()
		return
	}
	o.opened = true
	o.mu.Unlock()

	go o.run(s)
	o.signal()
}

// Pending returns the number of queued frames.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close discards every queued frame and stops the send goroutine. It does not
// wait for a send already in flight. It returns the number of frames
// discarded; further calls return 0.
func (o *Outbox) Close() int {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0
	}
	o.closed = true
	n := len(o.queue)
	o.queue = nil
	close(o.done)
	o.mu.Unlock()

	if n > 0 && o.hooks.Dropped != nil {
		o.hooks.Dropped(dropClosed, n)
	}
	return n
}

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// take pops the queued frames unless the outbox is closed.
func (o *Outbox) take() ([]audio.WireFrame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false
	}
	batch := o.queue
	o.queue = nil
	return batch, true
}

func (o *Outbox) run(s Sender) {
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}
		batch, ok := o.take()
		if !ok {
			return
		}
		for _, f := range batch {
			select {
			case <-o.done:
				return
			default:
			}
			if err := s.SendRealtimeInput(f); err != nil {
				o.fail(err)
				return
			}
			if o.hooks.Sent != nil {
				o.hooks.Sent()
			}
		}
	}
}

func (o *Outbox) fail(err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.failed = true
	o.queue = nil
	o.mu.Unlock()
	if o.hooks.Failed != nil {
		o.hooks.Failed(err)
	}
}
