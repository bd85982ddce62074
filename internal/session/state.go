package session

import "sync"

// Phase is the lifecycle position of the controller's session.
type Phase int

const (
	// PhaseIdle means no session exists.
	PhaseIdle Phase = iota

	// PhaseConnecting means resources are being acquired and the transport
	// has not yet reported that it is open.
	PhaseConnecting

	// PhaseActive means audio flows in both directions.
	PhaseActive

	// PhaseClosing means teardown is in progress.
	PhaseClosing

	// PhaseErrored is a resting phase after a failure. It behaves like Idle
	// except that [State.Error] carries a message.
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseClosing:
		return "closing"
	case PhaseErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// State is the snapshot consumed by the presentation layer.
type State struct {
	Phase      Phase   `json:"-"`
	Connected  bool    `json:"connected"`
	Connecting bool    `json:"connecting"`
	Error      string  `json:"error,omitempty"`
	Volume     float64 `json:"volume"`
}

// publisher fans state snapshots out to subscribers. Each subscriber holds a
// single-slot channel that always contains the newest snapshot.
type publisher struct {
	mu     sync.Mutex
	subs   map[int]chan State
	next   int
	closed bool
}

func newPublisher() *publisher {
	return &publisher{subs: make(map[int]chan State)}
}

func (p *publisher) subscribe(initial State) (<-chan State, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan State, 1)
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- initial
	id := p.next
	p.next++
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
}

// publish replaces any undelivered snapshot with s.
func (p *publisher) publish(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (p *publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
