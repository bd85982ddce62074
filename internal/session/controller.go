// Package session owns the lifecycle of one realtime voice conversation.
//
// A [Controller] acquires the microphone and an output sink from an
// [audio.Device], opens a speech-to-speech transport through an
// [s2s.Provider], streams captured frames to the model and schedules the
// model's audio for gapless playback. All lifecycle state is owned by a single
// event-loop goroutine: device results, transport events, capture telemetry
// and outbox failures are posted to it as messages and handled one at a time.
//
// Blocking work runs on helper goroutines. Their results carry the attempt
// they belong to; results for an attempt that has since been stopped are
// released immediately.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/audio/capture"
	"github.com/MrWong99/voxlive/pkg/audio/pcm"
	"github.com/MrWong99/voxlive/pkg/audio/playback"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// Template is the model configuration applied to each new session.
type Template struct {
	Voice        string
	Instructions string
}

// Option configures a [Controller].
type Option func(*Controller)

// WithTemplate sets the voice and system instruction for sessions.
func WithTemplate(t Template) Option {
	return func(c *Controller) { c.tmpl = t }
}

// WithFrameSize sets the capture frame length in samples.
func WithFrameSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.frameSize = n
		}
	}
}

// WithVolumeGain sets the loudness gain applied to frame RMS.
func WithVolumeGain(g float64) Option {
	return func(c *Controller) {
		if g > 0 {
			c.gain = g
		}
	}
}

// WithPendingFrames bounds the frames buffered before the transport opens.
func WithPendingFrames(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.pending = n
		}
	}
}

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the instruments the controller records to.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// attempt holds the resources of one session, from Start until teardown.
type attempt struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	input   audio.InputStream
	sink    audio.OutputSink
	sched   *playback.Scheduler
	capture *capture.Pipeline
	outbox  *Outbox
	handle  s2s.SessionHandle

	waiters   []chan error
	startedAt time.Time
	activeAt  time.Time
}

// Controller runs at most one session at a time. All methods are safe for
// concurrent use.
type Controller struct {
	dev       audio.Device
	prov      s2s.Provider
	log       *slog.Logger
	metrics   *observe.Metrics
	frameSize int
	gain      float64
	pending   int

	actions   chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	stateMu sync.Mutex
	snap    State
	pub     *publisher

	volMu     sync.Mutex
	volGen    uint64
	volValue  float64
	volNotify chan struct{}

	// Owned by the loop goroutine.
	tmpl   Template
	phase  Phase
	errMsg string
	volume float64
	gen    uint64
	att    *attempt
}

// New creates a controller and starts its event loop. Call [Controller.Close]
// to release it.
func New(dev audio.Device, prov s2s.Provider, opts ...Option) *Controller {
	c := &Controller{
		dev:       dev,
		prov:      prov,
		log:       slog.Default(),
		frameSize: capture.DefaultFrameSize,
		gain:      capture.DefaultGain,
		pending:   DefaultPendingFrames,
		actions:   make(chan func()),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		pub:       newPublisher(),
		volNotify: make(chan struct{}, 1),
		tmpl: Template{
			Voice:        s2s.DefaultVoice,
			Instructions: s2s.DefaultInstructions,
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	go c.loop()
	return c
}

// ── Public API ─────────────────────────────────────────────────────────────────

// Start begins a session and blocks until it is Active, fails, is stopped, or
// ctx is done. Cancelling ctx while connecting abandons the attempt. Start
// returns nil at once when a session already exists. Failures are returned as
// *[Error]; a concurrent Stop yields [ErrStopped].
func (c *Controller) Start(ctx context.Context) error {
	res := make(chan error, 1)
	accepted := make(chan uint64, 1)
	if !c.post(func() { c.begin(ctx, res, accepted) }) {
		return ErrClosed
	}
	gen := <-accepted

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		c.post(func() { c.abort(gen) })
		return fmt.Errorf("session: start: %w", ctx.Err())
	}
}

// Stop ends the current session, if any, and releases every resource it
// holds. It is idempotent and safe from any phase. When Stop returns the
// controller is Idle.
func (c *Controller) Stop() {
	done := make(chan struct{})
	if !c.post(func() {
		c.stop()
		close(done)
	}) {
		return
	}
	<-done
}

// Update replaces the template used by the next Start. A running session is
// not affected.
func (c *Controller) Update(t Template) {
	c.post(func() {
		c.tmpl = t
		c.log.Debug("session: template updated", "voice", t.Voice)
	})
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.snap
}

// Subscribe returns a channel that always holds the newest snapshot, starting
// with the current one. Intermediate snapshots may be skipped. The cancel
// function closes the channel; Close closes every subscription.
func (c *Controller) Subscribe() (<-chan State, func()) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.pub.subscribe(c.snap)
}

// Close stops any session, ends the event loop and closes all subscriptions.
// Further Start calls return [ErrClosed].
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.loopDone
		c.pub.close()
	})
	return nil
}

// ── Event loop ─────────────────────────────────────────────────────────────────

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.actions:
			fn()
		case <-c.volNotify:
			c.applyVolume()
		case <-c.quit:
			c.finish(ErrClosed)
			return
		}
	}
}

// post hands fn to the loop. It reports false once the controller is closed,
// in which case fn never runs.
func (c *Controller) post(fn func()) bool {
	select {
	case c.actions <- fn:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Controller) publishState() {
	s := State{
		Phase:      c.phase,
		Connected:  c.phase == PhaseActive,
		Connecting: c.phase == PhaseConnecting,
		Error:      c.errMsg,
		Volume:     c.volume,
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if s == c.snap {
		return
	}
	c.snap = s
	c.pub.publish(s)
}

// offerVolume records the loudness of the newest frame. It runs on the capture
// goroutine and never blocks.
func (c *Controller) offerVolume(gen uint64, v float64) {
	c.volMu.Lock()
	c.volGen, c.volValue = gen, v
	c.volMu.Unlock()
	select {
	case c.volNotify <- struct{}{}:
	default:
	}
}

func (c *Controller) applyVolume() {
	c.volMu.Lock()
	gen, v := c.volGen, c.volValue
	c.volMu.Unlock()
	if c.att == nil || c.att.gen != gen || c.phase != PhaseActive {
		return
	}
	c.volume = v
	c.publishState()
}

// ── Lifecycle handlers (loop goroutine only) ───────────────────────────────────

func (c *Controller) begin(ctx context.Context, res chan error, accepted chan uint64) {
	if c.phase != PhaseIdle && c.phase != PhaseErrored {
		accepted <- 0
		res <- nil
		return
	}

	c.gen++
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	att := &attempt{
		gen:       c.gen,
		ctx:       actx,
		cancel:    cancel,
		waiters:   []chan error{res},
		startedAt: time.Now(),
	}
	c.att = att
	c.phase = PhaseConnecting
	c.errMsg = ""
	c.volume = 0
	c.publishState()
	accepted <- att.gen

	c.log.Debug("session: starting", "gen", att.gen)
	go c.openInput(att)
}

func (c *Controller) openInput(att *attempt) {
	in, err := c.dev.OpenInput(att.ctx, audio.InputSampleRate)
	if !c.post(func() { c.onInput(att, in, err) }) && in != nil {
		c.release("input", in)
	}
}

func (c *Controller) onInput(att *attempt, in audio.InputStream, err error) {
	if c.att != att {
		if in != nil {
			c.release("stale input", in)
		}
		return
	}
	if err != nil {
		kind := KindDeviceError
		if errors.Is(err, audio.ErrPermissionDenied) {
			kind = KindPermissionDenied
		}
		c.finish(&Error{Kind: kind, Err: fmt.Errorf("session: open input: %w", err)})
		return
	}
	att.input = in

	sink, err := c.dev.OpenOutput(audio.OutputSampleRate)
	if err != nil {
		c.finish(&Error{Kind: KindDeviceError, Err: fmt.Errorf("session: open output: %w", err)})
		return
	}
	att.sink = sink
	att.sched = playback.New(sink, playback.WithLogger(c.log))
	att.outbox = NewOutbox(c.pending, c.outboxHooks(att))

	// Capture runs from here on; frames wait in the outbox until the
	// transport is open.
	att.capture = capture.New(in, c.frameFunc(att),
		capture.WithFrameSize(c.frameSize),
		capture.WithGain(c.gain),
		capture.WithLogger(c.log),
	)
	att.capture.Start()
	go c.watchCapture(att, att.capture)

	cfg := s2s.SessionConfig{
		Modality:     s2s.ModalityAudio,
		Voice:        c.tmpl.Voice,
		Instructions: c.tmpl.Instructions,
	}
	go c.connect(att, cfg)
}

func (c *Controller) frameFunc(att *attempt) capture.FrameFunc {
	ob := att.outbox
	return func(f audio.Frame, w audio.WireFrame) {
		ob.Push(w)
		c.metrics.FramesCaptured.Add(att.ctx, 1)
		c.offerVolume(att.gen, f.Volume)
	}
}

func (c *Controller) outboxHooks(att *attempt) OutboxHooks {
	return OutboxHooks{
		Sent: func() { c.metrics.FramesSent.Add(att.ctx, 1) },
		Dropped: func(reason string, n int) {
			c.metrics.FramesDropped.Add(att.ctx, int64(n),
				metric.WithAttributes(observe.Attr("reason", reason)))
		},
		Failed: func(err error) {
			c.post(func() { c.onSendFailed(att, err) })
		},
	}
}

// watchCapture reports a microphone stream that ends on its own.
func (c *Controller) watchCapture(att *attempt, p *capture.Pipeline) {
	select {
	case <-p.Done():
	case <-att.ctx.Done():
		return
	}
	c.post(func() {
		if c.att != att {
			return
		}
		c.finish(&Error{Kind: KindDeviceError, Err: errors.New("session: microphone stream ended")})
	})
}

func (c *Controller) connect(att *attempt, cfg s2s.SessionConfig) {
	ctx, span := observe.StartConnectSpan(att.ctx, cfg.Voice, att.gen)
	h, err := c.prov.Connect(ctx, cfg)
	observe.EndSpan(span, err)

	if !c.post(func() { c.onConnected(att, h, err) }) && h != nil {
		c.release("transport", h)
	}
}

func (c *Controller) onConnected(att *attempt, h s2s.SessionHandle, err error) {
	if c.att != att {
		if h != nil {
			go c.release("stale transport", h)
		}
		return
	}
	if err != nil {
		c.finish(&Error{Kind: KindTransportOpenFailed, Err: fmt.Errorf("session: connect: %w", err)})
		return
	}
	att.handle = h
	go c.pump(att, h)
}

// pump forwards transport events to the loop in order.
func (c *Controller) pump(att *attempt, h s2s.SessionHandle) {
	for ev := range h.Events() {
		if !c.post(func() { c.onEvent(att, ev) }) {
			return
		}
	}
	c.post(func() { c.onEventsEnded(att) })
}

func (c *Controller) onEvent(att *attempt, ev s2s.Event) {
	if c.att != att {
		return
	}
	switch ev.Kind {
	case s2s.EventOpened:
		c.onOpened(att)
	case s2s.EventMessage:
		c.onMessage(att, ev.Message)
	case s2s.EventClosed:
		c.log.Info("session: closed by remote")
		c.finish(&Error{Kind: KindRemoteClosed})
	case s2s.EventError:
		c.finish(&Error{Kind: c.failureKind(), Err: ev.Err})
	}
}

// onEventsEnded handles a stream that ended without a terminal event.
func (c *Controller) onEventsEnded(att *attempt) {
	if c.att != att {
		return
	}
	c.finish(&Error{Kind: c.failureKind(), Err: errors.New("session: transport event stream ended")})
}

func (c *Controller) onSendFailed(att *attempt, err error) {
	if c.att != att {
		return
	}
	c.finish(&Error{Kind: c.failureKind(), Err: fmt.Errorf("session: send: %w", err)})
}

// failureKind classifies a transport failure by how far the session got.
func (c *Controller) failureKind() Kind {
	if c.phase == PhaseConnecting {
		return KindTransportOpenFailed
	}
	return KindTransportRuntimeError
}

func (c *Controller) onOpened(att *attempt) {
	if c.phase != PhaseConnecting {
		return
	}
	c.phase = PhaseActive
	c.volume = 0
	att.activeAt = time.Now()
	queued := att.outbox.Pending()
	att.outbox.Open(att.handle)

	if sink := att.sink; sink.Suspended() {
		go func() {
			if err := sink.Resume(att.ctx); err != nil && att.ctx.Err() == nil {
				c.log.Warn("session: resume output", "err", err)
			}
		}()
	}

	observe.RecordDuration(att.ctx, c.metrics.ConnectDuration, att.activeAt.Sub(att.startedAt))
	c.metrics.ActiveSessions.Add(att.ctx, 1)
	c.metrics.RecordSessionStart(att.ctx, "ok")
	c.settle(att, nil)

	c.log.Info("session: active", "gen", att.gen, "connect", att.activeAt.Sub(att.startedAt), "queued_frames", queued)
	c.publishState()
}

func (c *Controller) onMessage(att *attempt, m s2s.Message) {
	rate := att.sink.SampleRate()
	for _, part := range m.Audio {
		src := pcm.ParseRate(part.MIMEType, rate)
		buf, err := pcm.Decode(part.Data, src, 1)
		if err != nil {
			c.log.Warn("session: dropping model audio",
				"err", &Error{Kind: KindDecodeError, Err: err}, "mime", part.MIMEType)
			c.metrics.DecodeErrors.Add(att.ctx, 1)
			continue
		}
		if buf.Frames() == 0 {
			continue
		}
		if src != rate {
			buf.Channels[0] = pcm.Resample(buf.Channels[0], src, rate)
			buf.SampleRate = rate
		}
		if _, err := att.sched.Schedule(buf); err != nil {
			c.log.Warn("session: schedule playback", "err", err)
			continue
		}
		c.metrics.ChunksScheduled.Add(att.ctx, 1)
	}
	if m.Interrupted {
		n := att.sched.Flush()
		c.metrics.Interruptions.Add(att.ctx, 1)
		c.log.Debug("session: interrupted", "stopped_chunks", n)
	}
}

func (c *Controller) abort(gen uint64) {
	if c.att == nil || c.att.gen != gen || c.phase != PhaseConnecting {
		return
	}
	c.finish(context.Canceled)
}

func (c *Controller) stop() {
	if c.att != nil {
		c.finish(ErrStopped)
		return
	}
	if c.phase == PhaseErrored {
		c.phase = PhaseIdle
		c.publishState()
	}
}

// finish tears the current attempt down and settles pending Start calls with
// cause. Causes whose kind carries a user-visible message leave the controller
// Errored; everything else returns it to Idle.
func (c *Controller) finish(cause error) {
	att := c.att
	if att == nil {
		return
	}
	wasActive := c.phase == PhaseActive
	c.phase = PhaseClosing
	c.publishState()

	c.teardown(att)
	c.att = nil
	c.volume = 0

	kind := KindOf(cause)
	if msg := kind.message(); msg != "" {
		c.phase = PhaseErrored
		c.errMsg = msg
		c.metrics.RecordSessionError(att.ctx, kind.String())
		observe.RecordSessionEnd(att.ctx, att.gen, kind.String())
		c.log.Warn("session: failed", "gen", att.gen, "kind", kind, "err", cause)
	} else {
		c.phase = PhaseIdle
		observe.RecordSessionEnd(att.ctx, att.gen, "")
		c.log.Debug("session: ended", "gen", att.gen, "cause", cause)
	}

	if wasActive {
		c.metrics.ActiveSessions.Add(att.ctx, -1)
		observe.RecordDuration(att.ctx, c.metrics.SessionDuration, time.Since(att.activeAt))
	} else {
		c.metrics.RecordSessionStart(att.ctx, startOutcome(cause))
	}
	c.settle(att, cause)
	att.cancel()
	c.publishState()
}

// teardown releases the attempt's resources. Playback and capture stop
// first so that no frame or chunk is handled once teardown begins.
func (c *Controller) teardown(att *attempt) {
	if att.sched != nil {
		_ = att.sched.Close()
	}
	if att.capture != nil {
		att.capture.Stop()
	}
	if att.outbox != nil {
		if n := att.outbox.Close(); n > 0 {
			c.log.Debug("session: dropped pending frames", "frames", n)
		}
	}
	if att.handle != nil {
		c.release("transport", att.handle)
	}
	if att.input != nil {
		c.release("input", att.input)
	}
	if att.sink != nil {
		c.release("output", att.sink)
	}
}

func (c *Controller) settle(att *attempt, err error) {
	for _, w := range att.waiters {
		w <- err
	}
	att.waiters = nil
}

// release closes r, logging any failure at debug level.
func (c *Controller) release(what string, r io.Closer) {
	if err := r.Close(); err != nil {
		c.log.Debug("session: close "+what, "err", err)
	}
}

func startOutcome(cause error) string {
	switch {
	case cause == nil:
		return "ok"
	case errors.Is(cause, ErrStopped), errors.Is(cause, ErrClosed):
		return "stopped"
	case errors.Is(cause, context.Canceled):
		return "canceled"
	}
	if k := KindOf(cause); k != 0 {
		return k.String()
	}
	return "error"
}
