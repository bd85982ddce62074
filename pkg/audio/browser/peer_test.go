package browser_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/audio/browser"
)

// recorder is a Sender that keeps every message.
type recorder struct {
	mu   sync.Mutex
	msgs []browser.Message
	err  error
	seen chan browser.Message
}

func newRecorder() *recorder { return &recorder{seen: make(chan browser.Message, 64)} }

func (r *recorder) Send(m browser.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, m)
	select {
	case r.seen <- m:
	default:
	}
	return nil
}

func (r *recorder) byType(typ string) []browser.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []browser.Message
	for _, m := range r.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) next(t *testing.T) browser.Message {
	t.Helper()
	select {
	case m := <-r.seen:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
		return browser.Message{}
	}
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func floatFrame(samples ...float32) []byte {
	b := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(s))
	}
	return b
}

type openResult struct {
	in  audio.InputStream
	err error
}

func openAsync(p *browser.Peer, ctx context.Context) <-chan openResult {
	ch := make(chan openResult, 1)
	go func() {
		in, err := p.OpenInput(ctx, audio.InputSampleRate)
		ch <- openResult{in, err}
	}()
	return ch
}

func TestOpenInput_Grant(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	p := browser.NewPeer(rec)
	defer p.Close()

	res := openAsync(p, context.Background())
	if m := rec.next(t); m.Type != browser.MessageMicRequest || m.SampleRate != audio.InputSampleRate {
		t.Fatalf("request = %+v", m)
	}
	p.Grant(audio.InputSampleRate)

	r := <-res
	if r.err != nil {
		t.Fatalf("OpenInput: %v", r.err)
	}
	if r.in.SampleRate() != audio.InputSampleRate {
		t.Errorf("SampleRate = %d", r.in.SampleRate())
	}

	if err := p.HandleAudio(floatFrame(0.5, -0.25)); err != nil {
		t.Fatalf("HandleAudio: %v", err)
	}
	select {
	case block := <-r.in.Samples():
		if len(block) != 2 || block[0] != 0.5 || block[1] != -0.25 {
			t.Errorf("block = %v", block)
		}
	case <-time.After(time.Second):
		t.Fatal("no samples delivered")
	}
}

func TestOpenInput_ResamplesPageRate(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	p := browser.NewPeer(rec)
	defer p.Close()

	res := openAsync(p, context.Background())
	rec.next(t)
	p.Grant(48000)
	r := <-res
	if r.err != nil {
		t.Fatalf("OpenInput: %v", r.err)
	}

	_ = p.HandleAudio(floatFrame(make([]float32, 4800)...))
	block := <-r.in.Samples()
	if len(block) != 1600 {
		t.Errorf("resampled block has %d samples, want 1600", len(block))
	}
}

func TestOpenInput_PageBlocksKeepInputRate(t *testing.T) {
	t.Parallel()

	for _, rate := range []int{48000, 44100} {
		t.Run(fmt.Sprint(rate), func(t *testing.T) {
			t.Parallel()
			rec := newRecorder()
			p := browser.NewPeer(rec, browser.WithInputBuffer(512))
			defer p.Close()

			res := openAsync(p, context.Background())
			rec.next(t)
			p.Grant(rate)
			r := <-res
			if r.err != nil {
				t.Fatalf("OpenInput: %v", r.err)
			}

			// One second of audio in the 128-sample blocks an AudioWorklet
			// delivers.
			for fed := 0; fed < rate; fed += 128 {
				if err := p.HandleAudio(floatFrame(make([]float32, min(128, rate-fed))...)); err != nil {
					t.Fatalf("HandleAudio: %v", err)
				}
			}
			_ = r.in.Close()

			total := 0
			for block := range r.in.Samples() {
				total += len(block)
			}
			if total != audio.InputSampleRate {
				t.Errorf("1 s at %d Hz produced %d samples, want %d", rate, total, audio.InputSampleRate)
			}
		})
	}
}

func TestOpenInput_Deny(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	p := browser.NewPeer(rec)
	defer p.Close()

	res := openAsync(p, context.Background())
	rec.next(t)
	p.Deny("NotAllowedError")

	r := <-res
	if !errors.Is(r.err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", r.err)
	}
}

func TestOpenInput_Errors(t *testing.T) {
	t.Parallel()

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		rec := newRecorder()
		p := browser.NewPeer(rec)
		defer p.Close()
		ctx, cancel := context.WithCancel(context.Background())
		res := openAsync(p, ctx)
		rec.next(t)
		cancel()
		if r := <-res; !errors.Is(r.err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", r.err)
		}
		// A late grant is ignored and a new request can be made.
		p.Grant(16000)
		res = openAsync(p, context.Background())
		rec.next(t)
		p.Grant(16000)
		if r := <-res; r.err != nil {
			t.Fatalf("second OpenInput: %v", r.err)
		}
	})

	t.Run("pending", func(t *testing.T) {
		t.Parallel()
		rec := newRecorder()
		p := browser.NewPeer(rec)
		defer p.Close()
		openAsync(p, context.Background())
		rec.next(t)
		if _, err := p.OpenInput(context.Background(), 16000); !errors.Is(err, browser.ErrRequestPending) {
			t.Fatalf("err = %v, want ErrRequestPending", err)
		}
	})

	t.Run("peer closed while waiting", func(t *testing.T) {
		t.Parallel()
		rec := newRecorder()
		p := browser.NewPeer(rec)
		res := openAsync(p, context.Background())
		rec.next(t)
		_ = p.Close()
		if r := <-res; !errors.Is(r.err, audio.ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", r.err)
		}
	})

	t.Run("send fails", func(t *testing.T) {
		t.Parallel()
		rec := newRecorder()
		rec.err = errors.New("queue full")
		p := browser.NewPeer(rec)
		defer p.Close()
		if _, err := p.OpenInput(context.Background(), 16000); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestHandleAudio_RejectsRaggedFrame(t *testing.T) {
	t.Parallel()
	p := browser.NewPeer(newRecorder())
	defer p.Close()
	if err := p.HandleAudio([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for 3-byte frame")
	}
	if err := p.HandleAudio(floatFrame(1)); err != nil {
		t.Fatalf("frame without stream: %v", err)
	}
}

func TestSink_SuspendedClockAndResume(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Unix(0, 0)}
	rec := newRecorder()
	p := browser.NewPeer(rec, browser.WithClock(clk.Now))
	defer p.Close()

	out, err := p.OpenOutput(audio.OutputSampleRate)
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	if !out.Suspended() {
		t.Fatal("new sink should start suspended")
	}
	clk.Advance(time.Second)
	if got := out.CurrentTime(); got != 0 {
		t.Errorf("clock advanced while suspended: %v", got)
	}

	if err := out.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(rec.byType(browser.MessageResume)) != 1 {
		t.Error("resume message not sent")
	}
	clk.Advance(250 * time.Millisecond)
	if got := out.CurrentTime(); got != 250*time.Millisecond {
		t.Errorf("CurrentTime = %v, want 250ms", got)
	}
}

func TestSink_PlayAndStop(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	p := browser.NewPeer(rec)
	defer p.Close()

	out, _ := p.OpenOutput(audio.OutputSampleRate)
	buf := audio.PlaybackBuffer{Channels: [][]float32{{0, 0.5, -0.5, 1}}, SampleRate: audio.OutputSampleRate}
	ended := make(chan struct{})
	v, err := out.Play(buf, 2*time.Second, func() { close(ended) })
	if err != nil {
		t.Fatalf("Play: %v", err)
	}

	plays := rec.byType(browser.MessagePlay)
	if len(plays) != 1 {
		t.Fatalf("play messages = %d, want 1", len(plays))
	}
	m := plays[0]
	if m.At != 2 || m.SampleRate != audio.OutputSampleRate || m.Channels != 1 || m.ID == 0 {
		t.Errorf("play = %+v", m)
	}
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil || len(data) != 8 {
		t.Fatalf("data = %v (%v), want 8 bytes", data, err)
	}
	if got := int16(binary.LittleEndian.Uint16(data[6:])); got != 32767 {
		t.Errorf("last sample = %d, want 32767", got)
	}

	v.Stop()
	v.Stop()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("onEnded not called on Stop")
	}
	stops := rec.byType(browser.MessageStop)
	if len(stops) != 1 || stops[0].ID != m.ID {
		t.Errorf("stop messages = %+v", stops)
	}
}

func TestSink_VoiceEndsNaturally(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	p := browser.NewPeer(rec)
	defer p.Close()

	out, _ := p.OpenOutput(audio.OutputSampleRate)
	_ = out.Resume(context.Background())

	// 240 samples at 24 kHz: 10 ms.
	buf := audio.PlaybackBuffer{Channels: [][]float32{make([]float32, 240)}, SampleRate: audio.OutputSampleRate}
	ended := make(chan struct{})
	if _, err := out.Play(buf, out.CurrentTime(), func() { close(ended) }); err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("voice never ended")
	}
	if len(rec.byType(browser.MessageStop)) != 0 {
		t.Error("natural end should not send stop")
	}
}

func TestSink_CloseStopsVoicesAndRefusesPlay(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	p := browser.NewPeer(rec)

	out, _ := p.OpenOutput(audio.OutputSampleRate)
	buf := audio.PlaybackBuffer{Channels: [][]float32{make([]float32, 24000)}, SampleRate: audio.OutputSampleRate}
	ended := make(chan struct{})
	if _, err := out.Play(buf, 0, func() { close(ended) }); err != nil {
		t.Fatalf("Play: %v", err)
	}

	_ = p.Close()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("peer Close did not stop the voice")
	}
	if _, err := out.Play(buf, 0, nil); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("Play after close = %v, want ErrClosed", err)
	}
	if _, err := p.OpenOutput(audio.OutputSampleRate); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("OpenOutput after close = %v, want ErrClosed", err)
	}
}
