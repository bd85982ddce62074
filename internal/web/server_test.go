package web_test

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxlive/internal/health"
	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/internal/session"
	"github.com/MrWong99/voxlive/internal/web"
	"github.com/MrWong99/voxlive/pkg/audio/browser"
	s2smock "github.com/MrWong99/voxlive/pkg/provider/s2s/mock"
)

const waitTimeout = 3 * time.Second

// frame is what the page receives.
type frame struct {
	Type       string         `json:"type"`
	ID         uint64         `json:"id"`
	At         float64        `json:"at"`
	SampleRate int            `json:"sample_rate"`
	Channels   int            `json:"channels"`
	Data       string         `json:"data"`
	State      *session.State `json:"state"`
	Error      string         `json:"error"`
}

type fixture struct {
	prov *s2smock.Provider
	srv  *web.Server
	http *httptest.Server
}

func newFixture(t *testing.T, opts ...web.Option) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{prov: &s2smock.Provider{}}
	opts = append([]web.Option{
		web.WithMetrics(met),
		web.WithSessionOptions(session.WithFrameSize(160)),
	}, opts...)
	f.srv = web.New(f.prov, opts...)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.http.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	// A second of 24 kHz audio is ~64 KB of base64, past the 32 KiB default.
	ws.SetReadLimit(web.DefaultReadLimit)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one satisfies match.
func expect(t *testing.T, ws *websocket.Conn, what string, match func(frame) bool) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for {
		var f frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(f) {
			return f
		}
	}
}

func ofType(typ string) func(frame) bool {
	return func(f frame) bool { return f.Type == typ }
}

func stateWhere(cond func(session.State) bool) func(frame) bool {
	return func(f frame) bool { return f.Type == browser.MessageState && f.State != nil && cond(*f.State) }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func floatFrame(n int, v float32) []byte {
	b := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

// startSession drives a page through start, mic grant and transport open.
// It returns the frames received while waiting for the connected state.
func startSession(t *testing.T, f *fixture, ws *websocket.Conn) (*s2smock.Session, []frame) {
	t.Helper()
	expect(t, ws, "initial state", ofType(browser.MessageState))
	send(t, ws, browser.Command{Type: browser.CommandStart})
	req := expect(t, ws, "mic_request", ofType(browser.MessageMicRequest))
	if req.SampleRate != 16000 {
		t.Errorf("mic_request sample_rate = %d, want 16000", req.SampleRate)
	}
	send(t, ws, browser.Command{Type: browser.CommandMicGrant, SampleRate: 16000})

	waitFor(t, "transport session", func() bool { return f.prov.LastSession() != nil })
	sess := f.prov.LastSession()
	sess.Open()

	var seen []frame
	connected := stateWhere(func(s session.State) bool { return s.Connected })
	expect(t, ws, "connected state", func(fr frame) bool {
		seen = append(seen, fr)
		return connected(fr)
	})
	return sess, seen
}

func sawType(frames []frame, typ string) bool {
	for _, f := range frames {
		if f.Type == typ {
			return true
		}
	}
	return false
}

func TestBridge_FullSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ws := f.dial(t)
	sess, seen := startSession(t, f, ws)

	// The suspended sink is resumed once the transport opens.
	if !sawType(seen, browser.MessageResume) {
		expect(t, ws, "resume", ofType(browser.MessageResume))
	}

	// Microphone samples reach the transport as 16-bit frames.
	ctx := context.Background()
	if err := ws.Write(ctx, websocket.MessageBinary, floatFrame(160, 0.25)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	waitFor(t, "frame sent", func() bool { return len(sess.Sent()) >= 1 })
	if got := sess.Sent()[0]; len(got.Data) != 320 || got.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("sent frame = %d bytes %q", len(got.Data), got.MIMEType)
	}

	// Model audio comes back as a play message. One second, so the voice is
	// still playing when the interruption arrives.
	pcm := make([]byte, 48000)
	sess.Audio("audio/pcm;rate=24000", pcm)
	play := expect(t, ws, "play", ofType(browser.MessagePlay))
	if play.SampleRate != 24000 || play.Channels != 1 || play.ID == 0 || play.Data == "" {
		t.Errorf("play = %+v", play)
	}

	// Interruption stops the voice on the page.
	sess.Interrupt()
	stop := expect(t, ws, "stop", ofType(browser.MessageStop))
	if stop.ID != play.ID {
		t.Errorf("stop id = %d, want %d", stop.ID, play.ID)
	}

	send(t, ws, browser.Command{Type: browser.CommandStop})
	expect(t, ws, "idle state", stateWhere(func(s session.State) bool { return !s.Connected && !s.Connecting }))
	waitFor(t, "transport closed", sess.Closed)
}

func TestBridge_MicDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ws := f.dial(t)

	send(t, ws, browser.Command{Type: browser.CommandStart})
	expect(t, ws, "mic_request", ofType(browser.MessageMicRequest))
	send(t, ws, browser.Command{Type: browser.CommandMicDeny, Reason: "NotAllowedError"})

	st := expect(t, ws, "error state", stateWhere(func(s session.State) bool { return s.Error != "" }))
	if st.State.Error != "Microphone access was denied." {
		t.Errorf("error = %q", st.State.Error)
	}
	if f.prov.ConnectCount() != 0 {
		t.Error("transport must not be contacted after a denial")
	}
}

func TestBridge_RejectsBadFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ws := f.dial(t)

	tests := []struct {
		name    string
		send    func()
		wantErr string
	}{
		{
			name:    "unknown type",
			send:    func() { send(t, ws, map[string]any{"type": "dance"}) },
			wantErr: "type must be one of",
		},
		{
			name:    "grant without rate",
			send:    func() { send(t, ws, map[string]any{"type": "mic_grant"}) },
			wantErr: "sample_rate is required",
		},
		{
			name: "not json",
			send: func() {
				_ = ws.Write(context.Background(), websocket.MessageText, []byte("{"))
			},
			wantErr: "invalid JSON",
		},
		{
			name: "ragged audio",
			send: func() {
				_ = ws.Write(context.Background(), websocket.MessageBinary, []byte{1, 2, 3})
			},
			wantErr: "not a multiple of 4",
		},
	}
	for _, tt := range tests {
		tt.send()
		got := expect(t, ws, tt.name, ofType(browser.MessageError))
		if !strings.Contains(got.Error, tt.wantErr) {
			t.Errorf("%s: error = %q, want it to contain %q", tt.name, got.Error, tt.wantErr)
		}
	}
}

func TestBridge_UpdateTemplateAppliesToNextStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, web.WithTemplate(session.Template{Voice: "Kore", Instructions: "a"}))
	ws := f.dial(t)
	expect(t, ws, "initial state", ofType(browser.MessageState))
	waitFor(t, "peer registered", func() bool { return f.srv.Peers() == 1 })

	f.srv.UpdateTemplate(session.Template{Voice: "Puck", Instructions: "b"})

	send(t, ws, browser.Command{Type: browser.CommandStart})
	expect(t, ws, "mic_request", ofType(browser.MessageMicRequest))
	send(t, ws, browser.Command{Type: browser.CommandMicGrant, SampleRate: 48000})
	waitFor(t, "connect", func() bool { return f.prov.ConnectCount() == 1 })

	cfg := f.prov.ConnectCalls[0].Cfg
	if cfg.Voice != "Puck" || cfg.Instructions != "b" {
		t.Errorf("connect config = %+v", cfg)
	}
}

func TestBridge_DisconnectStopsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ws := f.dial(t)
	sess, _ := startSession(t, f, ws)

	_ = ws.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "transport closed", sess.Closed)
	waitFor(t, "peer removed", func() bool { return f.srv.Peers() == 0 })
}

func TestServer_ShutdownClosesPeers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ws := f.dial(t)
	sess, _ := startSession(t, f, ws)

	// Keep reading so the close handshake can complete.
	closed := make(chan websocket.StatusCode, 1)
	go func() {
		for {
			if _, _, err := ws.Read(context.Background()); err != nil {
				closed <- websocket.CloseStatus(err)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := f.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !sess.Closed() {
		t.Error("transport should be closed after Shutdown")
	}
	if f.srv.Peers() != 0 {
		t.Errorf("Peers() = %d after Shutdown", f.srv.Peers())
	}
	select {
	case status := <-closed:
		if status != websocket.StatusGoingAway {
			t.Errorf("close status = %v, want going away", status)
		}
	case <-time.After(waitTimeout):
		t.Fatal("client never saw the close")
	}

	resp, err := http.Get(f.http.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz after Shutdown = %d, want 503", resp.StatusCode)
	}

	dctx, dcancel := context.WithTimeout(context.Background(), waitTimeout)
	defer dcancel()
	if _, _, err := websocket.Dial(dctx, "ws"+strings.TrimPrefix(f.http.URL, "http")+"/ws", nil); err == nil {
		t.Error("dial after Shutdown should fail")
	}
}

func TestServer_Endpoints(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "transports", Check: func(context.Context) error { return nil }})
	f := newFixture(t, web.WithHealth(h))

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/readyz", http.StatusOK, `"transports":"ok"`},
		{"/metrics", http.StatusOK, "go_goroutines"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(f.http.URL + tt.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantBody == "" {
				return
			}
			buf := new(strings.Builder)
			_, _ = io.Copy(buf, resp.Body)
			if !strings.Contains(buf.String(), tt.wantBody) {
				t.Errorf("body misses %q", tt.wantBody)
			}
		})
	}

	t.Run("plain GET on /ws", func(t *testing.T) {
		resp, err := http.Get(f.http.URL + "/ws")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode < 400 {
			t.Errorf("status = %d, want an upgrade error", resp.StatusCode)
		}
	})
}

func TestServer_RejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, web.WithOriginPatterns("app.example.com"))

	tests := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://evil.example.net", false},
	}
	for _, tt := range tests {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		hdr := http.Header{}
		if tt.origin != "" {
			hdr.Set("Origin", tt.origin)
		}
		ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.http.URL, "http")+"/ws", &websocket.DialOptions{HTTPHeader: hdr})
		cancel()
		if tt.ok != (err == nil) {
			t.Errorf("origin %q: err = %v, want ok=%v", tt.origin, err, tt.ok)
		}
		if ws != nil {
			_ = ws.CloseNow()
		}
	}
}
