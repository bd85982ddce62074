// Package genailive implements the s2s.Provider interface on top of the
// official Google Gen AI Go SDK (google.golang.org/genai) Live API.
//
// It speaks the same BidiGenerateContent protocol as the gemini package but
// delegates framing, setup conversion and authentication to the SDK. The
// SDK's blocking Receive call is run on a dedicated goroutine and its results
// are translated into s2s events.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	// DefaultModel is the native-audio Live model used when none is set.
	DefaultModel      = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultAPIVersion = "v1beta"

	eventBuffer = 64
)

// ErrSessionClosed is returned by SendRealtimeInput after Close.
var ErrSessionClosed = errors.New("genailive: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API base URL. A ws:// or wss:// scheme is kept as
// is; any other scheme is upgraded to wss:// by the SDK.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIVersion overrides the API version segment of the Live endpoint.
func WithAPIVersion(v string) Option {
	return func(p *Provider) {
		if v != "" {
			p.apiVersion = v
		}
	}
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider with a genai.Client.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
	log        *slog.Logger

	initOnce sync.Once
	client   *genai.Client
	initErr  error
}

// New creates a Provider authenticating with apiKey. The SDK client is built
// lazily on the first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      DefaultModel,
		apiVersion: defaultAPIVersion,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.S2SCapabilities {
	return s2s.S2SCapabilities{
		InputSampleRate:  audio.InputSampleRate,
		OutputSampleRate: audio.OutputSampleRate,
		Voices:           []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

func (p *Provider) genaiClient(ctx context.Context) (*genai.Client, error) {
	p.initOnce.Do(func() {
		p.client, p.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{
				BaseURL:    p.baseURL,
				APIVersion: p.apiVersion,
			},
		})
	})
	return p.client, p.initErr
}

// liveConfig maps the session configuration onto the SDK's connect config.
func liveConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	return &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(cfg.Modality)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		},
		SystemInstruction: genai.NewContentFromText(cfg.Instructions, genai.RoleUser),
	}
}

// Connect opens a Live session. The SDK dial does not observe ctx, so the dial
// runs on a helper goroutine; if ctx ends first the late session is closed.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}
	client, err := p.genaiClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("genailive: new client: %w", err)
	}
	cfg = cfg.WithDefaults()

	type result struct {
		sess *genai.Session
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := client.Live.Connect(context.WithoutCancel(ctx), p.model, liveConfig(cfg))
		ch <- result{s, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.sess != nil {
				_ = r.sess.Close()
			}
		}()
		return nil, fmt.Errorf("genailive: connect: %w", ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", res.err)
	}

	sess := &session{
		live:   res.sess,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
		log:    p.log.With("provider", "genailive", "model", p.model),
	}
	go sess.receiveLoop()
	return sess, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live   *genai.Session
	events chan s2s.Event
	log    *slog.Logger

	// writeMu serialises writes; the SDK connection allows one writer.
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	opened bool
	done   chan struct{}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// receiveLoop pumps the SDK's blocking Receive and owns the events channel.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.emit(s2s.Event{Kind: s2s.EventClosed})
				return
			}
			s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("genailive: receive: %w", err)})
			_ = s.live.Close()
			return
		}
		if !s.handle(msg) {
			return
		}
	}
}

// handle emits the events carried by msg. It reports false once the session
// has been closed locally.
func (s *session) handle(msg *genai.LiveServerMessage) bool {
	if msg.SetupComplete != nil {
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first && !s.emit(s2s.Event{Kind: s2s.EventOpened}) {
			return false
		}
	}
	if sc := msg.ServerContent; sc != nil {
		m := s2s.Message{Interrupted: sc.Interrupted, TurnComplete: sc.TurnComplete}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					continue
				}
				m.Audio = append(m.Audio, s2s.AudioPart{
					MIMEType: part.InlineData.MIMEType,
					Data:     part.InlineData.Data,
				})
			}
		}
		if len(m.Audio) > 0 || m.Interrupted || m.TurnComplete {
			if !s.emit(s2s.Event{Kind: s2s.EventMessage, Message: m}) {
				return false
			}
		}
	}
	if msg.GoAway != nil {
		s.log.Info("genailive: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	return true
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Events returns the session's event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// SendRealtimeInput delivers one encoded microphone frame as realtime audio.
func (s *session) SendRealtimeInput(frame audio.WireFrame) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: frame.Data, MIMEType: frame.MIMEType},
	})
	if err != nil {
		return fmt.Errorf("genailive: send realtime input: %w", err)
	}
	return nil
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	if err := s.live.Close(); err != nil {
		s.log.Debug("genailive: close", "err", err)
	}
	return nil
}
