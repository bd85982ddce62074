// Package web serves the browser bridge: one websocket per page, each backed
// by a [session.Controller] whose audio device is a [browser.Peer]. It also
// mounts the health, readiness and Prometheus endpoints.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxlive/internal/health"
	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/internal/session"
	"github.com/MrWong99/voxlive/pkg/audio/browser"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// Defaults for [Server].
const (
	DefaultReadLimit    = 1 << 20
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 10 * time.Second
)

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the instruments for HTTP requests, peers and sessions.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTemplate sets the initial session template.
func WithTemplate(t session.Template) Option {
	return func(s *Server) { s.tmpl = t }
}

// WithSessionOptions adds options applied to every controller, after the
// server's own logger, metrics and template.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Server) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

// WithOriginPatterns allows cross-origin pages whose host matches one of the
// patterns. Same-origin pages are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// WithHealth mounts h on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithWriteTimeout bounds a single websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// Server bridges browser pages to realtime sessions.
type Server struct {
	provider     s2s.Provider
	log          *slog.Logger
	metrics      *observe.Metrics
	sessionOpts  []session.Option
	origins      []string
	health       *health.Handler
	writeTimeout time.Duration

	mu      sync.Mutex
	tmpl    session.Template
	peers   map[*peer]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New creates a server whose sessions connect through provider.
func New(provider s2s.Provider, opts ...Option) *Server {
	s := &Server{
		provider:     provider,
		log:          slog.Default(),
		writeTimeout: DefaultWriteTimeout,
		peers:        make(map[*peer]struct{}),
		tmpl: session.Template{
			Voice:        s2s.DefaultVoice,
			Instructions: s2s.DefaultInstructions,
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Handler returns the HTTP routes wrapped in the tracing and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// UpdateTemplate replaces the template for new sessions on every connected
// page and for pages that connect later. Running sessions keep theirs.
func (s *Server) UpdateTemplate(t session.Template) {
	s.mu.Lock()
	s.tmpl = t
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.ctrl.Update(t)
	}
	s.log.Info("web: session template updated", "voice", t.Voice, "peers", len(peers))
}

// Peers returns the number of connected pages.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Shutdown refuses new pages, closes every open socket with "going away" and
// waits for their sessions to be torn down or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Drain()
	s.mu.Lock()
	s.closing = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	// Each close waits for the page's handshake reply.
	for _, p := range peers {
		go p.conn.shutdown(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		// Accept has already written the HTTP error.
		s.log.Debug("web: websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(DefaultReadLimit)

	log := observe.Logger(r.Context()).With("remote", r.RemoteAddr)
	p := s.register(ws, log)
	if p == nil {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unregister(p)

	log.Info("web: peer connected")
	err = p.run(r.Context())
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		log.Info("web: peer disconnected", "status", status)
		return
	}
	log.Info("web: peer connection ended", "err", err)
}

// register builds the peer with the current template and tracks it. It
// returns nil once Shutdown has begun.
func (s *Server) register(ws *websocket.Conn, log *slog.Logger) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}

	c := newConn(ws, log, DefaultQueueSize, s.writeTimeout)
	dev := browser.NewPeer(c, browser.WithLogger(log))
	opts := append([]session.Option{
		session.WithLogger(log),
		session.WithMetrics(s.metrics),
		session.WithTemplate(s.tmpl),
	}, s.sessionOpts...)
	p := &peer{
		conn: c,
		dev:  dev,
		ctrl: session.New(dev, s.provider, opts...),
		log:  log,
	}
	s.peers[p] = struct{}{}
	s.metrics.ConnectedPeers.Add(context.Background(), 1)
	return p
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	s.metrics.ConnectedPeers.Add(context.Background(), -1)
}
