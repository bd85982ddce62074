package resilience

import (
	"context"

	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across several
// speech-to-speech backends. Only Connect participates: once a session is
// open, mid-session failures belong to the caller.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// backend.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Connect opens a session on the first healthy backend.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}

// Capabilities returns the primary's capabilities.
func (f *S2SFallback) Capabilities() s2s.S2SCapabilities {
	return f.group.Primary().Capabilities()
}

// Available reports whether any backend's breaker admits calls. It backs the
// readiness probe.
func (f *S2SFallback) Available() bool { return f.group.Available() }

// States reports each backend's breaker state.
func (f *S2SFallback) States() map[string]State { return f.group.States() }
