package main

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxlive/internal/config"
	"github.com/MrWong99/voxlive/internal/resilience"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
	"github.com/MrWong99/voxlive/pkg/provider/s2s/gemini"
	"github.com/MrWong99/voxlive/pkg/provider/s2s/genailive"
)

// registerBuiltinProviders wires the transports that ship with voxlive into
// reg.
func registerBuiltinProviders(reg *config.Registry) {
	// Raw websocket client for the BidiGenerateContent endpoint.
	reg.Register("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []gemini.Option{gemini.WithLogger(slog.Default().With("transport", entry.Name))}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	// Same endpoint through the official genai SDK.
	reg.Register("gemini-sdk", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []genailive.Option{genailive.WithLogger(slog.Default().With("transport", entry.Name))}
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "api_version"); v != "" {
			opts = append(opts, genailive.WithAPIVersion(v))
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered transport", "name", name)
	}
}

// buildTransport instantiates the primary transport and every fallback, each
// behind its own circuit breaker.
func buildTransport(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*resilience.S2SFallback, error) {
	primary, err := reg.Create(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("primary transport: %w", err)
	}

	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			HalfOpenMax:  cfg.Resilience.HalfOpenMax,
			Logger:       log,
			OnStateChange: func(name string, from, to resilience.State) {
				log.Warn("transport circuit changed", "transport", name, "from", from, "to", to)
			},
		},
	}
	fb := resilience.NewS2SFallback(primary, entryLabel(cfg.Provider), fcfg)
	log.Info("transport created", "name", cfg.Provider.Name, "model", cfg.Provider.Model)

	for _, entry := range cfg.Fallbacks {
		p, err := reg.Create(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback transport: %w", err)
		}
		fb.AddFallback(entryLabel(entry), p)
		log.Info("fallback transport created", "name", entry.Name, "model", entry.Model)
	}
	return fb, nil
}

// entryLabel names a transport entry for breakers and logs.
func entryLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
