// Package config provides the configuration schema, loader, and transport
// registry for the voxlive server.
package config

import "time"

// LogLevel controls log verbosity for the voxlive server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// APIKeyEnv is consulted when a provider entry has no api_key.
const APIKeyEnv = "GEMINI_API_KEY"

// Config is the root configuration structure for voxlive.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderEntry    `yaml:"provider"`
	Fallbacks  []ProviderEntry  `yaml:"fallbacks"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Session    SessionConfig    `yaml:"session"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns allowed to open /ws from another
	// origin. Same-origin requests are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures one realtime transport. The Name field
// is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered transport ("gemini-live", "gemini-sdk").
	Name string `yaml:"name"`

	// APIKey authenticates against the model API. Falls back to
	// $GEMINI_API_KEY when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the transport's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the live model.
	Model string `yaml:"model"`

	// Options holds transport-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ResilienceConfig tunes the circuit breaker in front of each transport.
type ResilienceConfig struct {
	// MaxFailures opens the breaker after this many consecutive failures.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of successful probe connects that close a
	// half-open breaker.
	HalfOpenMax int `yaml:"half_open_max"`
}

// SessionConfig is the template applied to every new session.
type SessionConfig struct {
	// Voice is the prebuilt voice name.
	Voice string `yaml:"voice"`

	// Instructions is the system instruction.
	Instructions string `yaml:"instructions"`

	// FrameSize is the capture frame length in samples.
	FrameSize int `yaml:"frame_size"`

	// VolumeGain scales frame RMS into the visualiser range.
	VolumeGain float64 `yaml:"volume_gain"`

	// PendingFrames bounds frames buffered before the transport opens.
	PendingFrames int `yaml:"pending_frames"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default: "voxlive".
	ServiceName string `yaml:"service_name"`

	// Traces selects the span exporter: "none" (default) or "stdout".
	Traces string `yaml:"traces"`

	// SampleRatio is the fraction of new traces sampled, in [0, 1]. Zero
	// samples everything.
	SampleRatio float64 `yaml:"sample_ratio"`
}
