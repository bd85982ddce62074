package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxlive/internal/observe"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultProviderName = "gemini-live"
)

// ValidProviderNames lists the transports shipped with voxlive.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"gemini-live", "gemini-sdk"}

// ValidTraceExporters lists the accepted telemetry.traces values.
var ValidTraceExporters = []string{observe.TracesNone, observe.TracesStdout}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the API
// key environment fallback, and validates the result. An empty document
// yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields. Provider entries without an API key pick
// up $GEMINI_API_KEY.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProviderName
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "voxlive"
	}
	key := os.Getenv(APIKeyEnv)
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	for i := range cfg.Fallbacks {
		if cfg.Fallbacks[i].APIKey == "" {
			cfg.Fallbacks[i].APIKey = key
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	errs = append(errs, validateEntry("provider", cfg.Provider)...)
	seen := map[string]string{cfg.Provider.Name + "/" + cfg.Provider.Model: "provider"}
	for i, fb := range cfg.Fallbacks {
		prefix := fmt.Sprintf("fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		errs = append(errs, validateEntry(prefix, fb)...)
		key := fb.Name + "/" + fb.Model
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates %s (%s)", prefix, prev, key))
		}
		seen[key] = prefix
	}

	// Resilience
	r := cfg.Resilience
	if r.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", r.MaxFailures))
	}
	if r.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", r.ResetTimeout))
	}
	if r.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("resilience.half_open_max %d must not be negative", r.HalfOpenMax))
	}

	// Session
	s := cfg.Session
	if s.FrameSize < 0 || s.FrameSize > 65536 {
		errs = append(errs, fmt.Errorf("session.frame_size %d is out of range [0, 65536]", s.FrameSize))
	}
	if s.VolumeGain < 0 {
		errs = append(errs, fmt.Errorf("session.volume_gain %.2f must not be negative", s.VolumeGain))
	}
	if s.PendingFrames < 0 {
		errs = append(errs, fmt.Errorf("session.pending_frames %d must not be negative", s.PendingFrames))
	}

	// Telemetry
	tel := cfg.Telemetry
	if tel.Traces != "" && !slices.Contains(ValidTraceExporters, tel.Traces) {
		errs = append(errs, fmt.Errorf("telemetry.traces %q is invalid; valid values: %v", tel.Traces, ValidTraceExporters))
	}
	if tel.SampleRatio < 0 || tel.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", tel.SampleRatio))
	}

	return errors.Join(errs...)
}

func validateEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required (or set $%s)", prefix, APIKeyEnv))
	}
	if e.Name != "" && !slices.Contains(ValidProviderNames, e.Name) {
		slog.Warn("unknown provider name, may be a typo or a third-party transport",
			"field", prefix,
			"name", e.Name,
			"known", ValidProviderNames,
		)
	}
	return errs
}
