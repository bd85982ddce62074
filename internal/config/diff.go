package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	SessionChanged  bool // voice or instructions
	NewSession      SessionConfig
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired is set when a field that is only read at startup
	// changed: listen address, TLS, origins, transports, capture tuning or
	// telemetry.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.Voice != new.Session.Voice || old.Session.Instructions != new.Session.Instructions {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) ||
		old.Session.FrameSize != new.Session.FrameSize ||
		old.Session.VolumeGain != new.Session.VolumeGain ||
		old.Session.PendingFrames != new.Session.PendingFrames ||
		!entryEqual(old.Provider, new.Provider) ||
		len(old.Fallbacks) != len(new.Fallbacks) ||
		old.Resilience != new.Resilience ||
		old.Telemetry != new.Telemetry {
		d.RestartRequired = true
	} else {
		for i := range old.Fallbacks {
			if !entryEqual(old.Fallbacks[i], new.Fallbacks[i]) {
				d.RestartRequired = true
				break
			}
		}
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func entryEqual(a, b ProviderEntry) bool {
	return reflect.DeepEqual(a, b)
}
