// Command voxlive serves the browser bridge for realtime Gemini Live voice
// sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlive/internal/config"
	"github.com/MrWong99/voxlive/internal/health"
	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/internal/session"
	"github.com/MrWong99/voxlive/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlive: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlive: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxlive starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Transports ────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	transport, err := buildTransport(cfg, reg, slog.Default())
	if err != nil {
		slog.Error("failed to build transports", "err", err)
		return 1
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	checks := health.New(health.Checker{
		Name: "transports",
		Check: func(context.Context) error {
			if !transport.Available() {
				return errTransportsOpen
			}
			return nil
		},
	})

	bridge := web.New(transport,
		web.WithMetrics(metrics),
		web.WithTemplate(sessionTemplate(cfg.Session)),
		web.WithSessionOptions(sessionOptions(cfg.Session)...),
		web.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		web.WithHealth(checks),
	)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           bridge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), level, bridge)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg)

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr, err)
	})
	g.Go(func() error {
		<-gctx.Done()

		// ── Graceful shutdown ─────────────────────────────────────────────────
		slog.Info("shutdown signal received, stopping…")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Sessions first: hijacked sockets are not tracked by http.Server.
		var errs []error
		if err := bridge.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

var errTransportsOpen = errors.New("every transport circuit is open")

// applyReload pushes the hot-reloadable parts of a config change into the
// running server.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, bridge *web.Server) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		bridge.UpdateTemplate(sessionTemplate(d.NewSession))
		slog.Info("session template updated", "voice", d.NewSession.Voice)
	}
	if d.RestartRequired {
		slog.Warn("config change needs a restart to take effect")
	}
}

// ── Session wiring ────────────────────────────────────────────────────────────

func sessionTemplate(sc config.SessionConfig) session.Template {
	return session.Template{Voice: sc.Voice, Instructions: sc.Instructions}
}

func sessionOptions(sc config.SessionConfig) []session.Option {
	var opts []session.Option
	if sc.FrameSize > 0 {
		opts = append(opts, session.WithFrameSize(sc.FrameSize))
	}
	if sc.VolumeGain > 0 {
		opts = append(opts, session.WithVolumeGain(sc.VolumeGain))
	}
	if sc.PendingFrames > 0 {
		opts = append(opts, session.WithPendingFrames(sc.PendingFrames))
	}
	return opts
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxlive · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", entryLabel(cfg.Provider))
	for i, fb := range cfg.Fallbacks {
		printRow(fmt.Sprintf("Fallback %d", i+1), entryLabel(fb))
	}
	voice := cfg.Session.Voice
	if voice == "" {
		voice = "(model default)"
	}
	printRow("Voice", voice)
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	fmt.Printf("║  %-14s  : %-19s ║\n", label, truncate(value, 19))
}

// truncate shortens s to at most n runes, ending in an ellipsis when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
