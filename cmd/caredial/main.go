// Command caredial is the main entry point for the caredial call bridge.
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

	"go.opentelemetry.io/otel"

	"github.com/caredial/caredial/internal/app"
	"github.com/caredial/caredial/internal/config"
	"github.com/caredial/caredial/internal/observe"
	"github.com/caredial/caredial/internal/server"
	"github.com/caredial/caredial/pkg/provider/speech"
	"github.com/caredial/caredial/pkg/provider/speech/geminilive"
	speechmock "github.com/caredial/caredial/pkg/provider/speech/mock"
	"github.com/caredial/caredial/pkg/provider/speech/voicelive"
)

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
			fmt.Fprintf(os.Stderr, "caredial: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "caredial: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("caredial starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "caredial",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// InitProvider has installed the global meter provider, so the instruments
	// created here feed the Prometheus exporter behind /metrics.
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Speech engine registry ────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.New(cfg, application.Manager()).Handler(metrics, application.Checkers()...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Log level changes take effect immediately; tuning changes apply to calls
	// started after the reload.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Changed() {
			return
		}
		if d.LogLevelChanged {
			slog.SetDefault(newLogger(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.TuningChanged {
			application.Manager().ApplyTuning(new)
			slog.Info("call tuning updated; applies to new calls")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	// Stop accepting new calls and media attachments first, then drain the
	// active ones.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltinEngines wires the speech engine factories that ship with
// caredial into reg. Each factory constructs a provider from an
// [config.EngineConfig]; per-call voice and instructions travel separately in
// the session config.
func registerBuiltinEngines(reg *config.Registry) {
	reg.RegisterEngine("voicelive", func(cfg config.EngineConfig) (speech.Provider, error) {
		if cfg.Endpoint == "" {
			return nil, errors.New("engine.endpoint is required for voicelive")
		}
		var opts []voicelive.Option
		if cfg.Model != "" {
			opts = append(opts, voicelive.WithModel(cfg.Model))
		}
		return voicelive.New(cfg.Endpoint, cfg.APIKey, opts...), nil
	})

	reg.RegisterEngine("gemini-live", func(cfg config.EngineConfig) (speech.Provider, error) {
		var opts []geminilive.Option
		if cfg.Model != "" {
			opts = append(opts, geminilive.WithModel(cfg.Model))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, geminilive.WithBaseURL(cfg.Endpoint))
		}
		return geminilive.New(cfg.APIKey, opts...), nil
	})

	// mock loops commits back as silence; useful for wiring tests against the
	// real telephony leg without burning engine quota.
	reg.RegisterEngine("mock", func(config.EngineConfig) (speech.Provider, error) {
		return &speechmock.Provider{}, nil
	})

	for _, name := range reg.EngineNames() {
		slog.Debug("registered engine", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        caredial — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	engine := cfg.Engine.Provider
	if cfg.Engine.Model != "" {
		engine += " / " + cfg.Engine.Model
	}
	printRow("Engine", engine)
	printRow("Telephony", enabledText(cfg.Telephony.ConnectionString != ""))
	printRow("Call ledger", enabledText(cfg.Storage.PostgresDSN != ""))
	printRow("Frame bytes", fmt.Sprintf("%d", cfg.Media.FrameBytes))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

func enabledText(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
