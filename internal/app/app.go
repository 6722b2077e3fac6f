// Package app wires all caredial subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, and Shutdown tears everything down in order. The HTTP surface
// lives in internal/server and is handed the App's CallManager.
//
// For testing, inject mock implementations via functional options
// (WithDialer, WithLedger). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/caredial/caredial/internal/callstore"
	"github.com/caredial/caredial/internal/config"
	"github.com/caredial/caredial/internal/health"
	"github.com/caredial/caredial/internal/observe"
	"github.com/caredial/caredial/pkg/telephony/acs"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	manager  *CallManager

	dialer  Dialer
	ledger  Ledger
	store   *callstore.Store
	metrics *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer injects a telephony dialer instead of building an ACS client
// from the connection string.
func WithDialer(d Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithLedger injects a call ledger instead of opening a PostgreSQL store.
func WithLedger(l Ledger) Option {
	return func(a *App) { a.ledger = l }
}

// WithMetrics injects a metrics bundle instead of using the default one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: registry,
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initTelephony(); err != nil {
		return nil, fmt.Errorf("app: init telephony: %w", err)
	}
	if err := a.initLedger(ctx); err != nil {
		return nil, fmt.Errorf("app: init ledger: %w", err)
	}

	a.manager = NewCallManager(cfg, registry, a.dialer, a.ledger, a.metrics)
	return a, nil
}

// Manager returns the call manager for the HTTP layer.
func (a *App) Manager() *CallManager { return a.manager }

// Checkers returns readiness checkers for the subsystems that were actually
// configured. A stateless deployment gets none.
func (a *App) Checkers() []health.Checker {
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "ledger", Check: a.store.Ping})
	}
	return checkers
}

// initTelephony builds the ACS client from the connection string, unless one
// was injected or telephony is unconfigured.
func (a *App) initTelephony() error {
	if a.dialer != nil {
		return nil
	}
	connStr := a.cfg.Telephony.ConnectionString
	if connStr == "" {
		slog.Warn("telephony.connection_string not set; outbound calling disabled")
		return nil
	}
	client, err := acs.NewClient(connStr)
	if err != nil {
		return err
	}
	a.dialer = client
	return nil
}

// initLedger opens the PostgreSQL call ledger when a DSN is configured.
func (a *App) initLedger(ctx context.Context) error {
	if a.ledger != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		return nil // stateless mode
	}
	store, err := callstore.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.ledger = store
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("call ledger enabled")
	return nil
}

// Shutdown drains all calls and tears down subsystems in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.manager.ActiveCalls())

		done := make(chan struct{})
		go func() {
			a.manager.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while draining calls")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
