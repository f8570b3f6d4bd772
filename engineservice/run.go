// Package engineservice boots the nudge engine and its local HTTP API.
package engineservice

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/api"
	"github.com/greentrail/nudge-engine/internal/auth"
	"github.com/greentrail/nudge-engine/internal/config"
	"github.com/greentrail/nudge-engine/internal/engine"
	"github.com/greentrail/nudge-engine/internal/events"
	"github.com/greentrail/nudge-engine/internal/health"
	"github.com/greentrail/nudge-engine/internal/localstate"
	"github.com/greentrail/nudge-engine/internal/relay"
	"github.com/greentrail/nudge-engine/internal/scheduler"
	"github.com/greentrail/nudge-engine/internal/store"
	"github.com/greentrail/nudge-engine/internal/store/memory"
	"github.com/greentrail/nudge-engine/internal/store/sqlite"
)

// Run starts the engine and the HTTP server and blocks until shutdown or error.
func Run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("user_id", cfg.UserID).
		Str("store_driver", cfg.StoreDriver).
		Int("http_port", cfg.HTTPPort).
		Bool("sync_enabled", cfg.SyncEnabled).
		Msg("Nudge engine starting")

	// Cancellable root context bound to SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closer, err := openStore(cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Store unavailable")
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()

	transport, err := newTransport(cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Sync transport misconfigured")
		return err
	}

	timers := scheduler.NewTimers(log)
	defer timers.Stop()

	eng, err := engine.Assemble(engine.Wiring{
		Config:    cfg,
		Store:     st,
		Scheduler: timers,
		Transport: transport,
		Bus:       events.NewBus(),
		Log:       log,
	})
	if err != nil {
		return err
	}
	timers.SetHandler(eng.HandleAlarm)
	if err := eng.Start(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("Engine failed to start")
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("close engine")
		}
	}()

	svcHealth := startHealthCheckers(ctx, cfg, log, st)
	if err := waitUntilHealthy(ctx, cfg, svcHealth); err != nil {
		log.Error().Stack().Err(err).Msg("startup health check failed")
		return err
	}

	router := api.NewRouter(api.NewHandler(eng, svcHealth, log))
	server := newHTTPServer(ctx, cfg, router)
	errCh := serveHTTP(server, log, cfg)

	// Graceful shutdown on context cancel or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error().Stack().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited")
		return nil
	case err := <-errCh:
		log.Error().Stack().Err(err).Msg("HTTP server failed")
		return err
	}
}

// openStore selects the store driver from configuration.
func openStore(cfg *config.Config, log zerolog.Logger) (store.Store, io.Closer, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Warn().Msg("memory store selected; state is lost on exit")
		return memory.New(), nopCloser{}, nil
	case config.StoreSQLite, "":
		path, err := localstate.DBPath(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve database path: %w", err)
		}
		st, err := sqlite.New(path)
		if err != nil {
			return nil, nil, err
		}
		if err := localstate.EnsureDefaultSettings(st.DB(), cfg.UserID); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("bootstrap settings: %w", err)
		}
		log.Info().Str("path", path).Msg("SQLite store opened")
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newTransport returns nil when sync is disabled; events then stay queued.
func newTransport(cfg *config.Config, log zerolog.Logger) (relay.Transport, error) {
	if !cfg.SyncEnabled {
		log.Info().Msg("sync disabled; events stay in the offline queue")
		return nil, nil
	}
	signer, err := auth.NewHS256(cfg.SyncSigningKey)
	if err != nil {
		return nil, err
	}
	tokens := auth.NewDeviceTokens(signer, cfg.UserID, cfg.DeviceID)
	return relay.NewTransport(cfg.CollectorTransport, cfg.CollectorURL, tokens, cfg.SendTimeout(), log)
}

// startHealthCheckers starts component checkers and the service-level aggregator.
func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger, st store.Store) *health.ServiceHealthChecker {
	interval := cfg.HealthInterval()
	storeChecker := store.NewStoreHealthChecker(st, log, cfg.HealthProbeTimeout())
	go storeChecker.Start(ctx, interval)

	svcHealth := health.NewServiceHealthChecker(log, storeChecker)
	go svcHealth.Start(ctx, interval)
	return svcHealth
}

// waitUntilHealthy blocks until service health is healthy or the startup window expires.
func waitUntilHealthy(ctx context.Context, cfg *config.Config, svcHealth *health.ServiceHealthChecker) error {
	timeout := startupHealthTimeout(cfg.HealthIntervalSeconds)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		// Probes start unhealthy; re-evaluate so a fast first probe counts.
		if svcHealth.Evaluate() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup aborted: dependencies not healthy within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startupHealthTimeout is twice the health interval, at least 10 seconds.
func startupHealthTimeout(intervalSeconds int) time.Duration {
	timeout := time.Duration(intervalSeconds*2) * time.Second
	if timeout < 10*time.Second {
		return 10 * time.Second
	}
	return timeout
}

func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func serveHTTP(server *http.Server, log zerolog.Logger, cfg *config.Config) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}
