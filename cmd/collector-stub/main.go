package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/greentrail/nudge-engine/internal/auth"
	"github.com/greentrail/nudge-engine/internal/collector"
	"github.com/greentrail/nudge-engine/internal/config"
	"github.com/greentrail/nudge-engine/internal/logger"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("collector-stub exited with error")
		os.Exit(1)
	}
}

// NewRootCmd builds the collector command. Flags override NUDGE_COLLECTOR_* variables.
func NewRootCmd() *cobra.Command {
	var (
		port      int
		redisAddr string
		anonymous bool
	)

	cmd := &cobra.Command{
		Use:          "collector-stub",
		Short:        "Run a development collector that deduplicates sync events by id",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewCollector()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("redis") {
				cfg.RedisAddr = redisAddr
			}
			l := logger.New("collector-stub").Level(logger.ParseLevel(cfg.LogLevel))
			log.Logger = l
			return run(cmd.Context(), cfg, anonymous, l)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 11547, "Listen port")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for the dedup store (memory when empty)")
	cmd.Flags().BoolVar(&anonymous, "anonymous", false, "Accept devices without a token")
	return cmd
}

func run(ctx context.Context, cfg *config.CollectorConfig, anonymous bool, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idem, closeIdem, err := newIdempotency(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeIdem()

	var verifier collector.Verifier
	if !anonymous {
		v, err := auth.NewHS256(cfg.SigningKey)
		if err != nil {
			return fmt.Errorf("collector signing key: %w", err)
		}
		verifier = v
	}

	srv := collector.NewServer(idem, verifier, log)
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Bool("anonymous", anonymous).Msg("collector listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stats := srv.Stats()
		log.Info().
			Int64("received", stats.Received).
			Int64("accepted", stats.Accepted).
			Int64("duplicates", stats.Duplicates).
			Msg("collector shutting down")
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newIdempotency(ctx context.Context, cfg *config.CollectorConfig, log zerolog.Logger) (collector.IdempotencyStore, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info().Dur("ttl", cfg.DedupTTL()).Msg("in-memory dedup store")
		return collector.NewMemoryIdempotency(cfg.DedupTTL()), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.DedupTTL()).Msg("redis dedup store")
	return collector.NewRedisIdempotency(rdb, cfg.DedupTTL()), func() { _ = rdb.Close() }, nil
}
