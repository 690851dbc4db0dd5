package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prudhvinik1/ledgersync/internal/api"
	"github.com/prudhvinik1/ledgersync/internal/config"
	"github.com/prudhvinik1/ledgersync/internal/database"
	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/prudhvinik1/ledgersync/internal/logging"
	"github.com/prudhvinik1/ledgersync/internal/repositories"
	"github.com/prudhvinik1/ledgersync/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type ServeOptions struct {
	*RootOptions
	Token string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine behind the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Token, "token", os.Getenv("LEDGERSYNC_TOKEN"), "identity token to sign in with at startup")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Path: cfg.LogPath, Pretty: cfg.LogPretty})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()
	log := logger.Logger

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer redisClient.Close()

	feed := repositories.NewRedisChangeFeed(redisClient, logging.Component(log, "change_feed"))
	records := repositories.NewPostgresRecordRepository(postgresPool, feed, logging.Component(log, "records"))
	if err := records.EnsureSchema(ctx); err != nil {
		return err
	}

	storage, closeStorage := queueStorage(ctx, cfg.Sync, redisClient, log)
	defer closeStorage()

	identity := services.NewTokenIdentity(cfg.JWTSecret, cfg.JWTExpiry, logging.Component(log, "identity"))
	network := services.NewProbeMonitor(probeBackends(postgresPool, redisClient), cfg.Sync.NetworkInterval, logging.Component(log, "network"))
	network.Probe(ctx)
	go network.Run(ctx)

	if opts.Token != "" {
		if _, err := identity.SetToken(opts.Token); err != nil {
			return fmt.Errorf("startup token rejected: %w", err)
		}
	}

	eng, err := engine.New(engine.Dependencies{
		Identity: identity,
		Remote:   records,
		Feed:     feed,
		Storage:  storage,
		Network:  network,
		Logger:   log,
	}, cfg.Sync.Engine())
	if err != nil {
		return err
	}
	defer eng.Shutdown()
	if err := eng.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.NewHandler(eng, identity, logging.Component(log, "api")).Routes(),
	}

	// graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", cfg.ServerPort).Msg("starting server")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("server stopped gracefully")
	return nil
}

// queueStorage opens the durable queue store. When it cannot be opened the
// engine still starts, keeping pending operations in memory and reporting
// reduced durability.
func queueStorage(ctx context.Context, cfg config.SyncConfig, client *redis.Client, log zerolog.Logger) (engine.QueueStorage, func()) {
	storage, closeStorage, err := openQueueStorage(ctx, cfg, client)
	if err != nil {
		log.Warn().Err(err).Str("backend", cfg.QueueBackend).Msg("queue storage unavailable, pending operations are kept in memory only")
		return nil, func() {}
	}
	return storage, closeStorage
}

func openQueueStorage(ctx context.Context, cfg config.SyncConfig, client *redis.Client) (engine.QueueStorage, func(), error) {
	if cfg.QueueBackend == config.QueueBackendRedis {
		return repositories.NewRedisQueueStorage(client), func() {}, nil
	}

	db, err := database.OpenSQLite(cfg.QueuePath)
	if err != nil {
		return nil, nil, err
	}
	storage, err := repositories.NewSQLiteQueueStorage(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return storage, func() { db.Close() }, nil
}

// probeBackends reports the network as up when both Postgres and Redis answer.
func probeBackends(pool *pgxpool.Pool, client *redis.Client) services.CheckFunc {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return client.Ping(ctx).Err()
	}
}

