package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/maneesh/permastore/internal/config"
	"github.com/maneesh/permastore/internal/delivery"
	"github.com/maneesh/permastore/internal/gate"
	"github.com/maneesh/permastore/internal/handlers"
	"github.com/maneesh/permastore/internal/health"
	"github.com/maneesh/permastore/internal/metrics"
	"github.com/maneesh/permastore/internal/minting"
	"github.com/maneesh/permastore/internal/storage"
	"github.com/maneesh/permastore/internal/token"
	"github.com/maneesh/permastore/internal/tracing"
	"github.com/maneesh/permastore/internal/transport"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("service exited")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting permastore", "service", cfg.ServiceName, "port", cfg.ServicePort,
		"link_store", cfg.LinkStore, "batch_store", cfg.BatchStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := tracing.Noop
	if cfg.TracingEnabled {
		fn, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.JaegerEndpoint, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		shutdownTracer = fn
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			logger.Warn("error shutting down tracer", "error", err)
		}
	}()

	client, err := transport.NewClient(transport.ClientConfig{
		Token:             cfg.BotToken,
		BaseURL:           cfg.TelegramAPIURL,
		Logger:            logger,
		RequestsPerSecond: cfg.TransportRPS,
		Burst:             cfg.TransportBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to create bot client: %w", err)
	}

	me, err := client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to identify bot: %w", err)
	}
	relayChat, err := client.ResolveChat(ctx, cfg.LogChannel)
	if err != nil {
		return fmt.Errorf("failed to resolve relay chat %q: %w", cfg.LogChannel, err)
	}
	logger.Info("bot identified", "username", me.Username, "relay_chat", relayChat)

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("error closing backend", "error", err)
			}
		}
	}()
	pingers := map[string]storage.Pinger{}

	links, err := openLinkStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := links.(io.Closer); ok {
		closers = append(closers, c)
	}
	if p, ok := links.(storage.Pinger); ok {
		pingers[cfg.LinkStore] = p
	}

	var redisClient *storage.RedisClient
	if cfg.UsesRedis() {
		logger.Info("connecting to Redis", "addr", cfg.GetRedisAddr())
		redisClient, err = storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis client: %w", err)
		}
		closers = append(closers, redisClient)
		pingers[config.BackendRedis] = redisClient
	}

	var batches storage.BatchStore = storage.NewMemoryBatchStore()
	if cfg.BatchStore == config.BackendRedis {
		batches = storage.NewRedisBatches(redisClient, cfg.BatchIdleTTL)
	}

	var journal delivery.Journal
	if cfg.ExpiryJournal {
		journal = storage.NewRedisJournal(redisClient)
	}

	m := metrics.New()

	tokens, err := token.NewRandom(cfg.TokenLength, "")
	if err != nil {
		return fmt.Errorf("failed to create token generator: %w", err)
	}

	registry := delivery.NewRegistry(client, delivery.RegistryOptions{
		Journal: journal,
		Logger:  logger,
		Metrics: m,
	})
	resumed, err := registry.Resume(ctx)
	if err != nil {
		logger.Error("failed to resume journaled expirations", "error", err)
	} else if resumed > 0 {
		logger.Info("resumed journaled expirations", "count", resumed)
	}

	membership := gate.New(client, cfg.UpdateChannel, logger)
	scheduler := delivery.NewScheduler(links, membership, client, registry,
		delivery.Options{TTL: cfg.LinkTTL, Logger: logger, Metrics: m})
	minter := minting.New(batches, links, tokens, minting.Options{
		Attempts: cfg.MintRetries,
		Logger:   logger,
		Metrics:  m,
	})

	dispatcher := handlers.NewDispatcher(handlers.Deps{
		Bot:      client,
		Redeemer: scheduler,
		Gate:     membership,
		Minter:   minter,
		Batches:  batches,
		Links:    links,
	}, handlers.Options{
		BotUsername: me.Username,
		GatingGroup: cfg.UpdateChannel,
		RelayChat:   relayChat,
		IsAdmin:     cfg.IsAdmin,
		ValidToken:  tokens.Valid,
		PollTimeout: cfg.PollTimeout,
		Logger:      logger,
		Metrics:     m,
	})

	srv := health.NewServer(":"+cfg.ServicePort, health.NewHandler(pingers, m.Handler(), logger))
	go func() {
		logger.Info("health server listening", "port", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
			stop()
		}
	}()

	logger.Info("polling for updates")
	if err := dispatcher.Run(ctx, client); err != nil {
		logger.Error("update loop stopped", "error", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("expirations did not finish before shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server forced to shutdown", "error", err)
	}
	return nil
}

func openLinkStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.LinkStore, error) {
	switch cfg.LinkStore {
	case config.BackendMySQL:
		logger.Info("connecting to MySQL", "host", cfg.MySQLHost, "database", cfg.MySQLDatabase)
		store, err := storage.NewMySQLStore(cfg.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MySQL store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to prepare MySQL schema: %w", err)
		}
		return store, nil
	case config.BackendMongo:
		logger.Info("connecting to MongoDB", "database", cfg.MongoDatabase)
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := storage.NewMongoStore(cctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MongoDB store: %w", err)
		}
		return store, nil
	case config.BackendMinIO:
		logger.Info("connecting to MinIO", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucketName)
		store, err := storage.NewMinioStore(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey,
			cfg.MinIOBucketName, cfg.MinIOUseSSL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MinIO store: %w", err)
		}
		return store, nil
	default:
		logger.Warn("using in-memory link store, links will not survive a restart")
		return storage.NewMemoryLinkStore(), nil
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
