package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/tokendex/internal/api"
	"github.com/xtrntr/tokendex/internal/auth"
	"github.com/xtrntr/tokendex/internal/cache"
	"github.com/xtrntr/tokendex/internal/config"
	"github.com/xtrntr/tokendex/internal/db"
	"github.com/xtrntr/tokendex/internal/events"
	"github.com/xtrntr/tokendex/internal/exchange"
	"github.com/xtrntr/tokendex/internal/ledger"
	"github.com/xtrntr/tokendex/internal/logging"
	"github.com/xtrntr/tokendex/internal/memstore"
	"github.com/xtrntr/tokendex/internal/store"
	"github.com/xtrntr/tokendex/internal/wallet"
	"go.uber.org/zap"
)

const broadcastWorkers = 256

// Main entry point: loads config, opens the store and serves the HTTP API
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sale, err := cfg.SaleConfig()
	if err != nil {
		return fmt.Errorf("invalid sale config: %w", err)
	}

	var (
		hub       *api.Hub
		bookCache *cache.BookCache
	)
	ids := ledger.NewHashIDs()
	opts := []exchange.Option{
		exchange.WithLogger(logger.Named("exchange")),
		exchange.WithSettlementIDs(ids),
		exchange.WithDefaultPair(cfg.Exchange.DefaultTokenPair),
		// Invalidate before the hub reads the book again.
		exchange.WithBookObserver(func(pair string) {
			if bookCache != nil {
				bookCache.Invalidate(pair)
			}
		}),
		exchange.WithBookObserver(func(pair string) { hub.Notify(pair) }),
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
		opts = append(opts, exchange.WithPublisher(publisher))
		logger.Info("publishing settlements to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	engine := exchange.NewEngine(st, opts...)

	var books api.BookReader = engine
	if cfg.Redis.Addr != "" {
		client, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		bookCache = cache.NewBookCache(client, engine, cfg.Redis.BookCacheTTL, logger.Named("cache"))
		books = bookCache
		logger.Info("caching order books in redis", zap.String("addr", cfg.Redis.Addr))
	}

	hub, err = api.NewHub(books, broadcastWorkers, logger.Named("stream"))
	if err != nil {
		return fmt.Errorf("failed to create stream hub: %w", err)
	}
	defer hub.Close()

	authService := auth.NewAuthService(st, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	walletService := wallet.NewService(st, ids, sale, logger.Named("wallet"))
	handler := api.NewHandler(engine, books, walletService, authService, logger.Named("http"))
	limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(handler, hub, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.HTTP.Addr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// backend is a store that also keeps user accounts
type backend interface {
	store.Store
	auth.UserStore
}

// openStore returns the configured store and a function releasing it
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(), error) {
	if cfg.Store.Driver != "postgres" {
		logger.Warn("using in-memory store; state is lost on restart")
		return memstore.New(), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close(ctx)
		return nil, nil, err
	}
	return database, func() { database.Close(context.Background()) }, nil
}
