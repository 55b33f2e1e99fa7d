/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the zap logger
  3. Initialize SQLite store
  4. Create the ledger service and bootstrap the first superuser
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port (overrides server.port)
  -db      SQLite database path (overrides database.path)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/loyalty.db"

  # Run with in-memory database and a seeded superuser
  LOYALTY_AUTH_BOOTSTRAP_UTORID=admin001 ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Keys and environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/loyalty-ledger/api"
	"github.com/warp/loyalty-ledger/config"
	"github.com/warp/loyalty-ledger/logging"
	"github.com/warp/loyalty-ledger/loyalty"
	"github.com/warp/loyalty-ledger/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := logging.New(cfg.App.Env, cfg.App.Name)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	ids, err := loyalty.NewSnowflakeIDs(cfg.Ledger.SnowflakeNode)
	if err != nil {
		return fmt.Errorf("failed to create id generator: %w", err)
	}
	svc, err := loyalty.NewService(store,
		loyalty.WithIDs(ids),
		loyalty.WithLogger(logger.Named("ledger")),
		loyalty.WithEarnRate(cfg.EarnRate()),
		loyalty.WithMaxRetries(cfg.Ledger.MaxRetries),
	)
	if err != nil {
		return err
	}

	if utorid := cfg.Auth.BootstrapUtorid; utorid != "" {
		_, err := svc.Bootstrap(context.Background(), utorid, utorid)
		switch {
		case errors.Is(err, loyalty.ErrUserExists):
		case err != nil:
			return fmt.Errorf("failed to bootstrap %s: %w", utorid, err)
		}
	}

	secret := []byte(cfg.Auth.JWTSecret)
	handler := api.NewHandler(svc, store, secret, logger.Named("api"))
	auth := api.NewAuthenticator(secret, store, logger.Named("auth"))
	router := api.NewRouter(handler, auth, logger.Named("http"))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
