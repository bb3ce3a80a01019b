/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the document engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and environment, then apply command-line flags
  2. Build the zap logger
  3. Open the header/version store and the items store
  4. Load the product and counterparty directory
  5. Choose a notifier (Kafka when brokers are configured, else log)
  6. Start the orphaned items sweeper
  7. Serve HTTP until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides HTTP_PORT)
  -db      SQLite header database path (overrides SQLITE_PATH)
           Use ":memory:" to run every store in memory

STORES:
  HEADER_STORE=sqlite    store/sqlite (default)
  HEADER_STORE=postgres  store/postgres via gorm, POSTGRES_DSN
  HEADER_STORE=memory    document/store, nothing persisted
  ITEMS_DRIVER/ITEMS_DSN select the independent items database
  (sqlite3, mysql or pgx).

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT_SECONDS)
  3. Stop the sweeper, flush the notifier, close databases

EXAMPLES:
  ./server -db=":memory:"
  HEADER_STORE=postgres ITEMS_DRIVER=mysql ITEMS_DSN="user:pw@tcp(db:3306)/items" ./server

SEE ALSO:
  - config/config.go: environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/document-engine/api"
	"github.com/warp/document-engine/config"
	"github.com/warp/document-engine/directory"
	"github.com/warp/document-engine/document"
	"github.com/warp/document-engine/document/store"
	"github.com/warp/document-engine/logger"
	"github.com/warp/document-engine/notify"
	"github.com/warp/document-engine/reconcile"
	"github.com/warp/document-engine/store/items"
	"github.com/warp/document-engine/store/postgres"
	"github.com/warp/document-engine/store/sqlite"
)

const memoryDB = ":memory:"

func main() {
	cfg := config.Load()

	port := flag.Int("port", cfg.Server.HTTPPort, "HTTP server port")
	dbPath := flag.String("db", cfg.Headers.SQLitePath, "SQLite database path")
	flag.Parse()

	cfg.Server.HTTPPort = *port
	cfg.Headers.SQLitePath = *dbPath
	if *dbPath == memoryDB {
		cfg.Headers.Driver = "memory"
	}

	log, err := logger.New(cfg.Logger, cfg.IsDevelopment())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

// itemsBackend is an items store the sweeper can enumerate.
type itemsBackend interface {
	document.ItemsStore
	reconcile.ItemsIndex
}

type stores struct {
	headers  document.HeaderStore
	versions document.VersionStore
	items    itemsBackend
	checks   []api.HealthCheck
	closers  []func() error
}

func (s *stores) Close(log *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}
}

func openStores(cfg *config.Config, log *zap.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.Headers.Driver {
	case "memory":
		s.headers = store.NewHeaders()
		s.versions = store.NewVersions()
		s.items = store.NewItems()
		log.Warn("running with in-memory stores, nothing is persisted")
		return s, nil

	case "sqlite":
		db, err := sqlite.New(cfg.Headers.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open header database: %w", err)
		}
		s.headers, s.versions = db, db
		s.checks = append(s.checks, api.HealthCheck{Name: "headers", Check: db.Ping})
		s.closers = append(s.closers, db.Close)

	case "postgres":
		db, err := postgres.Open(cfg.Headers.PostgresDSN, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open header database: %w", err)
		}
		s.headers, s.versions = db, db
		s.checks = append(s.checks, api.HealthCheck{Name: "headers", Check: db.Ping})
		s.closers = append(s.closers, db.Close)

	default:
		return nil, fmt.Errorf("unknown HEADER_STORE %q", cfg.Headers.Driver)
	}

	itemsDB, err := items.Open(cfg.Items.Driver, cfg.Items.DSN)
	if err != nil {
		s.Close(log)
		return nil, fmt.Errorf("failed to open items database: %w", err)
	}
	s.items = itemsDB
	s.checks = append(s.checks, api.HealthCheck{Name: "items", Check: itemsDB.Ping})
	s.closers = append(s.closers, itemsDB.Close)
	return s, nil
}

func loadDirectory(cfg *config.Config, log *zap.Logger) (*directory.Directory, error) {
	if cfg.Business.DirectoryFile == "" {
		log.Info("no DIRECTORY_FILE, using demo directory")
		return directory.Demo(), nil
	}
	return directory.Load(cfg.Business.DirectoryFile)
}

func run(cfg *config.Config, log *zap.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close(log)

	dir, err := loadDirectory(cfg, log)
	if err != nil {
		return err
	}

	var notifier document.Notifier = notify.NewLog(log)
	if len(cfg.Kafka.Brokers) > 0 {
		k := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer k.Close()
		notifier = k
	}

	coord := document.NewCoordinator(st.headers, st.items, st.versions,
		document.WithCatalog(dir),
		document.WithCounterparties(dir),
		document.WithNotifier(notifier),
		document.WithLogger(log),
		document.WithLocation(loc),
	)

	sweeper := reconcile.NewOrphanSweeper(st.headers, st.items, log)
	sweeper.Enabled = cfg.Sweeper.Enabled
	sweeper.CheckInterval = cfg.Sweeper.Interval
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewHandler(coord, dir, log, st.checks...)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.HTTPPort),
			zap.String("header_store", cfg.Headers.Driver),
			zap.String("items_driver", cfg.Items.Driver),
			zap.String("timezone", loc.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
