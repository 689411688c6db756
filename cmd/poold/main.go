// Command poold runs the pool execution engine.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/openramp/poolengine/internal/app"
	"github.com/openramp/poolengine/internal/app/services/wallets"
	"github.com/openramp/poolengine/internal/app/storage/postgres"
	"github.com/openramp/poolengine/internal/chain"
	"github.com/openramp/poolengine/internal/config"
	"github.com/openramp/poolengine/pkg/logger"
)

func main() {
	var (
		configPath    = flag.String("config", "config/poolengine.yaml", "path to configuration file")
		migrationsDir = flag.String("migrations", "migrations", "path to database migrations")
		debug         = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := logrus.InfoLevel
	if *debug {
		level = logrus.DebugLevel
	}
	log := logger.New("poold", level)

	if err := run(log, *configPath, *migrationsDir); err != nil {
		log.WithError(err).Error("engine exited")
		os.Exit(1)
	}
}

func run(log *logger.Logger, configPath, migrationsDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	stores := app.Stores{}
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(cfg.DatabaseURL, migrationsDir, log)
		if err != nil {
			return err
		}
		defer db.Close()

		pg := postgres.New(db)
		stores = app.Stores{
			Wallets:       pg,
			Balances:      pg,
			Orders:        pg,
			ExecutionLogs: pg,
			Replenish:     pg,
		}
	} else {
		log.Warn("no database configured, using in-memory store")
	}

	chains := dialChains(cfg, log)

	application, err := app.New(cfg, stores, chains, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           application.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	return application.Stop(shutdownCtx)
}

func openDatabase(dsn, migrationsDir string, log *logger.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Info("database ready")
	return db, nil
}

// dialChains connects every configured chain. A chain that fails to dial or
// has no signing key stays registered with a disabled reason, so balances
// remain readable while execution on it is refused.
func dialChains(cfg *config.Config, log *logger.Logger) map[int64]*wallets.ChainEntry {
	entries := make(map[int64]*wallets.ChainEntry, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		entry := &wallets.ChainEntry{
			Name:           cc.Name,
			NativeSymbol:   cc.NativeSymbol,
			NativeDecimals: cc.NativeDecimal,
			Settlement:     cc.Settlement,
		}
		entries[cc.ChainID] = entry

		key := config.SecretFromEnv(cc.PrivateKeyEnv)
		if key == "" && cc.PrivateKeyEnv != "" {
			entry.DisabledReason = fmt.Sprintf("environment variable %s is unset", cc.PrivateKeyEnv)
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		client, err := chain.Dial(dialCtx, chain.Config{
			ChainID:        cc.ChainID,
			RPCURL:         cc.RPCURL,
			PrivateKeyHex:  key,
			ReceiptTimeout: cfg.Executor.ConfirmationTimeout,
		})
		cancel()
		if err != nil {
			entry.DisabledReason = err.Error()
			log.WithError(err).
				WithField("chain", cc.Name).
				Warn("chain dial failed, chain disabled")
			continue
		}
		entry.Client = wallets.NewEVMClient(client)
		log.WithField("chain", cc.Name).
			WithField("chain_id", cc.ChainID).
			Info("chain connected")
	}
	return entries
}
