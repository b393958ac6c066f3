package wire

import (
	"io"
	"log/slog"
	"os"

	"github.com/google/wire"

	"github.com/sevigo/invoice-relay/internal/app"
	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/db"
	"github.com/sevigo/invoice-relay/internal/logger"
	"github.com/sevigo/invoice-relay/internal/retry"
	"github.com/sevigo/invoice-relay/internal/storage"
	"github.com/sevigo/invoice-relay/internal/storage/memstore"
	"github.com/sevigo/invoice-relay/internal/storage/sqlitestore"
)

var AppSet = wire.NewSet(
	app.NewApp,
	config.LoadConfig,
	provideStore,
	provideRetryPolicy,
	provideLoggerConfig,
	provideLogWriter,
	provideDBConfig,
	provideSlogLogger,
)

func provideLoggerConfig(cfg *config.Config) logger.Config {
	return cfg.Logging
}

func provideDBConfig(cfg *config.Config) *config.DBConfig {
	return &cfg.Database
}

func provideLogWriter(cfg *config.Config) io.Writer {
	switch cfg.Logging.Output {
	case "stderr":
		return os.Stderr
	case "file":
		// resolved by the logger from cfg.Logging.File
		return nil
	default:
		return os.Stdout
	}
}

func provideSlogLogger(loggerConfig logger.Config, writer io.Writer) *slog.Logger {
	l := logger.NewLogger(loggerConfig, writer)
	slog.SetDefault(l)
	return l
}

func provideRetryPolicy(cfg *config.Config) retry.Policy {
	return retry.NewExponential(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.Jitter)
}

// provideStore opens the job store selected by database.driver.
func provideStore(dbConfig *config.DBConfig, policy retry.Policy, logger *slog.Logger) (storage.Store, func(), error) {
	switch dbConfig.Driver {
	case "memory":
		logger.Warn("using in-memory job store; jobs do not survive a restart")
		return memstore.New(policy), func() {}, nil
	case "sqlite":
		s, err := sqlitestore.Open(dbConfig.Path, policy)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("sqlite job store opened", "path", dbConfig.Path)
		cleanup := func() {
			if err := s.Close(); err != nil {
				logger.Error("failed to close sqlite store", "error", err)
			}
		}
		return s, cleanup, nil
	}

	conn, cleanup, err := db.NewDatabase(dbConfig, logger)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewStore(conn.DB, policy), cleanup, nil
}
