package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	// import db drivers
	_ "github.com/lib/pq"

	"github.com/sevigo/invoice-relay/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is a wrapper around the sqlx.DB connection pool.
type DB struct {
	*sqlx.DB
}

// NewDatabase opens the Postgres pool and, unless auto_migrate is off,
// applies pending migrations. With auto_migrate off a schema older than the
// binary is an error. The returned cleanup closes the pool.
func NewDatabase(cfg *config.DBConfig, logger *slog.Logger) (*DB, func(), error) {
	conn, err := Open(cfg.DSN())
	if err != nil {
		return nil, func() {}, err
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	status, err := conn.prepareSchema(cfg.AutoMigrate, logger)
	if err != nil {
		_ = conn.Close()
		return nil, func() {}, err
	}
	if status.Pending() {
		_ = conn.Close()
		return nil, func() {}, fmt.Errorf("database schema is at version %d, binary expects %d; run relay-cli migrate", status.Current, status.Latest)
	}
	logger.Info("database ready", "schema_version", status.Current)

	return conn, func() {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close database connection", "error", err)
		}
	}, nil
}

// Open connects to dsn without running migrations.
func Open(dsn string) (*DB, error) {
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{DB: conn}, nil
}

// prepareSchema applies pending migrations when apply is set and reports
// the resulting schema version, all through one migrator.
func (db *DB) prepareSchema(apply bool, logger *slog.Logger) (MigrationStatus, error) {
	m, err := db.NewMigrator(context.Background())
	if err != nil {
		return MigrationStatus{}, err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("failed to release migrator", "error", err)
		}
	}()

	if apply {
		logger.Info("running database migrations")
		if err := m.Up(); err != nil {
			return MigrationStatus{}, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return m.Status()
}

// RunMigrations executes pending database migrations embedded in the binary.
func (db *DB) RunMigrations() error {
	m, err := db.NewMigrator(context.Background())
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

// MigrationStatus compares the applied schema version with the newest
// migration embedded in the binary.
type MigrationStatus struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// Pending reports whether embedded migrations have not been applied yet.
func (s MigrationStatus) Pending() bool {
	return s.Current < s.Latest
}

func (db *DB) MigrationStatus() (MigrationStatus, error) {
	m, err := db.NewMigrator(context.Background())
	if err != nil {
		return MigrationStatus{}, err
	}
	defer m.Close()
	return m.Status()
}

// Migrator runs the embedded migrations over one pooled connection. The
// connection stays checked out until Close, which hands it back to the pool
// and leaves the pool itself open.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator checks out a dedicated connection for schema work.
func (db *DB) NewMigrator(ctx context.Context) (*Migrator, error) {
	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve migration connection: %w", err)
	}

	// WithConnection leaves the pool alone on Close; WithInstance would close it.
	dbDriver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = dbDriver.Close()
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		_ = sourceDriver.Close()
		_ = dbDriver.Close()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies pending migrations. A dirty schema left by an earlier failed
// migration is reported, not repaired.
func (mg *Migrator) Up() error {
	version, dirty, err := mg.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d; fix it manually (e.g. 'migrate force <version>')", version)
	}

	err = mg.m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Status reports the applied version against the newest embedded one.
func (mg *Migrator) Status() (MigrationStatus, error) {
	version, dirty, err := mg.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, fmt.Errorf("failed to get migration version: %w", err)
	}
	latest, err := latestMigration()
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{Current: version, Latest: latest, Dirty: dirty}, nil
}

// Close releases the source and returns the connection to the pool.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// latestMigration walks the embedded source to its last version.
func latestMigration() (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create migration source: %w", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no embedded migrations: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read migration after %d: %w", v, err)
		}
		v = next
	}
}
