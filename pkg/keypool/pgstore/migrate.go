package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/spounge-ai/keypool/pkg/postgres"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "keypool_schema_migrations"

// Migrate brings the schema in namespace up to date. databaseURL must be a
// postgres:// URL; the namespace schema is created when missing.
func Migrate(ctx context.Context, databaseURL, namespace string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if namespace != "" {
		conn, err := pgx.Connect(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect for migrations: %w", err)
		}
		err = postgres.EnsureSchema(ctx, conn, namespace)
		_ = conn.Close(ctx)
		if err != nil {
			return err
		}
	}

	migrateURL, err := migrationURL(databaseURL, namespace)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err := errors.Join(srcErr, dbErr); err != nil {
			logger.WarnContext(ctx, "failed to close migrator", "error", err)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	logger.InfoContext(ctx, "key storage schema is up to date", "namespace", namespace, "version", version, "dirty", dirty)
	return nil
}

// migrationURL points the migrate driver at namespace through search_path
// and keeps its bookkeeping table apart from other users of the database.
func migrationURL(databaseURL, namespace string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid database url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("database url must use the postgres scheme, got %q", u.Scheme)
	}

	q := u.Query()
	if namespace != "" {
		q.Set("search_path", namespace)
	}
	q.Set("x-migrations-table", migrationsTable)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
