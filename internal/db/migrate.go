package db

import (
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/chatbridgehq/chatbridge/internal/config"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending schema migrations.
func Migrate(cfg config.PostgresConfig) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	dbURL, err := migrateURL(cfg)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites the DSN scheme so golang-migrate picks the pgx/v5
// driver. Both postgres:// and postgresql:// schemes are accepted.
func migrateURL(cfg config.PostgresConfig) (string, error) {
	u, err := url.Parse(cfg.DSN())
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	u.Scheme = "pgx5"
	return u.String(), nil
}
