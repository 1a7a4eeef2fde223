package database

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationResult reports the schema version after Migrate.
type MigrationResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate applies every pending migration from sourceURL (e.g.
// file://migrations). Services sharing a database keep separate history by
// passing their own migrationsTable.
func Migrate(sourceURL, connString, migrationsTable string) (MigrationResult, error) {
	dbURL, err := withMigrationsTable(connString, migrationsTable)
	if err != nil {
		return MigrationResult{}, err
	}

	m, err := migrate.New(sourceURL, dbURL)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	res := MigrationResult{Changed: true}
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return MigrationResult{}, fmt.Errorf("failed to run migrations: %w", err)
		}
		res.Changed = false
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return res, fmt.Errorf("failed to read migration version: %w", err)
	}
	res.Version, res.Dirty = version, dirty
	return res, nil
}

func withMigrationsTable(connString, table string) (string, error) {
	if table == "" {
		return connString, nil
	}
	u, err := url.Parse(connString)
	if err != nil {
		return "", fmt.Errorf("invalid connection string: %w", err)
	}
	q := u.Query()
	q.Set("x-migrations-table", table)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
