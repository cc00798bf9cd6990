package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/ramiqadoumi/tenantflow/internal/postgres/migrations"
)

// Migrate applies every pending up-migration embedded in the binary.
// It reports whether anything was applied.
func Migrate(dsn string) (applied bool, err error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return false, fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, MigrationURL(dsn))
	if err != nil {
		return false, fmt.Errorf("migrate init: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err == nil {
			err = errors.Join(srcErr, dbErr)
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return false, nil
		}
		return false, fmt.Errorf("migrate up: %w", err)
	}
	return true, nil
}

// MigrationURL rewrites a postgres DSN to the pgx5 scheme golang-migrate
// registers for the pgx/v5 driver.
func MigrationURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
