package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/usage-relay/backend/internal/store/migrations"
)

// ErrNoChange is returned when Up/Down has nothing to do.
var ErrNoChange = migrate.ErrNoChange

// Migrate applies the embedded migrations to the database named by driver
// and dsn. direction must be "up" or "down". Already being at the target
// version is not an error.
func Migrate(driver, dsn, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	url, err := migrateURL(driver, dsn)
	if err != nil {
		return err
	}

	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, url)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

// migrateURL turns a store DSN into the URL form golang-migrate expects.
func migrateURL(driver, dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("store dsn is required for driver %q", driver)
	}
	switch driver {
	case DriverPostgres:
		return dsn, nil
	case DriverSQLite:
		return "sqlite://" + dsn, nil
	default:
		return "", fmt.Errorf("%w: %q has no migrations", ErrUnknownDriver, driver)
	}
}
