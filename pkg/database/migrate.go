package database

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ErrDirtySchema means a previous migration failed halfway. It needs a manual
// `migrate force` before the service can start.
var ErrDirtySchema = errors.New("database schema is dirty")

// RunMigrations brings the schema up to the newest version in migrationsPath.
func RunMigrations(logger *slog.Logger, databaseURL, migrationsPath string) (err error) {
	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to resolve migrations path: %w", err)
	}
	if info, statErr := os.Stat(absPath); statErr != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory %s: %w", absPath, fs.ErrNotExist)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(absPath), databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err == nil {
			err = errors.Join(srcErr, dbErr)
		}
	}()

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case dirty:
		return fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("Database schema is up to date", "version", from)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	to, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	logger.Info("Database migrated", "from_version", from, "to_version", to)
	return nil
}
