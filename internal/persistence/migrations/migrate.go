// Package migrations wires golang-migrate execution for Axiom's persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	dbmigrations "github.com/axiomtrade/axiom/db/migrations"
)

var errNotDirectory = errors.New("migrations path must be a directory")

// Apply ensures the migrations located at migrationsDir are applied to the
// Postgres instance reachable via dsn. A nil logger disables informational
// logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrator(ctx, dsn, logger, func(driver *pgxv5.Config, db *sql.DB) (*migrate.Migrate, error) {
		instance, err := pgxv5.WithInstance(db, driver)
		if err != nil {
			return nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
		}
		return migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", instance)
	}, func(m *migrate.Migrate) error {
		return runUp(m, logger)
	})
}

// ApplyEmbedded applies the SQL migrations compiled into the binary. Used by
// daemons that migrate on boot without a migrations directory on disk.
func ApplyEmbedded(ctx context.Context, dsn string, logger *log.Logger) error {
	return withMigrator(ctx, dsn, logger, func(driver *pgxv5.Config, db *sql.DB) (*migrate.Migrate, error) {
		source, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		instance, err := pgxv5.WithInstance(db, driver)
		if err != nil {
			return nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
		}
		return migrate.NewWithInstance("iofs", source, "pgx5", instance)
	}, func(m *migrate.Migrate) error {
		return runUp(m, logger)
	})
}

// Rollback reverts up to steps migrations from migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrator(ctx, dsn, logger, func(driver *pgxv5.Config, db *sql.DB) (*migrate.Migrate, error) {
		instance, err := pgxv5.WithInstance(db, driver)
		if err != nil {
			return nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
		}
		return migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", instance)
	}, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				if logger != nil {
					logger.Printf("database migrations: nothing to roll back")
				}
				return nil
			}
			return fmt.Errorf("rollback migrations: %w", err)
		}
		if logger != nil {
			logger.Printf("database migrations rolled back: steps=%d", steps)
		}
		return nil
	})
}

func withMigrator(
	ctx context.Context,
	dsn string,
	logger *log.Logger,
	build func(*pgxv5.Config, *sql.DB) (*migrate.Migrate, error),
	run func(*migrate.Migrate) error,
) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	m, err := build(&driverConfig, db)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	return run(m)
}

func runUp(m *migrate.Migrate, logger *log.Logger) error {
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}
