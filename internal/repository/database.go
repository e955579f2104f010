package repository

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations
var migrationsFS embed.FS

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// NewDB opens and pings a database. driverName is "postgres" or "sqlite".
func NewDB(driverName, dataSourceName string, logger *zap.Logger) (*sqlx.DB, error) {
	switch driverName {
	case "postgres":
	case "sqlite":
		dataSourceName = sqliteDSN(dataSourceName)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}

	db, err := sqlx.Connect(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}

	if driverName == "sqlite" {
		// one writer at a time; concurrent callers queue on the pool
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Successfully connected to the database!", zap.String("driver", driverName))
	return db, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// MigrateDB applies the embedded migrations for the database's driver.
func MigrateDB(db *sqlx.DB, logger *zap.Logger) error {
	var (
		driver database.Driver
		err    error
	)
	switch db.DriverName() {
	case "postgres":
		driver, err = postgres.WithInstance(db.DB, &postgres.Config{})
	case "sqlite":
		driver, err = sqlite.WithInstance(db.DB, &sqlite.Config{})
	default:
		return fmt.Errorf("unsupported database driver %q", db.DriverName())
	}
	if err != nil {
		return fmt.Errorf("couldn't get database instance for running migrations: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations/"+db.DriverName())
	if err != nil {
		return fmt.Errorf("couldn't open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "lock_detection", driver)
	if err != nil {
		return fmt.Errorf("couldn't create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("couldn't run database migration: %w", err)
	}

	// The postgres driver holds a dedicated connection; the sqlite driver
	// would close the shared pool instead.
	if db.DriverName() == "postgres" {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("Couldn't release migration resources", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
		}
	}

	logger.Info("Database migration was run successfully")
	return nil
}
