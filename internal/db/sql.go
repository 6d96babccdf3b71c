package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/patrickwarner/adconfirm/internal/db/migrations"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLOptions configures the connection pool.
type SQLOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// OpenSQL connects to the event database and applies pending migrations.
// driver is "sqlite" (modernc, pure Go) or "postgres", in any case.
func OpenSQL(ctx context.Context, driver, dsn string, opts SQLOptions) (*sql.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	system, dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := otelsql.Open(driver, dsn,
		otelsql.WithAttributes(attribute.String("db.system", system)),
	)
	if err != nil {
		return nil, fmt.Errorf("%s open: %w", driver, err)
	}

	if driver == DriverSQLite {
		// a single connection keeps in-memory databases alive and serializes writers
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxIdleConns)
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", driver, err)
	}
	if err := migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	zap.L().Info("Connected to event database", zap.String("driver", driver))
	return db, nil
}

func dialectFor(driver string) (system, dialect string, err error) {
	switch driver {
	case DriverSQLite:
		return "sqlite", "sqlite3", nil
	case DriverPostgres:
		return "postgresql", "postgres", nil
	default:
		return "", "", fmt.Errorf("unsupported sql driver %q", driver)
	}
}

func migrate(ctx context.Context, db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CloseSQL closes db, logging any error.
func CloseSQL(db *sql.DB) {
	if db != nil {
		if err := db.Close(); err != nil {
			zap.L().Error("sql close", zap.Error(err))
		}
	}
}
